//go:build !windows

package hosted

import "syscall"

// processAlive reports whether pid exists and is signalable.
func processAlive(pid int) error {
	return syscall.Kill(pid, 0)
}

// suspend stops the process without terminating it.
func suspend(pid int) error {
	return syscall.Kill(pid, syscall.SIGSTOP)
}

// resume continues a suspended process.
func resume(pid int) error {
	return syscall.Kill(pid, syscall.SIGCONT)
}

// kill forcibly terminates the process.
func kill(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}
