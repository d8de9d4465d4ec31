//go:build windows

package hosted

import (
	"os"

	"github.com/MakiWolf/netcoredbg/internal/errors"
)

// processAlive reports whether pid exists.
func processAlive(pid int) error {
	_, err := os.FindProcess(pid)
	return err
}

// Windows has no process-wide suspend/resume signals; the process-level
// backend cannot pause there.

func suspend(pid int) error {
	return errors.NotSupported("pause")
}

func resume(pid int) error {
	return errors.NotSupported("continue")
}

func kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
