// Package hosted implements the debuggee backend as a hosted OS process.
//
// It launches or attaches to a real process, owns its standard streams and
// reports lifecycle activity (stop, exit, output) through the session
// engine's event sink. Execution control is process-level: continue and
// pause map to resume/suspend signals; a launched process is held unstarted
// until ConfigurationDone so the client's configuration window is real.
//
// Code-level operations that need a managed runtime (instruction stepping,
// expression evaluation, breakpoint binding) are accepted and tracked at the
// orchestration level only: breakpoints are kept pending per source file and
// steps degrade to a resume/suspend cycle.
package hosted

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/emirpasic/gods/maps/treemap"
	godsutils "github.com/emirpasic/gods/utils"
	"github.com/sirupsen/logrus"

	"github.com/MakiWolf/netcoredbg/internal/debuggee"
	"github.com/MakiWolf/netcoredbg/internal/errors"
	"github.com/MakiWolf/netcoredbg/internal/iored"
	"github.com/MakiWolf/netcoredbg/pkg/types"
)

const readChunk = 4096

// Option configures a Debuggee.
type Option func(*Debuggee)

// WithOutput routes the debuggee's captured streams into sink. Without it
// the debuggee inherits the debugger's own stdout and stderr.
func WithOutput(sink iored.Sink) Option {
	return func(d *Debuggee) { d.output = sink }
}

// WithPty runs a launched debuggee on a pseudo-terminal. The pty merges the
// two output streams, so everything is tagged stdout.
func WithPty() Option {
	return func(d *Debuggee) { d.usePty = true }
}

// Debuggee is a process-hosting backend implementing debuggee.Debuggee.
type Debuggee struct {
	mu     sync.Mutex
	sink   debuggee.EventSink
	output iored.Sink
	usePty bool

	cmd      *exec.Cmd
	ptm, pts *os.File
	pid      int
	attached bool
	launched bool
	started  bool
	stopped  bool
	exited   bool
	stopOnEntry bool

	// pipes tracks the stdout/stderr forwarders separately so waitExit can
	// drain them before reaping the process.
	pipes sync.WaitGroup

	// breakpoints per source file, ordered by line
	bps    map[string]*treemap.Map
	nextBP int

	wg  sync.WaitGroup
	log *logrus.Entry
}

// New creates an unattached backend.
func New(opts ...Option) *Debuggee {
	d := &Debuggee{
		bps: make(map[string]*treemap.Map),
		log: logrus.WithField("component", "hosted"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Initialize registers the event sink.
func (d *Debuggee) Initialize(ctx context.Context, sink debuggee.EventSink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sink != nil {
		return errors.AlreadyInitialized()
	}
	d.sink = sink
	return nil
}

// Attach connects to a running process by pid.
func (d *Debuggee) Attach(ctx context.Context, pid int) error {
	if err := processAlive(pid); err != nil {
		return errors.AttachFailed(pid, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pid = pid
	d.attached = true
	d.log.WithField("pid", pid).Info("attached")
	return nil
}

// Launch prepares the debuggee process without starting it. The process is
// started by ConfigurationDone.
func (d *Debuggee) Launch(ctx context.Context, spec types.LaunchSpec) error {
	if spec.Empty() {
		return errors.LaunchFailed("", fmt.Errorf("no program specified"))
	}
	path, err := exec.LookPath(spec.Program)
	if err != nil {
		return errors.LaunchFailed(spec.Program, err)
	}

	cmd := exec.CommandContext(ctx, path, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.launched || d.attached {
		return errors.WrongState(types.CmdLaunch, "already debugging")
	}

	if d.usePty {
		ptm, pts, err := pty.Open()
		if err != nil {
			return errors.LaunchFailed(spec.Program, err)
		}
		cmd.Stdin = pts
		cmd.Stdout = pts
		cmd.Stderr = pts
		d.ptm, d.pts = ptm, pts
	} else if d.output != nil {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return errors.LaunchFailed(spec.Program, err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return errors.LaunchFailed(spec.Program, err)
		}
		d.pipes.Add(2)
		go d.forward(&d.pipes, stdout, types.OutputStdout)
		go d.forward(&d.pipes, stderr, types.OutputStderr)
	} else {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	d.cmd = cmd
	d.launched = true
	d.stopOnEntry = spec.StopAtEntry
	d.log.WithField("program", path).Info("launch prepared")
	return nil
}

// forward pumps one captured stream into the redirection sink, preserving
// the stream tag per chunk.
func (d *Debuggee) forward(wg *sync.WaitGroup, r interface{ Read([]byte) (int, error) }, cat types.OutputCategory) {
	defer wg.Done()
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			d.output.WriteStream(cat, buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// ConfigurationDone closes the configuration window. For a launched debuggee
// this is the moment the process actually starts.
func (d *Debuggee) ConfigurationDone(ctx context.Context) error {
	d.mu.Lock()

	if d.attached {
		// An attached process was never suspended; nothing to release.
		d.mu.Unlock()
		return nil
	}
	if !d.launched || d.cmd == nil {
		d.mu.Unlock()
		return errors.WrongState(types.CmdConfigurationDone, "nothing launched")
	}
	if d.started {
		d.mu.Unlock()
		return errors.WrongState(types.CmdConfigurationDone, "already running")
	}

	if err := d.cmd.Start(); err != nil {
		program := d.cmd.Path
		d.cmd = nil
		d.launched = false
		d.mu.Unlock()
		return errors.LaunchFailed(program, err)
	}
	d.started = true
	d.pid = d.cmd.Process.Pid
	pid := d.pid

	if d.ptm != nil {
		// The child holds its own copy of the pts fd.
		_ = d.pts.Close()
		d.wg.Add(1)
		go d.forward(&d.wg, d.ptm, types.OutputStdout)
	}

	d.wg.Add(1)
	go d.waitExit(d.cmd)

	stoppedAtEntry := false
	if d.stopOnEntry {
		if err := suspend(pid); err == nil {
			d.stopped = true
			stoppedAtEntry = true
		}
	}
	// emit re-locks d.mu, so the stop event goes out after the lock drops.
	d.mu.Unlock()

	if stoppedAtEntry {
		d.emit(types.Event{Kind: types.EventStopped, Payload: types.StoppedPayload{
			Reason: types.StopEntry, ThreadID: 1, AllThreadsStopped: true,
		}})
	}

	d.log.WithField("pid", pid).Info("debuggee started")
	return nil
}

func (d *Debuggee) waitExit(cmd *exec.Cmd) {
	defer d.wg.Done()
	// Wait closes the stdout/stderr pipes, so the forwarders must drain
	// them to EOF first or a fast exit can truncate the output tail.
	d.pipes.Wait()
	err := cmd.Wait()
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = 1
	}

	d.mu.Lock()
	d.exited = true
	d.mu.Unlock()

	d.log.WithField("exitCode", code).Info("debuggee exited")
	d.emit(types.Event{Kind: types.EventExited, Payload: types.ExitedPayload{ExitCode: code}})
	d.emit(types.Event{Kind: types.EventTerminated})
}

func (d *Debuggee) emit(ev types.Event) {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

// SetBreakpoints replaces the breakpoints for one source. Without a managed
// runtime loaded they stay pending (unverified).
func (d *Debuggee) SetBreakpoints(ctx context.Context, source string, bps []types.SourceBreakpoint) ([]types.Breakpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m := treemap.NewWith(godsutils.IntComparator)
	d.bps[source] = m

	result := make([]types.Breakpoint, 0, len(bps))
	for _, sb := range bps {
		d.nextBP++
		bp := types.Breakpoint{
			ID:        d.nextBP,
			Verified:  false,
			Source:    source,
			Line:      sb.Line,
			Condition: sb.Condition,
			Message:   "pending: no symbols loaded for this source",
		}
		m.Put(sb.Line, bp)
		result = append(result, bp)
	}
	return result, nil
}

// Breakpoints returns the pending breakpoints for source in line order.
func (d *Debuggee) Breakpoints(source string) []types.Breakpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.bps[source]
	if !ok {
		return nil
	}
	result := make([]types.Breakpoint, 0, m.Size())
	it := m.Iterator()
	for it.Next() {
		result = append(result, it.Value().(types.Breakpoint))
	}
	return result
}

// Continue resumes a suspended debuggee.
func (d *Debuggee) Continue(ctx context.Context) error {
	d.mu.Lock()
	pid, stopped := d.pid, d.stopped
	d.stopped = false
	d.mu.Unlock()

	if pid == 0 {
		return errors.WrongState(types.CmdContinue, "no debuggee")
	}
	if !stopped {
		return nil
	}
	if err := resume(pid); err != nil {
		return errors.Wrap(errors.CodeRuntimeFailed, err, "cannot resume process %d", pid)
	}
	d.emit(types.Event{Kind: types.EventContinued, Payload: types.ContinuedPayload{ThreadID: 1}})
	return nil
}

// Pause suspends the debuggee and reports the stop.
func (d *Debuggee) Pause(ctx context.Context) error {
	d.mu.Lock()
	pid := d.pid
	d.mu.Unlock()

	if pid == 0 {
		return errors.WrongState(types.CmdPause, "no debuggee")
	}
	if err := suspend(pid); err != nil {
		return errors.Wrap(errors.CodeRuntimeFailed, err, "cannot suspend process %d", pid)
	}
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.emit(types.Event{Kind: types.EventStopped, Payload: types.StoppedPayload{
		Reason: types.StopPause, ThreadID: 1, AllThreadsStopped: true,
	}})
	return nil
}

// step performs the process-level step degradation: resume, immediately
// suspend again, report a step stop.
func (d *Debuggee) step(op string) error {
	d.mu.Lock()
	pid, stopped := d.pid, d.stopped
	d.mu.Unlock()

	if pid == 0 {
		return errors.WrongState(op, "no debuggee")
	}
	if !stopped {
		return errors.WrongState(op, "debuggee is running")
	}
	if err := resume(pid); err != nil {
		return errors.Wrap(errors.CodeRuntimeFailed, err, "cannot resume process %d", pid)
	}
	if err := suspend(pid); err != nil {
		// The process may have exited inside the window; the exit event
		// covers it.
		return nil
	}
	d.emit(types.Event{Kind: types.EventStopped, Payload: types.StoppedPayload{
		Reason: types.StopStep, ThreadID: 1, AllThreadsStopped: true,
	}})
	return nil
}

// Next implements a process-level step over.
func (d *Debuggee) Next(ctx context.Context) error { return d.step(types.CmdNext) }

// StepIn implements a process-level step in.
func (d *Debuggee) StepIn(ctx context.Context) error { return d.step(types.CmdStepIn) }

// StepOut implements a process-level step out.
func (d *Debuggee) StepOut(ctx context.Context) error { return d.step(types.CmdStepOut) }

// Threads reports the single process-level thread.
func (d *Debuggee) Threads(ctx context.Context) ([]types.Thread, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pid == 0 {
		return nil, errors.WrongState(types.CmdThreads, "no debuggee")
	}
	return []types.Thread{{ID: 1, Name: fmt.Sprintf("pid %d", d.pid)}}, nil
}

// StackTrace reports the single process-level frame.
func (d *Debuggee) StackTrace(ctx context.Context, threadID int) ([]types.StackFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pid == 0 {
		return nil, errors.WrongState(types.CmdStackTrace, "no debuggee")
	}
	name := fmt.Sprintf("pid %d", d.pid)
	source := ""
	if d.cmd != nil {
		name = d.cmd.Path
		source = d.cmd.Path
	}
	return []types.StackFrame{{ID: 1000, Name: name, Source: source}}, nil
}

// Evaluate needs a managed runtime; the process host cannot serve it.
func (d *Debuggee) Evaluate(ctx context.Context, frameID int, expression string) (*types.EvaluateResult, error) {
	return nil, errors.EvaluateFailed(expression, errors.NotSupported(types.CmdEvaluate))
}

// Disconnect detaches. An attached process is left running; a launched one
// is terminated, since nothing else owns it.
func (d *Debuggee) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	attached, pid, stopped := d.attached, d.pid, d.stopped
	d.mu.Unlock()

	if attached {
		if stopped && pid != 0 {
			_ = resume(pid)
		}
		d.mu.Lock()
		d.attached = false
		d.pid = 0
		d.mu.Unlock()
		d.emit(types.Event{Kind: types.EventTerminated})
		return nil
	}
	return d.Terminate(ctx)
}

// Terminate forcibly ends the debuggee.
func (d *Debuggee) Terminate(ctx context.Context) error {
	d.mu.Lock()
	pid, started, exited, attached := d.pid, d.started, d.exited, d.attached
	ptm := d.ptm
	d.ptm = nil
	d.mu.Unlock()

	if pid != 0 && (started || attached) && !exited {
		if err := kill(pid); err != nil {
			d.log.WithError(err).WithField("pid", pid).Debug("kill failed")
		}
	}
	if attached {
		// No waiter goroutine watches an attached pid; report the end here.
		d.mu.Lock()
		d.attached = false
		d.exited = true
		d.mu.Unlock()
		d.emit(types.Event{Kind: types.EventTerminated})
	}
	if !started && !attached {
		// Never got off the ground; still report the end of the session.
		d.emit(types.Event{Kind: types.EventTerminated})
	}
	if ptm != nil {
		_ = ptm.Close()
	}
	return nil
}
