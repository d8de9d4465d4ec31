// Package session implements the session engine: it owns one debuggee
// lifecycle as a strict state machine, turns normalized commands into
// runtime-interface calls and runtime callbacks into ordered client events.
//
// Concurrency discipline: the state field is the single serialization point
// between the command goroutine and the runtime callback goroutines; every
// transition happens under the engine mutex and every command handler
// re-checks the current state after acquiring it. Events flow through one
// ordered channel consumed by a single dispatch goroutine, which also yields
// to in-flight commands so a command's reply is always written before any
// event that command caused.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/MakiWolf/netcoredbg/internal/debuggee"
	"github.com/MakiWolf/netcoredbg/internal/errors"
	"github.com/MakiWolf/netcoredbg/pkg/types"
)

// Emitter is the protocol-side surface the engine delivers events to.
// Implementations must serialize concurrent writers to the client.
type Emitter interface {
	EmitEvent(ev types.Event) error
}

// eventBuffer bounds the engine's ordered event channel. The dispatcher does
// not run while a command is in flight, so events emitted synchronously from
// inside a runtime call queue here; the EventSink contract caps such bursts
// below this bound.
const eventBuffer = 128

// Option configures an Engine.
type Option func(*Engine)

// WithLaunchSeed pre-seeds the launch spec from the trailing command-line
// arguments. A later launch command without its own program uses it.
func WithLaunchSeed(spec types.LaunchSpec) Option {
	return func(e *Engine) { e.seed = spec }
}

// Engine drives one debuggee lifecycle.
type Engine struct {
	id  string
	dbg debuggee.Debuggee

	mu      sync.Mutex
	state   types.State
	emitter Emitter
	seed    types.LaunchSpec

	// events is the single ordering point for client-bound notifications.
	events  chan types.Event
	pending atomic.Int64

	// emitGate is held across command execution plus reply encoding, so the
	// dispatcher cannot interleave an event between a command and its reply.
	emitGate sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
	closed   chan struct{}
	wg       sync.WaitGroup

	log *logrus.Entry
}

// New creates an engine in the Created state.
func New(dbg debuggee.Debuggee, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		id:     uuid.NewString(),
		dbg:    dbg,
		state:  types.StateCreated,
		events: make(chan types.Event, eventBuffer),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	e.log = logrus.WithFields(logrus.Fields{"component": "session", "session": e.id})
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ID returns the session identity.
func (e *Engine) ID() string { return e.id }

// Bind attaches the one protocol instance this engine will ever have and
// starts event dispatch. Rebinding is a programming error.
func (e *Engine) Bind(em Emitter) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.emitter != nil {
		return errors.New(errors.CodeRuntimeFailed, "session already has a protocol bound")
	}
	e.emitter = em
	e.wg.Add(1)
	go e.dispatch()
	return nil
}

// State returns the current lifecycle state.
func (e *Engine) State() types.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done is closed once the session reaches Terminated.
func (e *Engine) Done() <-chan struct{} { return e.done }

// transition moves to next if the machine is currently in one of from.
// Callers hold no locks; the check-and-set is atomic here.
func (e *Engine) transition(cmd string, next types.State, from ...types.State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transitionLocked(cmd, next, from...)
}

func (e *Engine) transitionLocked(cmd string, next types.State, from ...types.State) error {
	if e.state.Terminal() {
		return errors.SessionTerminated()
	}
	for _, f := range from {
		if e.state == f {
			e.state = next
			e.log.WithFields(logrus.Fields{"from": f, "to": next}).Debug("state transition")
			return nil
		}
	}
	return errors.WrongState(cmd, e.state)
}

// revert undoes an optimistic transition after a failed runtime call, but
// only if no callback moved the machine elsewhere in the meantime.
func (e *Engine) revert(from, to types.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == from {
		e.state = to
		e.log.WithFields(logrus.Fields{"from": from, "to": to}).Debug("state reverted")
	}
}

// Sink is the runtime-interface callback surface. It may be called from any
// goroutine; events are enqueued in arrival order.
func (e *Engine) Sink(ev types.Event) {
	e.mu.Lock()
	switch ev.Kind {
	case types.EventStopped:
		if e.state == types.StateRunning || e.state == types.StateConfiguring {
			e.state = types.StateStopped
		}
	case types.EventContinued:
		if e.state == types.StateStopped {
			e.state = types.StateRunning
		}
	case types.EventExited:
		if !e.state.Terminal() {
			e.state = types.StateTerminating
		}
	case types.EventTerminated:
		e.state = types.StateTerminated
	}
	terminal := e.state.Terminal()
	e.mu.Unlock()

	e.enqueue(ev)
	if terminal {
		e.doneOnce.Do(func() { close(e.done) })
	}
}

func (e *Engine) enqueue(ev types.Event) {
	e.pending.Add(1)
	select {
	case e.events <- ev:
	case <-e.closed:
		e.pending.Add(-1)
	}
}

// dispatch is the single consumer of the event channel. It delivers events
// to the protocol in observation order, pausing while a command is in
// flight so replies are never overtaken.
func (e *Engine) dispatch() {
	defer e.wg.Done()
	for {
		select {
		case ev := <-e.events:
			e.deliver(ev)
		case <-e.closed:
			// Drain whatever is already queued, then stop.
			for {
				select {
				case ev := <-e.events:
					e.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) deliver(ev types.Event) {
	e.emitGate.Lock()
	defer e.emitGate.Unlock()
	defer e.pending.Add(-1)
	e.mu.Lock()
	em := e.emitter
	e.mu.Unlock()
	if em == nil {
		return
	}
	if err := em.EmitEvent(ev); err != nil {
		e.log.WithError(err).WithField("event", ev.Kind).Debug("event emit failed")
	}
}

// Drain waits (bounded) until all observed events have been delivered to the
// protocol. Used before tearing the command loop down.
func (e *Engine) Drain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for e.pending.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

// Close releases the dispatcher. It does not terminate the debuggee; issue a
// terminate command for that.
func (e *Engine) Close() {
	select {
	case <-e.closed:
	default:
		close(e.closed)
	}
	e.cancel()
	e.wg.Wait()
}

// Execute runs one command and hands the reply to the encode callback while
// still holding the emit gate, so no event can squeeze between the command
// and its reply. reply may be nil when the caller does not need one.
func (e *Engine) Execute(ctx context.Context, cmd types.Command, reply func(types.Reply) error) error {
	e.emitGate.Lock()
	defer e.emitGate.Unlock()

	r := e.handle(ctx, cmd)
	if !r.Success {
		e.log.WithFields(logrus.Fields{"command": cmd.Name, "error": r.Message}).Info("command failed")
	}
	if reply == nil {
		return nil
	}
	return reply(r)
}

func (e *Engine) handle(ctx context.Context, cmd types.Command) types.Reply {
	switch cmd.Name {
	case types.CmdInitialize:
		return e.handleInitialize(ctx, cmd)
	case types.CmdAttach:
		return e.handleAttach(ctx, cmd)
	case types.CmdLaunch:
		return e.handleLaunch(ctx, cmd)
	case types.CmdRun:
		return e.handleRun(ctx, cmd)
	case types.CmdSetBreakpoints:
		return e.handleSetBreakpoints(ctx, cmd)
	case types.CmdConfigurationDone:
		return e.handleConfigurationDone(ctx, cmd)
	case types.CmdContinue:
		return e.handleResume(ctx, cmd, e.dbg.Continue)
	case types.CmdNext:
		return e.handleResume(ctx, cmd, e.dbg.Next)
	case types.CmdStepIn:
		return e.handleResume(ctx, cmd, e.dbg.StepIn)
	case types.CmdStepOut:
		return e.handleResume(ctx, cmd, e.dbg.StepOut)
	case types.CmdPause:
		return e.handlePause(ctx, cmd)
	case types.CmdThreads:
		return e.handleThreads(ctx, cmd)
	case types.CmdStackTrace:
		return e.handleStackTrace(ctx, cmd)
	case types.CmdEvaluate:
		return e.handleEvaluate(ctx, cmd)
	case types.CmdState:
		return okReply(cmd, types.StateBody{State: e.State()})
	case types.CmdDisconnect:
		return e.handleShutdown(ctx, cmd, e.dbg.Disconnect)
	case types.CmdTerminate:
		return e.handleShutdown(ctx, cmd, e.dbg.Terminate)
	default:
		return errReply(cmd, errors.UnknownCommand(cmd.Name))
	}
}

func okReply(cmd types.Command, body interface{}) types.Reply {
	return types.Reply{Command: cmd.Name, Seq: cmd.Seq, Success: true, Body: body}
}

func errReply(cmd types.Command, err error) types.Reply {
	return types.Reply{Command: cmd.Name, Seq: cmd.Seq, Success: false, Message: err.Error()}
}

func (e *Engine) handleInitialize(ctx context.Context, cmd types.Command) types.Reply {
	e.mu.Lock()
	if e.state != types.StateCreated {
		err := errors.AlreadyInitialized()
		if e.state.Terminal() {
			err = errors.SessionTerminated()
		}
		e.mu.Unlock()
		return errReply(cmd, err)
	}
	e.state = types.StateInitializing
	e.mu.Unlock()

	if err := e.dbg.Initialize(e.ctx, e.Sink); err != nil {
		e.revert(types.StateInitializing, types.StateCreated)
		return errReply(cmd, err)
	}

	if err := e.transition(cmd.Name, types.StateIdle, types.StateInitializing); err != nil {
		return errReply(cmd, err)
	}
	e.enqueue(types.Event{Kind: types.EventInitialized})
	return okReply(cmd, types.Capabilities{
		SupportsConfigurationDone: true,
		SupportsTerminateRequest:  true,
		SupportsPause:             true,
		SupportsEvaluate:          true,
	})
}

func (e *Engine) handleAttach(ctx context.Context, cmd types.Command) types.Reply {
	pid, ok := cmd.Int("pid")
	if !ok || pid <= 0 {
		return errReply(cmd, errors.MissingField(cmd.Name, "pid"))
	}
	if err := e.transition(cmd.Name, types.StateAttaching, types.StateIdle); err != nil {
		return errReply(cmd, err)
	}
	if err := e.dbg.Attach(e.ctx, pid); err != nil {
		e.revert(types.StateAttaching, types.StateIdle)
		return errReply(cmd, err)
	}
	if err := e.transition(cmd.Name, types.StateConfiguring, types.StateAttaching); err != nil {
		return errReply(cmd, err)
	}
	return okReply(cmd, nil)
}

// launchSpec resolves the spec for a launch-class command: explicit
// arguments win, the command-line seed is the fallback.
func (e *Engine) launchSpec(cmd types.Command) (types.LaunchSpec, error) {
	spec := types.LaunchSpec{}
	if program, ok := cmd.String("program"); ok && program != "" {
		spec.Program = program
		if args, ok := cmd.Args["args"].([]string); ok {
			spec.Args = args
		}
		if cwd, ok := cmd.String("cwd"); ok {
			spec.Cwd = cwd
		}
		if env, ok := cmd.Args["env"].(map[string]string); ok {
			spec.Env = env
		}
		if stop, ok := cmd.Args["stopAtEntry"].(bool); ok {
			spec.StopAtEntry = stop
		}
		return spec, nil
	}

	e.mu.Lock()
	seed := e.seed
	e.mu.Unlock()
	if seed.Empty() {
		return spec, errors.MissingField(cmd.Name, "program")
	}
	return seed, nil
}

func (e *Engine) handleLaunch(ctx context.Context, cmd types.Command) types.Reply {
	spec, err := e.launchSpec(cmd)
	if err != nil {
		return errReply(cmd, err)
	}
	if err := e.transition(cmd.Name, types.StateLaunching, types.StateIdle); err != nil {
		return errReply(cmd, err)
	}
	if err := e.dbg.Launch(e.ctx, spec); err != nil {
		e.revert(types.StateLaunching, types.StateIdle)
		return errReply(cmd, err)
	}
	if err := e.transition(cmd.Name, types.StateConfiguring, types.StateLaunching); err != nil {
		return errReply(cmd, err)
	}
	return okReply(cmd, nil)
}

// handleRun is the machine-interface fast path: launch and close the
// configuration window in one step.
func (e *Engine) handleRun(ctx context.Context, cmd types.Command) types.Reply {
	if r := e.handleLaunch(ctx, cmd); !r.Success {
		return types.Reply{Command: cmd.Name, Seq: cmd.Seq, Success: false, Message: r.Message}
	}
	r := e.handleConfigurationDone(ctx, cmd)
	r.Command = cmd.Name
	return r
}

func (e *Engine) handleSetBreakpoints(ctx context.Context, cmd types.Command) types.Reply {
	source, ok := cmd.String("source")
	if !ok || source == "" {
		return errReply(cmd, errors.MissingField(cmd.Name, "source"))
	}
	bps, _ := cmd.Args["breakpoints"].([]types.SourceBreakpoint)

	switch e.State() {
	case types.StateIdle, types.StateConfiguring, types.StateRunning, types.StateStopped:
	case types.StateTerminated:
		return errReply(cmd, errors.SessionTerminated())
	default:
		return errReply(cmd, errors.WrongState(cmd.Name, e.State()))
	}

	result, err := e.dbg.SetBreakpoints(e.ctx, source, bps)
	if err != nil {
		return errReply(cmd, err)
	}
	return okReply(cmd, types.BreakpointsBody{Breakpoints: result})
}

func (e *Engine) handleConfigurationDone(ctx context.Context, cmd types.Command) types.Reply {
	// Hard precondition: the configuration window must be open. The debuggee
	// is never resumed by an early configurationDone.
	if err := e.transition(cmd.Name, types.StateRunning, types.StateConfiguring); err != nil {
		return errReply(cmd, err)
	}
	if err := e.dbg.ConfigurationDone(e.ctx); err != nil {
		e.revert(types.StateRunning, types.StateConfiguring)
		return errReply(cmd, err)
	}
	return okReply(cmd, nil)
}

// handleResume covers continue and the step variants: all resume the
// debuggee from Stopped; the next stop arrives asynchronously.
func (e *Engine) handleResume(ctx context.Context, cmd types.Command, op func(context.Context) error) types.Reply {
	if err := e.transition(cmd.Name, types.StateRunning, types.StateStopped); err != nil {
		return errReply(cmd, err)
	}
	if err := op(e.ctx); err != nil {
		e.revert(types.StateRunning, types.StateStopped)
		return errReply(cmd, err)
	}
	return okReply(cmd, nil)
}

func (e *Engine) handlePause(ctx context.Context, cmd types.Command) types.Reply {
	if s := e.State(); s != types.StateRunning {
		if s.Terminal() {
			return errReply(cmd, errors.SessionTerminated())
		}
		return errReply(cmd, errors.WrongState(cmd.Name, s))
	}
	if err := e.dbg.Pause(e.ctx); err != nil {
		return errReply(cmd, err)
	}
	return okReply(cmd, nil)
}

func (e *Engine) handleThreads(ctx context.Context, cmd types.Command) types.Reply {
	switch e.State() {
	case types.StateRunning, types.StateStopped, types.StateConfiguring:
	case types.StateTerminated:
		return errReply(cmd, errors.SessionTerminated())
	default:
		return errReply(cmd, errors.WrongState(cmd.Name, e.State()))
	}
	threads, err := e.dbg.Threads(e.ctx)
	if err != nil {
		return errReply(cmd, err)
	}
	return okReply(cmd, types.ThreadsBody{Threads: threads})
}

func (e *Engine) handleStackTrace(ctx context.Context, cmd types.Command) types.Reply {
	if s := e.State(); s != types.StateStopped {
		if s.Terminal() {
			return errReply(cmd, errors.SessionTerminated())
		}
		return errReply(cmd, errors.WrongState(cmd.Name, s))
	}
	threadID, _ := cmd.Int("threadId")
	frames, err := e.dbg.StackTrace(e.ctx, threadID)
	if err != nil {
		return errReply(cmd, err)
	}
	return okReply(cmd, types.StackTraceBody{Frames: frames})
}

func (e *Engine) handleEvaluate(ctx context.Context, cmd types.Command) types.Reply {
	expr, ok := cmd.String("expression")
	if !ok || expr == "" {
		return errReply(cmd, errors.MissingField(cmd.Name, "expression"))
	}
	if s := e.State(); s != types.StateStopped {
		if s.Terminal() {
			return errReply(cmd, errors.SessionTerminated())
		}
		return errReply(cmd, errors.WrongState(cmd.Name, s))
	}
	frameID, _ := cmd.Int("frameId")
	result, err := e.dbg.Evaluate(e.ctx, frameID, expr)
	if err != nil {
		return errReply(cmd, err)
	}
	return okReply(cmd, result)
}

// handleShutdown covers disconnect and terminate. Both force the machine
// toward Terminating, unblock any in-progress runtime wait, and rely on the
// backend's terminated event to reach Terminated; a backend that stays
// silent is finished off here.
func (e *Engine) handleShutdown(ctx context.Context, cmd types.Command, op func(context.Context) error) types.Reply {
	e.mu.Lock()
	if e.state.Terminal() {
		e.mu.Unlock()
		return errReply(cmd, errors.SessionTerminated())
	}
	e.state = types.StateTerminating
	e.mu.Unlock()

	// Unblock anything waiting inside the runtime interface.
	e.cancel()

	err := op(context.Background())

	e.mu.Lock()
	if !e.state.Terminal() {
		e.state = types.StateTerminated
	}
	e.mu.Unlock()
	e.doneOnce.Do(func() { close(e.done) })

	if err != nil {
		return errReply(cmd, err)
	}
	return okReply(cmd, nil)
}
