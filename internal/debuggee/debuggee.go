// Package debuggee defines the narrow interface between the session engine
// and the native runtime-debugging backend.
//
// The session engine is the only caller of a Debuggee; backends report
// asynchronous runtime activity (stops, exits, output) through the EventSink
// given to Initialize. Sink callbacks may be delivered from any goroutine and
// must never block on the caller.
package debuggee

import (
	"context"

	"github.com/MakiWolf/netcoredbg/pkg/types"
)

// EventSink receives asynchronous runtime events. Implemented by the session
// engine, which serializes delivery to the client. Delivery is deferred while
// a command is in flight, so a backend must not emit an unbounded burst of
// events synchronously from inside a runtime call; bursts beyond the engine's
// buffer must come from a separate goroutine.
type EventSink func(types.Event)

// Debuggee is the runtime-debugging backend contract. All blocking calls take
// a context so a terminate command can unblock an in-progress wait.
type Debuggee interface {
	// Initialize prepares the backend and registers the event sink. It must be
	// called exactly once, before any other method.
	Initialize(ctx context.Context, sink EventSink) error

	// Attach connects to a running process. On failure the backend must not
	// retain any partial handle to the target.
	Attach(ctx context.Context, pid int) error

	// Launch loads the debuggee described by spec but does not resume it: the
	// process must not execute its first instruction until ConfigurationDone,
	// so initial breakpoints can be installed without racing it.
	Launch(ctx context.Context, spec types.LaunchSpec) error

	// ConfigurationDone ends the configuration window and resumes (or, for
	// attach, releases) the debuggee.
	ConfigurationDone(ctx context.Context) error

	// SetBreakpoints replaces the breakpoints for one source file and returns
	// the resulting breakpoint states.
	SetBreakpoints(ctx context.Context, source string, bps []types.SourceBreakpoint) ([]types.Breakpoint, error)

	// Execution control. Each call resumes or suspends the debuggee; the
	// resulting stop is reported asynchronously through the sink.
	Continue(ctx context.Context) error
	Next(ctx context.Context) error
	StepIn(ctx context.Context) error
	StepOut(ctx context.Context) error
	Pause(ctx context.Context) error

	// Inspection while stopped.
	Threads(ctx context.Context) ([]types.Thread, error)
	StackTrace(ctx context.Context, threadID int) ([]types.StackFrame, error)
	Evaluate(ctx context.Context, frameID int, expression string) (*types.EvaluateResult, error)

	// Disconnect detaches from the debuggee and leaves it running.
	Disconnect(ctx context.Context) error

	// Terminate forcibly ends the debuggee.
	Terminate(ctx context.Context) error
}
