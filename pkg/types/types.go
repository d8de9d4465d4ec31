// Package types defines the protocol-agnostic vocabulary shared by every
// component of the debugger.
//
// This package provides type definitions for:
//   - Command: a normalized client request, independent of wire encoding
//   - Reply: the immediate result of executing one Command
//   - Event: an asynchronous notification flowing from the debuggee to the client
//   - State: the session lifecycle states
//   - LaunchSpec, Breakpoint, StackFrame, Thread: debuggee-facing data
//
// No protocol syntax may leak past this layer: the machine-interface, debug
// adapter, interactive and tool-call encodings all decode into and encode out
// of these types.
package types

// State represents the lifecycle state of a debug session.
type State string

const (
	StateCreated      State = "created"
	StateInitializing State = "initializing"
	StateIdle         State = "idle"
	StateAttaching    State = "attaching"
	StateLaunching    State = "launching"
	StateConfiguring  State = "configuring"
	StateRunning      State = "running"
	StateStopped      State = "stopped"
	StateTerminating  State = "terminating"
	StateTerminated   State = "terminated"
)

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool { return s == StateTerminated }

// Command names understood by the session engine. Every protocol variant
// normalizes its own wire grammar onto exactly this set.
const (
	CmdInitialize        = "initialize"
	CmdLaunch            = "launch"
	CmdAttach            = "attach"
	CmdRun               = "run" // launch + configurationDone in one step (machine-interface style)
	CmdSetBreakpoints    = "setBreakpoints"
	CmdConfigurationDone = "configurationDone"
	CmdContinue          = "continue"
	CmdNext              = "next"
	CmdStepIn            = "stepIn"
	CmdStepOut           = "stepOut"
	CmdPause             = "pause"
	CmdThreads           = "threads"
	CmdStackTrace        = "stackTrace"
	CmdEvaluate          = "evaluate"
	CmdState             = "state"
	CmdDisconnect        = "disconnect"
	CmdTerminate         = "terminate"
)

// Command is a single normalized client request. It is immutable once decoded
// and lives for one command-loop iteration.
type Command struct {
	// Name is one of the Cmd* constants.
	Name string

	// Seq is the protocol-level request id, zero if the wire grammar has none.
	Seq int

	// Args holds the decoded arguments keyed by their canonical names.
	Args map[string]interface{}
}

// Int returns the named argument as an int, tolerating the numeric types the
// different decoders produce.
func (c Command) Int(key string) (int, bool) {
	switch v := c.Args[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// String returns the named argument as a string.
func (c Command) String(key string) (string, bool) {
	s, ok := c.Args[key].(string)
	return s, ok
}

// Reply is the immediate result of one Command. It is written to the client
// before any event the command caused.
type Reply struct {
	Command string
	Seq     int
	Success bool
	Message string // error text when Success is false
	Body    interface{}
}

// EventKind tags an Event with its category.
type EventKind string

const (
	EventInitialized EventKind = "initialized"
	EventOutput      EventKind = "output"
	EventStopped     EventKind = "stopped"
	EventContinued   EventKind = "continued"
	EventExited      EventKind = "exited"
	EventTerminated  EventKind = "terminated"
	EventBreakpoint  EventKind = "breakpoint"
	EventError       EventKind = "error"
)

// Event is a normalized notification flowing from the debuggee (or the session
// engine itself) to the client. Events are consumed exactly once by the active
// protocol's encoder, in the order the session engine observed them.
type Event struct {
	Kind    EventKind
	Payload interface{}
}

// OutputCategory identifies which debuggee stream an output chunk came from.
type OutputCategory string

const (
	OutputStdout  OutputCategory = "stdout"
	OutputStderr  OutputCategory = "stderr"
	OutputConsole OutputCategory = "console"
)

// OutputPayload carries one chunk of debuggee or engine output.
type OutputPayload struct {
	Category OutputCategory
	Output   string
}

// StopReason describes why the debuggee stopped.
type StopReason string

const (
	StopEntry      StopReason = "entry"
	StopBreakpoint StopReason = "breakpoint"
	StopStep       StopReason = "step"
	StopPause      StopReason = "pause"
	StopException  StopReason = "exception"
)

// StoppedPayload carries the details of a stop event.
type StoppedPayload struct {
	Reason   StopReason
	ThreadID int
	Text     string
	// AllThreadsStopped is true for runtimes that stop the whole process.
	AllThreadsStopped bool
}

// ContinuedPayload reports that execution resumed.
type ContinuedPayload struct {
	ThreadID int
}

// ExitedPayload carries the debuggee's exit code.
type ExitedPayload struct {
	ExitCode int
}

// BreakpointPayload reports a breakpoint whose state changed asynchronously.
type BreakpointPayload struct {
	Reason     string // "changed", "new", "removed"
	Breakpoint Breakpoint
}

// ErrorPayload carries an engine-synthesized error event.
type ErrorPayload struct {
	Code    string
	Message string
}

// LaunchSpec describes how to start a debuggee process. Immutable once the
// debuggee starts.
type LaunchSpec struct {
	Program     string            `json:"program"`
	Args        []string          `json:"args,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	StopAtEntry bool              `json:"stopAtEntry,omitempty"`
}

// Empty reports whether no program has been specified.
func (s LaunchSpec) Empty() bool { return s.Program == "" }

// SourceBreakpoint is a client-requested breakpoint location.
type SourceBreakpoint struct {
	Line      int    `json:"line"`
	Condition string `json:"condition,omitempty"`
}

// Breakpoint is a breakpoint as known to the runtime.
type Breakpoint struct {
	ID        int    `json:"id"`
	Verified  bool   `json:"verified"`
	Source    string `json:"source,omitempty"`
	Line      int    `json:"line"`
	Condition string `json:"condition,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Thread describes one debuggee thread.
type Thread struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// StackFrame describes one frame of a stopped thread.
type StackFrame struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Source string `json:"source,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

// EvaluateResult is the outcome of evaluating an expression.
type EvaluateResult struct {
	Result string `json:"result"`
	Type   string `json:"type,omitempty"`
}

// Capabilities advertises what the session engine supports, encoded by each
// protocol in its own form.
type Capabilities struct {
	SupportsConfigurationDone bool
	SupportsTerminateRequest  bool
	SupportsPause             bool
	SupportsEvaluate          bool
}

// Reply body types returned by the session engine.

// BreakpointsBody is the body of a setBreakpoints reply.
type BreakpointsBody struct {
	Breakpoints []Breakpoint
}

// ThreadsBody is the body of a threads reply.
type ThreadsBody struct {
	Threads []Thread
}

// StackTraceBody is the body of a stackTrace reply.
type StackTraceBody struct {
	Frames []StackFrame
}

// StateBody is the body of a state reply.
type StateBody struct {
	State State
}
