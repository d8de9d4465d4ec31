// Package errors provides the structured error types used across the
// debugger. Every error that crosses a component boundary carries a
// machine-readable code so that protocol encoders can map it onto their own
// wire form without string matching.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a category of error for programmatic handling.
type ErrorCode string

const (
	// Startup argument errors. Fatal before any session exists.
	CodeBadArgument ErrorCode = "BAD_ARGUMENT"

	// Protocol decode errors. Recovered locally by the command loop.
	CodeDecodeFailed   ErrorCode = "DECODE_FAILED"
	CodeUnknownCommand ErrorCode = "UNKNOWN_COMMAND"
	CodeMissingField   ErrorCode = "MISSING_FIELD"

	// Session state errors. No transition occurs.
	CodeWrongState         ErrorCode = "WRONG_STATE"
	CodeAlreadyInitialized ErrorCode = "ALREADY_INITIALIZED"
	CodeSessionTerminated  ErrorCode = "SESSION_TERMINATED"

	// Runtime errors reported by the debuggee backend.
	CodeAttachFailed    ErrorCode = "ATTACH_FAILED"
	CodeLaunchFailed    ErrorCode = "LAUNCH_FAILED"
	CodeRuntimeFailed   ErrorCode = "RUNTIME_FAILED"
	CodeNotSupported    ErrorCode = "NOT_SUPPORTED"
	CodeEvaluateFailed  ErrorCode = "EVALUATE_FAILED"
	CodeDebuggeeExited  ErrorCode = "DEBUGGEE_EXITED"
	CodeBreakpointError ErrorCode = "BREAKPOINT_ERROR"

	// Redirection transport errors. Degrade, never halt the debuggee.
	CodeTransportBind  ErrorCode = "TRANSPORT_BIND"
	CodeTransportWrite ErrorCode = "TRANSPORT_WRITE"
)

// DebugError is the structured error type shared by the session engine, the
// protocol variants and the redirection transport.
type DebugError struct {
	// Code is the machine-readable error category.
	Code ErrorCode `json:"code"`

	// Message is a human-readable description of what went wrong.
	Message string `json:"message"`

	// Seq is the request id of the client message this error answers, if the
	// protocol has one. Decode errors carry it so the encoder can produce a
	// protocol-correct error reply.
	Seq int `json:"seq,omitempty"`

	// Cause is the underlying error, if any.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *DebugError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error for error chaining.
func (e *DebugError) Unwrap() error { return e.Cause }

// Is matches on the error code so callers can compare against sentinel
// constructors without allocating.
func (e *DebugError) Is(target error) bool {
	var de *DebugError
	if stderrors.As(target, &de) {
		return e.Code == de.Code
	}
	return false
}

// New creates a DebugError with the given code and formatted message.
func New(code ErrorCode, format string, args ...interface{}) *DebugError {
	return &DebugError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a DebugError with an underlying cause.
func Wrap(code ErrorCode, cause error, format string, args ...interface{}) *DebugError {
	return &DebugError{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the error code from err, or CodeRuntimeFailed for plain
// errors that reached a protocol boundary unwrapped.
func CodeOf(err error) ErrorCode {
	var de *DebugError
	if stderrors.As(err, &de) {
		return de.Code
	}
	return CodeRuntimeFailed
}

// --- Argument errors ---

// BadArgument reports a malformed or conflicting startup flag.
func BadArgument(format string, args ...interface{}) *DebugError {
	return New(CodeBadArgument, format, args...)
}

// --- Decode errors ---

// Decode reports a malformed client request. seq is the request id if the
// wire grammar carries one, zero otherwise.
func Decode(seq int, cause error) *DebugError {
	return &DebugError{
		Code:    CodeDecodeFailed,
		Message: "malformed request",
		Seq:     seq,
		Cause:   cause,
	}
}

// UnknownCommand reports a request that decoded cleanly but names no known
// operation.
func UnknownCommand(name string) *DebugError {
	return New(CodeUnknownCommand, "command %q is not supported", name)
}

// MissingField reports a request lacking a required argument.
func MissingField(command, field string) *DebugError {
	return New(CodeMissingField, "%s: required argument %q is missing", command, field)
}

// --- State errors ---

// WrongState reports a command issued in a state that forbids it.
func WrongState(command string, state interface{}) *DebugError {
	return New(CodeWrongState, "%s is not allowed while the session is %v", command, state)
}

// AlreadyInitialized reports a repeated initialize-class command.
func AlreadyInitialized() *DebugError {
	return New(CodeAlreadyInitialized, "session is already initialized")
}

// SessionTerminated reports a command that arrived after the session reached
// its terminal state.
func SessionTerminated() *DebugError {
	return New(CodeSessionTerminated, "session is terminated")
}

// --- Runtime errors ---

// AttachFailed reports a failed attach to the given process id.
func AttachFailed(pid int, cause error) *DebugError {
	return Wrap(CodeAttachFailed, cause, "failed to attach to process %d", pid)
}

// LaunchFailed reports a failed debuggee launch.
func LaunchFailed(program string, cause error) *DebugError {
	return Wrap(CodeLaunchFailed, cause, "failed to launch %s", program)
}

// NotSupported reports an operation the active runtime backend cannot perform.
func NotSupported(operation string) *DebugError {
	return New(CodeNotSupported, "%s is not supported by this runtime", operation)
}

// EvaluateFailed reports a failed expression evaluation.
func EvaluateFailed(expr string, cause error) *DebugError {
	return Wrap(CodeEvaluateFailed, cause, "failed to evaluate %q", expr)
}

// --- Transport errors ---

// TransportBind reports a redirection listener that could not bind its port.
func TransportBind(port int, cause error) *DebugError {
	return Wrap(CodeTransportBind, cause, "cannot listen on port %d", port)
}
