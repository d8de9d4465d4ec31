// Package vscode implements the IDE debug-adapter protocol variant using
// the DAP wire format: length-prefixed JSON messages as read and written by
// github.com/google/go-dap.
//
// Each incoming request is normalized to a Command; replies and events are
// encoded back as typed DAP responses and events. With engine logging
// enabled every message crossing the wire is mirrored to a traffic log.
package vscode

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"

	"github.com/MakiWolf/netcoredbg/internal/errors"
	"github.com/MakiWolf/netcoredbg/internal/protocol"
	"github.com/MakiWolf/netcoredbg/internal/session"
	"github.com/MakiWolf/netcoredbg/pkg/types"
)

// Option configures the protocol.
type Option func(*Protocol)

// WithEngineLog mirrors all protocol traffic to w.
func WithEngineLog(w io.Writer) Option {
	return func(p *Protocol) { p.engineLog = w }
}

// WithLaunchOverride replaces the client's launch arguments with the spec
// taken from the debugger's own command line.
func WithLaunchOverride(spec types.LaunchSpec) Option {
	return func(p *Protocol) { p.launchOverride = &spec }
}

// Protocol is the debug-adapter variant.
type Protocol struct {
	engine *session.Engine
	reader *bufio.Reader
	closer io.Closer

	writeMu sync.Mutex
	writer  *bufio.Writer
	seq     int

	engineLog      io.Writer
	launchOverride *types.LaunchSpec
}

// New creates the DAP protocol over the given streams. in is closed on
// session teardown when it implements io.Closer.
func New(engine *session.Engine, in io.Reader, out io.Writer, opts ...Option) *Protocol {
	p := &Protocol{
		engine: engine,
		reader: bufio.NewReader(in),
		writer: bufio.NewWriter(out),
	}
	if c, ok := in.(io.Closer); ok {
		p.closer = c
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the blocking command loop.
func (p *Protocol) Run(ctx context.Context) error {
	return protocol.RunLoop(ctx, p.engine, p)
}

// EmitEvent implements protocol.Protocol.
func (p *Protocol) EmitEvent(ev types.Event) error { return p.EncodeEvent(ev) }

// Close releases the input stream so a blocked Decode returns.
func (p *Protocol) Close() error {
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}

// Decode reads one DAP request and normalizes it.
func (p *Protocol) Decode() (types.Command, error) {
	msg, err := dap.ReadProtocolMessage(p.reader)
	if err != nil {
		if stderrors.Is(err, io.EOF) {
			return types.Command{}, io.EOF
		}
		seq := 0
		var fieldErr *dap.DecodeProtocolMessageFieldError
		if stderrors.As(err, &fieldErr) {
			seq = fieldErr.Seq
		}
		return types.Command{}, errors.Decode(seq, err)
	}
	p.traffic("->", msg)

	switch req := msg.(type) {
	case *dap.InitializeRequest:
		return command(types.CmdInitialize, req.Seq, nil), nil

	case *dap.LaunchRequest:
		args := map[string]interface{}{}
		if p.launchOverride != nil {
			args["program"] = p.launchOverride.Program
			args["args"] = p.launchOverride.Args
			args["cwd"] = p.launchOverride.Cwd
			args["env"] = p.launchOverride.Env
		} else {
			var la launchArgs
			if err := json.Unmarshal(req.Arguments, &la); err != nil {
				return types.Command{}, errors.Decode(req.Seq, err)
			}
			args["program"] = la.Program
			args["args"] = la.Args
			args["cwd"] = la.Cwd
			args["env"] = la.Env
			args["stopAtEntry"] = la.StopAtEntry
		}
		return command(types.CmdLaunch, req.Seq, args), nil

	case *dap.AttachRequest:
		var aa attachArgs
		if err := json.Unmarshal(req.Arguments, &aa); err != nil {
			return types.Command{}, errors.Decode(req.Seq, err)
		}
		pid := aa.ProcessID
		if pid == 0 {
			pid = aa.Pid
		}
		return command(types.CmdAttach, req.Seq, map[string]interface{}{"pid": pid}), nil

	case *dap.SetBreakpointsRequest:
		bps := make([]types.SourceBreakpoint, 0, len(req.Arguments.Breakpoints))
		for _, sb := range req.Arguments.Breakpoints {
			bps = append(bps, types.SourceBreakpoint{Line: sb.Line, Condition: sb.Condition})
		}
		return command(types.CmdSetBreakpoints, req.Seq, map[string]interface{}{
			"source":      req.Arguments.Source.Path,
			"breakpoints": bps,
		}), nil

	case *dap.ConfigurationDoneRequest:
		return command(types.CmdConfigurationDone, req.Seq, nil), nil
	case *dap.ContinueRequest:
		return command(types.CmdContinue, req.Seq, nil), nil
	case *dap.NextRequest:
		return command(types.CmdNext, req.Seq, nil), nil
	case *dap.StepInRequest:
		return command(types.CmdStepIn, req.Seq, nil), nil
	case *dap.StepOutRequest:
		return command(types.CmdStepOut, req.Seq, nil), nil
	case *dap.PauseRequest:
		return command(types.CmdPause, req.Seq, nil), nil
	case *dap.ThreadsRequest:
		return command(types.CmdThreads, req.Seq, nil), nil
	case *dap.StackTraceRequest:
		return command(types.CmdStackTrace, req.Seq, map[string]interface{}{
			"threadId": req.Arguments.ThreadId,
		}), nil
	case *dap.EvaluateRequest:
		return command(types.CmdEvaluate, req.Seq, map[string]interface{}{
			"expression": req.Arguments.Expression,
			"frameId":    req.Arguments.FrameId,
		}), nil
	case *dap.DisconnectRequest:
		return command(types.CmdDisconnect, req.Seq, nil), nil
	case *dap.TerminateRequest:
		return command(types.CmdTerminate, req.Seq, nil), nil
	}

	// Well-formed but unsupported request; the engine answers it with a
	// protocol-correct error response.
	if req, ok := msg.(dap.RequestMessage); ok {
		base := req.GetRequest()
		return command(base.Command, base.Seq, nil), nil
	}
	return types.Command{}, errors.Decode(0, fmt.Errorf("unexpected message type %T", msg))
}

type launchArgs struct {
	Program     string            `json:"program"`
	Args        []string          `json:"args"`
	Cwd         string            `json:"cwd"`
	Env         map[string]string `json:"env"`
	StopAtEntry bool              `json:"stopAtEntry"`
}

type attachArgs struct {
	ProcessID int `json:"processId"`
	Pid       int `json:"pid"`
}

func command(name string, seq int, args map[string]interface{}) types.Command {
	return types.Command{Name: name, Seq: seq, Args: args}
}

// EncodeReply writes the typed response for one command.
func (p *Protocol) EncodeReply(r types.Reply) error {
	if !r.Success {
		er := &dap.ErrorResponse{}
		er.Response = response(r.Seq, r.Command)
		er.Success = false
		er.Message = r.Message
		er.Body.Error = &dap.ErrorMessage{Id: 1, Format: r.Message, ShowUser: true}
		return p.send(er)
	}

	switch r.Command {
	case types.CmdInitialize:
		resp := &dap.InitializeResponse{Response: response(r.Seq, r.Command)}
		if caps, ok := r.Body.(types.Capabilities); ok {
			resp.Body.SupportsConfigurationDoneRequest = caps.SupportsConfigurationDone
			resp.Body.SupportsTerminateRequest = caps.SupportsTerminateRequest
			resp.Body.SupportsConditionalBreakpoints = true
		}
		return p.send(resp)

	case types.CmdLaunch:
		return p.send(&dap.LaunchResponse{Response: response(r.Seq, r.Command)})
	case types.CmdAttach:
		return p.send(&dap.AttachResponse{Response: response(r.Seq, r.Command)})

	case types.CmdSetBreakpoints:
		resp := &dap.SetBreakpointsResponse{Response: response(r.Seq, r.Command)}
		if body, ok := r.Body.(types.BreakpointsBody); ok {
			resp.Body.Breakpoints = make([]dap.Breakpoint, 0, len(body.Breakpoints))
			for _, bp := range body.Breakpoints {
				resp.Body.Breakpoints = append(resp.Body.Breakpoints, dap.Breakpoint{
					Id:       bp.ID,
					Verified: bp.Verified,
					Line:     bp.Line,
					Message:  bp.Message,
					Source:   &dap.Source{Path: bp.Source},
				})
			}
		}
		return p.send(resp)

	case types.CmdConfigurationDone:
		return p.send(&dap.ConfigurationDoneResponse{Response: response(r.Seq, r.Command)})

	case types.CmdContinue:
		resp := &dap.ContinueResponse{Response: response(r.Seq, r.Command)}
		resp.Body.AllThreadsContinued = true
		return p.send(resp)
	case types.CmdNext:
		return p.send(&dap.NextResponse{Response: response(r.Seq, r.Command)})
	case types.CmdStepIn:
		return p.send(&dap.StepInResponse{Response: response(r.Seq, r.Command)})
	case types.CmdStepOut:
		return p.send(&dap.StepOutResponse{Response: response(r.Seq, r.Command)})
	case types.CmdPause:
		return p.send(&dap.PauseResponse{Response: response(r.Seq, r.Command)})

	case types.CmdThreads:
		resp := &dap.ThreadsResponse{Response: response(r.Seq, r.Command)}
		if body, ok := r.Body.(types.ThreadsBody); ok {
			for _, t := range body.Threads {
				resp.Body.Threads = append(resp.Body.Threads, dap.Thread{Id: t.ID, Name: t.Name})
			}
		}
		return p.send(resp)

	case types.CmdStackTrace:
		resp := &dap.StackTraceResponse{Response: response(r.Seq, r.Command)}
		if body, ok := r.Body.(types.StackTraceBody); ok {
			for _, f := range body.Frames {
				frame := dap.StackFrame{Id: f.ID, Name: f.Name, Line: f.Line, Column: f.Column}
				if f.Source != "" {
					frame.Source = &dap.Source{Path: f.Source}
				}
				resp.Body.StackFrames = append(resp.Body.StackFrames, frame)
			}
			resp.Body.TotalFrames = len(body.Frames)
		}
		return p.send(resp)

	case types.CmdEvaluate:
		resp := &dap.EvaluateResponse{Response: response(r.Seq, r.Command)}
		if body, ok := r.Body.(*types.EvaluateResult); ok && body != nil {
			resp.Body.Result = body.Result
			resp.Body.Type = body.Type
		}
		return p.send(resp)

	case types.CmdDisconnect:
		return p.send(&dap.DisconnectResponse{Response: response(r.Seq, r.Command)})
	case types.CmdTerminate:
		return p.send(&dap.TerminateResponse{Response: response(r.Seq, r.Command)})
	}

	// Generic success for commands without a dedicated response shape.
	return p.send(&dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Type: "response"},
		Command:         r.Command,
		RequestSeq:      r.Seq,
		Success:         true,
	})
}

// EncodeEvent writes one DAP event.
func (p *Protocol) EncodeEvent(ev types.Event) error {
	switch payload := ev.Payload.(type) {
	case types.OutputPayload:
		e := &dap.OutputEvent{Event: event("output")}
		e.Body.Category = string(payload.Category)
		e.Body.Output = payload.Output
		return p.send(e)

	case types.StoppedPayload:
		e := &dap.StoppedEvent{Event: event("stopped")}
		e.Body.Reason = string(payload.Reason)
		e.Body.ThreadId = payload.ThreadID
		e.Body.Text = payload.Text
		e.Body.AllThreadsStopped = payload.AllThreadsStopped
		return p.send(e)

	case types.ContinuedPayload:
		e := &dap.ContinuedEvent{Event: event("continued")}
		e.Body.ThreadId = payload.ThreadID
		e.Body.AllThreadsContinued = true
		return p.send(e)

	case types.ExitedPayload:
		e := &dap.ExitedEvent{Event: event("exited")}
		e.Body.ExitCode = payload.ExitCode
		return p.send(e)

	case types.BreakpointPayload:
		e := &dap.BreakpointEvent{Event: event("breakpoint")}
		e.Body.Reason = payload.Reason
		e.Body.Breakpoint = dap.Breakpoint{
			Id:       payload.Breakpoint.ID,
			Verified: payload.Breakpoint.Verified,
			Line:     payload.Breakpoint.Line,
			Message:  payload.Breakpoint.Message,
		}
		return p.send(e)

	case types.ErrorPayload:
		e := &dap.OutputEvent{Event: event("output")}
		e.Body.Category = "console"
		e.Body.Output = payload.Message + "\n"
		return p.send(e)
	}

	switch ev.Kind {
	case types.EventInitialized:
		return p.send(&dap.InitializedEvent{Event: event("initialized")})
	case types.EventTerminated:
		return p.send(&dap.TerminatedEvent{Event: event("terminated")})
	}
	return nil
}

func response(requestSeq int, cmd string) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Type: "response"},
		Command:         cmd,
		RequestSeq:      requestSeq,
		Success:         true,
	}
}

func event(kind string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Type: "event"},
		Event:           kind,
	}
}

// send writes one message atomically, stamping the server-side sequence.
func (p *Protocol) send(msg dap.Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.seq++
	stampSeq(msg, p.seq)
	p.traffic("<-", msg)
	if err := dap.WriteProtocolMessage(p.writer, msg); err != nil {
		return err
	}
	return p.writer.Flush()
}

func stampSeq(msg dap.Message, seq int) {
	switch m := msg.(type) {
	case dap.ResponseMessage:
		m.GetResponse().Seq = seq
	case dap.EventMessage:
		m.GetEvent().Seq = seq
	}
}

// traffic mirrors one message to the engine log when enabled.
func (p *Protocol) traffic(dir string, msg dap.Message) {
	if p.engineLog == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		logrus.WithError(err).Debug("engine log marshal failed")
		return
	}
	fmt.Fprintf(p.engineLog, "%s %s\n", dir, data)
}
