// Package mcp exposes the debugger as tool calls over the Model Context
// Protocol, so agent clients can drive a session with the same command set
// the other variants speak. It is deliberately a thin skin: every tool maps
// onto one normalized command and the session engine is unchanged.
//
// MCP has no server-initiated notifications in this transport, so
// asynchronous events accumulate in a bounded buffer the client drains with
// the debug_events tool.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/MakiWolf/netcoredbg/internal/session"
	"github.com/MakiWolf/netcoredbg/internal/version"
	"github.com/MakiWolf/netcoredbg/pkg/types"
)

// maxBufferedEvents bounds the event buffer; beyond it the oldest events
// are dropped.
const maxBufferedEvents = 256

// Protocol is the tool-call variant.
type Protocol struct {
	engine *session.Engine
	srv    *server.MCPServer

	mu      sync.Mutex
	events  []bufferedEvent
	dropped int
}

type bufferedEvent struct {
	Kind    types.EventKind `json:"kind"`
	Payload interface{}     `json:"payload,omitempty"`
}

// New creates the MCP protocol bound to the engine.
func New(engine *session.Engine) *Protocol {
	p := &Protocol{engine: engine}
	p.srv = server.NewMCPServer(
		"netcoredbg",
		version.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	p.registerTools()
	return p
}

// Run serves tool calls over stdio until the client disconnects or ctx is
// cancelled.
func (p *Protocol) Run(ctx context.Context) error {
	return p.serve(ctx, os.Stdin, os.Stdout)
}

func (p *Protocol) serve(ctx context.Context, in io.Reader, out io.Writer) error {
	err := server.NewStdioServer(p.srv).Listen(ctx, in, out)
	if err != nil && ctx.Err() != nil {
		// Cancellation is an orderly shutdown, not a transport failure.
		return nil
	}
	return err
}

// EmitEvent buffers one event for the next debug_events drain.
func (p *Protocol) EmitEvent(ev types.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) >= maxBufferedEvents {
		p.events = p.events[1:]
		p.dropped++
	}
	p.events = append(p.events, bufferedEvent{Kind: ev.Kind, Payload: ev.Payload})
	return nil
}

func (p *Protocol) registerTools() {
	p.srv.AddTool(mcpgo.NewTool("debug_attach",
		mcpgo.WithDescription("Attach the debugger to a running process."),
		mcpgo.WithNumber("pid", mcpgo.Required(), mcpgo.Description("Process id to attach to")),
	), p.handleAttach)

	p.srv.AddTool(mcpgo.NewTool("debug_launch",
		mcpgo.WithDescription("Load a program under the debugger. The program does not run until debug_configuration_done."),
		mcpgo.WithString("program", mcpgo.Required(), mcpgo.Description("Path of the program to debug")),
		mcpgo.WithString("args", mcpgo.Description("Space-separated program arguments")),
		mcpgo.WithString("cwd", mcpgo.Description("Working directory for the program")),
		mcpgo.WithBoolean("stopAtEntry", mcpgo.Description("Suspend the program at its entry point")),
	), p.handleLaunch)

	p.srv.AddTool(mcpgo.NewTool("debug_breakpoints",
		mcpgo.WithDescription("Replace the breakpoints for one source file."),
		mcpgo.WithString("source", mcpgo.Required(), mcpgo.Description("Source file path")),
		mcpgo.WithString("lines", mcpgo.Required(), mcpgo.Description("Comma-separated line numbers")),
	), p.handleBreakpoints)

	p.srv.AddTool(mcpgo.NewTool("debug_configuration_done",
		mcpgo.WithDescription("End the configuration window and start or release the debuggee."),
	), p.simple(types.CmdConfigurationDone))

	p.srv.AddTool(mcpgo.NewTool("debug_continue",
		mcpgo.WithDescription("Resume the stopped debuggee."),
	), p.simple(types.CmdContinue))

	p.srv.AddTool(mcpgo.NewTool("debug_step",
		mcpgo.WithDescription("Step the stopped debuggee."),
		mcpgo.WithString("type", mcpgo.Description("Step type: over (default), in, or out")),
	), p.handleStep)

	p.srv.AddTool(mcpgo.NewTool("debug_pause",
		mcpgo.WithDescription("Suspend the running debuggee."),
	), p.simple(types.CmdPause))

	p.srv.AddTool(mcpgo.NewTool("debug_threads",
		mcpgo.WithDescription("List debuggee threads."),
	), p.simple(types.CmdThreads))

	p.srv.AddTool(mcpgo.NewTool("debug_stacktrace",
		mcpgo.WithDescription("Print the stack of one stopped thread."),
		mcpgo.WithNumber("threadId", mcpgo.Description("Thread id, defaults to 1")),
	), p.handleStackTrace)

	p.srv.AddTool(mcpgo.NewTool("debug_state",
		mcpgo.WithDescription("Report the session lifecycle state."),
	), p.simple(types.CmdState))

	p.srv.AddTool(mcpgo.NewTool("debug_events",
		mcpgo.WithDescription("Drain buffered debuggee events (output, stops, exit)."),
	), p.handleEvents)

	p.srv.AddTool(mcpgo.NewTool("debug_disconnect",
		mcpgo.WithDescription("Disconnect and leave the debuggee running."),
	), p.simple(types.CmdDisconnect))

	p.srv.AddTool(mcpgo.NewTool("debug_terminate",
		mcpgo.WithDescription("Terminate the debuggee and end the session."),
	), p.simple(types.CmdTerminate))
}

// execute runs one command through the engine and renders the reply as a
// tool result. Command failures are tool results, not protocol errors, so
// the client always gets a well-formed answer.
func (p *Protocol) execute(ctx context.Context, cmd types.Command) (*mcpgo.CallToolResult, error) {
	var reply types.Reply
	err := p.engine.Execute(ctx, cmd, func(r types.Reply) error {
		reply = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !reply.Success {
		return mcpgo.NewToolResultError(reply.Message), nil
	}
	if reply.Body == nil {
		return mcpgo.NewToolResultText(fmt.Sprintf("%s: ok", cmd.Name)), nil
	}
	data, err := json.MarshalIndent(reply.Body, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcpgo.NewToolResultText(string(data)), nil
}

// simple builds a handler for tools without arguments.
func (p *Protocol) simple(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		// The engine needs an initialized session; tools imply it.
		if r := p.ensureInitialized(ctx); r != nil {
			return r, nil
		}
		return p.execute(ctx, types.Command{Name: name})
	}
}

// ensureInitialized lazily runs initialize before the first real command,
// since MCP clients have no separate handshake for it. Returns a non-nil
// result only on failure.
func (p *Protocol) ensureInitialized(ctx context.Context) *mcpgo.CallToolResult {
	if p.engine.State() != types.StateCreated {
		return nil
	}
	var reply types.Reply
	err := p.engine.Execute(ctx, types.Command{Name: types.CmdInitialize}, func(r types.Reply) error {
		reply = r
		return nil
	})
	if err != nil {
		return mcpgo.NewToolResultError(err.Error())
	}
	if !reply.Success {
		return mcpgo.NewToolResultError(reply.Message)
	}
	return nil
}

func (p *Protocol) handleAttach(ctx context.Context, request mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	pid, err := request.RequireFloat("pid")
	if err != nil {
		return mcpgo.NewToolResultError("pid is required"), nil
	}
	if r := p.ensureInitialized(ctx); r != nil {
		return r, nil
	}
	return p.execute(ctx, types.Command{
		Name: types.CmdAttach,
		Args: map[string]interface{}{"pid": int(pid)},
	})
}

func (p *Protocol) handleLaunch(ctx context.Context, request mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	program, err := request.RequireString("program")
	if err != nil {
		return mcpgo.NewToolResultError("program is required"), nil
	}
	if r := p.ensureInitialized(ctx); r != nil {
		return r, nil
	}
	args := map[string]interface{}{
		"program":     program,
		"cwd":         request.GetString("cwd", ""),
		"stopAtEntry": request.GetBool("stopAtEntry", false),
	}
	if raw := request.GetString("args", ""); raw != "" {
		args["args"] = strings.Fields(raw)
	}
	return p.execute(ctx, types.Command{Name: types.CmdLaunch, Args: args})
}

func (p *Protocol) handleBreakpoints(ctx context.Context, request mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	source, err := request.RequireString("source")
	if err != nil {
		return mcpgo.NewToolResultError("source is required"), nil
	}
	rawLines, err := request.RequireString("lines")
	if err != nil {
		return mcpgo.NewToolResultError("lines is required"), nil
	}
	var bps []types.SourceBreakpoint
	for _, part := range strings.Split(rawLines, ",") {
		line, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return mcpgo.NewToolResultError(fmt.Sprintf("bad line number %q", part)), nil
		}
		bps = append(bps, types.SourceBreakpoint{Line: line})
	}
	if r := p.ensureInitialized(ctx); r != nil {
		return r, nil
	}
	return p.execute(ctx, types.Command{
		Name: types.CmdSetBreakpoints,
		Args: map[string]interface{}{"source": source, "breakpoints": bps},
	})
}

func (p *Protocol) handleStep(ctx context.Context, request mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	name := types.CmdNext
	switch request.GetString("type", "over") {
	case "in":
		name = types.CmdStepIn
	case "out":
		name = types.CmdStepOut
	case "over":
	default:
		return mcpgo.NewToolResultError("type must be over, in or out"), nil
	}
	if r := p.ensureInitialized(ctx); r != nil {
		return r, nil
	}
	return p.execute(ctx, types.Command{Name: name})
}

func (p *Protocol) handleStackTrace(ctx context.Context, request mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if r := p.ensureInitialized(ctx); r != nil {
		return r, nil
	}
	return p.execute(ctx, types.Command{
		Name: types.CmdStackTrace,
		Args: map[string]interface{}{"threadId": int(request.GetFloat("threadId", 1))},
	})
}

func (p *Protocol) handleEvents(ctx context.Context, request mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	p.mu.Lock()
	events := p.events
	dropped := p.dropped
	p.events = nil
	p.dropped = 0
	p.mu.Unlock()

	out := struct {
		Events  []bufferedEvent `json:"events"`
		Dropped int             `json:"dropped,omitempty"`
	}{Events: events, Dropped: dropped}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcpgo.NewToolResultText(string(data)), nil
}
