// Package cli implements the interactive protocol variant: a human-facing
// command shell with short aliases and plain-text event rendering.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/MakiWolf/netcoredbg/internal/errors"
	"github.com/MakiWolf/netcoredbg/internal/protocol"
	"github.com/MakiWolf/netcoredbg/internal/session"
	"github.com/MakiWolf/netcoredbg/pkg/types"
)

const prompt = "cli> "

// Protocol is the interactive variant.
type Protocol struct {
	engine *session.Engine
	in     *bufio.Scanner
	closer io.Closer
	isTerm bool

	writeMu sync.Mutex
	out     *bufio.Writer

	execFile string
	execArgs []string
	bps      map[string]map[int]types.SourceBreakpoint
}

// New creates the interactive protocol over the given streams.
func New(engine *session.Engine, in io.Reader, out io.Writer) *Protocol {
	p := &Protocol{
		engine: engine,
		in:     bufio.NewScanner(in),
		out:    bufio.NewWriter(out),
		bps:    make(map[string]map[int]types.SourceBreakpoint),
	}
	if c, ok := in.(io.Closer); ok {
		p.closer = c
	}
	if f, ok := in.(*os.File); ok {
		p.isTerm = term.IsTerminal(int(f.Fd()))
	}
	return p
}

// SetLaunchCommand pre-seeds the program from the debugger's command line,
// so a bare "run" starts it.
func (p *Protocol) SetLaunchCommand(program string, args []string) {
	p.execFile = program
	p.execArgs = args
}

// Run executes the blocking command loop.
func (p *Protocol) Run(ctx context.Context) error {
	p.printf("type 'help' for a list of commands\n")
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

// Decode reads shell lines until one maps onto an engine command.
func (p *Protocol) Decode() (types.Command, error) {
	for {
		p.showPrompt()
		if !p.in.Scan() {
			if err := p.in.Err(); err != nil {
				return types.Command{}, err
			}
			return types.Command{}, io.EOF
		}
		line := strings.TrimSpace(p.in.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		name, args := fields[0], fields[1:]

		switch name {
		case "help", "h":
			p.printf("%s", helpText)
			continue

		case "attach":
			if len(args) == 0 {
				return types.Command{}, errors.Decode(0, fmt.Errorf("attach: missing pid"))
			}
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return types.Command{}, errors.Decode(0, fmt.Errorf("attach: bad pid %q", args[0]))
			}
			return cmd(types.CmdAttach, map[string]interface{}{"pid": pid}), nil

		case "run", "r", "start":
			if len(args) > 0 {
				p.execFile = args[0]
				p.execArgs = append([]string(nil), args[1:]...)
			}
			a := map[string]interface{}{}
			if p.execFile != "" {
				a["program"] = p.execFile
				a["args"] = p.execArgs
			}
			return cmd(types.CmdRun, a), nil

		case "break", "b":
			c, err := p.parseBreak(args)
			if err != nil {
				return types.Command{}, err
			}
			return c, nil

		case "continue", "c":
			return cmd(types.CmdContinue, nil), nil
		case "next", "n":
			return cmd(types.CmdNext, nil), nil
		case "step", "s":
			return cmd(types.CmdStepIn, nil), nil
		case "finish", "f":
			return cmd(types.CmdStepOut, nil), nil
		case "pause", "interrupt":
			return cmd(types.CmdPause, nil), nil

		case "threads", "info":
			return cmd(types.CmdThreads, nil), nil
		case "backtrace", "bt":
			return cmd(types.CmdStackTrace, map[string]interface{}{"threadId": 1}), nil
		case "print", "p":
			if len(args) == 0 {
				return types.Command{}, errors.Decode(0, fmt.Errorf("print: missing expression"))
			}
			return cmd(types.CmdEvaluate, map[string]interface{}{
				"expression": strings.Join(args, " "),
			}), nil

		case "detach":
			return cmd(types.CmdDisconnect, nil), nil
		case "quit", "q", "exit":
			return cmd(types.CmdTerminate, nil), nil
		}

		return types.Command{}, errors.Decode(0, fmt.Errorf("unknown command %q", name))
	}
}

func (p *Protocol) parseBreak(args []string) (types.Command, error) {
	if len(args) == 0 {
		return types.Command{}, errors.Decode(0, fmt.Errorf("break: missing location (file:line)"))
	}
	loc := args[0]
	idx := strings.LastIndex(loc, ":")
	if idx < 0 {
		return types.Command{}, errors.Decode(0, fmt.Errorf("break: location %q is not file:line", loc))
	}
	source := loc[:idx]
	line, err := strconv.Atoi(loc[idx+1:])
	if err != nil {
		return types.Command{}, errors.Decode(0, fmt.Errorf("break: bad line in %q", loc))
	}

	if p.bps[source] == nil {
		p.bps[source] = make(map[int]types.SourceBreakpoint)
	}
	p.bps[source][line] = types.SourceBreakpoint{Line: line}

	lines := make([]int, 0, len(p.bps[source]))
	for l := range p.bps[source] {
		lines = append(lines, l)
	}
	sort.Ints(lines)
	bps := make([]types.SourceBreakpoint, 0, len(lines))
	for _, l := range lines {
		bps = append(bps, p.bps[source][l])
	}
	return cmd(types.CmdSetBreakpoints, map[string]interface{}{
		"source":      source,
		"breakpoints": bps,
	}), nil
}

func cmd(name string, args map[string]interface{}) types.Command {
	return types.Command{Name: name, Args: args}
}

// EncodeReply renders one command result as plain text.
func (p *Protocol) EncodeReply(r types.Reply) error {
	if !r.Success {
		return p.printf("error: %s\n", r.Message)
	}

	switch body := r.Body.(type) {
	case types.BreakpointsBody:
		for _, bp := range body.Breakpoints {
			state := "pending"
			if bp.Verified {
				state = "set"
			}
			if err := p.printf("breakpoint %d at %s:%d (%s)\n", bp.ID, bp.Source, bp.Line, state); err != nil {
				return err
			}
		}
		return nil
	case types.ThreadsBody:
		for _, t := range body.Threads {
			if err := p.printf("thread %d: %s\n", t.ID, t.Name); err != nil {
				return err
			}
		}
		return nil
	case types.StackTraceBody:
		for i, f := range body.Frames {
			loc := ""
			if f.Source != "" {
				loc = fmt.Sprintf(" at %s:%d", f.Source, f.Line)
			}
			if err := p.printf("#%d %s%s\n", i, f.Name, loc); err != nil {
				return err
			}
		}
		return nil
	case *types.EvaluateResult:
		return p.printf("%s\n", body.Result)
	case types.StateBody:
		return p.printf("session is %s\n", body.State)
	}

	switch r.Command {
	case types.CmdRun, types.CmdContinue:
		return p.printf("running\n")
	case types.CmdAttach:
		return p.printf("attached\n")
	case types.CmdTerminate, types.CmdDisconnect:
		return p.printf("bye\n")
	}
	return nil
}

// EncodeEvent renders one asynchronous event as plain text.
func (p *Protocol) EncodeEvent(ev types.Event) error {
	switch payload := ev.Payload.(type) {
	case types.OutputPayload:
		return p.printf("%s", payload.Output)
	case types.StoppedPayload:
		return p.printf("\nstopped: %s (thread %d)\n", payload.Reason, payload.ThreadID)
	case types.ExitedPayload:
		return p.printf("\nprocess exited with code %d\n", payload.ExitCode)
	case types.ErrorPayload:
		return p.printf("error: %s\n", payload.Message)
	}
	if ev.Kind == types.EventTerminated {
		return p.printf("session terminated\n")
	}
	return nil
}

func (p *Protocol) printf(format string, args ...interface{}) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := fmt.Fprintf(p.out, format, args...); err != nil {
		return err
	}
	return p.out.Flush()
}

func (p *Protocol) showPrompt() {
	if !p.isTerm {
		return
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, _ = p.out.WriteString(prompt)
	_ = p.out.Flush()
}

const helpText = `commands:
  attach <pid>          attach to a running process
  run [prog [args...]]  start the debuggee
  break <file:line>     set a breakpoint (alias: b)
  continue              resume execution (alias: c)
  next                  step over (alias: n)
  step                  step in (alias: s)
  finish                step out (alias: f)
  pause                 suspend the debuggee
  threads               list threads
  backtrace             print the stack (alias: bt)
  print <expr>          evaluate an expression (alias: p)
  detach                disconnect, leave the debuggee running
  quit                  terminate the debuggee and exit (alias: q)
`
