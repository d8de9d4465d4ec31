// Package mi implements the machine-interface protocol variant: a
// line-oriented grammar in the GDB/MI style, spoken by IDE integrations that
// predate the debug adapter protocol.
//
// Requests look like "<token>-exec-continue arg...". Replies are
// "<token>^done"/"<token>^error" result records, asynchronous activity
// arrives as "*stopped"/"=..." records and output as quoted stream records.
// A "(gdb)" prompt line terminates every synchronous output block.
package mi

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/MakiWolf/netcoredbg/internal/errors"
	"github.com/MakiWolf/netcoredbg/internal/protocol"
	"github.com/MakiWolf/netcoredbg/internal/session"
	"github.com/MakiWolf/netcoredbg/pkg/types"
)

// Protocol is the machine-interface variant.
type Protocol struct {
	engine *session.Engine
	in     *bufio.Scanner
	closer io.Closer

	writeMu sync.Mutex
	out     *bufio.Writer

	// Decoder-local state, touched only by the command goroutine.
	execFile string
	execArgs []string
	bps      map[string]map[int]types.SourceBreakpoint // source -> line -> bp
	bpIDs    map[int]bpKey                             // client-visible number -> location
	nextID   int
}

type bpKey struct {
	source string
	line   int
}

// New creates the MI protocol over the given streams. in is closed on
// session teardown when it implements io.Closer.
func New(engine *session.Engine, in io.Reader, out io.Writer) *Protocol {
	p := &Protocol{
		engine: engine,
		in:     bufio.NewScanner(in),
		out:    bufio.NewWriter(out),
		bps:    make(map[string]map[int]types.SourceBreakpoint),
		bpIDs:  make(map[int]bpKey),
	}
	if c, ok := in.(io.Closer); ok {
		p.closer = c
	}
	return p
}

// SetLaunchCommand pre-seeds the executable taken from the debugger's own
// command line, mirroring a -file-exec-and-symbols request.
func (p *Protocol) SetLaunchCommand(program string, args []string) {
	p.execFile = program
	p.execArgs = args
}

// Run executes the blocking command loop.
func (p *Protocol) Run(ctx context.Context) error {
	p.prompt()
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

// Decode reads request lines until one maps onto an engine command. File and
// argument bookkeeping requests are handled locally with an immediate
// "^done" since they only mutate decoder state.
func (p *Protocol) Decode() (types.Command, error) {
	for {
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

		token, rest := splitToken(line)
		cmd, local, err := p.parse(token, rest)
		if err != nil {
			return types.Command{}, err
		}
		if local {
			p.writeLine(replyPrefix(token) + "^done")
			p.prompt()
			continue
		}
		return cmd, nil
	}
}

// splitToken peels the optional numeric token off an MI request line.
func splitToken(line string) (int, string) {
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, line
	}
	token, _ := strconv.Atoi(line[:i])
	return token, line[i:]
}

// parse maps one MI request onto a normalized command. local reports that
// the request was fully handled inside the decoder.
func (p *Protocol) parse(token int, line string) (types.Command, bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return types.Command{}, false, errors.Decode(token, fmt.Errorf("empty request"))
	}
	name, args := fields[0], fields[1:]

	mk := func(n string, a map[string]interface{}) types.Command {
		return types.Command{Name: n, Seq: token, Args: a}
	}

	switch name {
	case "-file-exec-and-symbols":
		if len(args) == 0 {
			return types.Command{}, false, errors.Decode(token, fmt.Errorf("%s: missing file", name))
		}
		p.execFile = args[0]
		return types.Command{}, true, nil

	case "-exec-arguments":
		p.execArgs = append([]string(nil), args...)
		return types.Command{}, true, nil

	case "-gdb-set", "-enable-pretty-printing", "-environment-cd":
		return types.Command{}, true, nil

	case "-target-attach":
		if len(args) == 0 {
			return types.Command{}, false, errors.Decode(token, fmt.Errorf("%s: missing pid", name))
		}
		pid, err := strconv.Atoi(args[0])
		if err != nil {
			return types.Command{}, false, errors.Decode(token, fmt.Errorf("%s: bad pid %q", name, args[0]))
		}
		return mk(types.CmdAttach, map[string]interface{}{"pid": pid}), false, nil

	case "-exec-run":
		a := map[string]interface{}{}
		if p.execFile != "" {
			a["program"] = p.execFile
			a["args"] = p.execArgs
		}
		return mk(types.CmdRun, a), false, nil

	case "-break-insert":
		return p.parseBreakInsert(token, args)

	case "-break-delete":
		return p.parseBreakDelete(token, args)

	case "-exec-continue":
		return mk(types.CmdContinue, nil), false, nil
	case "-exec-next":
		return mk(types.CmdNext, nil), false, nil
	case "-exec-step":
		return mk(types.CmdStepIn, nil), false, nil
	case "-exec-finish":
		return mk(types.CmdStepOut, nil), false, nil
	case "-exec-interrupt":
		return mk(types.CmdPause, nil), false, nil

	case "-thread-info":
		return mk(types.CmdThreads, nil), false, nil
	case "-stack-list-frames":
		return mk(types.CmdStackTrace, map[string]interface{}{"threadId": 1}), false, nil

	case "-data-evaluate-expression":
		if len(args) == 0 {
			return types.Command{}, false, errors.Decode(token, fmt.Errorf("%s: missing expression", name))
		}
		expr := strings.Trim(strings.Join(args, " "), `"`)
		return mk(types.CmdEvaluate, map[string]interface{}{"expression": expr}), false, nil

	case "-target-detach":
		return mk(types.CmdDisconnect, nil), false, nil
	case "-gdb-exit", "quit", "q":
		return mk(types.CmdTerminate, nil), false, nil
	}

	if !strings.HasPrefix(name, "-") {
		return types.Command{}, false, errors.Decode(token, fmt.Errorf("unparseable request %q", name))
	}
	// Well-formed but unknown MI command; the engine answers with a
	// protocol-correct error reply.
	return mk(strings.TrimPrefix(name, "-"), nil), false, nil
}

// parseBreakInsert accumulates one breakpoint and re-sends the whole set for
// its source, since the engine contract replaces per source file.
func (p *Protocol) parseBreakInsert(token int, args []string) (types.Command, bool, error) {
	var condition string
	var loc string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-c":
			i++
			if i < len(args) {
				condition = strings.Trim(args[i], `"`)
			}
		case "-f":
			// pending breakpoints are the only kind the runtime has anyway
		default:
			loc = args[i]
		}
	}
	if loc == "" {
		return types.Command{}, false, errors.Decode(token, fmt.Errorf("-break-insert: missing location"))
	}

	source := p.execFile
	lineStr := loc
	if idx := strings.LastIndex(loc, ":"); idx >= 0 {
		source = loc[:idx]
		lineStr = loc[idx+1:]
	}
	line, err := strconv.Atoi(lineStr)
	if err != nil {
		return types.Command{}, false, errors.Decode(token, fmt.Errorf("-break-insert: bad location %q", loc))
	}

	if p.bps[source] == nil {
		p.bps[source] = make(map[int]types.SourceBreakpoint)
	}
	p.bps[source][line] = types.SourceBreakpoint{Line: line, Condition: condition}
	p.nextID++
	p.bpIDs[p.nextID] = bpKey{source: source, line: line}

	return types.Command{
		Name: types.CmdSetBreakpoints,
		Seq:  token,
		Args: map[string]interface{}{
			"source":      source,
			"breakpoints": p.sourceBreakpoints(source),
		},
	}, false, nil
}

func (p *Protocol) parseBreakDelete(token int, args []string) (types.Command, bool, error) {
	if len(args) == 0 {
		return types.Command{}, false, errors.Decode(token, fmt.Errorf("-break-delete: missing number"))
	}
	var source string
	for _, a := range args {
		id, err := strconv.Atoi(a)
		if err != nil {
			return types.Command{}, false, errors.Decode(token, fmt.Errorf("-break-delete: bad number %q", a))
		}
		key, ok := p.bpIDs[id]
		if !ok {
			continue
		}
		delete(p.bpIDs, id)
		delete(p.bps[key.source], key.line)
		source = key.source
	}
	if source == "" {
		// Nothing matched; treat as a no-op the engine can acknowledge.
		return types.Command{Name: types.CmdState, Seq: token}, false, nil
	}
	return types.Command{
		Name: types.CmdSetBreakpoints,
		Seq:  token,
		Args: map[string]interface{}{
			"source":      source,
			"breakpoints": p.sourceBreakpoints(source),
		},
	}, false, nil
}

func (p *Protocol) sourceBreakpoints(source string) []types.SourceBreakpoint {
	lines := make([]int, 0, len(p.bps[source]))
	for line := range p.bps[source] {
		lines = append(lines, line)
	}
	sort.Ints(lines)
	out := make([]types.SourceBreakpoint, 0, len(lines))
	for _, line := range lines {
		out = append(out, p.bps[source][line])
	}
	return out
}

// EncodeReply writes one result record followed by the prompt.
func (p *Protocol) EncodeReply(r types.Reply) error {
	defer p.prompt()

	prefix := replyPrefix(r.Seq)
	if !r.Success {
		return p.writeLine(fmt.Sprintf("%s^error,msg=%s", prefix, quote(r.Message)))
	}
	if r.Command == types.CmdTerminate {
		return p.writeLine(prefix + "^exit")
	}

	switch body := r.Body.(type) {
	case types.BreakpointsBody:
		return p.writeLine(prefix + "^done" + renderBreakpoints(body.Breakpoints))
	case types.ThreadsBody:
		parts := make([]string, 0, len(body.Threads))
		for _, t := range body.Threads {
			parts = append(parts, fmt.Sprintf(`{id="%d",name=%s}`, t.ID, quote(t.Name)))
		}
		return p.writeLine(fmt.Sprintf("%s^done,threads=[%s]", prefix, strings.Join(parts, ",")))
	case types.StackTraceBody:
		parts := make([]string, 0, len(body.Frames))
		for i, f := range body.Frames {
			parts = append(parts, fmt.Sprintf(`frame={level="%d",func=%s,file=%s,line="%d"}`,
				i, quote(f.Name), quote(f.Source), f.Line))
		}
		return p.writeLine(fmt.Sprintf("%s^done,stack=[%s]", prefix, strings.Join(parts, ",")))
	case *types.EvaluateResult:
		return p.writeLine(fmt.Sprintf("%s^done,value=%s", prefix, quote(body.Result)))
	case types.StateBody:
		return p.writeLine(fmt.Sprintf("%s^done,state=%s", prefix, quote(string(body.State))))
	case types.Capabilities:
		return p.writeLine(prefix + "^done")
	default:
		if r.Command == types.CmdRun || r.Command == types.CmdContinue ||
			r.Command == types.CmdNext || r.Command == types.CmdStepIn || r.Command == types.CmdStepOut {
			return p.writeLine(prefix + "^running")
		}
		return p.writeLine(prefix + "^done")
	}
}

// EncodeEvent writes one asynchronous record.
func (p *Protocol) EncodeEvent(ev types.Event) error {
	switch payload := ev.Payload.(type) {
	case types.OutputPayload:
		switch payload.Category {
		case types.OutputStderr:
			return p.writeLine("&" + quote(payload.Output))
		case types.OutputConsole:
			return p.writeLine("~" + quote(payload.Output))
		default:
			return p.writeLine("@" + quote(payload.Output))
		}
	case types.StoppedPayload:
		return p.writeBlock(fmt.Sprintf(`*stopped,reason=%s,thread-id="%d",stopped-threads="all"`,
			quote(stopReason(payload.Reason)), payload.ThreadID))
	case types.ContinuedPayload:
		return p.writeBlock(`*running,thread-id="all"`)
	case types.ExitedPayload:
		return p.writeBlock(fmt.Sprintf(`*stopped,reason="exited",exit-code="%d"`, payload.ExitCode))
	case types.BreakpointPayload:
		return p.writeBlock("=breakpoint-modified" + renderBreakpoints([]types.Breakpoint{payload.Breakpoint}))
	case types.ErrorPayload:
		return p.writeLine("&" + quote(payload.Message))
	}

	switch ev.Kind {
	case types.EventTerminated:
		return p.writeBlock(`=thread-group-exited,id="i1"`)
	case types.EventInitialized:
		return nil
	}
	return nil
}

func stopReason(r types.StopReason) string {
	switch r {
	case types.StopBreakpoint:
		return "breakpoint-hit"
	case types.StopStep:
		return "end-stepping-range"
	case types.StopPause:
		return "interrupted"
	case types.StopEntry:
		return "entry-point-hit"
	case types.StopException:
		return "exception-received"
	}
	return string(r)
}

func renderBreakpoints(bps []types.Breakpoint) string {
	var sb strings.Builder
	for _, bp := range bps {
		enabled := "n"
		if bp.Verified {
			enabled = "y"
		}
		fmt.Fprintf(&sb, `,bkpt={number="%d",type="breakpoint",enabled="%s",file=%s,line="%d"}`,
			bp.ID, enabled, quote(bp.Source), bp.Line)
	}
	return sb.String()
}

func replyPrefix(token int) string {
	if token == 0 {
		return ""
	}
	return strconv.Itoa(token)
}

// quote renders an MI c-string.
func quote(s string) string { return strconv.Quote(s) }

func (p *Protocol) writeLine(line string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.out.WriteString(line + "\n"); err != nil {
		return err
	}
	return p.out.Flush()
}

// writeBlock writes an asynchronous record with its own prompt line, since
// MI consumers resynchronize on "(gdb)".
func (p *Protocol) writeBlock(line string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.out.WriteString(line + "\n(gdb)\n"); err != nil {
		return err
	}
	return p.out.Flush()
}

func (p *Protocol) prompt() {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, _ = p.out.WriteString("(gdb)\n")
	_ = p.out.Flush()
}
