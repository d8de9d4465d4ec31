package vscode

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MakiWolf/netcoredbg/internal/errors"
	"github.com/MakiWolf/netcoredbg/pkg/types"
)

func request(seq int, command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "request"},
		Command:         command,
	}
}

// clientWrites renders client-side requests into the wire form the protocol
// reads.
func clientWrites(t *testing.T, msgs ...dap.Message) io.Reader {
	t.Helper()
	buf := &bytes.Buffer{}
	for _, msg := range msgs {
		require.NoError(t, dap.WriteProtocolMessage(buf, msg))
	}
	return buf
}

func readMessage(t *testing.T, out *bytes.Buffer) dap.Message {
	t.Helper()
	msg, err := dap.ReadProtocolMessage(bufio.NewReader(out))
	require.NoError(t, err)
	return msg
}

func TestDecodeRequests(t *testing.T) {
	in := clientWrites(t,
		&dap.InitializeRequest{Request: request(1, "initialize")},
		&dap.ConfigurationDoneRequest{Request: request(2, "configurationDone")},
		&dap.ContinueRequest{Request: request(3, "continue")},
		&dap.NextRequest{Request: request(4, "next")},
		&dap.StepInRequest{Request: request(5, "stepIn")},
		&dap.StepOutRequest{Request: request(6, "stepOut")},
		&dap.PauseRequest{Request: request(7, "pause")},
		&dap.ThreadsRequest{Request: request(8, "threads")},
		&dap.DisconnectRequest{Request: request(9, "disconnect")},
		&dap.TerminateRequest{Request: request(10, "terminate")},
	)
	p := New(nil, in, &bytes.Buffer{})

	want := []string{
		types.CmdInitialize, types.CmdConfigurationDone, types.CmdContinue,
		types.CmdNext, types.CmdStepIn, types.CmdStepOut, types.CmdPause,
		types.CmdThreads, types.CmdDisconnect, types.CmdTerminate,
	}
	for i, name := range want {
		cmd, err := p.Decode()
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name)
		assert.Equal(t, i+1, cmd.Seq)
	}

	_, err := p.Decode()
	assert.Equal(t, io.EOF, err)
}

func TestDecodeLaunch(t *testing.T) {
	in := clientWrites(t, &dap.LaunchRequest{
		Request: request(1, "launch"),
		Arguments: json.RawMessage(
			`{"program":"/bin/app","args":["x"],"cwd":"/tmp","stopAtEntry":true}`),
	})
	p := New(nil, in, &bytes.Buffer{})

	cmd, err := p.Decode()
	require.NoError(t, err)
	assert.Equal(t, types.CmdLaunch, cmd.Name)
	program, _ := cmd.String("program")
	assert.Equal(t, "/bin/app", program)
	assert.Equal(t, []string{"x"}, cmd.Args["args"])
	assert.Equal(t, true, cmd.Args["stopAtEntry"])
}

func TestDecodeLaunchOverride(t *testing.T) {
	in := clientWrites(t, &dap.LaunchRequest{
		Request:   request(1, "launch"),
		Arguments: json.RawMessage(`{"program":"/bin/ignored"}`),
	})
	p := New(nil, in, &bytes.Buffer{},
		WithLaunchOverride(types.LaunchSpec{Program: "/bin/real", Args: []string{"a"}}))

	cmd, err := p.Decode()
	require.NoError(t, err)
	program, _ := cmd.String("program")
	assert.Equal(t, "/bin/real", program)
}

func TestDecodeAttachPidFields(t *testing.T) {
	for _, raw := range []string{`{"processId":55}`, `{"pid":55}`} {
		in := clientWrites(t, &dap.AttachRequest{
			Request:   request(1, "attach"),
			Arguments: json.RawMessage(raw),
		})
		p := New(nil, in, &bytes.Buffer{})
		cmd, err := p.Decode()
		require.NoError(t, err, raw)
		pid, ok := cmd.Int("pid")
		require.True(t, ok)
		assert.Equal(t, 55, pid)
	}
}

func TestDecodeSetBreakpoints(t *testing.T) {
	req := &dap.SetBreakpointsRequest{Request: request(1, "setBreakpoints")}
	req.Arguments.Source = dap.Source{Path: "Program.cs"}
	req.Arguments.Breakpoints = []dap.SourceBreakpoint{
		{Line: 10}, {Line: 20, Condition: "x > 1"},
	}
	p := New(nil, clientWrites(t, req), &bytes.Buffer{})

	cmd, err := p.Decode()
	require.NoError(t, err)
	source, _ := cmd.String("source")
	assert.Equal(t, "Program.cs", source)
	bps := cmd.Args["breakpoints"].([]types.SourceBreakpoint)
	require.Len(t, bps, 2)
	assert.Equal(t, "x > 1", bps[1].Condition)
}

func TestDecodeUnsupportedRequestPassesThrough(t *testing.T) {
	in := clientWrites(t, &dap.SourceRequest{Request: request(3, "source")})
	p := New(nil, in, &bytes.Buffer{})

	cmd, err := p.Decode()
	require.NoError(t, err)
	assert.Equal(t, "source", cmd.Name)
	assert.Equal(t, 3, cmd.Seq)
}

func TestDecodeGarbage(t *testing.T) {
	p := New(nil, bytes.NewReader([]byte("Content-Length: 5\r\n\r\nhello")), &bytes.Buffer{})
	_, err := p.Decode()
	require.Error(t, err)
	assert.Equal(t, errors.CodeDecodeFailed, errors.CodeOf(err))
}

func TestEncodeInitializeReply(t *testing.T) {
	out := &bytes.Buffer{}
	p := New(nil, &bytes.Buffer{}, out)

	require.NoError(t, p.EncodeReply(types.Reply{
		Command: types.CmdInitialize, Seq: 1, Success: true,
		Body: types.Capabilities{SupportsConfigurationDone: true, SupportsTerminateRequest: true},
	}))

	msg := readMessage(t, out)
	resp, ok := msg.(*dap.InitializeResponse)
	require.True(t, ok, "got %T", msg)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.RequestSeq)
	assert.True(t, resp.Body.SupportsConfigurationDoneRequest)
	assert.True(t, resp.Body.SupportsTerminateRequest)
}

func TestEncodeErrorReply(t *testing.T) {
	out := &bytes.Buffer{}
	p := New(nil, &bytes.Buffer{}, out)

	require.NoError(t, p.EncodeReply(types.Reply{
		Command: types.CmdPause, Seq: 4, Success: false,
		Message: "pause is not allowed while the session is idle",
	}))

	msg := readMessage(t, out)
	resp, ok := msg.(*dap.ErrorResponse)
	require.True(t, ok, "got %T", msg)
	assert.False(t, resp.Success)
	assert.Equal(t, 4, resp.RequestSeq)
	require.NotNil(t, resp.Body.Error)
	assert.Contains(t, resp.Body.Error.Format, "not allowed")
}

func TestEncodeBreakpointsReply(t *testing.T) {
	out := &bytes.Buffer{}
	p := New(nil, &bytes.Buffer{}, out)

	require.NoError(t, p.EncodeReply(types.Reply{
		Command: types.CmdSetBreakpoints, Seq: 2, Success: true,
		Body: types.BreakpointsBody{Breakpoints: []types.Breakpoint{
			{ID: 1, Verified: false, Source: "Program.cs", Line: 10, Message: "pending"},
		}},
	}))

	msg := readMessage(t, out)
	resp, ok := msg.(*dap.SetBreakpointsResponse)
	require.True(t, ok, "got %T", msg)
	require.Len(t, resp.Body.Breakpoints, 1)
	assert.False(t, resp.Body.Breakpoints[0].Verified)
	assert.Equal(t, 10, resp.Body.Breakpoints[0].Line)
}

func TestEncodeEvents(t *testing.T) {
	out := &bytes.Buffer{}
	p := New(nil, &bytes.Buffer{}, out)

	require.NoError(t, p.EncodeEvent(types.Event{
		Kind:    types.EventOutput,
		Payload: types.OutputPayload{Category: types.OutputStderr, Output: "oops\n"},
	}))
	msg := readMessage(t, out)
	oe, ok := msg.(*dap.OutputEvent)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "stderr", oe.Body.Category)
	assert.Equal(t, "oops\n", oe.Body.Output)
	out.Reset()

	require.NoError(t, p.EncodeEvent(types.Event{
		Kind: types.EventStopped,
		Payload: types.StoppedPayload{
			Reason: types.StopBreakpoint, ThreadID: 1, AllThreadsStopped: true,
		},
	}))
	msg = readMessage(t, out)
	se, ok := msg.(*dap.StoppedEvent)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "breakpoint", se.Body.Reason)
	assert.True(t, se.Body.AllThreadsStopped)
	out.Reset()

	require.NoError(t, p.EncodeEvent(types.Event{Kind: types.EventInitialized}))
	_, ok = readMessage(t, out).(*dap.InitializedEvent)
	require.True(t, ok)
	out.Reset()

	require.NoError(t, p.EncodeEvent(types.Event{Kind: types.EventTerminated}))
	_, ok = readMessage(t, out).(*dap.TerminatedEvent)
	require.True(t, ok)
}

func TestSequenceStamping(t *testing.T) {
	out := &bytes.Buffer{}
	p := New(nil, &bytes.Buffer{}, out)

	require.NoError(t, p.EncodeReply(types.Reply{Command: types.CmdLaunch, Seq: 1, Success: true}))
	require.NoError(t, p.EncodeEvent(types.Event{Kind: types.EventInitialized}))

	reader := bufio.NewReader(out)
	first, err := dap.ReadProtocolMessage(reader)
	require.NoError(t, err)
	second, err := dap.ReadProtocolMessage(reader)
	require.NoError(t, err)

	assert.Equal(t, 1, first.(*dap.LaunchResponse).Seq)
	assert.Equal(t, 2, second.(*dap.InitializedEvent).Seq)
}

func TestEngineLogMirrorsTraffic(t *testing.T) {
	logBuf := &bytes.Buffer{}
	in := clientWrites(t, &dap.InitializeRequest{Request: request(1, "initialize")})
	out := &bytes.Buffer{}
	p := New(nil, in, out, WithEngineLog(logBuf))

	_, err := p.Decode()
	require.NoError(t, err)
	require.NoError(t, p.EncodeReply(types.Reply{Command: types.CmdInitialize, Seq: 1, Success: true}))

	logged := logBuf.String()
	assert.Contains(t, logged, "-> ")
	assert.Contains(t, logged, "<- ")
	assert.Contains(t, logged, `"initialize"`)
}
