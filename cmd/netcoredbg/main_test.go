package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MakiWolf/netcoredbg/internal/config"
	"github.com/MakiWolf/netcoredbg/internal/debuggee"
	"github.com/MakiWolf/netcoredbg/internal/protocol/cli"
	"github.com/MakiWolf/netcoredbg/internal/protocol/mi"
	"github.com/MakiWolf/netcoredbg/internal/protocol/vscode"
	"github.com/MakiWolf/netcoredbg/internal/session"
	"github.com/MakiWolf/netcoredbg/pkg/types"
)

// scriptedDebuggee accepts every call, records the order, and reports a stop
// as soon as the configuration window closes so resume commands are legal.
type scriptedDebuggee struct {
	mu    sync.Mutex
	sink  debuggee.EventSink
	calls []string
}

func (s *scriptedDebuggee) record(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)
}

func (s *scriptedDebuggee) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *scriptedDebuggee) Initialize(ctx context.Context, sink debuggee.EventSink) error {
	s.sink = sink
	s.record("initialize")
	return nil
}

func (s *scriptedDebuggee) Attach(ctx context.Context, pid int) error {
	s.record("attach")
	return nil
}

func (s *scriptedDebuggee) Launch(ctx context.Context, spec types.LaunchSpec) error {
	s.record("launch")
	return nil
}

func (s *scriptedDebuggee) ConfigurationDone(ctx context.Context) error {
	s.record("configurationDone")
	s.sink(types.Event{Kind: types.EventStopped, Payload: types.StoppedPayload{
		Reason: types.StopEntry, ThreadID: 1,
	}})
	return nil
}

func (s *scriptedDebuggee) SetBreakpoints(ctx context.Context, source string, bps []types.SourceBreakpoint) ([]types.Breakpoint, error) {
	s.record("setBreakpoints")
	return nil, nil
}

func (s *scriptedDebuggee) Continue(ctx context.Context) error { s.record("continue"); return nil }
func (s *scriptedDebuggee) Next(ctx context.Context) error     { s.record("next"); return nil }
func (s *scriptedDebuggee) StepIn(ctx context.Context) error   { s.record("stepIn"); return nil }
func (s *scriptedDebuggee) StepOut(ctx context.Context) error  { s.record("stepOut"); return nil }
func (s *scriptedDebuggee) Pause(ctx context.Context) error    { s.record("pause"); return nil }
func (s *scriptedDebuggee) Threads(ctx context.Context) ([]types.Thread, error) {
	s.record("threads")
	return nil, nil
}
func (s *scriptedDebuggee) StackTrace(ctx context.Context, threadID int) ([]types.StackFrame, error) {
	s.record("stackTrace")
	return nil, nil
}
func (s *scriptedDebuggee) Evaluate(ctx context.Context, frameID int, expression string) (*types.EvaluateResult, error) {
	s.record("evaluate")
	return nil, nil
}
func (s *scriptedDebuggee) Disconnect(ctx context.Context) error { s.record("disconnect"); return nil }
func (s *scriptedDebuggee) Terminate(ctx context.Context) error  { s.record("terminate"); return nil }

func initializeEngine(t *testing.T, eng *session.Engine) {
	t.Helper()
	err := eng.Execute(context.Background(), types.Command{Name: types.CmdInitialize},
		func(r types.Reply) error {
			require.True(t, r.Success, r.Message)
			return nil
		})
	require.NoError(t, err)
}

// The same launch → configuration-done → continue → terminate conversation
// must drive the engine through the same runtime calls and end in the same
// state no matter which wire encoding carried it.
func TestVariantsAreEquivalent(t *testing.T) {
	wantCalls := []string{"initialize", "launch", "configurationDone", "continue", "terminate"}

	t.Run("mi", func(t *testing.T) {
		dbg := &scriptedDebuggee{}
		eng := session.New(dbg)
		defer eng.Close()
		in := strings.NewReader(strings.Join([]string{
			"-file-exec-and-symbols /bin/app",
			"-exec-run",
			"-exec-continue",
			"-gdb-exit",
		}, "\n") + "\n")
		p := mi.New(eng, in, &bytes.Buffer{})
		require.NoError(t, eng.Bind(p))
		initializeEngine(t, eng)

		require.NoError(t, p.Run(context.Background()))
		assert.Equal(t, types.StateTerminated, eng.State())
		assert.Equal(t, wantCalls, dbg.recorded())
	})

	t.Run("cli", func(t *testing.T) {
		dbg := &scriptedDebuggee{}
		eng := session.New(dbg)
		defer eng.Close()
		in := strings.NewReader("run /bin/app\ncontinue\nquit\n")
		p := cli.New(eng, in, &bytes.Buffer{})
		require.NoError(t, eng.Bind(p))
		initializeEngine(t, eng)

		require.NoError(t, p.Run(context.Background()))
		assert.Equal(t, types.StateTerminated, eng.State())
		assert.Equal(t, wantCalls, dbg.recorded())
	})

	t.Run("vscode", func(t *testing.T) {
		dbg := &scriptedDebuggee{}
		eng := session.New(dbg)
		defer eng.Close()

		in := &bytes.Buffer{}
		write := func(msg dap.Message) {
			require.NoError(t, dap.WriteProtocolMessage(in, msg))
		}
		req := func(seq int, command string) dap.Request {
			return dap.Request{
				ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "request"},
				Command:         command,
			}
		}
		write(&dap.InitializeRequest{Request: req(1, "initialize")})
		write(&dap.LaunchRequest{
			Request:   req(2, "launch"),
			Arguments: json.RawMessage(`{"program":"/bin/app"}`),
		})
		write(&dap.ConfigurationDoneRequest{Request: req(3, "configurationDone")})
		write(&dap.ContinueRequest{Request: req(4, "continue")})
		write(&dap.TerminateRequest{Request: req(5, "terminate")})

		p := vscode.New(eng, in, &bytes.Buffer{})
		require.NoError(t, eng.Bind(p))

		require.NoError(t, p.Run(context.Background()))
		assert.Equal(t, types.StateTerminated, eng.State())
		assert.Equal(t, wantCalls, dbg.recorded())
	})
}

func TestRunArgumentErrors(t *testing.T) {
	assert.Equal(t, 1, run([]string{"--frobnicate"}))
	assert.Equal(t, 1, run([]string{"--attach", "banana"}))
	assert.Equal(t, 1, run([]string{"--interpreter=mi", "--engineLogging"}))
}

func TestRunActions(t *testing.T) {
	assert.Equal(t, 0, run([]string{"--version"}))
	assert.Equal(t, 0, run([]string{"--buildinfo"}))
	assert.Equal(t, 0, run([]string{"--help"}))
}

func TestBuildSinkSelectsTransport(t *testing.T) {
	sink, em := buildSink(&config.Config{Interpreter: config.InterpreterCLI})
	assert.Nil(t, sink)
	assert.Nil(t, em)

	sink, em = buildSink(&config.Config{Interpreter: config.InterpreterMI})
	require.NotNil(t, sink)
	require.NotNil(t, em)
	sink.Close()
}
