package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MakiWolf/netcoredbg/internal/errors"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, ActionRun, cfg.Action)
	assert.Equal(t, InterpreterMI, cfg.Interpreter)
	assert.Zero(t, cfg.AttachPid)
	assert.Zero(t, cfg.ServerPort)
	assert.True(t, cfg.Launch.Empty())
}

func TestParseInterpreters(t *testing.T) {
	for _, tc := range []struct {
		arg  string
		want Interpreter
	}{
		{"--interpreter=mi", InterpreterMI},
		{"--interpreter=vscode", InterpreterVSCode},
		{"--interpreter=cli", InterpreterCLI},
		{"--interpreter=mcp", InterpreterMCP},
	} {
		cfg, err := Parse([]string{tc.arg})
		require.NoError(t, err, tc.arg)
		assert.Equal(t, tc.want, cfg.Interpreter)
	}

	_, err := Parse([]string{"--interpreter=gdb"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeBadArgument, errors.CodeOf(err))
}

func TestParseAttach(t *testing.T) {
	cfg, err := Parse([]string{"--attach", "4242"})
	require.NoError(t, err)
	assert.Equal(t, 4242, cfg.AttachPid)

	for _, args := range [][]string{
		{"--attach"},
		{"--attach", "zero"},
		{"--attach", "-1"},
		{"--attach", "0"},
	} {
		_, err := Parse(args)
		require.Error(t, err, "%v", args)
		assert.Equal(t, errors.CodeBadArgument, errors.CodeOf(err))
	}
}

func TestParseServer(t *testing.T) {
	cfg, err := Parse([]string{"--server"})
	require.NoError(t, err)
	assert.Equal(t, DefaultServerPort, cfg.ServerPort)

	cfg, err = Parse([]string{"--server=9229"})
	require.NoError(t, err)
	assert.Equal(t, 9229, cfg.ServerPort)

	for _, arg := range []string{"--server=notaport", "--server=0", "--server=70000"} {
		_, err := Parse([]string{arg})
		require.Error(t, err, arg)
	}
}

func TestParseEngineLogging(t *testing.T) {
	cfg, err := Parse([]string{"--interpreter=vscode", "--engineLogging"})
	require.NoError(t, err)
	assert.True(t, cfg.EngineLogging)
	assert.Empty(t, cfg.EngineLogPath)

	cfg, err = Parse([]string{"--interpreter=vscode", "--engineLogging=/tmp/engine.log"})
	require.NoError(t, err)
	assert.True(t, cfg.EngineLogging)
	assert.Equal(t, "/tmp/engine.log", cfg.EngineLogPath)

	// Only the vscode variant mirrors protocol traffic.
	for _, arg := range []string{"--interpreter=mi", "--interpreter=cli"} {
		_, err := Parse([]string{arg, "--engineLogging"})
		require.Error(t, err, arg)
		assert.Equal(t, errors.CodeBadArgument, errors.CodeOf(err))
	}
}

func TestParseLog(t *testing.T) {
	cfg, err := Parse([]string{"--log"})
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.LogPath)

	cfg, err = Parse([]string{"--log=/tmp/dbg.log"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/dbg.log", cfg.LogPath)
}

func TestParseTrailingProgram(t *testing.T) {
	cfg, err := Parse([]string{"--interpreter=cli", "--", "/bin/app", "--flag", "value"})
	require.NoError(t, err)
	assert.Equal(t, "/bin/app", cfg.Launch.Program)
	assert.Equal(t, []string{"--flag", "value"}, cfg.Launch.Args)

	// Everything after the separator belongs to the debuggee, even flags we
	// would otherwise reject.
	cfg, err = Parse([]string{"--", "/bin/app", "--interpreter=bogus"})
	require.NoError(t, err)
	assert.Equal(t, []string{"--interpreter=bogus"}, cfg.Launch.Args)

	_, err = Parse([]string{"--"})
	require.Error(t, err)
}

func TestParseActions(t *testing.T) {
	for _, tc := range []struct {
		arg  string
		want Action
	}{
		{"--help", ActionHelp},
		{"--version", ActionVersion},
		{"--buildinfo", ActionBuildInfo},
	} {
		cfg, err := Parse([]string{tc.arg})
		require.NoError(t, err, tc.arg)
		assert.Equal(t, tc.want, cfg.Action)
	}
}

func TestParseUnknownOption(t *testing.T) {
	_, err := Parse([]string{"--frobnicate"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeBadArgument, errors.CodeOf(err))
}
