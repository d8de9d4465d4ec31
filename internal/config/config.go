// Package config parses the startup command line into a Config.
//
// The flag grammar is the historical debugger CLI and does not fit the
// stdlib flag package (flags like --interpreter=mi carry their value after
// '=', --server takes an optional value, and everything after a bare "--" is
// the debuggee program with its arguments), so the argument vector is walked
// by hand.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/MakiWolf/netcoredbg/internal/errors"
	"github.com/MakiWolf/netcoredbg/pkg/types"
)

// DefaultServerPort is the TCP port the redirection listener binds when
// --server is given without a value.
const DefaultServerPort = 4711

// Interpreter selects the protocol variant speaking to the client.
type Interpreter string

const (
	InterpreterMI     Interpreter = "mi"
	InterpreterVSCode Interpreter = "vscode"
	InterpreterCLI    Interpreter = "cli"
	InterpreterMCP    Interpreter = "mcp"
)

// Action tells the entry point what to do after parsing.
type Action int

const (
	ActionRun Action = iota
	ActionHelp
	ActionVersion
	ActionBuildInfo
)

// Config holds the parsed startup configuration.
type Config struct {
	Action Action `json:"-"`

	// Interpreter is the selected protocol variant.
	Interpreter Interpreter `json:"interpreter"`

	// AttachPid is the process to attach to, zero if none.
	AttachPid int `json:"attachPid,omitempty"`

	// Launch is the trailing "-- prog args" launch spec, empty if none.
	Launch types.LaunchSpec `json:"launch,omitempty"`

	// ServerPort is the redirection listener port, zero for inline emission.
	ServerPort int `json:"serverPort,omitempty"`

	// EngineLogPath enables protocol traffic logging (vscode only). An empty
	// string with EngineLogging set logs to the engine log on stderr.
	EngineLogging bool   `json:"engineLogging,omitempty"`
	EngineLogPath string `json:"engineLogPath,omitempty"`

	// LogPath is the diagnostic log file, empty to disable logging.
	LogPath string `json:"logPath,omitempty"`
}

// Parse walks the argument vector (without the program name) and builds the
// configuration. All returned errors have code BAD_ARGUMENT and are fatal.
func Parse(args []string) (*Config, error) {
	cfg := &Config{Interpreter: InterpreterMI}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--attach":
			i++
			if i >= len(args) {
				return nil, errors.BadArgument("missing process id")
			}
			pid, err := strconv.Atoi(args[i])
			if err != nil || pid <= 0 {
				return nil, errors.BadArgument("invalid process id %q", args[i])
			}
			cfg.AttachPid = pid

		case strings.HasPrefix(arg, "--interpreter="):
			switch v := Interpreter(strings.TrimPrefix(arg, "--interpreter=")); v {
			case InterpreterMI, InterpreterVSCode, InterpreterCLI, InterpreterMCP:
				cfg.Interpreter = v
			default:
				return nil, errors.BadArgument("unknown interpreter %q", string(v))
			}

		case arg == "--engineLogging":
			cfg.EngineLogging = true

		case strings.HasPrefix(arg, "--engineLogging="):
			cfg.EngineLogging = true
			cfg.EngineLogPath = strings.TrimPrefix(arg, "--engineLogging=")

		case arg == "--server":
			cfg.ServerPort = DefaultServerPort

		case strings.HasPrefix(arg, "--server="):
			port, err := strconv.Atoi(strings.TrimPrefix(arg, "--server="))
			if err != nil || port <= 0 || port > 65535 {
				return nil, errors.BadArgument("invalid server port %q", strings.TrimPrefix(arg, "--server="))
			}
			cfg.ServerPort = port

		case arg == "--log":
			cfg.LogPath = defaultLogPath()

		case strings.HasPrefix(arg, "--log="):
			cfg.LogPath = strings.TrimPrefix(arg, "--log=")

		case arg == "--help":
			cfg.Action = ActionHelp
			return cfg, nil

		case arg == "--version":
			cfg.Action = ActionVersion
			return cfg, nil

		case arg == "--buildinfo":
			cfg.Action = ActionBuildInfo
			return cfg, nil

		case arg == "--":
			i++
			if i >= len(args) {
				return nil, errors.BadArgument("missing program argument")
			}
			cfg.Launch.Program = args[i]
			cfg.Launch.Args = append([]string(nil), args[i+1:]...)
			i = len(args)

		default:
			return nil, errors.BadArgument("unknown option %s", arg)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.EngineLogging && c.Interpreter != InterpreterVSCode {
		return errors.BadArgument("engine logging is only supported in vscode interpreter mode")
	}
	return nil
}

func defaultLogPath() string {
	name := filepath.Base(os.Args[0])
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s.%d.log", name, os.Getpid()))
}

// Usage returns the help text shown for --help.
func Usage() string {
	return fmt.Sprintf(`.NET Core debugger

Options:
--buildinfo                           Print build info.
--attach <process-id>                 Attach the debugger to the specified process id.
--interpreter=cli                     Runs the debugger with Command Line Interface.
--interpreter=mi                      Puts the debugger into MI mode.
--interpreter=vscode                  Puts the debugger into VS Code Debugger mode.
--interpreter=mcp                     Exposes the debugger as tool calls over stdio.
--engineLogging[=<path to log file>]  Enable logging to VsDbg-UI or file for the engine.
                                      Only supported by the VsCode interpreter.
--server[=port_num]                   Start the debugger listening for requests on the
                                      specified TCP/IP port instead of stdin/out. If port is not specified
                                      TCP %d will be used.
--log[=<path>]                        Enable diagnostic logging to a file. The default file
                                      is created in the temp folder.
--version                             Displays the current version.
`, DefaultServerPort)
}
