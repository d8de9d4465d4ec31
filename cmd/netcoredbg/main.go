package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/MakiWolf/netcoredbg/internal/config"
	"github.com/MakiWolf/netcoredbg/internal/debuggee/hosted"
	"github.com/MakiWolf/netcoredbg/internal/iored"
	"github.com/MakiWolf/netcoredbg/internal/log"
	"github.com/MakiWolf/netcoredbg/internal/protocol"
	"github.com/MakiWolf/netcoredbg/internal/protocol/cli"
	"github.com/MakiWolf/netcoredbg/internal/protocol/mcp"
	"github.com/MakiWolf/netcoredbg/internal/protocol/mi"
	"github.com/MakiWolf/netcoredbg/internal/protocol/vscode"
	"github.com/MakiWolf/netcoredbg/internal/session"
	"github.com/MakiWolf/netcoredbg/internal/version"
	"github.com/MakiWolf/netcoredbg/pkg/types"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Parse(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		fmt.Fprint(os.Stderr, config.Usage())
		return 1
	}

	switch cfg.Action {
	case config.ActionHelp:
		fmt.Print(config.Usage())
		return 0
	case config.ActionVersion:
		version.PrintVersion(os.Stdout)
		return 0
	case config.ActionBuildInfo:
		version.PrintBuildInfo(os.Stdout)
		return 0
	}

	closeLog, err := log.Setup(cfg.LogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot open log file: %v\n", err)
		return 1
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, em := buildSink(cfg)
	if sink != nil {
		defer sink.Close()
	}

	var dbgOpts []hosted.Option
	if sink != nil {
		dbgOpts = append(dbgOpts, hosted.WithOutput(sink))
	}
	dbg := hosted.New(dbgOpts...)

	var engOpts []session.Option
	if !cfg.Launch.Empty() {
		engOpts = append(engOpts, session.WithLaunchSeed(cfg.Launch))
	}
	eng := session.New(dbg, engOpts...)
	defer eng.Close()
	if em != nil {
		em.eng = eng
	}

	proto, err := buildProtocol(cfg, eng)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if err := eng.Bind(proto); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	if err := prepare(ctx, cfg, eng); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	if err := proto.Run(ctx); err != nil {
		logrus.WithError(err).Error("command loop failed")
		return 1
	}
	return 0
}

// engineEmitter routes inline output events through the engine so they share
// the command channel's ordering. The engine field is assigned right after
// session construction, before any output can flow.
type engineEmitter struct {
	eng *session.Engine
}

func (e *engineEmitter) EmitEvent(ev types.Event) error {
	e.eng.Sink(ev)
	return nil
}

// buildSink picks the output transport. The CLI variant shares the user's
// terminal with the debuggee, so it gets no redirection at all. A listener
// that cannot bind degrades to inline emission rather than refusing to start.
func buildSink(cfg *config.Config) (iored.Sink, *engineEmitter) {
	if cfg.Interpreter == config.InterpreterCLI {
		return nil, nil
	}
	if cfg.ServerPort != 0 {
		srv, err := iored.NewServer(cfg.ServerPort)
		if err == nil {
			return srv, nil
		}
		logrus.WithError(err).Warn("redirection listener unavailable, falling back to inline output")
	}
	em := &engineEmitter{}
	return iored.NewInlineSink(em), em
}

func buildProtocol(cfg *config.Config, eng *session.Engine) (protocol.Protocol, error) {
	switch cfg.Interpreter {
	case config.InterpreterMI:
		p := mi.New(eng, os.Stdin, os.Stdout)
		if !cfg.Launch.Empty() {
			p.SetLaunchCommand(cfg.Launch.Program, cfg.Launch.Args)
		}
		return p, nil

	case config.InterpreterVSCode:
		var opts []vscode.Option
		if cfg.EngineLogging {
			w, err := engineLogWriter(cfg.EngineLogPath)
			if err != nil {
				return nil, err
			}
			opts = append(opts, vscode.WithEngineLog(w))
		}
		if !cfg.Launch.Empty() {
			opts = append(opts, vscode.WithLaunchOverride(cfg.Launch))
		}
		return vscode.New(eng, os.Stdin, os.Stdout, opts...), nil

	case config.InterpreterCLI:
		p := cli.New(eng, os.Stdin, os.Stdout)
		if !cfg.Launch.Empty() {
			p.SetLaunchCommand(cfg.Launch.Program, cfg.Launch.Args)
		}
		return p, nil

	case config.InterpreterMCP:
		return mcp.New(eng), nil
	}
	return nil, fmt.Errorf("unknown interpreter %q", cfg.Interpreter)
}

func engineLogWriter(path string) (*os.File, error) {
	if path == "" {
		return os.Stderr, nil
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// prepare runs the commands the client never sends. The MI and CLI variants
// have no initialize handshake on the wire, so the session is initialized
// here. With --attach the whole attach sequence runs before the command loop
// so the first prompt already shows an attached debuggee.
func prepare(ctx context.Context, cfg *config.Config, eng *session.Engine) error {
	needInit := cfg.Interpreter == config.InterpreterMI || cfg.Interpreter == config.InterpreterCLI
	if cfg.AttachPid != 0 {
		needInit = true
	}
	if !needInit {
		return nil
	}

	if err := execute(ctx, eng, types.Command{Name: types.CmdInitialize}); err != nil {
		return err
	}
	if cfg.AttachPid == 0 {
		return nil
	}
	attach := types.Command{
		Name: types.CmdAttach,
		Args: map[string]interface{}{"pid": cfg.AttachPid},
	}
	if err := execute(ctx, eng, attach); err != nil {
		return err
	}
	return execute(ctx, eng, types.Command{Name: types.CmdConfigurationDone})
}

func execute(ctx context.Context, eng *session.Engine, cmd types.Command) error {
	var failure error
	err := eng.Execute(ctx, cmd, func(r types.Reply) error {
		if !r.Success {
			failure = fmt.Errorf("%s: %s", cmd.Name, r.Message)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return failure
}
