package command

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/joeycumines/modsandbox/internal/config"
	"github.com/joeycumines/modsandbox/internal/session"
	"github.com/joeycumines/modsandbox/internal/workspace"
)

// drainTimeout bounds the shutdown of the live session on exit.
const drainTimeout = 10 * time.Second

// envFlags are the flags shared by every command that opens a workspace.
type envFlags struct {
	workspace string
	logFile   string
	logLevel  string
}

func (f *envFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.workspace, "workspace", "", "Workspace directory (overrides workspace.dir)")
	fs.StringVar(&f.logFile, "log-file", "", "Write JSON logs to this file (overrides log.file)")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides log.level)")
}

// env is an opened workspace with its controller stack.
type env struct {
	settings config.Settings
	logger   *slog.Logger
	logs     logConfig
	ws       *workspace.Dir
	stack    *session.Stack
}

func openEnv(cfg *config.Config, command string, flags envFlags, stderr io.Writer) (*env, error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	settings, err := config.DefaultSchema().ResolveSettings(cfg, command)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if flags.workspace != "" {
		if settings.WorkspaceDir, err = filepath.Abs(flags.workspace); err != nil {
			return nil, err
		}
	}

	logs, err := resolveLogConfig(flags.logFile, flags.logLevel, cfg)
	if err != nil {
		return nil, err
	}
	if settings.Verbose && flags.logLevel == "" && logs.level > slog.LevelDebug {
		logs.level = slog.LevelDebug
	}
	logger := logs.logger(stderr).With("command", command)

	ws, err := workspace.Open(settings.WorkspaceDir, workspace.Options{
		ModulesDir:   settings.ModulesDir,
		AssetsDir:    settings.AssetsDir,
		ProjectFile:  settings.ProjectFile,
		AssetBaseURL: settings.AssetBaseURL,
	})
	if err != nil {
		logs.close()
		return nil, err
	}

	stack, err := session.NewStack(session.StackConfig{
		Workspace:        ws,
		RequestTimeout:   settings.RequestTimeout,
		CallTimeout:      settings.CallTimeout,
		MaxMetadataBytes: settings.MaxMetadataBytes,
		Logger:           logger,
	})
	if err != nil {
		logs.close()
		return nil, err
	}

	return &env{settings: settings, logger: logger, logs: logs, ws: ws, stack: stack}, nil
}

// close drains the live session, stops the router and closes the log file.
func (e *env) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	err := e.stack.Close(ctx)
	if err != nil {
		e.logger.Warn("shutdown incomplete", "error", err)
	}
	e.logs.close()
	return err
}
