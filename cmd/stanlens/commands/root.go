// Package commands implements CLI command handlers for stanlens.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/stanlens/internal/config"
	"github.com/Sumatoshi-tech/stanlens/internal/observability"
	"github.com/Sumatoshi-tech/stanlens/pkg/runner"
	"github.com/Sumatoshi-tech/stanlens/pkg/session"
	"github.com/Sumatoshi-tech/stanlens/pkg/trigger"
	"github.com/Sumatoshi-tech/stanlens/pkg/version"
)

// Process exit codes.
const (
	ExitClean   = 0
	ExitIssues  = 1
	ExitFailure = 2
)

// ErrIssuesFound is returned by run when the analysis reported findings.
var ErrIssuesFound = errors.New("issues found")

// ExitError carries the process exit code for a command error.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitClean
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	return ExitFailure
}

type rootOptions struct {
	configPath string
}

// NewRootCommand builds the stanlens command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "stanlens",
		Short: "stanlens - PHPStan/Larastan runs as diagnostics",
		Long: `stanlens runs PHPStan (or Larastan) on a PHP project and keeps a
diagnostic set synchronized with the latest run.

Commands:
  run       Analyze once and print the findings
  report    Analyze once and write an HTML chart report
  watch     Re-analyze on file changes
  lsp       Serve diagnostics over the Language Server Protocol (stdio)
  mcp       Serve analysis tools over the Model Context Protocol (stdio)`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (default: .stanlens.yaml in the working directory or $HOME)")

	rootCmd.AddCommand(
		newRunCommand(opts),
		newReportCommand(opts),
		newWatchCommand(opts),
		newLSPCommand(opts),
		newMCPCommand(opts),
		newVersionCommand(),
	)

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

// environment is the per-command wiring of config, telemetry and logging.
type environment struct {
	cfg        *config.Config
	providers  observability.Providers
	logger     *slog.Logger
	runMetrics *observability.RunMetrics
}

func newEnvironment(opts *rootOptions, mode observability.AppMode) (*environment, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}

	providers, err := observability.Init(cfg.TelemetryConfig(mode, version.Version))
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	runMetrics, err := observability.NewRunMetrics(providers.Meter)
	if err != nil {
		shutdownErr := providers.Shutdown(context.Background())

		return nil, errors.Join(err, shutdownErr)
	}

	return &environment{
		cfg:        cfg,
		providers:  providers,
		logger:     providers.Logger,
		runMetrics: runMetrics,
	}, nil
}

func (e *environment) close() {
	err := e.providers.Shutdown(context.Background())
	if err != nil {
		e.logger.Warn("observability shutdown failed", "error", err)
	}
}

func (e *environment) newSession(root string) *session.Session {
	analyzer := runner.New(e.cfg.RunnerConfig(), runner.WithLogger(e.logger))

	return session.New(root, session.Deps{
		Runner:  analyzer,
		Logger:  e.logger,
		Tracer:  e.providers.Tracer,
		Metrics: e.runMetrics,
	})
}

func (e *environment) newCoordinator(ctx context.Context, s *session.Session, onFire func()) *trigger.Coordinator {
	return trigger.New(e.cfg.Trigger.Debounce, onFire,
		trigger.WithBusy(s.Busy),
		trigger.WithLogger(e.logger),
		trigger.WithDropHook(func() { e.runMetrics.RecordDroppedTrigger(ctx) }),
	)
}

// projectRoot resolves the optional [path] argument, defaulting to the
// working directory.
func projectRoot(args []string) (string, error) {
	path := "."
	if len(args) > 0 {
		path = args[0]
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve project path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", &ExitError{Code: ExitFailure, Err: fmt.Errorf("%w: %s", runner.ErrWorkspaceMissing, abs)}
	}

	return abs, nil
}
