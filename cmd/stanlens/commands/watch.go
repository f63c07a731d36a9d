package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/stanlens/internal/observability"
	"github.com/Sumatoshi-tech/stanlens/pkg/render"
	"github.com/Sumatoshi-tech/stanlens/pkg/runner"
	"github.com/Sumatoshi-tech/stanlens/pkg/session"
	"github.com/Sumatoshi-tech/stanlens/pkg/watcher"
)

// ErrNotReady is reported by /readyz while the analyzer cannot run.
var ErrNotReady = errors.New("analyzer not ready")

// WatchCommand holds the flags of the watch command.
type WatchCommand struct {
	root *rootOptions
}

func newWatchCommand(root *rootOptions) *cobra.Command {
	wc := &WatchCommand{root: root}

	return &cobra.Command{
		Use:   "watch [path]",
		Short: "Re-analyze the project whenever source files change",
		Long: `Watch the project for changes to files of the configured language and
re-run the analyzer once the debounce window passes without further changes.
Changes that arrive while a run is in progress are dropped.

When observability.metrics_addr is set, /metrics, /healthz and /readyz are
served on that address.`,
		Args: cobra.MaximumNArgs(1),
		RunE: wc.run,
	}
}

func (wc *WatchCommand) run(cmd *cobra.Command, args []string) error {
	root, err := projectRoot(args)
	if err != nil {
		return err
	}

	env, err := newEnvironment(wc.root, observability.ModeWatch)
	if err != nil {
		return err
	}
	defer env.close()

	ctx := cmd.Context()

	s := env.newSession(root)
	defer s.Close()

	printer := &statusPrinter{out: cmd.OutOrStdout()}
	defer s.Subscribe(printer.print)()

	start := func() {
		_, startErr := s.Start(ctx)
		if startErr != nil && !errors.Is(startErr, session.ErrRunInProgress) && !errors.Is(startErr, session.ErrClosed) {
			env.logger.Warn("analysis not started", "error", startErr)
		}
	}

	coordinator := env.newCoordinator(ctx, s, start)
	defer coordinator.Close()

	w, err := watcher.New(root, env.cfg.Trigger.Language, func(event watcher.Event) {
		env.logger.Debug("source changed", "path", event.Path, "op", event.Op.String())
		coordinator.Notify()
	}, watcher.WithLogger(env.logger))
	if err != nil {
		return err
	}

	defer func() { _ = w.Close() }()

	if addr := env.cfg.Observability.MetricsAddr; addr != "" {
		mux := observability.NewMux(env.providers.Tracer, env.providers.MetricsHandler, readyCheck(s))

		go func() {
			serveErr := observability.Serve(ctx, addr, mux, env.logger)
			if serveErr != nil {
				env.logger.Error("metrics server stopped", "error", serveErr)
			}
		}()
	}

	if env.cfg.Trigger.InitialRun {
		start()
	}

	env.logger.Info("watching", "root", root, "language", env.cfg.Trigger.Language,
		"debounce", coordinator.Window())

	return w.Run(ctx)
}

// readyCheck fails while the last run could not even start the analyzer.
func readyCheck(s *session.Session) observability.ReadyCheck {
	return func(context.Context) error {
		status := s.Status()
		if status.State != session.StateFailed {
			return nil
		}

		switch status.ErrorKind {
		case runner.KindToolNotFound, runner.KindWorkspaceMissing:
			return fmt.Errorf("%w: %s", ErrNotReady, status.Message)
		default:
			return nil
		}
	}
}

// statusPrinter renders session events as a status line and, after a
// successful run, the results table.
type statusPrinter struct {
	out io.Writer
	now func() time.Time
	mu  sync.Mutex
}

func (p *statusPrinter) print(event session.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now
	if p.now != nil {
		now = p.now
	}

	if event.Kind == session.EventCompleted && event.Outcome != nil {
		rows := event.Outcome.Change.Snapshot.Rows()
		if len(rows) > 0 {
			fmt.Fprintln(p.out, render.Table(rows))
		}
	}

	fmt.Fprintln(p.out, render.StatusLine(event.Status, now()))
}
