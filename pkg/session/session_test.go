package session_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/Sumatoshi-tech/stanlens/internal/observability"
	"github.com/Sumatoshi-tech/stanlens/pkg/finding"
	"github.com/Sumatoshi-tech/stanlens/pkg/runner"
	"github.com/Sumatoshi-tech/stanlens/pkg/session"
)

type analyzerFunc func(ctx context.Context, root string) (finding.RunResult, error)

func (f analyzerFunc) Run(ctx context.Context, root string) (finding.RunResult, error) {
	return f(ctx, root)
}

func oneFinding(path string, line int) finding.RunResult {
	return finding.RunResult{Files: []finding.FileFindings{{
		Path: path,
		Findings: []finding.Finding{{
			FilePath: path,
			Line:     line,
			Message:  "Undefined variable $user",
			Severity: finding.SeverityError,
		}},
	}}}
}

func TestRun_SuccessReplacesStore(t *testing.T) {
	t.Parallel()

	metrics, err := observability.NewRunMetrics(noopmetric.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	s := session.New("/project", session.Deps{
		Runner: analyzerFunc(func(_ context.Context, root string) (finding.RunResult, error) {
			assert.Equal(t, "/project", root)

			return oneFinding("app/Http/Kernel.php", 7), nil
		}),
		Metrics: metrics,
	})

	var kinds []session.EventKind

	s.Subscribe(func(e session.Event) { kinds = append(kinds, e.Kind) })

	outcome, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []session.EventKind{session.EventStarted, session.EventCompleted}, kinds)
	assert.Equal(t, "Found 1 issue", outcome.Summary)
	assert.NotEmpty(t, outcome.RunID)

	assert.Len(t, s.Store().Get("/project/app/Http/Kernel.php"), 1)
	assert.Equal(t, 1, s.IssueCount())

	rows := s.Results()
	require.Len(t, rows, 1)
	assert.Equal(t, "app/Http/Kernel.php", rows[0].File)

	status := s.Status()
	assert.Equal(t, session.StateIdle, status.State)
	assert.Equal(t, 1, status.LastIssues)
	assert.Equal(t, outcome.RunID, status.RunID)
	assert.Equal(t, session.Idle, s.State())
}

func TestRun_ErrorLeavesStoreUntouched(t *testing.T) {
	t.Parallel()

	fail := false

	s := session.New("/project", session.Deps{
		Runner: analyzerFunc(func(context.Context, string) (finding.RunResult, error) {
			if fail {
				return finding.RunResult{}, &runner.MalformedOutputError{Cause: errors.New("not json")}
			}

			return oneFinding("a.php", 1), nil
		}),
	})

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	before := s.Store().Snapshot()

	fail = true

	var started, failed session.Event

	s.Subscribe(func(e session.Event) {
		switch e.Kind {
		case session.EventStarted:
			started = e
		case session.EventFailed:
			failed = e
		case session.EventCompleted:
		}
	})

	_, err = s.Run(context.Background())
	require.ErrorIs(t, err, runner.ErrMalformedOutput)

	assert.Same(t, before, s.Store().Snapshot())
	assert.Equal(t, 1, s.IssueCount())

	status := s.Status()
	assert.Equal(t, session.StateFailed, status.State)
	assert.Equal(t, runner.KindMalformedOutput, status.ErrorKind)
	assert.Equal(t, 1, status.LastIssues)
	assert.Contains(t, status.Message, "Could not read analysis results")
	require.ErrorIs(t, failed.Err, runner.ErrMalformedOutput)
	assert.Equal(t, session.Idle, s.State())

	assert.Equal(t, session.StateRunning, started.Status.State)
	assert.Equal(t, 1, started.Status.LastIssues)
	assert.Equal(t, 1, failed.Status.LastIssues)
}

func TestRun_ListenersSeeTheSlotReleased(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls int
	)

	s := session.New("/project", session.Deps{
		Runner: analyzerFunc(func(context.Context, string) (finding.RunResult, error) {
			mu.Lock()
			calls++
			mu.Unlock()

			return finding.RunResult{}, nil
		}),
	})
	defer s.Close()

	type observed struct {
		err  error
		busy bool
	}

	first := make(chan observed, 1)

	var once sync.Once

	s.Subscribe(func(e session.Event) {
		if e.Kind != session.EventCompleted {
			return
		}

		once.Do(func() {
			busy := s.Busy()
			_, err := s.Start(context.Background())
			first <- observed{busy: busy, err: err}
		})
	})

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	got := <-first
	assert.False(t, got.busy)
	require.NoError(t, got.err)

	s.Close()

	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestRun_FailureReleasesTheSlotBeforeListeners(t *testing.T) {
	t.Parallel()

	s := session.New("/project", session.Deps{
		Runner: analyzerFunc(func(context.Context, string) (finding.RunResult, error) {
			return finding.RunResult{}, runner.ErrToolNotFound
		}),
	})

	var busyOnFailure []bool

	s.Subscribe(func(e session.Event) {
		if e.Kind == session.EventFailed {
			busyOnFailure = append(busyOnFailure, s.Busy())
		}
	})

	_, err := s.Run(context.Background())
	require.ErrorIs(t, err, runner.ErrToolNotFound)
	assert.Equal(t, []bool{false}, busyOnFailure)
}

func TestClose_ConcurrentStarts(t *testing.T) {
	t.Parallel()

	s := session.New("/project", session.Deps{
		Runner: analyzerFunc(func(context.Context, string) (finding.RunResult, error) {
			return finding.RunResult{}, nil
		}),
	})

	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 50 {
				task, err := s.Start(context.Background())
				if err == nil {
					<-task.Done()
				}
			}
		}()
	}

	s.Close()
	wg.Wait()

	_, err := s.Start(context.Background())
	require.ErrorIs(t, err, session.ErrClosed)
	assert.False(t, s.Busy())
}

func TestRun_SingleRunInvariant(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	entered := make(chan struct{})

	var (
		mu    sync.Mutex
		calls int
	)

	s := session.New("/project", session.Deps{
		Runner: analyzerFunc(func(context.Context, string) (finding.RunResult, error) {
			mu.Lock()
			calls++
			mu.Unlock()

			close(entered)
			<-release

			return finding.RunResult{}, nil
		}),
	})

	task, err := s.Start(context.Background())
	require.NoError(t, err)

	<-entered
	assert.True(t, s.Busy())
	assert.Equal(t, session.StateRunning, s.Status().State)

	_, err = s.Run(context.Background())
	require.ErrorIs(t, err, session.ErrRunInProgress)

	_, err = s.Start(context.Background())
	require.ErrorIs(t, err, session.ErrRunInProgress)

	close(release)

	outcome, err := task.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Found 0 issues", outcome.Summary)

	<-task.Done()
	assert.False(t, s.Busy())

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestTask_WaitHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})

	s := session.New("/project", session.Deps{
		Runner: analyzerFunc(func(context.Context, string) (finding.RunResult, error) {
			<-release

			return finding.RunResult{}, nil
		}),
	})

	task, err := s.Start(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = task.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	s.Close()

	_, err = s.Run(context.Background())
	require.ErrorIs(t, err, session.ErrClosed)
}

func TestSetRoot(t *testing.T) {
	t.Parallel()

	var seen string

	s := session.New("", session.Deps{
		Runner: analyzerFunc(func(_ context.Context, root string) (finding.RunResult, error) {
			seen = root

			return finding.RunResult{}, nil
		}),
	})

	s.SetRoot("/workspace")

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/workspace", seen)
	assert.Equal(t, "/workspace", s.Root())
}

func TestSummary(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Found 0 issues", session.Summary(0))
	assert.Equal(t, "Found 1 issue", session.Summary(1))
	assert.Equal(t, "Found 12 issues", session.Summary(12))
}

func TestFailureMessage(t *testing.T) {
	t.Parallel()

	assert.Contains(t, session.FailureMessage(runner.ErrToolNotFound), "composer require")
	assert.Equal(t, "No workspace folder found", session.FailureMessage(runner.ErrWorkspaceMissing))
	assert.Equal(t, "Analysis canceled", session.FailureMessage(context.Canceled))
	assert.Contains(t, session.FailureMessage(&runner.ExecutionError{ExitCode: 255, Stderr: "boom"}), "boom")
}

// End to end through a real runner and a fake analyzer script.

func fakeProject(t *testing.T, body string) string {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("fake tools are shell scripts")
	}

	root := t.TempDir()
	tool := filepath.Join(root, runner.DefaultToolPath)

	require.NoError(t, os.MkdirAll(filepath.Dir(tool), 0o755))
	require.NoError(t, os.WriteFile(tool, []byte("#!/bin/sh\n"+body+"\n"), 0o755)) //nolint:gosec // executable fixture.

	return root
}

func TestEndToEnd_ExitOneWithJSON(t *testing.T) {
	t.Parallel()

	root := fakeProject(t, `echo '{"files":{"app/User.php":{"messages":[{"message":"Bad","line":3}]}}}'
exit 1`)

	s := session.New(root, session.Deps{Runner: runner.New(runner.Config{})})

	outcome, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, s.IssueCount())
	assert.Equal(t, "Found 1 issue", outcome.Summary)

	got := s.Store().Get(filepath.Join(root, "app/User.php"))
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].Line)
}

func TestEndToEnd_ExitOneEmptyStdout(t *testing.T) {
	t.Parallel()

	root := fakeProject(t, "echo 'Composer autoload missing' >&2\nexit 1")

	s := session.New(root, session.Deps{Runner: runner.New(runner.Config{})})

	_, err := s.Run(context.Background())
	require.ErrorIs(t, err, runner.ErrToolExecutionFailed)

	assert.Zero(t, s.Store().Snapshot().Len())
	assert.Equal(t, session.StateFailed, s.Status().State)
	assert.Contains(t, s.Status().Message, "Composer autoload missing")
}

func TestEndToEnd_NotJSON(t *testing.T) {
	t.Parallel()

	root := fakeProject(t, "echo 'not json'")

	s := session.New(root, session.Deps{Runner: runner.New(runner.Config{})})

	_, err := s.Run(context.Background())
	require.ErrorIs(t, err, runner.ErrMalformedOutput)
	assert.Zero(t, s.Store().Snapshot().Len())
}
