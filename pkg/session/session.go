// Package session owns one analysis pipeline: the run state, the diagnostic
// store and the status shown to users.
//
// A Session is explicitly created and closed. At most one run is in progress
// at a time; a successful run replaces the store exactly once, a failed run
// leaves it untouched.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize/english"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/Sumatoshi-tech/stanlens/internal/observability"
	"github.com/Sumatoshi-tech/stanlens/pkg/diagstore"
	"github.com/Sumatoshi-tech/stanlens/pkg/finding"
	"github.com/Sumatoshi-tech/stanlens/pkg/runner"
)

// ErrRunInProgress is returned when a run is requested while one is running.
var ErrRunInProgress = errors.New("analysis already running")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("session closed")

// RunState is the pipeline run state.
type RunState int32

// Run states.
const (
	Idle RunState = iota
	Running
)

func (s RunState) String() string {
	if s == Running {
		return "running"
	}

	return "idle"
}

// State is the user-visible status.
type State string

// Status states.
const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateFailed  State = "failed"
)

// Status is a point-in-time view of the session.
type Status struct {
	LastRun    time.Time        `json:"last_run"`
	State      State            `json:"state"`
	Message    string           `json:"message"`
	RunID      string           `json:"run_id,omitempty"`
	ErrorKind  runner.ErrorKind `json:"error_kind,omitempty"`
	LastIssues int              `json:"last_issues"`
	Duration   time.Duration    `json:"duration"`
}

// Outcome describes a successful run.
type Outcome struct {
	Result   finding.RunResult
	Change   diagstore.Change
	RunID    string
	Summary  string
	Duration time.Duration
}

// EventKind tells listeners what happened.
type EventKind int

// Event kinds.
const (
	// EventStarted is emitted when a run begins.
	EventStarted EventKind = iota
	// EventCompleted is emitted after a successful run updated the store.
	EventCompleted
	// EventFailed is emitted when a run ended with an error.
	EventFailed
)

// Event is delivered to Subscribe listeners.
type Event struct {
	Outcome *Outcome
	Err     error
	Status  Status
	Kind    EventKind
}

// Analyzer runs the external tool. *runner.Runner implements it.
type Analyzer interface {
	Run(ctx context.Context, projectRoot string) (finding.RunResult, error)
}

// Deps are the collaborators of a Session. Runner is required; everything
// else has a usable zero value.
type Deps struct {
	Runner  Analyzer
	Store   *diagstore.Store
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *observability.RunMetrics
	Now     func() time.Time
}

// Session is one analysis pipeline bound to a project root.
type Session struct {
	deps      Deps
	listeners map[uint64]func(Event)
	tasks     sync.WaitGroup
	status    Status
	root      string
	state     atomic.Int32
	mu        sync.RWMutex
	nextID    uint64
	closed    bool
}

// New creates a Session for root. Root may be empty and set later with SetRoot.
func New(root string, deps Deps) *Session {
	if deps.Store == nil {
		deps.Store = diagstore.New()
	}

	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	if deps.Tracer == nil {
		deps.Tracer = nooptrace.NewTracerProvider().Tracer("stanlens")
	}

	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Session{
		deps:      deps,
		root:      root,
		listeners: make(map[uint64]func(Event)),
		status:    Status{State: StateIdle},
	}
}

// Root returns the project root.
func (s *Session) Root() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.root
}

// SetRoot changes the project root used by later runs.
func (s *Session) SetRoot(root string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.root = root
}

// Store returns the diagnostic store.
func (s *Session) Store() *diagstore.Store {
	return s.deps.Store
}

// State returns the current RunState.
func (s *Session) State() RunState {
	return RunState(s.state.Load())
}

// Busy reports whether a run is in progress.
func (s *Session) Busy() bool {
	return s.State() == Running
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.status
}

// Results returns the rows of the latest successful run.
func (s *Session) Results() []diagstore.Row {
	return s.deps.Store.Snapshot().Rows()
}

// IssueCount returns the number of findings of the latest successful run.
func (s *Session) IssueCount() int {
	return s.deps.Store.Snapshot().IssueCount()
}

// Subscribe registers fn for every event. The returned function removes it.
func (s *Session) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		delete(s.listeners, id)
	}
}

// Run performs one analysis synchronously.
func (s *Session) Run(ctx context.Context) (*Outcome, error) {
	err := s.acquire(false)
	if err != nil {
		return nil, err
	}

	return s.run(ctx)
}

// Start begins an analysis in the background and returns its Task.
func (s *Session) Start(ctx context.Context) (*Task, error) {
	err := s.acquire(true)
	if err != nil {
		return nil, err
	}

	task := newTask()

	go func() {
		defer s.tasks.Done()

		task.complete(s.run(ctx))
	}()

	return task, nil
}

// Close rejects new runs and waits for started ones to finish.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.tasks.Wait()
}

// acquire moves Idle to Running or reports why it cannot. A background run
// is registered with Close in the same critical section.
func (s *Session) acquire(background bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if !s.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return ErrRunInProgress
	}

	if background {
		s.tasks.Add(1)
	}

	return nil
}

func (s *Session) run(ctx context.Context) (*Outcome, error) {
	defer func() {
		if r := recover(); r != nil {
			s.state.Store(int32(Idle))
			panic(r)
		}
	}()

	runID := uuid.NewString()
	root := s.Root()
	logger := s.deps.Logger.With("run_id", runID)

	ctx, span := s.deps.Tracer.Start(ctx, "stanlens.session.run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("project.root", root),
		),
	)
	defer span.End()

	started := s.deps.Now()
	lastIssues := s.Status().LastIssues

	running := Status{
		State:      StateRunning,
		Message:    "Analyzing...",
		RunID:      runID,
		LastRun:    started,
		LastIssues: lastIssues,
	}
	s.setStatus(running)
	s.emit(Event{Kind: EventStarted, Status: running})

	logger.InfoContext(ctx, "analysis started", "root", root)

	result, err := s.deps.Runner.Run(ctx, root)
	duration := s.deps.Now().Sub(started)

	if err != nil {
		return nil, s.fail(ctx, span, logger, running, duration, err)
	}

	change := s.deps.Store.ReplaceAll(result, root)
	issues := result.Len()

	outcome := &Outcome{
		Result:   result,
		Change:   change,
		RunID:    runID,
		Summary:  Summary(issues),
		Duration: duration,
	}

	span.SetAttributes(
		attribute.Int("run.findings", issues),
		attribute.Int("run.files", len(result.Files)),
	)

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordRun(ctx, observability.OutcomeSuccess, duration, issues, len(result.Files))
	}

	for _, general := range result.GeneralErrors {
		logger.WarnContext(ctx, "analyzer reported a project error", "message", general)
	}

	logger.InfoContext(ctx, "analysis finished",
		"issues", issues,
		"files", len(result.Files),
		"removed", len(change.Removed),
		"duration", duration)

	s.finish(Event{
		Kind: EventCompleted,
		Status: Status{
			State:      StateIdle,
			Message:    outcome.Summary,
			RunID:      runID,
			LastRun:    started,
			LastIssues: issues,
			Duration:   duration,
		},
		Outcome: outcome,
	})

	return outcome, nil
}

// fail reports a run error. The store and the previous issue count are kept.
func (s *Session) fail(
	ctx context.Context, span trace.Span, logger *slog.Logger,
	running Status, duration time.Duration, err error,
) error {
	kind := runner.KindOf(err)

	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordRun(ctx, string(kind), duration, 0, 0)
	}

	logger.ErrorContext(ctx, "analysis failed", "kind", kind, "error", err, "duration", duration)

	s.finish(Event{
		Kind: EventFailed,
		Status: Status{
			State:      StateFailed,
			Message:    FailureMessage(err),
			RunID:      running.RunID,
			ErrorKind:  kind,
			LastRun:    running.LastRun,
			LastIssues: running.LastIssues,
			Duration:   duration,
		},
		Err: err,
	})

	return fmt.Errorf("run %s: %w", running.RunID, err)
}

// finish publishes the final status, releases the run slot and then notifies
// listeners, so a listener may start the next run.
func (s *Session) finish(event Event) {
	s.setStatus(event.Status)
	s.state.Store(int32(Idle))
	s.emit(event)
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = status
}

func (s *Session) emit(event Event) {
	s.mu.RLock()

	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	listeners := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id])
	}

	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(event)
	}
}

// Summary is the completion message for n findings.
func Summary(n int) string {
	return "Found " + english.Plural(n, "issue", "")
}

// FailureMessage renders a run error for users.
func FailureMessage(err error) string {
	switch runner.KindOf(err) {
	case runner.KindToolNotFound:
		return "PHPStan not found. Install it with composer require --dev larastan/larastan: " + err.Error()
	case runner.KindWorkspaceMissing:
		return "No workspace folder found"
	case runner.KindMalformedOutput:
		return "Could not read analysis results: " + err.Error()
	case runner.KindCanceled:
		return "Analysis canceled"
	default:
		return "Error running analysis: " + err.Error()
	}
}
