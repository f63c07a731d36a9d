// Package lsp exposes an analysis session over the Language Server Protocol.
// Saved or changed PHP files feed the debounce window, every completed run
// publishes per-file diagnostics, and run status is reported through
// window/showMessage and a custom stanlens/status notification.
package lsp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	"github.com/tliron/glsp/server"

	"github.com/Sumatoshi-tech/stanlens/internal/observability"
	"github.com/Sumatoshi-tech/stanlens/pkg/diagstore"
	"github.com/Sumatoshi-tech/stanlens/pkg/session"
	"github.com/Sumatoshi-tech/stanlens/pkg/trigger"
	"github.com/Sumatoshi-tech/stanlens/pkg/watcher"
)

const (
	// ServerName is reported in the initialize result.
	ServerName = "stanlens"
	// CommandAnalyze runs the analysis on demand.
	CommandAnalyze = "stanlens.analyze"
	// MethodStatus is the custom notification carrying run status.
	MethodStatus = "stanlens/status"
	// RegistrationWatchFiles identifies the file watcher registered with the client.
	RegistrationWatchFiles = "stanlens.watchFiles"
)

// ErrUnknownCommand is returned for workspace/executeCommand requests the
// server does not advertise.
var ErrUnknownCommand = errors.New("unknown command")

// StatusParams is the payload of a stanlens/status notification.
type StatusParams struct {
	State   session.State `json:"state"`
	Message string        `json:"message"`
	RunID   string        `json:"runId,omitempty"`
	Issues  int           `json:"issues"`
}

// Options configure a Server.
type Options struct {
	Logger   *slog.Logger
	Metrics  *observability.RunMetrics
	Clock    trigger.Clock
	Version  string
	Language string
	Debounce time.Duration
	// InitialRun starts an analysis once the client is initialized.
	InitialRun bool
}

// Server is the stanlens language server.
type Server struct {
	ctx         context.Context //nolint:containedctx // base context for background runs
	session     *session.Session
	coordinator *trigger.Coordinator
	logger      *slog.Logger
	notify      glsp.NotifyFunc
	unsubscribe []func()
	handler     protocol.Handler
	opts        Options
	mu          sync.Mutex
	watchFiles  bool
}

// NewServer creates a server bound to s. The session root is replaced by
// the workspace root the client sends in initialize.
func NewServer(ctx context.Context, s *session.Session, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Language == "" {
		opts.Language = "PHP"
	}

	if opts.Version == "" {
		opts.Version = "dev"
	}

	srv := &Server{
		ctx:     ctx,
		session: s,
		logger:  opts.Logger.With("component", "lsp"),
		opts:    opts,
	}

	triggerOpts := []trigger.Option{
		trigger.WithBusy(s.Busy),
		trigger.WithLogger(srv.logger),
		trigger.WithDropHook(func() { opts.Metrics.RecordDroppedTrigger(ctx) }),
	}

	if opts.Clock != nil {
		triggerOpts = append(triggerOpts, trigger.WithClock(opts.Clock))
	}

	srv.coordinator = trigger.New(opts.Debounce, srv.analyze, triggerOpts...)

	srv.unsubscribe = append(srv.unsubscribe,
		s.Store().Subscribe(srv.publishChange),
		s.Subscribe(srv.onSessionEvent),
	)

	srv.handler = protocol.Handler{
		Initialize:                     srv.initialize,
		Initialized:                    srv.initialized,
		Shutdown:                       srv.shutdown,
		SetTrace:                       srv.setTrace,
		TextDocumentDidSave:            srv.didSave,
		WorkspaceDidChangeWatchedFiles: srv.didChangeWatchedFiles,
		WorkspaceExecuteCommand:        srv.executeCommand,
	}

	return srv
}

// Handler returns the protocol handler, for embedding in another transport.
func (srv *Server) Handler() *protocol.Handler {
	return &srv.handler
}

// Coordinator returns the debounce coordinator fed by file events.
func (srv *Server) Coordinator() *trigger.Coordinator {
	return srv.coordinator
}

// Run serves the protocol on stdio until the client disconnects.
func (srv *Server) Run() error {
	defer srv.Close()

	lspServer := server.NewServer(&srv.handler, ServerName, false)

	err := lspServer.RunStdio()
	if err != nil {
		return fmt.Errorf("lsp server: %w", err)
	}

	return nil
}

// Close stops pending triggers and detaches from the session.
func (srv *Server) Close() {
	srv.coordinator.Close()

	srv.mu.Lock()
	unsubscribe := srv.unsubscribe
	srv.unsubscribe = nil
	srv.mu.Unlock()

	for _, cancel := range unsubscribe {
		cancel()
	}
}

func (srv *Server) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	srv.mu.Lock()
	srv.notify = ctx.Notify
	srv.watchFiles = supportsWatchedFiles(params)
	srv.mu.Unlock()

	root := WorkspaceRoot(params)
	if root != "" {
		srv.session.SetRoot(root)
	}

	srv.logger.Info("client initialized", "root", root)

	capabilities := srv.handler.CreateServerCapabilities()
	capabilities.ExecuteCommandProvider = &protocol.ExecuteCommandOptions{
		Commands: []string{CommandAnalyze},
	}

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    ServerName,
			Version: &srv.opts.Version,
		},
	}, nil
}

func (srv *Server) initialized(ctx *glsp.Context, _ *protocol.InitializedParams) error {
	srv.mu.Lock()
	watchFiles := srv.watchFiles
	srv.mu.Unlock()

	if watchFiles && ctx.Call != nil {
		srv.registerWatchers(ctx.Call)
	}

	if srv.opts.InitialRun {
		srv.analyze()
	}

	return nil
}

// registerWatchers asks the client to report created, changed and deleted
// files of the configured language, including changes made outside the editor.
func (srv *Server) registerWatchers(call glsp.CallFunc) {
	patterns := watcher.GlobPatterns(srv.opts.Language)
	if len(patterns) == 0 {
		srv.logger.Warn("no file patterns for language", "language", srv.opts.Language)

		return
	}

	watchers := make([]protocol.FileSystemWatcher, 0, len(patterns))
	for _, pattern := range patterns {
		watchers = append(watchers, protocol.FileSystemWatcher{GlobPattern: pattern})
	}

	params := protocol.RegistrationParams{Registrations: []protocol.Registration{{
		ID:              RegistrationWatchFiles,
		Method:          protocol.MethodWorkspaceDidChangeWatchedFiles,
		RegisterOptions: protocol.DidChangeWatchedFilesRegistrationOptions{Watchers: watchers},
	}}}

	srv.logger.Debug("registering file watchers", "patterns", len(patterns))

	// The reply is read by the connection loop this handler is running on.
	go call(protocol.ServerClientRegisterCapability, params, nil)
}

func supportsWatchedFiles(params *protocol.InitializeParams) bool {
	workspace := params.Capabilities.Workspace
	if workspace == nil || workspace.DidChangeWatchedFiles == nil {
		return false
	}

	dynamic := workspace.DidChangeWatchedFiles.DynamicRegistration

	return dynamic != nil && *dynamic
}

func (srv *Server) shutdown(_ *glsp.Context) error {
	srv.coordinator.Close()
	protocol.SetTraceValue(protocol.TraceValueOff)

	return nil
}

func (srv *Server) setTrace(_ *glsp.Context, params *protocol.SetTraceParams) error {
	protocol.SetTraceValue(params.Value)

	return nil
}

func (srv *Server) didSave(_ *glsp.Context, params *protocol.DidSaveTextDocumentParams) error {
	srv.notifyIfRelevant(params.TextDocument.URI)

	return nil
}

func (srv *Server) didChangeWatchedFiles(_ *glsp.Context, params *protocol.DidChangeWatchedFilesParams) error {
	for _, change := range params.Changes {
		if srv.notifyIfRelevant(change.URI) {
			// One notification restarts the window; the rest add nothing.
			return nil
		}
	}

	return nil
}

func (srv *Server) executeCommand(_ *glsp.Context, params *protocol.ExecuteCommandParams) (any, error) {
	if params.Command != CommandAnalyze {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, params.Command)
	}

	srv.analyze()

	return nil, nil //nolint:nilnil // the command has no result payload
}

func (srv *Server) notifyIfRelevant(uri protocol.DocumentUri) bool {
	path, err := URIToPath(uri)
	if err != nil {
		srv.logger.Debug("ignoring non-file uri", "uri", uri)

		return false
	}

	if !watcher.Matches(path, srv.opts.Language) {
		return false
	}

	srv.coordinator.Notify()

	return true
}

// analyze starts a run unless one is already in flight.
func (srv *Server) analyze() {
	_, err := srv.session.Start(srv.ctx)

	switch {
	case err == nil:
	case errors.Is(err, session.ErrRunInProgress):
		srv.logger.Debug("analysis already running")
	default:
		srv.logger.Warn("analysis not started", "error", err)
	}
}

func (srv *Server) notifier() glsp.NotifyFunc {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	return srv.notify
}

// publishChange sends diagnostics for every file of the new snapshot and
// clears files the latest run no longer reports.
func (srv *Server) publishChange(change diagstore.Change) {
	notify := srv.notifier()
	if notify == nil {
		return
	}

	snapshot := change.Snapshot

	for _, path := range snapshot.Files() {
		notify(protocol.ServerTextDocumentPublishDiagnostics, &protocol.PublishDiagnosticsParams{
			URI:         PathToURI(path),
			Diagnostics: ToDiagnostics(snapshot.Get(path)),
		})
	}

	for _, path := range change.Removed {
		notify(protocol.ServerTextDocumentPublishDiagnostics, &protocol.PublishDiagnosticsParams{
			URI:         PathToURI(path),
			Diagnostics: []protocol.Diagnostic{},
		})
	}
}

func (srv *Server) onSessionEvent(event session.Event) {
	notify := srv.notifier()
	if notify == nil {
		return
	}

	notify(MethodStatus, StatusParams{
		State:   event.Status.State,
		Message: event.Status.Message,
		RunID:   event.Status.RunID,
		Issues:  event.Status.LastIssues,
	})

	switch event.Kind {
	case session.EventCompleted:
		notify(protocol.ServerWindowShowMessage, &protocol.ShowMessageParams{
			Type:    protocol.MessageTypeInfo,
			Message: "stanlens: " + event.Status.Message,
		})
	case session.EventFailed:
		notify(protocol.ServerWindowShowMessage, &protocol.ShowMessageParams{
			Type:    protocol.MessageTypeError,
			Message: "stanlens: " + session.FailureMessage(event.Err),
		})
	case session.EventStarted:
	}
}
