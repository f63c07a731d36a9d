package mcp_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Sumatoshi-tech/stanlens/internal/observability"
	"github.com/Sumatoshi-tech/stanlens/pkg/finding"
	"github.com/Sumatoshi-tech/stanlens/pkg/mcp"
	"github.com/Sumatoshi-tech/stanlens/pkg/runner"
	"github.com/Sumatoshi-tech/stanlens/pkg/session"
)

type analyzerFunc func(ctx context.Context, root string) (finding.RunResult, error)

func (f analyzerFunc) Run(ctx context.Context, root string) (finding.RunResult, error) {
	return f(ctx, root)
}

func sampleResult() finding.RunResult {
	return finding.RunResult{Files: []finding.FileFindings{
		{Path: "app/User.php", Findings: []finding.Finding{
			{FilePath: "app/User.php", Line: 4, Message: "Undefined property", Severity: finding.SeverityError},
			{FilePath: "app/User.php", Line: 9, Message: "Unknown method", Severity: finding.SeverityError},
		}},
		{Path: "app/Post.php", Findings: []finding.Finding{
			{FilePath: "app/Post.php", Line: 2, Message: "Missing return type", Severity: finding.SeverityError},
		}},
	}}
}

// connect starts srv on an in-memory transport and returns a client session.
func connect(t *testing.T, srv *mcp.Server) *mcpsdk.ClientSession {
	t.Helper()

	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

	serverDone := make(chan error, 1)

	go func() {
		serverDone <- srv.RunWithTransport(ctx, serverTransport)
	}()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "test-client",
		Version: "1.0.0",
	}, nil)

	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = cs.Close()

		cancel()
		<-serverDone
	})

	return cs
}

func call(t *testing.T, cs *mcpsdk.ClientSession, name string, args map[string]any) (string, bool) {
	t.Helper()

	result, err := cs.CallTool(context.Background(), &mcpsdk.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.NotEmpty(t, result.Content)

	text, ok := result.Content[0].(*mcpsdk.TextContent)
	require.True(t, ok)

	return text.Text, result.IsError
}

func newSession(t *testing.T, root string, analyzer session.Analyzer) *session.Session {
	t.Helper()

	s := session.New(root, session.Deps{Runner: analyzer})
	t.Cleanup(s.Close)

	return s
}

func TestServer_ListTools(t *testing.T) {
	t.Parallel()

	srv := mcp.NewServer(mcp.ServerDeps{Session: newSession(t, t.TempDir(), analyzerFunc(nil))})

	assert.Equal(t, []string{mcp.ToolNameAnalyze, mcp.ToolNameDiagnostics, mcp.ToolNameStatus}, srv.ListToolNames())

	cs := connect(t, srv)

	toolsResult, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, toolsResult.Tools, 3)

	for _, tool := range toolsResult.Tools {
		assert.NotNil(t, tool.InputSchema, "tool %s missing input schema", tool.Name)
		assert.NotEmpty(t, tool.Description)
	}
}

func TestServer_AnalyzeThenDiagnostics(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s := newSession(t, root, analyzerFunc(func(context.Context, string) (finding.RunResult, error) {
		return sampleResult(), nil
	}))
	cs := connect(t, mcp.NewServer(mcp.ServerDeps{Session: s}))

	text, isError := call(t, cs, mcp.ToolNameAnalyze, nil)
	require.False(t, isError, text)

	var report struct {
		Status struct {
			Message string `json:"message"`
		} `json:"status"`
		Issues int `json:"issues"`
		Files  int `json:"files"`
	}

	require.NoError(t, json.Unmarshal([]byte(text), &report))
	assert.Equal(t, 3, report.Issues)
	assert.Equal(t, 2, report.Files)
	assert.Equal(t, "Found 3 issues", report.Status.Message)

	text, isError = call(t, cs, mcp.ToolNameDiagnostics, map[string]any{"file": "app/User.php"})
	require.False(t, isError, text)

	var findings []finding.Finding

	require.NoError(t, json.Unmarshal([]byte(text), &findings))
	require.Len(t, findings, 2)
	assert.Equal(t, "Unknown method", findings[1].Message)

	text, isError = call(t, cs, mcp.ToolNameDiagnostics, map[string]any{"file": filepath.Join(root, "app", "Post.php")})
	require.False(t, isError, text)
	require.NoError(t, json.Unmarshal([]byte(text), &findings))
	assert.Len(t, findings, 1)

	text, isError = call(t, cs, mcp.ToolNameDiagnostics, nil)
	require.False(t, isError, text)
	require.NoError(t, json.Unmarshal([]byte(text), &findings))
	assert.Len(t, findings, 3)
}

func TestServer_AnalyzeFailure(t *testing.T) {
	t.Parallel()

	s := newSession(t, t.TempDir(), analyzerFunc(func(context.Context, string) (finding.RunResult, error) {
		return finding.RunResult{}, runner.ErrToolNotFound
	}))
	cs := connect(t, mcp.NewServer(mcp.ServerDeps{Session: s}))

	text, isError := call(t, cs, mcp.ToolNameAnalyze, nil)
	assert.True(t, isError)
	assert.Contains(t, text, "composer require")

	text, isError = call(t, cs, mcp.ToolNameStatus, nil)
	require.False(t, isError, text)

	var status mcp.StatusOutput

	require.NoError(t, json.Unmarshal([]byte(text), &status))
	assert.Equal(t, session.StateFailed, status.Status.State)
	assert.Equal(t, runner.KindToolNotFound, status.Status.ErrorKind)
	assert.Zero(t, status.Issues)
}

func TestServer_AnalyzePathValidation(t *testing.T) {
	t.Parallel()

	var gotRoot string

	s := newSession(t, "", analyzerFunc(func(_ context.Context, root string) (finding.RunResult, error) {
		gotRoot = root

		return finding.RunResult{}, nil
	}))
	cs := connect(t, mcp.NewServer(mcp.ServerDeps{Session: s}))

	text, isError := call(t, cs, mcp.ToolNameAnalyze, map[string]any{"path": "relative/project"})
	assert.True(t, isError)
	assert.Contains(t, text, "absolute")

	missing := filepath.Join(t.TempDir(), "missing")
	text, isError = call(t, cs, mcp.ToolNameAnalyze, map[string]any{"path": missing})
	assert.True(t, isError)
	assert.Contains(t, text, "does not exist")

	project := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(project, "app"), 0o755))

	text, isError = call(t, cs, mcp.ToolNameAnalyze, map[string]any{"path": project})
	require.False(t, isError, text)
	assert.Equal(t, project, gotRoot)
	assert.Equal(t, project, s.Root())
}

func TestServer_RecordsToolMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	red, err := observability.NewREDMetrics(provider.Meter("test"))
	require.NoError(t, err)

	s := newSession(t, t.TempDir(), analyzerFunc(nil))
	cs := connect(t, mcp.NewServer(mcp.ServerDeps{Session: s, Metrics: red}))

	_, isError := call(t, cs, mcp.ToolNameStatus, nil)
	require.False(t, isError)

	var rm metricdata.ResourceMetrics

	require.NoError(t, reader.Collect(context.Background(), &rm))

	names := map[string]bool{}

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}

	assert.True(t, names["stanlens.requests.total"])
	assert.True(t, names["stanlens.request.duration.seconds"])
}
