package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Sumatoshi-tech/stanlens/pkg/diagstore"
	"github.com/Sumatoshi-tech/stanlens/pkg/render"
	"github.com/Sumatoshi-tech/stanlens/pkg/session"
)

// Tool name constants.
const (
	ToolNameAnalyze     = "stanlens_analyze"
	ToolNameDiagnostics = "stanlens_diagnostics"
	ToolNameStatus      = "stanlens_status"
)

// Sentinel errors for tool input validation.
var (
	// ErrPathNotAbsolute indicates the path is not an absolute path.
	ErrPathNotAbsolute = errors.New("path must be an absolute path")
	// ErrProjectNotFound indicates the project path does not exist.
	ErrProjectNotFound = errors.New("project path does not exist")
)

// Input types (auto-generate JSON schemas via struct tags).

// AnalyzeInput is the input schema for the stanlens_analyze tool.
type AnalyzeInput struct {
	Path string `json:"path,omitempty" jsonschema:"absolute project root; defaults to the server's project"`
}

// DiagnosticsInput is the input schema for the stanlens_diagnostics tool.
type DiagnosticsInput struct {
	File string `json:"file,omitempty" jsonschema:"limit results to this file (absolute or project-relative)"`
}

// StatusInput is the input schema for the stanlens_status tool.
type StatusInput struct{}

// Output types.

// ToolOutput is a generic wrapper for tool results.
type ToolOutput struct {
	Data any `json:"data"`
}

// StatusOutput is the payload of stanlens_status.
type StatusOutput struct {
	Status session.Status `json:"status"`
	Root   string         `json:"root"`
	Issues int            `json:"issues"`
	Files  int            `json:"files"`
}

func (s *Server) handleAnalyze(
	ctx context.Context, _ *mcpsdk.CallToolRequest, input AnalyzeInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if input.Path != "" {
		err := validateProjectPath(input.Path)
		if err != nil {
			return errorResult(err)
		}

		s.session.SetRoot(input.Path)
	}

	_, err := s.session.Run(ctx)
	if err != nil {
		if errors.Is(err, session.ErrRunInProgress) {
			return errorResult(err)
		}

		return errorText(session.FailureMessage(err))
	}

	return jsonResult(render.NewReport(s.session))
}

func (s *Server) handleDiagnostics(
	_ context.Context, _ *mcpsdk.CallToolRequest, input DiagnosticsInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	snapshot := s.session.Store().Snapshot()

	if input.File == "" {
		return jsonResult(snapshot.Result().Findings())
	}

	base := snapshot.BasePath()
	if base == "" {
		base = s.session.Root()
	}

	return jsonResult(snapshot.Get(diagstore.AbsolutePath(base, input.File)))
}

func (s *Server) handleStatus(
	_ context.Context, _ *mcpsdk.CallToolRequest, _ StatusInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	snapshot := s.session.Store().Snapshot()

	return jsonResult(StatusOutput{
		Status: s.session.Status(),
		Root:   s.session.Root(),
		Issues: snapshot.IssueCount(),
		Files:  snapshot.Len(),
	})
}

// Result helpers.

// errorResult builds a CallToolResult with isError set.
func errorResult(err error) (*mcpsdk.CallToolResult, ToolOutput, error) {
	return errorText(err.Error())
}

func errorText(text string) (*mcpsdk.CallToolResult, ToolOutput, error) {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: text},
		},
		IsError: true,
	}, ToolOutput{}, nil
}

// jsonResult builds a CallToolResult with JSON-encoded content.
func jsonResult(value any) (*mcpsdk.CallToolResult, ToolOutput, error) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errorResult(fmt.Errorf("encode result: %w", err))
	}

	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: string(data)},
		},
	}, ToolOutput{Data: value}, nil
}

func validateProjectPath(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("%w: %s", ErrPathNotAbsolute, path)
	}

	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, path)
	}

	return nil
}
