package lsp

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"runtime"
	"strings"

	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/Sumatoshi-tech/stanlens/pkg/finding"
	"github.com/Sumatoshi-tech/stanlens/pkg/safeconv"
)

const (
	// DiagnosticSource labels every published diagnostic.
	DiagnosticSource = "phpstan"
	// markerEndCharacter spans the marker over the start of the line; the
	// tool reports no columns.
	markerEndCharacter = 100
)

// ErrNotFileURI is returned by URIToPath for non-file schemes.
var ErrNotFileURI = errors.New("not a file uri")

// ToDiagnostics converts the findings of one file into LSP diagnostics, in order.
func ToDiagnostics(findings []finding.Finding) []protocol.Diagnostic {
	diagnostics := make([]protocol.Diagnostic, 0, len(findings))

	for _, f := range findings {
		line := safeconv.ClampUint32(f.Line - 1)
		severity := protocol.DiagnosticSeverityError
		source := DiagnosticSource

		diagnostic := protocol.Diagnostic{
			Range: protocol.Range{
				Start: protocol.Position{Line: line, Character: 0},
				End:   protocol.Position{Line: line, Character: markerEndCharacter},
			},
			Severity: &severity,
			Source:   &source,
			Message:  diagnosticMessage(f),
		}

		if f.Identifier != "" {
			diagnostic.Code = &protocol.IntegerOrString{Value: f.Identifier}
		}

		diagnostics = append(diagnostics, diagnostic)
	}

	return diagnostics
}

func diagnosticMessage(f finding.Finding) string {
	if f.Tip == "" {
		return f.Message
	}

	return f.Message + "\nTip: " + f.Tip
}

// PathToURI converts an absolute filesystem path to a file:// URI.
func PathToURI(path string) protocol.DocumentUri {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}

	u := url.URL{Scheme: "file", Path: slashed}

	return u.String()
}

// URIToPath converts a file:// URI to a filesystem path.
func URIToPath(uri protocol.DocumentUri) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse uri %q: %w", uri, err)
	}

	if u.Scheme != "file" {
		return "", fmt.Errorf("%w: %q", ErrNotFileURI, uri)
	}

	path := u.Path
	// file:///C:/x decodes to /C:/x.
	if runtime.GOOS == "windows" && len(path) > 2 && path[0] == '/' && path[2] == ':' {
		path = path[1:]
	}

	return filepath.FromSlash(path), nil
}

// WorkspaceRoot picks the project root from initialize params: the root URI,
// then the first workspace folder, then the deprecated root path.
func WorkspaceRoot(params *protocol.InitializeParams) string {
	if params == nil {
		return ""
	}

	if params.RootURI != nil {
		if path, err := URIToPath(*params.RootURI); err == nil && path != "" {
			return path
		}
	}

	for _, folder := range params.WorkspaceFolders {
		if path, err := URIToPath(folder.URI); err == nil && path != "" {
			return path
		}
	}

	if params.RootPath != nil {
		return *params.RootPath
	}

	return ""
}
