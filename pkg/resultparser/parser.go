// Package resultparser turns the analyzer's JSON output into a finding.RunResult.
//
// The payload is validated against an embedded JSON Schema before any field is
// read, so parsing is all-or-nothing: either every file and message is well
// formed and a complete RunResult is returned, or a *ParseError describes what
// was expected.
package resultparser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/Sumatoshi-tech/stanlens/pkg/finding"
	"github.com/Sumatoshi-tech/stanlens/pkg/resultparser/schema"
)

// maxReportedViolations caps how many schema violations end up in a ParseError.
const maxReportedViolations = 10

// ErrInvalidPayload matches every *ParseError via errors.Is.
var ErrInvalidPayload = errors.New("invalid analyzer payload")

// ParseError reports why a payload could not be turned into a RunResult.
type ParseError struct {
	Cause   error
	Reason  string
	Details []string
}

func (e *ParseError) Error() string {
	if len(e.Details) == 0 {
		return e.Reason
	}

	return e.Reason + ": " + strings.Join(e.Details, "; ")
}

// Unwrap returns the underlying decoder error, if any.
func (e *ParseError) Unwrap() error {
	return e.Cause
}

// Is makes every ParseError match ErrInvalidPayload.
func (e *ParseError) Is(target error) bool {
	return target == ErrInvalidPayload
}

// Parser validates and decodes analyzer payloads. A Parser is safe for
// concurrent use.
type Parser struct {
	schema *gojsonschema.Schema
}

// New compiles the embedded result schema.
func New() (*Parser, error) {
	raw, err := schema.ResultSchemaFS.ReadFile(schema.ResultSchemaFile)
	if err != nil {
		return nil, fmt.Errorf("read embedded schema: %w", err)
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("compile result schema: %w", err)
	}

	return &Parser{schema: compiled}, nil
}

var defaultParser = sync.OnceValues(New)

// Parse decodes raw with the default parser.
func Parse(raw []byte) (finding.RunResult, error) {
	parser, err := defaultParser()
	if err != nil {
		return finding.RunResult{}, err
	}

	return parser.Parse(raw)
}

type payload struct {
	Files  json.RawMessage `json:"files"`
	Errors json.RawMessage `json:"errors"`
}

type fileEntry struct {
	Messages []messageEntry `json:"messages"`
}

type messageEntry struct {
	Line       json.Number `json:"line"`
	Message    string      `json:"message"`
	Identifier string      `json:"identifier"`
	Tip        string      `json:"tip"`
}

// Parse validates raw against the result schema and decodes it. A payload
// without a files key (or with an empty files array) is a clean run.
func (p *Parser) Parse(raw []byte) (finding.RunResult, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return finding.RunResult{}, &ParseError{Reason: "expected a JSON object, got empty output"}
	}

	if !json.Valid(trimmed) {
		return finding.RunResult{}, &ParseError{
			Reason: "expected a JSON object, got invalid JSON",
			Cause:  syntaxError(trimmed),
		}
	}

	validation, err := p.schema.Validate(gojsonschema.NewBytesLoader(trimmed))
	if err != nil {
		return finding.RunResult{}, &ParseError{Reason: "could not validate payload", Cause: err}
	}

	if !validation.Valid() {
		return finding.RunResult{}, &ParseError{
			Reason:  "payload does not match the expected {files: {path: {messages: [{line, message}]}}} shape",
			Details: describeViolations(validation.Errors()),
		}
	}

	var body payload

	err = json.Unmarshal(trimmed, &body)
	if err != nil {
		return finding.RunResult{}, &ParseError{Reason: "decode payload", Cause: err}
	}

	files, err := decodeFiles(body.Files)
	if err != nil {
		return finding.RunResult{}, err
	}

	return finding.RunResult{
		Files:         files,
		GeneralErrors: decodeGeneralErrors(body.Errors),
	}, nil
}

// decodeFiles walks the files object token by token so the payload's key
// order survives. A repeated key keeps its first position and its last value.
func decodeFiles(raw json.RawMessage) ([]finding.FileFindings, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		// Absent, null or the empty array PHP emits for an empty map.
		return []finding.FileFindings{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	_, err := dec.Token()
	if err != nil {
		return nil, &ParseError{Reason: "decode files", Cause: err}
	}

	files := make([]finding.FileFindings, 0)
	index := make(map[string]int)

	for dec.More() {
		keyToken, tokenErr := dec.Token()
		if tokenErr != nil {
			return nil, &ParseError{Reason: "decode files", Cause: tokenErr}
		}

		path, ok := keyToken.(string)
		if !ok {
			return nil, &ParseError{Reason: fmt.Sprintf("expected a file path key, got %v", keyToken)}
		}

		var entry fileEntry

		decodeErr := dec.Decode(&entry)
		if decodeErr != nil {
			return nil, &ParseError{Reason: fmt.Sprintf("decode messages of %q", path), Cause: decodeErr}
		}

		findings, convErr := toFindings(path, entry.Messages)
		if convErr != nil {
			return nil, convErr
		}

		if pos, seen := index[path]; seen {
			files[pos].Findings = findings

			continue
		}

		index[path] = len(files)
		files = append(files, finding.FileFindings{Path: path, Findings: findings})
	}

	return files, nil
}

func toFindings(path string, messages []messageEntry) ([]finding.Finding, error) {
	out := make([]finding.Finding, 0, len(messages))

	for i, msg := range messages {
		line, err := lineNumber(msg.Line)
		if err != nil {
			return nil, &ParseError{
				Reason: fmt.Sprintf("message %d of %q: expected a positive integer line", i, path),
				Cause:  err,
			}
		}

		out = append(out, finding.Finding{
			FilePath:   path,
			Line:       line,
			Message:    msg.Message,
			Severity:   finding.SeverityError,
			Identifier: msg.Identifier,
			Tip:        msg.Tip,
		})
	}

	return out, nil
}

// lineNumber accepts integral JSON numbers, including forms like 10.0.
func lineNumber(num json.Number) (int, error) {
	asInt, err := num.Int64()
	if err == nil {
		if asInt < 1 || asInt > math.MaxInt32 {
			return 0, fmt.Errorf("line %d out of range", asInt)
		}

		return int(asInt), nil
	}

	asFloat, floatErr := num.Float64()
	if floatErr != nil {
		return 0, fmt.Errorf("line %q: %w", num.String(), floatErr)
	}

	if asFloat != math.Trunc(asFloat) || asFloat < 1 || asFloat > math.MaxInt32 {
		return 0, fmt.Errorf("line %q is not a positive integer", num.String())
	}

	return int(asFloat), nil
}

// decodeGeneralErrors keeps the string entries of the top-level errors array.
func decodeGeneralErrors(raw json.RawMessage) []string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	var entries []any

	err := json.Unmarshal(raw, &entries)
	if err != nil {
		return nil
	}

	var out []string

	for _, entry := range entries {
		if text, ok := entry.(string); ok && text != "" {
			out = append(out, text)
		}
	}

	return out
}

func describeViolations(violations []gojsonschema.ResultError) []string {
	details := make([]string, 0, min(len(violations), maxReportedViolations))

	for i, violation := range violations {
		if i == maxReportedViolations {
			details = append(details, fmt.Sprintf("and %d more", len(violations)-maxReportedViolations))

			break
		}

		details = append(details, fmt.Sprintf("%s: %s", violation.Field(), violation.Description()))
	}

	return details
}

func syntaxError(raw []byte) error {
	var sink any

	err := json.Unmarshal(raw, &sink)
	if err == nil {
		return errors.New("invalid JSON")
	}

	return err
}
