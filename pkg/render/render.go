// Package render presents analysis results: the results table, the status
// line, machine-readable JSON/YAML and an HTML chart report.
package render

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/stanlens/pkg/diagstore"
	"github.com/Sumatoshi-tech/stanlens/pkg/session"
)

// Format selects an output encoding.
type Format string

// Output formats.
const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ErrUnknownFormat is returned by ParseFormat.
var ErrUnknownFormat = errors.New("unknown output format")

// ParseFormat validates a --format value.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case FormatText, "":
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatYAML, "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w %q (want text, json or yaml)", ErrUnknownFormat, raw)
	}
}

// Report is the machine-readable view of a session.
type Report struct {
	Status        session.Status  `json:"status"                   yaml:"status"`
	Root          string          `json:"root"                     yaml:"root"`
	Rows          []diagstore.Row `json:"results"                  yaml:"results"`
	GeneralErrors []string        `json:"general_errors,omitempty" yaml:"general_errors,omitempty"`
	Issues        int             `json:"issues"                   yaml:"issues"`
	Files         int             `json:"files"                    yaml:"files"`
}

// NewReport builds a Report from the current session state.
func NewReport(s *session.Session) Report {
	snapshot := s.Store().Snapshot()

	return Report{
		Status:        s.Status(),
		Root:          s.Root(),
		Rows:          snapshot.Rows(),
		GeneralErrors: snapshot.Result().GeneralErrors,
		Issues:        snapshot.IssueCount(),
		Files:         snapshot.Len(),
	}
}

// Write encodes report in format.
func Write(w io.Writer, format Format, report Report) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		err := enc.Encode(report)
		if err != nil {
			return fmt.Errorf("encode json: %w", err)
		}

		return nil
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		err := enc.Encode(report)
		if err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}

		return enc.Close()
	case FormatText, "":
		return Text(w, report)
	default:
		return fmt.Errorf("%w %q", ErrUnknownFormat, format)
	}
}

// Text writes the results table followed by general errors.
func Text(w io.Writer, report Report) error {
	var b strings.Builder

	if len(report.Rows) > 0 {
		b.WriteString(Table(report.Rows))
		b.WriteString("\n")
	}

	for _, general := range report.GeneralErrors {
		b.WriteString(levelColor.Sprint("error"))
		b.WriteString(": ")
		b.WriteString(general)
		b.WriteString("\n")
	}

	b.WriteString(report.Status.Message)
	b.WriteString("\n")

	_, err := io.WriteString(w, b.String())
	if err != nil {
		return fmt.Errorf("write results: %w", err)
	}

	return nil
}
