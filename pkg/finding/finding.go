// Package finding defines the normalized diagnostic records produced by one
// analysis run.
package finding

// Severity is the diagnostic level of a finding.
type Severity string

const (
	// SeverityError is the only severity the analyzer output maps to today.
	SeverityError Severity = "error"
)

// Finding is a single issue reported by the analysis tool. It is a value type;
// copies never share mutable state.
type Finding struct {
	// FilePath is the path exactly as the tool reported it.
	FilePath string `json:"file"                  yaml:"file"`
	// Message is the human-readable description.
	Message string `json:"message"               yaml:"message"`
	// Severity is always SeverityError for now.
	Severity Severity `json:"level"                 yaml:"level"`
	// Identifier is the tool's rule identifier, when reported.
	Identifier string `json:"identifier,omitempty" yaml:"identifier,omitempty"`
	// Tip is an optional remediation hint, when reported.
	Tip string `json:"tip,omitempty"         yaml:"tip,omitempty"`
	// Line is 1-based.
	Line int `json:"line"                  yaml:"line"`
}

// FileFindings groups the findings of one reported file in tool order.
type FileFindings struct {
	Path     string    `json:"path"     yaml:"path"`
	Findings []Finding `json:"findings" yaml:"findings"`
}

// RunResult is the ordered outcome of one completed, successfully parsed run.
// Files keep the order the tool emitted them in.
type RunResult struct {
	Files []FileFindings `json:"files" yaml:"files"`

	// GeneralErrors are project-level messages not tied to any file.
	GeneralErrors []string `json:"general_errors,omitempty" yaml:"general_errors,omitempty"`
}

// Findings flattens the result, preserving file order then in-file order.
func (r RunResult) Findings() []Finding {
	out := make([]Finding, 0, r.Len())

	for _, file := range r.Files {
		out = append(out, file.Findings...)
	}

	return out
}

// Len returns the total number of findings across all files.
func (r RunResult) Len() int {
	total := 0

	for _, file := range r.Files {
		total += len(file.Findings)
	}

	return total
}

// Paths returns the reported file paths in order.
func (r RunResult) Paths() []string {
	paths := make([]string, len(r.Files))

	for i, file := range r.Files {
		paths[i] = file.Path
	}

	return paths
}

// IsEmpty reports whether the run produced no findings.
func (r RunResult) IsEmpty() bool {
	return r.Len() == 0
}
