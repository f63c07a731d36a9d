package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for analysis runs. Every error returned by Runner.Run
// matches exactly one of them (or a context error).
var (
	ErrWorkspaceMissing    = errors.New("workspace folder missing")
	ErrToolNotFound        = errors.New("analysis tool not found")
	ErrToolExecutionFailed = errors.New("analysis tool execution failed")
	ErrMalformedOutput     = errors.New("malformed analysis output")
)

// maxStderrInMessage limits how much stderr ends up in Error().
const maxStderrInMessage = 512

// ExecutionError reports a tool process that failed without producing output.
type ExecutionError struct {
	Cause    error
	Reason   string
	Stderr   string
	ExitCode int
}

func (e *ExecutionError) Error() string {
	var b strings.Builder

	b.WriteString(ErrToolExecutionFailed.Error())

	switch {
	case e.Reason != "":
		b.WriteString(": ")
		b.WriteString(e.Reason)
	case e.ExitCode != 0:
		fmt.Fprintf(&b, ": exit code %d", e.ExitCode)
	}

	stderr := strings.TrimSpace(e.Stderr)
	if stderr != "" {
		if len(stderr) > maxStderrInMessage {
			stderr = stderr[:maxStderrInMessage] + "..."
		}

		b.WriteString(": ")
		b.WriteString(stderr)
	}

	return b.String()
}

// Unwrap returns the start or wait error, if any.
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Is matches ErrToolExecutionFailed.
func (e *ExecutionError) Is(target error) bool {
	return target == ErrToolExecutionFailed
}

// MalformedOutputError wraps a parse failure of the tool's stdout.
type MalformedOutputError struct {
	Cause    error
	ExitCode int
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("%s (exit code %d): %v", ErrMalformedOutput, e.ExitCode, e.Cause)
}

// Unwrap returns the parser error.
func (e *MalformedOutputError) Unwrap() error {
	return e.Cause
}

// Is matches ErrMalformedOutput.
func (e *MalformedOutputError) Is(target error) bool {
	return target == ErrMalformedOutput
}

// ErrorKind classifies run errors for presentation and metrics.
type ErrorKind string

// Error kinds.
const (
	KindNone                ErrorKind = ""
	KindWorkspaceMissing    ErrorKind = "workspace_missing"
	KindToolNotFound        ErrorKind = "tool_not_found"
	KindToolExecutionFailed ErrorKind = "tool_execution_failed"
	KindMalformedOutput     ErrorKind = "malformed_output"
	KindCanceled            ErrorKind = "canceled"
	KindUnknown             ErrorKind = "unknown"
)

// KindOf returns the ErrorKind of err. A nil error has KindNone.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrWorkspaceMissing):
		return KindWorkspaceMissing
	case errors.Is(err, ErrToolNotFound):
		return KindToolNotFound
	case errors.Is(err, ErrMalformedOutput):
		return KindMalformedOutput
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrToolExecutionFailed):
		return KindToolExecutionFailed
	default:
		return KindUnknown
	}
}
