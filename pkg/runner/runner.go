// Package runner invokes the external PHP static analyzer against a project
// and turns its output into a finding.RunResult.
//
// A Runner is stateless per call: it spawns exactly one process per Run,
// drains stdout and stderr concurrently until exit and then applies the
// completion policy. Coalescing of concurrent runs is the caller's job.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/stanlens/pkg/finding"
	"github.com/Sumatoshi-tech/stanlens/pkg/resultparser"
)

// Defaults matching a stock Larastan installation.
const (
	DefaultInterpreter = "php"
	DefaultToolPath    = "vendor/bin/phpstan"
)

// waitDelay bounds how long Wait blocks on inherited pipes after a kill.
const waitDelay = 2 * time.Second

// Config fixes how the tool is invoked.
type Config struct {
	// Interpreter runs the tool. Empty executes the tool directly.
	Interpreter string
	// ToolPath is relative to the project root unless absolute.
	ToolPath string
	// Args are appended after the fixed analyse arguments.
	Args []string
	// MaxOutputBytes caps each captured stream; 0 means unbounded.
	MaxOutputBytes int64
	// Timeout bounds a single run; 0 means no limit beyond ctx.
	Timeout    time.Duration
	NoProgress bool
}

// DefaultConfig returns the php vendor/bin/phpstan invocation.
func DefaultConfig() Config {
	return Config{
		Interpreter: DefaultInterpreter,
		ToolPath:    DefaultToolPath,
	}
}

// Execution is the raw outcome of one tool process.
type Execution struct {
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
	ExitCode int
	// Truncated is set when a stream hit MaxOutputBytes.
	Truncated bool
}

// Runner runs the analyzer.
type Runner struct {
	lookPath func(string) (string, error)
	parser   *resultparser.Parser
	logger   *slog.Logger
	cfg      Config
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithLookPath replaces exec.LookPath for interpreter resolution.
func WithLookPath(lookPath func(string) (string, error)) Option {
	return func(r *Runner) {
		if lookPath != nil {
			r.lookPath = lookPath
		}
	}
}

// WithParser sets the result parser. Nil keeps the package default.
func WithParser(parser *resultparser.Parser) Option {
	return func(r *Runner) {
		r.parser = parser
	}
}

// New creates a Runner. Empty ToolPath falls back to DefaultToolPath.
func New(cfg Config, opts ...Option) *Runner {
	if cfg.ToolPath == "" {
		cfg.ToolPath = DefaultToolPath
	}

	r := &Runner{
		cfg:      cfg,
		logger:   slog.Default(),
		lookPath: exec.LookPath,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Config returns the runner configuration.
func (r *Runner) Config() Config {
	return r.cfg
}

// Arguments returns the tool arguments after the tool path.
func (r *Runner) Arguments() []string {
	args := []string{"analyse", "--error-format=json"}
	if r.cfg.NoProgress {
		args = append(args, "--no-progress")
	}

	return append(args, r.cfg.Args...)
}

// ToolPath resolves the tool location against projectRoot.
func (r *Runner) ToolPath(projectRoot string) string {
	if filepath.IsAbs(r.cfg.ToolPath) {
		return filepath.Clean(r.cfg.ToolPath)
	}

	return filepath.Join(projectRoot, r.cfg.ToolPath)
}

// Run analyzes projectRoot.
//
// Completion policy: a non-zero exit with empty stdout is an *ExecutionError
// carrying stderr. Otherwise stdout is parsed whatever the exit code, since the
// analyzer exits non-zero whenever it reports findings. A parse failure is a
// *MalformedOutputError.
func (r *Runner) Run(ctx context.Context, projectRoot string) (finding.RunResult, error) {
	exe, err := r.Execute(ctx, projectRoot)
	if err != nil {
		return finding.RunResult{}, err
	}

	if exe.Truncated {
		return finding.RunResult{}, &ExecutionError{
			Reason:   fmt.Sprintf("output exceeded %d bytes", r.cfg.MaxOutputBytes),
			Stderr:   string(exe.Stderr),
			ExitCode: exe.ExitCode,
		}
	}

	if exe.ExitCode != 0 && len(bytes.TrimSpace(exe.Stdout)) == 0 {
		return finding.RunResult{}, &ExecutionError{
			Stderr:   string(exe.Stderr),
			ExitCode: exe.ExitCode,
		}
	}

	result, err := r.parse(exe.Stdout)
	if err != nil {
		r.logger.WarnContext(ctx, "analysis output could not be parsed",
			"exit_code", exe.ExitCode,
			"stdout_bytes", len(exe.Stdout),
			"stderr", strings.TrimSpace(string(exe.Stderr)),
			"error", err)

		return finding.RunResult{}, &MalformedOutputError{Cause: err, ExitCode: exe.ExitCode}
	}

	return result, nil
}

// Execute spawns the tool once and captures its output. It fails only when no
// process could be run or ctx ended; exit codes are reported, not judged.
func (r *Runner) Execute(ctx context.Context, projectRoot string) (*Execution, error) {
	err := checkWorkspace(projectRoot)
	if err != nil {
		return nil, err
	}

	tool := r.ToolPath(projectRoot)

	info, err := os.Stat(tool)
	if err != nil || info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, tool)
	}

	name, args, err := r.command(tool)
	if err != nil {
		return nil, err
	}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = projectRoot
	cmd.WaitDelay = waitDelay

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ExecutionError{Reason: "open stdout", Cause: err}
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, &ExecutionError{Reason: "open stderr", Cause: err}
	}

	r.logger.DebugContext(ctx, "starting analysis", "command", name, "args", args, "dir", projectRoot)

	start := time.Now()

	err = cmd.Start()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s: %w", ErrToolNotFound, name, err)
		}

		return nil, &ExecutionError{Reason: "start " + name, Cause: err, ExitCode: -1}
	}

	stdout := newCappedBuffer(r.cfg.MaxOutputBytes)
	stderr := newCappedBuffer(r.cfg.MaxOutputBytes)

	var streams errgroup.Group

	streams.Go(func() error { return drain(stdout, stdoutPipe) })
	streams.Go(func() error { return drain(stderr, stderrPipe) })

	streamErr := streams.Wait()
	waitErr := cmd.Wait()

	exe := &Execution{
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Duration:  time.Since(start),
		ExitCode:  cmd.ProcessState.ExitCode(),
		Truncated: stdout.truncated || stderr.truncated,
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("analysis interrupted after %s: %w", exe.Duration.Round(time.Millisecond), ctxErr)
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return nil, &ExecutionError{Reason: "wait", Cause: waitErr, Stderr: string(exe.Stderr), ExitCode: exe.ExitCode}
	}

	if streamErr != nil {
		return nil, &ExecutionError{Reason: "read output", Cause: streamErr, ExitCode: exe.ExitCode}
	}

	r.logger.DebugContext(ctx, "analysis process exited",
		"exit_code", exe.ExitCode,
		"stdout_bytes", len(exe.Stdout),
		"stderr_bytes", len(exe.Stderr),
		"duration", exe.Duration)

	return exe, nil
}

func (r *Runner) parse(stdout []byte) (finding.RunResult, error) {
	if r.parser != nil {
		return r.parser.Parse(stdout)
	}

	return resultparser.Parse(stdout)
}

// command builds argv; an unresolvable interpreter is ErrToolNotFound.
func (r *Runner) command(tool string) (string, []string, error) {
	if r.cfg.Interpreter == "" {
		return tool, r.Arguments(), nil
	}

	interpreter, err := r.lookPath(r.cfg.Interpreter)
	if err != nil {
		return "", nil, fmt.Errorf("%w: interpreter %q: %w", ErrToolNotFound, r.cfg.Interpreter, err)
	}

	return interpreter, append([]string{tool}, r.Arguments()...), nil
}

func checkWorkspace(projectRoot string) error {
	if strings.TrimSpace(projectRoot) == "" {
		return fmt.Errorf("%w: no project root", ErrWorkspaceMissing)
	}

	info, err := os.Stat(projectRoot)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWorkspaceMissing, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrWorkspaceMissing, projectRoot)
	}

	return nil
}

func drain(dst io.Writer, src io.Reader) error {
	_, err := io.Copy(dst, src)
	if errors.Is(err, os.ErrClosed) {
		return nil
	}

	return err
}

// cappedBuffer keeps at most limit bytes and silently discards the rest so
// the child never blocks on a full pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func newCappedBuffer(limit int64) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if c.limit <= 0 {
		return c.buf.Write(p)
	}

	room := c.limit - int64(c.buf.Len())
	if room <= 0 {
		c.truncated = c.truncated || len(p) > 0

		return len(p), nil
	}

	if int64(len(p)) > room {
		c.buf.Write(p[:room])
		c.truncated = true

		return len(p), nil
	}

	return c.buf.Write(p)
}

func (c *cappedBuffer) Bytes() []byte {
	return c.buf.Bytes()
}
