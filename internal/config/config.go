package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Sumatoshi-tech/stanlens/internal/observability"
	"github.com/Sumatoshi-tech/stanlens/pkg/runner"
	"github.com/Sumatoshi-tech/stanlens/pkg/safeconv"
)

// Config is the top-level configuration struct for stanlens.
// Field tags use mapstructure for viper unmarshalling.
type Config struct {
	Tool          ToolConfig          `mapstructure:"tool"`
	Trigger       TriggerConfig       `mapstructure:"trigger"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ToolConfig describes the analyzer invocation.
type ToolConfig struct {
	Interpreter string        `mapstructure:"interpreter"`
	Path        string        `mapstructure:"path"`
	Args        []string      `mapstructure:"args"`
	MaxOutput   string        `mapstructure:"max_output"`
	Timeout     time.Duration `mapstructure:"timeout"`
	NoProgress  bool          `mapstructure:"no_progress"`
}

// TriggerConfig holds watch and debounce settings.
type TriggerConfig struct {
	Debounce   time.Duration `mapstructure:"debounce"`
	Language   string        `mapstructure:"language"`
	InitialRun bool          `mapstructure:"initial_run"`
}

// LoggingConfig holds slog settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// ObservabilityConfig holds telemetry export settings.
type ObservabilityConfig struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	OTLPHeaders  string  `mapstructure:"otlp_headers"`
	Environment  string  `mapstructure:"environment"`
	MetricsAddr  string  `mapstructure:"metrics_addr"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure"`
}

// Sentinel errors for configuration validation.
var (
	// ErrEmptyToolPath indicates tool.path is blank.
	ErrEmptyToolPath = errors.New("tool.path must not be empty")
	// ErrInvalidMaxOutput indicates tool.max_output is not a byte size.
	ErrInvalidMaxOutput = errors.New("tool.max_output must be a byte size such as 64MB")
	// ErrNegativeTimeout indicates tool.timeout is negative.
	ErrNegativeTimeout = errors.New("tool.timeout must be non-negative")
	// ErrInvalidDebounce indicates trigger.debounce is negative.
	ErrInvalidDebounce = errors.New("trigger.debounce must be non-negative")
	// ErrEmptyLanguage indicates trigger.language is blank.
	ErrEmptyLanguage = errors.New("trigger.language must not be empty")
	// ErrInvalidLogLevel indicates logging.level is unknown.
	ErrInvalidLogLevel = errors.New("logging.level must be one of debug, info, warn, error")
	// ErrInvalidSampleRatio indicates the sample ratio is out of range.
	ErrInvalidSampleRatio = errors.New("observability.sample_ratio must be between 0 and 1")
)

var logLevels = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}

// Validate checks Config invariants and returns the first error found.
func (c *Config) Validate() error {
	toolErr := c.validateTool()
	if toolErr != nil {
		return toolErr
	}

	if c.Trigger.Debounce < 0 {
		return ErrInvalidDebounce
	}

	if strings.TrimSpace(c.Trigger.Language) == "" {
		return ErrEmptyLanguage
	}

	if !logLevels[strings.ToLower(c.Logging.Level)] {
		return ErrInvalidLogLevel
	}

	if c.Observability.SampleRatio < 0 || c.Observability.SampleRatio > 1 {
		return ErrInvalidSampleRatio
	}

	return nil
}

func (c *Config) validateTool() error {
	if strings.TrimSpace(c.Tool.Path) == "" {
		return ErrEmptyToolPath
	}

	_, err := c.ToolMaxOutputBytes()
	if err != nil {
		return err
	}

	if c.Tool.Timeout < 0 {
		return ErrNegativeTimeout
	}

	return nil
}

// ToolMaxOutputBytes parses tool.max_output. Empty or "0" means unbounded.
func (c *Config) ToolMaxOutputBytes() (int64, error) {
	raw := strings.TrimSpace(c.Tool.MaxOutput)
	if raw == "" || raw == "0" {
		return 0, nil
	}

	size, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidMaxOutput, err)
	}

	return safeconv.ClampUint64ToInt64(size), nil
}

// RunnerConfig converts the tool section for the analysis runner.
func (c *Config) RunnerConfig() runner.Config {
	maxOutput, err := c.ToolMaxOutputBytes()
	if err != nil {
		maxOutput = 0
	}

	return runner.Config{
		Interpreter:    c.Tool.Interpreter,
		ToolPath:       c.Tool.Path,
		Args:           append([]string(nil), c.Tool.Args...),
		NoProgress:     c.Tool.NoProgress,
		MaxOutputBytes: maxOutput,
		Timeout:        c.Tool.Timeout,
	}
}

// TelemetryConfig converts the logging and observability sections.
func (c *Config) TelemetryConfig(mode observability.AppMode, version string) observability.Config {
	cfg := observability.DefaultConfig()
	cfg.Mode = mode
	cfg.ServiceVersion = version
	cfg.Environment = c.Observability.Environment
	cfg.OTLPEndpoint = c.Observability.OTLPEndpoint
	cfg.OTLPHeaders = observability.ParseOTLPHeaders(c.Observability.OTLPHeaders)
	cfg.OTLPInsecure = c.Observability.OTLPInsecure
	cfg.SampleRatio = c.Observability.SampleRatio
	cfg.Prometheus = c.Observability.MetricsAddr != ""
	cfg.LogLevel = observability.ParseLevel(c.Logging.Level)
	cfg.LogJSON = c.Logging.JSON

	return cfg
}
