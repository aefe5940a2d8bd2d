// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/rs/zerolog"
)

// Field keys shared by every component that logs run activity.
const (
	FieldComponent = "component"
	FieldPipeline  = "pipeline"
	FieldRunID     = "run_id"
	FieldTaskID    = "task_id"
	FieldAttempt   = "attempt"
	FieldDuration  = "duration"
	FieldStatus    = "status"
)

// Config controls level, format and destination.
type Config struct {
	Level     string `mapstructure:"level" yaml:"level"`
	Format    string `mapstructure:"format" yaml:"format"` // json or console
	Output    string `mapstructure:"output" yaml:"output"` // stdout, stderr or a file path
	NoColor   bool   `mapstructure:"no_color" yaml:"no_color"`
	Timestamp bool   `mapstructure:"timestamp" yaml:"timestamp"`
}

// DefaultConfig logs info and above to stderr in console format.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "console", Output: "stderr", Timestamp: true}
}

// Validate rejects unknown levels and formats.
func (c Config) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Level)); err != nil || c.Level == "" {
		return fmt.Errorf("log.level %q is not a valid level", c.Level)
	}
	if !slices.Contains([]string{"json", "console"}, strings.ToLower(c.Format)) {
		return fmt.Errorf("log.format must be json or console (got: %s)", c.Format)
	}
	return nil
}

// New builds a logger from cfg. The returned closer releases a log file, if
// one was opened, and is never nil.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	out, closer, err := outputWriter(cfg.Output)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}
	return NewWithWriter(cfg, out), closer, nil
}

// NewWithWriter builds a logger writing to w.
func NewWithWriter(cfg Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if strings.EqualFold(cfg.Format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05", NoColor: cfg.NoColor}
	}

	zl := zerolog.New(w).Level(level)
	if cfg.Timestamp {
		zl = zl.With().Timestamp().Logger()
	}
	return zl
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func outputWriter(output string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(output) {
	case "", "stderr":
		return os.Stderr, nopCloser{}, nil
	case "stdout":
		return os.Stdout, nopCloser{}, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, f, nil
}
