// Package logger configures the scheduler's structured logger and the
// rotating file writers that receive captured row output.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loykin/syncbench/internal/identity"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// SlogConfig controls the scheduler's own log records.
type SlogConfig struct {
	Level      Level  `mapstructure:"level"`
	Format     Format `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
}

// FileConfig describes file destinations. Path receives the scheduler log;
// Dir receives one file per row and one combined file per workload.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Path       string `mapstructure:"file"`
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type Config struct {
	Slog SlogConfig `mapstructure:",squash"`
	File FileConfig `mapstructure:",squash"`
}

func DefaultConfig() Config {
	return Config{
		Slog: SlogConfig{Level: LevelInfo, Format: FormatText, Color: true, TimeStamps: true},
		File: FileConfig{
			MaxSizeMB:  DefaultMaxSizeMB,
			MaxBackups: DefaultMaxBackups,
			MaxAgeDays: DefaultMaxAgeDays,
		},
	}
}

func (l Level) slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewSlogger builds a logger writing to stderr and, when File.Path is set, to
// a rotating scheduler log file without colour codes.
func (c Config) NewSlogger() *slog.Logger {
	return c.newSlogger(os.Stderr)
}

func (c Config) newSlogger(console io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.Slog.Level.slog(), AddSource: c.Slog.Source}
	var handlers []slog.Handler
	switch {
	case c.Slog.Format == FormatJSON:
		handlers = append(handlers, slog.NewJSONHandler(console, opts))
	case c.Slog.Color:
		handlers = append(handlers, NewColorTextHandler(console, opts, c.Slog.TimeStamps))
	default:
		handlers = append(handlers, slog.NewTextHandler(console, opts))
	}
	if c.File.Path != "" {
		handlers = append(handlers, slog.NewTextHandler(c.rotating(c.File.Path), opts))
	}
	if len(handlers) == 1 {
		return slog.New(handlers[0])
	}
	return slog.New(fanout(handlers))
}

func (c Config) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.File.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.File.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.File.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.File.Compress,
	}
}

// RowWriter returns a rotating writer for one row's captured output, or nil
// when no log directory is configured. The file is
// Dir/<experiment>_<workload>_<identity>.log with the identity made file safe.
func (c Config) RowWriter(experiment, workload int, id string) io.WriteCloser {
	if c.File.Dir == "" {
		return nil
	}
	return c.rotating(filepath.Join(c.File.Dir, fmt.Sprintf("%d_%d_%s.log", experiment, workload, identity.FileSafe(id))))
}

// WorkloadWriter returns a rotating writer for a workload's combined log, or
// nil when no log directory is configured.
func (c Config) WorkloadWriter(experiment, workload int) io.WriteCloser {
	if c.File.Dir == "" {
		return nil
	}
	return c.rotating(filepath.Join(c.File.Dir, fmt.Sprintf("%d_%d.workload.log", experiment, workload)))
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
