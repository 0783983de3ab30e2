// Package logger wraps charmbracelet/log behind a small interface that is
// carried through context.Context rather than a process-wide singleton.
package logger

import (
	"context"
	"io"
	"os"

	charmlog "github.com/charmbracelet/log"
)

type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

// Logger is the structured logging surface used across the core.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
	With(keyvals ...any) Logger
}

type charmLogger struct {
	l *charmlog.Logger
}

func (c charmLogger) Debug(msg string, keyvals ...any) { c.l.Debug(msg, keyvals...) }
func (c charmLogger) Info(msg string, keyvals ...any)  { c.l.Info(msg, keyvals...) }
func (c charmLogger) Warn(msg string, keyvals ...any)  { c.l.Warn(msg, keyvals...) }
func (c charmLogger) Error(msg string, keyvals ...any) { c.l.Error(msg, keyvals...) }
func (c charmLogger) With(keyvals ...any) Logger       { return charmLogger{l: c.l.With(keyvals...)} }

type Config struct {
	Level      LogLevel
	Output     io.Writer
	JSON       bool
	TimeFormat string
}

func DefaultConfig() Config {
	return Config{Level: InfoLevel, Output: os.Stderr, TimeFormat: "15:04:05"}
}

func (l LogLevel) charm() charmlog.Level {
	switch l {
	case DebugLevel:
		return charmlog.DebugLevel
	case WarnLevel:
		return charmlog.WarnLevel
	case ErrorLevel:
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

func New(cfg Config) Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = "15:04:05"
	}
	l := charmlog.NewWithOptions(cfg.Output, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      cfg.TimeFormat,
		Level:           cfg.Level.charm(),
	})
	if cfg.JSON {
		l.SetFormatter(charmlog.JSONFormatter)
	}
	return charmLogger{l: l}
}

// Discard returns a logger that drops everything.
func Discard() Logger {
	return New(Config{Output: io.Discard, Level: ErrorLevel})
}

type ctxKey struct{}

func ContextWithLogger(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored in ctx, or a default stderr logger.
func FromContext(ctx context.Context) Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(Logger); ok && l != nil {
			return l
		}
	}
	return New(DefaultConfig())
}
