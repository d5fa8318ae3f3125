package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// LevelTrace sits below slog.LevelDebug and is enabled together with Debug.
const LevelTrace = slog.LevelDebug - 4

// Logger provides structured logging for CLI tools
type Logger struct {
	Verbose   bool
	DebugMode bool

	log *slog.Logger
}

// NewLogger creates a logger writing text records to w. Warnings and errors
// are always shown; verbose enables Info and debug enables Debug and Trace.
func NewLogger(w io.Writer, verbose, debug bool) *Logger {
	level := slog.LevelWarn
	switch {
	case debug:
		level = LevelTrace
	case verbose:
		level = slog.LevelInfo
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if l, ok := a.Value.Any().(slog.Level); ok && l == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	})
	return &Logger{Verbose: verbose || debug, DebugMode: debug, log: slog.New(h)}
}

// With returns a logger that adds args to every record.
func (l *Logger) With(args ...any) *Logger {
	c := *l
	c.log = l.log.With(args...)
	return &c
}

// Slog exposes the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger { return l.log }

func (l *Logger) logf(level slog.Level, format string, args ...interface{}) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) { l.logf(slog.LevelInfo, format, args...) }

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) { l.logf(slog.LevelDebug, format, args...) }

// Trace logs per-instruction detail.
func (l *Logger) Trace(format string, args ...interface{}) { l.logf(LevelTrace, format, args...) }

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) { l.logf(slog.LevelWarn, format, args...) }

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) { l.logf(slog.LevelError, format, args...) }
