package logging

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger so handlers can carry request-scoped fields
// without depending on slog directly.
type Logger struct {
	l *slog.Logger
}

// NewLogger creates a logger. Development mode uses human-readable text at
// debug level; production emits JSON at info level.
func NewLogger(isDev bool) *Logger {
	var handler slog.Handler
	if isDev {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{l: slog.New(handler)}
}

// WithFields returns a logger with the given fields attached to every record.
func (log *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{l: log.l.With(args...)}
}

func (log *Logger) Debug(msg string, args ...any) {
	log.l.Debug(msg, args...)
}

func (log *Logger) Info(msg string, args ...any) {
	log.l.Info(msg, args...)
}

func (log *Logger) Warn(msg string, args ...any) {
	log.l.Warn(msg, args...)
}

func (log *Logger) Error(msg string, args ...any) {
	log.l.Error(msg, args...)
}

// Log emits a record at an arbitrary level.
func (log *Logger) Log(ctx context.Context, level slog.Level, msg string, args ...any) {
	log.l.Log(ctx, level, msg, args...)
}
