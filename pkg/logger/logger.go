// Package logger configures the process-wide slog logger and hands out
// component-scoped loggers.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type contextKey struct{}

// Setup installs the default logger writing to stdout.
func Setup(level string, format string) {
	SetupWriter(os.Stdout, level, format)
}

// SetupWriter installs the default logger writing to w. cachectl uses it to
// keep log lines off stdout, which carries command output.
func SetupWriter(w io.Writer, level string, format string) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithEventID attaches an invalidation event id to ctx.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, contextKey{}, eventID)
}

// FromContext returns the default logger, tagged with the event id carried by
// ctx if there is one.
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if eventID, ok := ctx.Value(contextKey{}).(string); ok && eventID != "" {
		logger = logger.With("event_id", eventID)
	}
	return logger
}

func WithComponent(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
