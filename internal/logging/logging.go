// Package logging provides structured logging for the Checkpoint service.
package logging

import (
	"context"
	"log/slog"
	"os"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	attemptIDKey contextKey = "attempt_id"
	loggerKey    contextKey = "logger"
)

// serviceName tags every log line so aggregated streams stay attributable.
const serviceName = "checkpoint"

// New creates the service logger at the given level ("debug", "info", "warn",
// "error") and format ("json" or "text").
func New(level string, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler).With("service", serviceName)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID extracts the request ID from context
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithAttempt tags the context with the verification attempt being processed.
func WithAttempt(ctx context.Context, attemptID string) context.Context {
	return context.WithValue(ctx, attemptIDKey, attemptID)
}

// AttemptID extracts the verification attempt ID from context
func AttemptID(ctx context.Context) string {
	if id, ok := ctx.Value(attemptIDKey).(string); ok {
		return id
	}
	return ""
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the logger from context, or returns the default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L returns the context logger with the request and attempt IDs attached, so
// every line logged while handling a verification step names the attempt.
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if reqID := RequestID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	if attemptID := AttemptID(ctx); attemptID != "" {
		logger = logger.With("attempt_id", attemptID)
	}
	return logger
}
