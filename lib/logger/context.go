// Package logger threads a request-scoped *slog.Logger through
// context.Context so handlers and the session layer share one logger chain.
package logger

import (
	"context"
	"log/slog"
)

type contextKey string

const loggerKey contextKey = "browsermux-slogger"

// AddToContext returns a child context carrying logger.
func AddToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger carried by ctx, or slog.Default when the
// context was never annotated.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
