// Package logger wraps log/slog with the attribute helpers the queue and
// the monitoring server log with.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Logger wraps slog.Logger for structured logging
type Logger struct {
	*slog.Logger
}

// New returns a text logger at debug level in development and a JSON
// logger at info level everywhere else.
func New(env string) *Logger {
	if strings.EqualFold(env, "development") {
		return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))}
	}
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))}
}

// NewNop returns a logger that discards all output.
func NewNop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithContext tags the logger with the trace and span ids of the span in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	return &Logger{Logger: l.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)}
}

// WithWorker returns a logger tagged with a worker pool name and owner id.
func (l *Logger) WithWorker(pool, owner string) *Logger {
	return &Logger{Logger: l.With(slog.String("pool", pool), slog.String("owner", owner))}
}

// QueueItem logs a lifecycle transition of a queue item.
func (l *Logger) QueueItem(event, itemID, kind, status string, attrs ...any) {
	args := append([]any{
		slog.String("item_id", itemID),
		slog.String("kind", kind),
		slog.String("status", status),
	}, attrs...)
	l.Info(event, args...)
}

// HTTPRequest logs a served request; 5xx responses log at error level.
func (l *Logger) HTTPRequest(method, path string, status int, latencyMs float64, clientIP string) {
	level := slog.LevelInfo
	if status >= 500 {
		level = slog.LevelError
	}
	l.Log(context.Background(), level, "http_request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Float64("latency_ms", latencyMs),
		slog.String("client_ip", clientIP),
	)
}

func (l *Logger) DatabaseError(operation string, err error) {
	l.Error("database_error",
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
}

func (l *Logger) RateLimitExceeded(clientIP, path string) {
	l.Warn("rate_limit_exceeded",
		slog.String("client_ip", clientIP),
		slog.String("path", path),
	)
}
