// Package log wraps log/slog with helpers that carry trace ids and job fields through a context.
package log

import (
	"context"
	"io"
	"log/slog"
	"sort"

	"github.com/gin-gonic/gin"
)

// Setup installs the process-wide default logger. Development builds log text, release builds log JSON.
func Setup(w io.Writer, level string, release bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var logger *slog.Logger
	if release {
		logger = slog.New(slog.NewJSONHandler(w, opts))
	} else {
		logger = slog.New(slog.NewTextHandler(w, opts))
	}
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a LOG_LEVEL value to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
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

// Logger returns the current default logger instance.
func Logger() *slog.Logger {
	return slog.Default()
}

// WithContext returns a logger carrying trace_id and the LogFields stored in ctx, which may be a
// context.Context or a *gin.Context. Fields are attached in key order.
func WithContext(ctx any) *slog.Logger {
	var traceID string
	var fields LogFields

	switch v := ctx.(type) {
	case *gin.Context:
		traceID = v.GetString(string(TraceIDKey))
		if v.Request != nil {
			if traceID == "" {
				traceID = TraceIDFromContext(v.Request.Context())
			}
			fields = GetLogFields(v.Request.Context())
		}
	case context.Context:
		traceID = TraceIDFromContext(v)
		fields = GetLogFields(v)
	}

	args := make([]any, 0, 2*len(fields)+2)
	if traceID != "" {
		args = append(args, string(TraceIDKey), traceID)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	if len(args) == 0 {
		return Logger()
	}
	return Logger().With(args...)
}

// Info logs at Info level with automatic trace_id and field extraction from context.
func Info(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...) //nolint:contextcheck // WithContext extracts metadata from context
}

// Error logs at Error level with automatic trace_id and field extraction from context.
func Error(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...) //nolint:contextcheck // WithContext extracts metadata from context
}

// Warn logs at Warn level with automatic trace_id and field extraction from context.
func Warn(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...) //nolint:contextcheck // WithContext extracts metadata from context
}

// Debug logs at Debug level with automatic trace_id and field extraction from context.
func Debug(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Debug(msg, args...) //nolint:contextcheck // WithContext extracts metadata from context
}
