package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// contextKey is a type for context keys
type contextKey string

const (
	// JobIDKey is the context key for the job ID
	JobIDKey contextKey = "job_id"
	// NodeIDKey is the context key for the node ID
	NodeIDKey contextKey = "node_id"
	// RoleKey is the context key for the serving role
	RoleKey contextKey = "role"
)

// Config holds logging configuration
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "text"
	Output io.Writer
}

// Setup configures the global logger
func Setup(cfg Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	// Wrap with context handler
	handler = &ContextHandler{Handler: handler}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

// ContextHandler adds context values to log records
type ContextHandler struct {
	slog.Handler
}

// Handle adds context values to the record before passing to the wrapped handler
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if jobID, ok := ctx.Value(JobIDKey).(string); ok && jobID != "" {
		r.AddAttrs(slog.String("job_id", jobID))
	}

	if nodeID, ok := ctx.Value(NodeIDKey).(string); ok && nodeID != "" {
		r.AddAttrs(slog.String("node_id", nodeID))
	}

	if role, ok := ctx.Value(RoleKey).(string); ok && role != "" {
		r.AddAttrs(slog.String("role", role))
	}

	return h.Handler.Handle(ctx, r)
}

// WithJobID adds a job ID to the context
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobIDKey, jobID)
}

// WithNodeID adds a node ID to the context
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, NodeIDKey, nodeID)
}

// WithRole adds a serving role to the context
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, RoleKey, role)
}

// Logger returns a logger with additional context
func Logger(ctx context.Context) *slog.Logger {
	logger := slog.Default()

	var attrs []any
	if jobID, ok := ctx.Value(JobIDKey).(string); ok && jobID != "" {
		attrs = append(attrs, "job_id", jobID)
	}
	if nodeID, ok := ctx.Value(NodeIDKey).(string); ok && nodeID != "" {
		attrs = append(attrs, "node_id", nodeID)
	}
	if role, ok := ctx.Value(RoleKey).(string); ok && role != "" {
		attrs = append(attrs, "role", role)
	}

	if len(attrs) > 0 {
		return logger.With(attrs...)
	}
	return logger
}

// Common log operations with context

// Debug logs a debug message
func Debug(ctx context.Context, msg string, args ...any) {
	Logger(ctx).Debug(msg, args...)
}

// Info logs an info message
func Info(ctx context.Context, msg string, args ...any) {
	Logger(ctx).Info(msg, args...)
}

// Warn logs a warning message
func Warn(ctx context.Context, msg string, args ...any) {
	Logger(ctx).Warn(msg, args...)
}

// Error logs an error message
func Error(ctx context.Context, msg string, args ...any) {
	Logger(ctx).Error(msg, args...)
}
