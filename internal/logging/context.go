package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	taskKey
	documentIDKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithTask returns a context with the task name set.
func WithTask(ctx context.Context, task string) context.Context {
	return context.WithValue(ctx, taskKey, task)
}

// WithDocumentID returns a context with the document ID set.
func WithDocumentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, documentIDKey, id)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// Task extracts the task name from the context, or "" if absent.
func Task(ctx context.Context) string {
	v, _ := ctx.Value(taskKey).(string)
	return v
}

// DocumentID extracts the document ID from the context, or "" if absent.
func DocumentID(ctx context.Context) string {
	v, _ := ctx.Value(documentIDKey).(string)
	return v
}

// WithIDs sets all three correlation IDs at once.
func WithIDs(ctx context.Context, runID, task, documentID string) context.Context {
	ctx = WithRunID(ctx, runID)
	ctx = WithTask(ctx, task)
	return WithDocumentID(ctx, documentID)
}

// LogWith returns a logger enriched with whichever correlation IDs are
// present on the context.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if v := RunID(ctx); v != "" {
		logger = logger.With("run_id", v)
	}
	if v := Task(ctx); v != "" {
		logger = logger.With("task", v)
	}
	if v := DocumentID(ctx); v != "" {
		logger = logger.With("document_id", v)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record. Use with
// slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := Task(ctx); v != "" {
		r.AddAttrs(slog.String("task", v))
	}
	if v := DocumentID(ctx); v != "" {
		r.AddAttrs(slog.String("document_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
