package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	nodeIDKey
	conversationRefKey
)

// WithExecutionID returns a context carrying the execution id.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithNodeID returns a context carrying the node id being evaluated.
func WithNodeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nodeIDKey, id)
}

// WithConversationRef returns a context carrying the conversation ref.
func WithConversationRef(ctx context.Context, ref string) context.Context {
	return context.WithValue(ctx, conversationRefKey, ref)
}

// ExecutionID extracts the execution id, or "".
func ExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(executionIDKey).(string)
	return v
}

// NodeID extracts the node id, or "".
func NodeID(ctx context.Context) string {
	v, _ := ctx.Value(nodeIDKey).(string)
	return v
}

// ConversationRef extracts the conversation ref, or "".
func ConversationRef(ctx context.Context) string {
	v, _ := ctx.Value(conversationRefKey).(string)
	return v
}

// WithExecution sets execution id and conversation ref at once.
func WithExecution(ctx context.Context, executionID, conversationRef string) context.Context {
	return WithConversationRef(WithExecutionID(ctx, executionID), conversationRef)
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if v := ExecutionID(ctx); v != "" {
		attrs = append(attrs, slog.String("execution_id", v))
	}
	if v := NodeID(ctx); v != "" {
		attrs = append(attrs, slog.String("node_id", v))
	}
	if v := ConversationRef(ctx); v != "" {
		attrs = append(attrs, slog.String("conversation_ref", v))
	}
	return attrs
}

// LogWith returns logger enriched with the correlation ids in ctx. Only
// non-empty values are added.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler injects the correlation ids of the record's context into
// every record, so logger.InfoContext(ctx, ...) needs no explicit ids.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
