package logger

import (
	"context"

	"github.com/google/uuid"
)

// WithTraceID adds a trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ContextKeyTraceID, traceID)
}

// WithAgentID adds an agent ID to the context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, ContextKeyAgentID, agentID)
}

// WithOperation adds an operation name to the context.
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, ContextKeyOperation, operation)
}

// TraceIDFromContext returns the trace ID stored in the context, if any.
func TraceIDFromContext(ctx context.Context) string {
	traceID, _ := ctx.Value(ContextKeyTraceID).(string)
	return traceID
}

// GenerateTraceID generates a new trace ID.
func GenerateTraceID() string {
	return uuid.New().String()
}
