// internal/logging/context.go
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type runCtxKey struct{}
type gateCtxKey struct{}
type stageCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if v := RunIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("run.id", v))
	}
	if v := GateIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("gate.id", v))
	}
	if v := StageFromContext(ctx); v != "" {
		fields = append(fields, zap.String("stage", v))
	}
	if v := RequestIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("request.id", v))
	}
	return fields
}

// WithRunID tags the context with a pipeline run id.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// RunIDFromContext returns the run id, or "".
func RunIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(runCtxKey{}).(string)
	return s
}

// WithGateID tags the context with a gate id.
func WithGateID(ctx context.Context, gateID string) context.Context {
	return context.WithValue(ctx, gateCtxKey{}, gateID)
}

// GateIDFromContext returns the gate id, or "".
func GateIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(gateCtxKey{}).(string)
	return s
}

// WithStage tags the context with the stage being invoked.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageCtxKey{}, stage)
}

// StageFromContext returns the stage name, or "".
func StageFromContext(ctx context.Context) string {
	s, _ := ctx.Value(stageCtxKey{}).(string)
	return s
}

// WithRequestID tags the context with an inbound request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestCtxKey{}).(string)
	return s
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if none is stored.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
