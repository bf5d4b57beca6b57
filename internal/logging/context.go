package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	requestCtxKey struct{}
	ownerCtxKey   struct{}
	taskCtxKey    struct{}
	jobCtxKey     struct{}
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if v := stringValue(ctx, requestCtxKey{}); v != "" {
		fields = append(fields, zap.String("request.id", v))
	}
	if v := stringValue(ctx, ownerCtxKey{}); v != "" {
		fields = append(fields, zap.String("owner.id", v))
	}
	if v := stringValue(ctx, taskCtxKey{}); v != "" {
		fields = append(fields, zap.String("task.id", v))
	}
	if v := stringValue(ctx, jobCtxKey{}); v != "" {
		fields = append(fields, zap.String("job.id", v))
	}
	return fields
}

func stringValue(ctx context.Context, key any) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// WithRequestID adds the HTTP request id to context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, id)
}

// WithOwnerID adds the owning user id to context.
func WithOwnerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ownerCtxKey{}, id)
}

// WithTaskID adds the task id to context.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, id)
}

// WithJobID adds the execution job id to context.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobCtxKey{}, id)
}

// Bind returns l with the correlation fields carried by ctx.
func Bind(ctx context.Context, l *zap.Logger) *zap.Logger {
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}
