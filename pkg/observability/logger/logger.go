package logger

import (
	"context"
)

// Logger defines the interface for structured logging across schedlock components.
// All log methods accept a message string followed by key-value pairs for structured fields.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With creates a child logger carrying the key-value pairs on every entry.
	With(args ...any) Logger

	// WithContext creates a child logger carrying the fields attached to ctx
	// through ContextWithFields.
	WithContext(ctx context.Context) Logger
}

type contextFieldsKey struct{}

// ContextWithFields attaches key-value pairs to ctx. Loggers derived through WithContext
// include them. Fields accumulate across nested calls.
func ContextWithFields(ctx context.Context, args ...any) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(args) == 0 {
		return ctx
	}
	existing := FieldsFromContext(ctx)
	fields := make([]any, 0, len(existing)+len(args))
	fields = append(fields, existing...)
	fields = append(fields, args...)
	return context.WithValue(ctx, contextFieldsKey{}, fields)
}

// FieldsFromContext returns the key-value pairs attached by ContextWithFields.
func FieldsFromContext(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	fields, _ := ctx.Value(contextFieldsKey{}).([]any)
	return fields
}
