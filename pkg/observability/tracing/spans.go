// Package tracing provides OpenTelemetry tracing for lock and scheduler operations.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanOperation represents a traced operation type.
type SpanOperation string

const (
	SpanOperationLockAcquire SpanOperation = "lock.acquire"
	SpanOperationLockRelease SpanOperation = "lock.release"
	SpanOperationLockExtend  SpanOperation = "lock.extend"
	SpanOperationLockInspect SpanOperation = "lock.inspect"

	SpanOperationTaskFire SpanOperation = "scheduler.fire"
)

const (
	instrumentationLock      = "schedlock/lock"
	instrumentationScheduler = "schedlock/scheduler"
)

// StartLockSpan creates a client span for a lock store round trip.
func StartLockSpan(ctx context.Context, operation SpanOperation, opts ...LockSpanOption) (context.Context, trace.Span) {
	spanOpts := &lockSpanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("lock.operation", string(operation)),
		},
	}
	for _, opt := range opts {
		opt(spanOpts)
	}

	spanName := fmt.Sprintf("LOCK %s", operation)
	if spanOpts.name != "" {
		spanName = fmt.Sprintf("LOCK %s %s", operation, spanOpts.name)
	}

	ctx, span := otel.Tracer(instrumentationLock).Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(spanOpts.attributes...)
	return ctx, span
}

// LockSpanOption configures a lock span.
type LockSpanOption func(*lockSpanOptions)

type lockSpanOptions struct {
	name       string
	attributes []attribute.KeyValue
}

// WithLockName sets the lock name.
func WithLockName(name string) LockSpanOption {
	return func(opts *lockSpanOptions) {
		opts.name = name
		opts.attributes = append(opts.attributes, attribute.String("lock.name", name))
	}
}

// WithLockStore sets the backing store kind (postgres, redis, ...).
func WithLockStore(store string) LockSpanOption {
	return func(opts *lockSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("lock.store", store))
	}
}

// WithLockHolder sets the holder identity written into the record.
func WithLockHolder(holder string) LockSpanOption {
	return func(opts *lockSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("lock.holder", holder))
	}
}

// StartTaskSpan creates an internal span for one scheduler firing.
func StartTaskSpan(ctx context.Context, task, schedule string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(instrumentationScheduler).Start(ctx,
		fmt.Sprintf("TASK %s", task),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("scheduler.operation", string(SpanOperationTaskFire)),
		attribute.String("scheduler.task", task),
		attribute.String("scheduler.schedule", schedule),
	)
	return ctx, span
}

// RecordLockOutcome marks whether the conditional write took effect.
func RecordLockOutcome(span trace.Span, applied bool) {
	span.SetAttributes(attribute.Bool("lock.applied", applied))
	span.SetStatus(codes.Ok, "")
}

// RecordError records an error in the span and sets the span status to error.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess sets the span status to OK.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
