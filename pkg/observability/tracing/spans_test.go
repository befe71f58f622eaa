package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func setupTestTracer(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	spanRecorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	return spanRecorder
}

func attributeMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func TestStartLockSpan(t *testing.T) {
	tests := []struct {
		name          string
		operation     SpanOperation
		opts          []LockSpanOption
		expectedName  string
		expectedAttrs map[string]any
	}{
		{
			name:         "acquire without options",
			operation:    SpanOperationLockAcquire,
			expectedName: "LOCK lock.acquire",
			expectedAttrs: map[string]any{
				"lock.operation": "lock.acquire",
			},
		},
		{
			name:         "acquire with lock name",
			operation:    SpanOperationLockAcquire,
			opts:         []LockSpanOption{WithLockName("nightly-report")},
			expectedName: "LOCK lock.acquire nightly-report",
			expectedAttrs: map[string]any{
				"lock.operation": "lock.acquire",
				"lock.name":      "nightly-report",
			},
		},
		{
			name:      "release with all options",
			operation: SpanOperationLockRelease,
			opts: []LockSpanOption{
				WithLockName("job-A"),
				WithLockStore("postgres"),
				WithLockHolder("host-1:42"),
			},
			expectedName: "LOCK lock.release job-A",
			expectedAttrs: map[string]any{
				"lock.operation": "lock.release",
				"lock.name":      "job-A",
				"lock.store":     "postgres",
				"lock.holder":    "host-1:42",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := setupTestTracer(t)

			_, span := StartLockSpan(context.Background(), tt.operation, tt.opts...)
			span.End()

			spans := recorder.Ended()
			if len(spans) != 1 {
				t.Fatalf("expected 1 span, got %d", len(spans))
			}
			recorded := spans[0]
			if recorded.Name() != tt.expectedName {
				t.Fatalf("expected span name %q, got %q", tt.expectedName, recorded.Name())
			}
			if recorded.SpanKind() != trace.SpanKindClient {
				t.Fatalf("expected client span, got %v", recorded.SpanKind())
			}
			attrs := attributeMap(recorded.Attributes())
			for key, want := range tt.expectedAttrs {
				if attrs[key] != want {
					t.Fatalf("attribute %s: expected %v, got %v", key, want, attrs[key])
				}
			}
		})
	}
}

func TestStartTaskSpan(t *testing.T) {
	recorder := setupTestTracer(t)

	_, span := StartTaskSpan(context.Background(), "report", "*/2 * * * * *")
	RecordSuccess(span)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "TASK report" {
		t.Fatalf("unexpected span name %q", spans[0].Name())
	}
	attrs := attributeMap(spans[0].Attributes())
	if attrs["scheduler.schedule"] != "*/2 * * * * *" {
		t.Fatalf("unexpected schedule attribute: %v", attrs["scheduler.schedule"])
	}
	if spans[0].Status().Code != codes.Ok {
		t.Fatalf("expected ok status, got %v", spans[0].Status())
	}
}

func TestRecordLockOutcome(t *testing.T) {
	recorder := setupTestTracer(t)

	_, span := StartLockSpan(context.Background(), SpanOperationLockAcquire, WithLockName("job-A"))
	RecordLockOutcome(span, false)
	span.End()

	recorded := recorder.Ended()[0]
	if attributeMap(recorded.Attributes())["lock.applied"] != false {
		t.Fatalf("expected lock.applied=false, got %v", recorded.Attributes())
	}
	if recorded.Status().Code != codes.Ok {
		t.Fatalf("contention is not an error, got status %v", recorded.Status())
	}
}

func TestRecordError(t *testing.T) {
	recorder := setupTestTracer(t)

	_, span := StartLockSpan(context.Background(), SpanOperationLockExtend)
	RecordError(span, errors.New("connection refused"))
	RecordError(span, nil)
	span.End()

	recorded := recorder.Ended()[0]
	if recorded.Status().Code != codes.Error {
		t.Fatalf("expected error status, got %v", recorded.Status())
	}
	if recorded.Status().Description != "connection refused" {
		t.Fatalf("unexpected status description %q", recorded.Status().Description)
	}
	if len(recorded.Events()) != 1 {
		t.Fatalf("expected one exception event, got %d", len(recorded.Events()))
	}
}
