package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with orchestrator-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include payload content in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return NoopTracer()
	}
	return globalTracer
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Task Spans ---

// TaskSpanOptions describes the outcome of one handling attempt.
type TaskSpanOptions struct {
	Outcome   string // success, retrying, failed, parked, skipped
	ErrorCode string
	Payload   string // Only included if debug=true
}

// StartTaskSpan starts a span for one task handling attempt.
func (t *Tracer) StartTaskSpan(ctx context.Context, taskID, taskType string, attempt int) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "task."+taskType, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.String("task.type", taskType),
		attribute.Int("task.attempt", attempt),
	)
	return ctx, span
}

// EndTaskSpan ends a task span with attributes.
func (t *Tracer) EndTaskSpan(span trace.Span, opts TaskSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("task.outcome", opts.Outcome),
	}
	if opts.ErrorCode != "" {
		attrs = append(attrs, attribute.String("task.error_code", opts.ErrorCode))
	}
	if t.debug && opts.Payload != "" {
		attrs = append(attrs, attribute.String("task.payload", truncate(opts.Payload, 4000)))
	}
	span.SetAttributes(attrs...)
	endSpan(span, err)
}

// --- Agent Spans ---

// StartAgentSpan starts a span for a spawned agent run.
func (t *Tracer) StartAgentSpan(ctx context.Context, agentID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "agent."+agentID, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("agent.id", agentID))
	return ctx, span
}

// EndAgentSpan ends an agent span.
func (t *Tracer) EndAgentSpan(span trace.Span, exitCode int, err error) {
	span.SetAttributes(attribute.Int("agent.exit_code", exitCode))
	endSpan(span, err)
}

// --- Delivery Spans ---

// DeliverySpanOptions contains options for milestone delivery spans.
type DeliverySpanOptions struct {
	StatusCode int
	Outcome    string
	Attempts   int
}

// StartDeliverySpan starts a span for one milestone POST.
func (t *Tracer) StartDeliverySpan(ctx context.Context, idempotencyKey, milestoneID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "milestone.deliver", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("milestone.idempotency_key", idempotencyKey),
		attribute.String("milestone.id", milestoneID),
	)
	return ctx, span
}

// EndDeliverySpan ends a delivery span with attributes.
func (t *Tracer) EndDeliverySpan(span trace.Span, opts DeliverySpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("milestone.outcome", opts.Outcome),
		attribute.Int("milestone.attempts", opts.Attempts),
	}
	if opts.StatusCode != 0 {
		attrs = append(attrs, attribute.Int("http.response.status_code", opts.StatusCode))
	}
	span.SetAttributes(attrs...)
	endSpan(span, err)
}

// --- Helpers ---

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
