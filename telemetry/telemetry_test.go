package telemetry

import (
	"context"
	"errors"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(debug bool) (*Tracer, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return &Tracer{tracer: tp.Tracer("test"), debug: debug}, rec
}

func TestTaskSpan(t *testing.T) {
	tr, rec := newRecordingTracer(false)

	_, span := tr.StartTaskSpan(context.Background(), "t1", "heartbeat", 1)
	tr.EndTaskSpan(span, TaskSpanOptions{Outcome: "success", Payload: "secret"}, nil)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "task.heartbeat" {
		t.Errorf("span name = %q", spans[0].Name())
	}
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "task.payload" {
			t.Error("payload must not be recorded without debug")
		}
	}
}

func TestDeliverySpanError(t *testing.T) {
	tr, rec := newRecordingTracer(false)

	_, span := tr.StartDeliverySpan(context.Background(), "k1", "m1")
	tr.EndDeliverySpan(span, DeliverySpanOptions{StatusCode: 503, Outcome: "retrying", Attempts: 1}, errors.New("unavailable"))

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].Status().Description; got != "unavailable" {
		t.Errorf("status description = %q", got)
	}
}

func TestGetTracerDefaultsToNoop(t *testing.T) {
	SetGlobalTracer(nil)
	tr := GetTracer()
	_, span := tr.StartAgentSpan(context.Background(), "doc-specialist")
	tr.EndAgentSpan(span, 0, nil)
}

func TestExportConfigNormalize(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_SERVICE_NAME", "")

	if _, err := (ExportConfig{}).normalize(); err == nil {
		t.Error("expected error without an endpoint")
	}
	if _, err := (ExportConfig{Endpoint: "x:1", Protocol: "udp"}).normalize(); err == nil {
		t.Error("expected error for unknown protocol")
	}

	cfg, err := ExportConfig{Endpoint: "http://collector:4318"}.normalize()
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cfg.Endpoint != "collector:4318" || cfg.Protocol != "grpc" || cfg.ServiceName != defaultServiceName {
		t.Errorf("normalized = %+v", cfg)
	}

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "env:4317")
	t.Setenv("OTEL_SERVICE_NAME", "orch-test")
	cfg, err = ExportConfig{Protocol: "http"}.normalize()
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cfg.Endpoint != "env:4317" || cfg.ServiceName != "orch-test" {
		t.Errorf("env fallback = %+v", cfg)
	}
}
