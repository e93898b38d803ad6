// Package telemetry exports OpenTelemetry spans for task handling and
// milestone delivery.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const defaultServiceName = "orchestrator"

// ExportConfig selects where spans go. Empty Endpoint and ServiceName
// fall back to OTEL_EXPORTER_OTLP_ENDPOINT and OTEL_SERVICE_NAME.
type ExportConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Protocol       string // "grpc" (default) or "http"
	Insecure       bool
	Debug          bool // record task payloads on spans
	Headers        map[string]string
	BatchTimeout   time.Duration
}

// normalize fills defaults and rejects unusable settings.
func (c ExportConfig) normalize() (ExportConfig, error) {
	if c.Endpoint == "" {
		c.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	c.Endpoint = strings.TrimPrefix(strings.TrimPrefix(c.Endpoint, "http://"), "https://")
	if c.Endpoint == "" {
		return c, fmt.Errorf("no span endpoint: set telemetry.endpoint or OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if c.ServiceName == "" {
		c.ServiceName = os.Getenv("OTEL_SERVICE_NAME")
	}
	if c.ServiceName == "" {
		c.ServiceName = defaultServiceName
	}
	switch c.Protocol {
	case "":
		c.Protocol = "grpc"
	case "grpc", "http":
	default:
		return c, fmt.Errorf("unknown span protocol %q (want grpc or http)", c.Protocol)
	}
	return c, nil
}

func newExporter(ctx context.Context, c ExportConfig) (sdktrace.SpanExporter, error) {
	if c.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(c.Endpoint)}
		if c.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(c.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(c.Headers))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(c.Endpoint)}
	if c.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(c.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(c.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Exporter owns the SDK tracer provider backing a Tracer.
type Exporter struct {
	tp     *sdktrace.TracerProvider
	tracer *Tracer
}

// StartExporter installs an OTLP-backed tracer provider as the process
// global and returns it. Callers must Shutdown it to flush pending spans.
func StartExporter(ctx context.Context, cfg ExportConfig) (*Exporter, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("span resource: %w", err)
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s span exporter: %w", cfg.Protocol, err)
	}

	var batch []sdktrace.BatchSpanProcessorOption
	if cfg.BatchTimeout > 0 {
		batch = append(batch, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, batch...),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t := &Tracer{tracer: tp.Tracer(cfg.ServiceName), debug: cfg.Debug}
	SetGlobalTracer(t)
	return &Exporter{tp: tp, tracer: t}, nil
}

func (e *Exporter) Tracer() *Tracer { return e.tracer }

// Shutdown flushes buffered spans and stops the exporter.
func (e *Exporter) Shutdown(ctx context.Context) error {
	return e.tp.Shutdown(ctx)
}
