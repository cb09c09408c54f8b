package apm

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"vigil/internal/errors"
)

// TracingConfig selects the span exporter. The default "none" keeps
// tracing off without a separate enabled flag.
type TracingConfig struct {
	Exporter   string  // none, zipkin, otlp
	Endpoint   string  // exporter-specific; empty selects the local default
	SampleRate float64 // (0,1]; 0 means 1.0
}

// tracing owns the span pipeline. With the "none" exporter the tracer is
// a noop and there is no provider to flush.
type tracing struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

func newTracing(cfg TracingConfig, serviceName string) (*tracing, error) {
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = 1
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "", "none":
		return &tracing{tracer: noop.NewTracerProvider().Tracer("vigil")}, nil
	case "otlp":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exporter, err = otlptracehttp.New(context.Background(),
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure())
	case "zipkin":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:9411/api/v2/spans"
		}
		exporter, err = zipkin.New(endpoint)
	default:
		return nil, errors.Validation("unsupported trace exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindFatal, err, "create %s trace exporter", cfg.Exporter)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, errors.Wrap(errors.KindFatal, err, "create trace resource")
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
	)
	otel.SetTracerProvider(provider)

	return &tracing{provider: provider, tracer: provider.Tracer("vigil")}, nil
}

// span opens a child span for one tracked operation. The noop tracer
// makes this free when tracing is off.
func (t *tracing) span(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name)
}

// finish closes the span, marking the error outcome when there is one.
func finish(span trace.Span, err error) {
	if err != nil && !errors.IsCancelled(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errors.KindOf(err)))
	}
	span.End()
}

func (t *tracing) shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
