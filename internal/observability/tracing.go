// Package observability wires OpenTelemetry tracing for the pipeline.
//
// Traces are exported over OTLP HTTP to whatever collector the endpoint
// points at. An empty endpoint disables export entirely; the Hooks remain
// usable (and cheap) either way, so callers never branch on whether tracing
// is on.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config for tracing setup.
type Config struct {
	// Endpoint is the OTLP HTTP endpoint (host:port). Empty disables export.
	Endpoint string
	// ServiceName tags exported spans. Defaults to "sibyl".
	ServiceName string
	// Environment is the deployment environment tag (dev, staging, prod).
	Environment string

	Logger *slog.Logger // nil = slog.Default()
}

// Setup installs the global tracer provider and returns a shutdown closure
// that flushes pending spans. With an empty endpoint it installs nothing and
// the closure is a no-op.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Endpoint == "" {
		logger.Debug("tracing disabled, no OTLP endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "sibyl"
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("building trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Debug("tracing enabled",
		"endpoint", cfg.Endpoint,
		"service", serviceName,
		"environment", cfg.Environment,
	)
	return tp.Shutdown, nil
}

// Hooks starts spans at pipeline boundaries. The zero value is usable and
// traces through the global provider; a nil *Hooks is also safe everywhere.
type Hooks struct {
	tracer trace.Tracer
}

// NewHooks creates Hooks backed by the global tracer provider.
func NewHooks() *Hooks {
	return &Hooks{tracer: otel.Tracer("sibyl/pipeline")}
}

// Span opens a pipeline span and returns the derived context plus a closer
// that records the outcome. Safe on a nil receiver.
func (h *Hooks) Span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if h == nil {
		return ctx, func(error) {}
	}
	tracer := h.tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}

	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
