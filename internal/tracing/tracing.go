package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName    = "logwatch"
	serviceVersion = "0.3.0"
)

// Config holds tracing configuration
type Config struct {
	Enabled    bool
	Endpoint   string
	SampleRate float64
}

// Provider wraps the OpenTelemetry tracer provider
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider creates a new tracing provider
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	// Create resource
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Create OTLP exporter
	var exporter *otlptrace.Exporter
	if cfg.Endpoint != "" {
		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(), // Use TLS in production
		)
		exporter, err = otlptrace.New(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
	}

	// Configure sampler
	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate > 0 && cfg.SampleRate < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	// Create tracer provider
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(res),
	}

	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)

	// Set global tracer provider
	otel.SetTracerProvider(tp)

	// Set global propagator
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		tp:     tp,
		tracer: tp.Tracer(serviceName),
	}, nil
}

// Shutdown shuts down the tracer provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp != nil {
		return p.tp.Shutdown(ctx)
	}
	return nil
}

// RecordError records an error on the current span
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
}

// Noop returns a provider whose spans are never recorded
func Noop() *Provider {
	return &Provider{tracer: otel.Tracer(serviceName)}
}

// Tracer returns the tracer of p, or a no-op tracer for a nil provider
func Tracer(p *Provider) trace.Tracer {
	if p == nil {
		return Noop().tracer
	}
	return p.tracer
}

// Helper functions for common operations

// TraceRun creates a span for one agent run
func TraceRun(ctx context.Context, tracer trace.Tracer, batchID string, files int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "logwatch.run",
		trace.WithAttributes(
			attribute.String("logwatch.batch_id", batchID),
			attribute.Int("logwatch.files", files),
		),
	)
}

// TraceFile creates a span for processing a single log file
func TraceFile(ctx context.Context, tracer trace.Tracer, path string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "logwatch.file",
		trace.WithAttributes(
			attribute.String("logfile.path", path),
		),
	)
}

// TraceForward creates a span for forwarding operations
func TraceForward(ctx context.Context, tracer trace.Tracer, method string, messageCount int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "forward.send",
		trace.WithAttributes(
			attribute.String("forward.method", method),
			attribute.Int("message.count", messageCount),
		),
	)
}

// TraceSpool creates a span for spool operations
func TraceSpool(ctx context.Context, tracer trace.Tracer, operation string) (context.Context, trace.Span) {
	return tracer.Start(ctx, fmt.Sprintf("spool.%s", operation))
}

// TraceProcess creates a span for processing one received section
func TraceProcess(ctx context.Context, tracer trace.Tracer, host string, items int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "logwatch.process",
		trace.WithAttributes(
			attribute.String("host.name", host),
			attribute.Int("logwatch.items", items),
		),
	)
}
