// Package observability provides OpenTelemetry tracing, Prometheus metrics
// and audit logging for the field graph engine.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the name used for the engine tracer.
	TracerName = "github.com/efebarandurmaz/fieldgraph"
)

// TracingConfig configures the OpenTelemetry tracing.
type TracingConfig struct {
	// ServiceName is the name of the service (default: "fieldgraph")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Environment is the deployment environment (dev, staging, prod)
	Environment string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317")
	// If empty, tracing is disabled.
	OTLPEndpoint string

	// SampleRate is the trace sampling rate (0.0 to 1.0, default: 1.0)
	SampleRate float64
}

// DefaultTracingConfig returns a default tracing configuration.
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		ServiceName:    "fieldgraph",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		SampleRate:     1.0,
	}
}

// TracerProvider wraps the OpenTelemetry tracer provider.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// InitTracing initializes OpenTelemetry tracing.
// Returns a no-op tracer if OTLPEndpoint is empty.
func InitTracing(ctx context.Context, cfg *TracingConfig) (*TracerProvider, error) {
	if cfg == nil {
		cfg = DefaultTracingConfig()
	}

	if cfg.OTLPEndpoint == "" {
		return &TracerProvider{
			tracer: otel.Tracer(TracerName),
		}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	if cfg.SampleRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else if cfg.SampleRate <= 0 {
		sampler = sdktrace.NeverSample()
	} else {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer(TracerName),
	}, nil
}

// Shutdown gracefully shuts down the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the underlying tracer.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// SpanKind constants for engine operations.
const (
	SpanKindOperation = "operation"
	SpanKindGraphLoad = "graph_load"
	SpanKindCycle     = "cycle_check"
	SpanKindResolve   = "resolve"
	SpanKindApply     = "apply"
)

// StartOperationSpan starts a span for a field or row operation.
func StartOperationSpan(ctx context.Context, op string, tableID int64) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	return tracer.Start(ctx, "engine."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("fieldgraph.span.kind", SpanKindOperation),
			attribute.Int64("fieldgraph.table_id", tableID),
		),
	)
}

// StartGraphLoadSpan starts a span for loading the dependency graph.
func StartGraphLoadSpan(ctx context.Context, backend string) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	return tracer.Start(ctx, "graph.load",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("fieldgraph.span.kind", SpanKindGraphLoad),
			attribute.String("graph.backend", backend),
		),
	)
}

// RecordGraphLoad records the size of a loaded graph on a span.
func RecordGraphLoad(span trace.Span, edges, trashed int) {
	span.SetAttributes(
		attribute.Int("graph.edges", edges),
		attribute.Int("graph.trashed_fields", trashed),
	)
}

// StartCycleCheckSpan starts a span for a circular reference check.
func StartCycleCheckSpan(ctx context.Context, from, to int64) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	return tracer.Start(ctx, "graph.cycle_check",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("fieldgraph.span.kind", SpanKindCycle),
			attribute.Int64("cycle.from", from),
			attribute.Int64("cycle.to", to),
		),
	)
}

// RecordCycleResult records the outcome of a cycle check.
func RecordCycleResult(span trace.Span, cycle, depthExceeded bool) {
	span.SetAttributes(
		attribute.Bool("cycle.found", cycle),
		attribute.Bool("cycle.depth_exceeded", depthExceeded),
	)
	if cycle {
		span.SetStatus(codes.Error, "circular reference")
	}
}

// StartResolveSpan starts a span for a dependant resolution.
func StartResolveSpan(ctx context.Context, fieldIDs []int64, relationChanged bool) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	return tracer.Start(ctx, "graph.resolve",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("fieldgraph.span.kind", SpanKindResolve),
			attribute.Int64Slice("resolve.field_ids", fieldIDs),
			attribute.Bool("resolve.relation_changed", relationChanged),
		),
	)
}

// RecordResolveResult records the number of dependants found.
func RecordResolveResult(span trace.Span, dependants int, depthExceeded bool) {
	span.SetAttributes(
		attribute.Int("resolve.dependants", dependants),
		attribute.Bool("resolve.depth_exceeded", depthExceeded),
	)
}

// StartApplySpan starts a span for applying collected updates.
func StartApplySpan(ctx context.Context, tableID int64, statements int) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	return tracer.Start(ctx, "update.apply",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("fieldgraph.span.kind", SpanKindApply),
			attribute.Int64("fieldgraph.table_id", tableID),
			attribute.Int("update.statements", statements),
		),
	)
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
