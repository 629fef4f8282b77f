// SPDX-License-Identifier: LGPL-3.0-or-later

package worker

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig controls the executor's span emission. Only the
// stdout exporter is wired (no OTLP/Jaeger collector dependency is
// part of this build's stack; see DESIGN.md).
type TracingConfig struct {
	Enabled     bool
	ServiceName string
}

// TracingProvider wraps the OpenTelemetry SDK trace provider, adapted
// from the teacher's daemon/tracing.Provider with the exporter choice
// narrowed to stdout.
type TracingProvider struct {
	provider *sdktrace.TracerProvider
}

// NewTracingProvider builds a no-op provider when disabled, or a
// stdout-backed batch provider when enabled.
func NewTracingProvider(cfg TracingConfig) (*TracingProvider, error) {
	if !cfg.Enabled {
		return &TracingProvider{provider: sdktrace.NewTracerProvider()}, nil
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("build stdout exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return &TracingProvider{provider: provider}, nil
}

func (p *TracingProvider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}

func (p *TracingProvider) Tracer(name string) trace.Tracer {
	if p.provider == nil {
		return otel.Tracer(name)
	}
	return p.provider.Tracer(name)
}

var (
	AttrJobID         = attribute.Key("job.id")
	AttrOperation     = attribute.Key("job.operation")
	AttrTraceID       = attribute.Key("job.trace_id")
	AttrCorrelationID = attribute.Key("job.correlation_id")
)

// TraceJobExecution starts a span around one job's dispatch, keyed by
// the envelope's trace_id/correlation_id when present.
func TraceJobExecution(ctx context.Context, tracer trace.Tracer, jobID, operation, traceID, correlationID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{AttrJobID.String(jobID), AttrOperation.String(operation)}
	if traceID != "" {
		attrs = append(attrs, AttrTraceID.String(traceID))
	}
	if correlationID != "" {
		attrs = append(attrs, AttrCorrelationID.String(correlationID))
	}
	return tracer.Start(ctx, "job.execute", trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
}
