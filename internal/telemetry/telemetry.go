// Package telemetry installs the OpenTelemetry tracer provider used by the
// engine's spans.
package telemetry

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Shutdown flushes and stops the provider.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Setup writes spans as JSON to w. When enabled is false the global no-op
// provider is left in place.
func Setup(ctx context.Context, serviceName, version string, w io.Writer, enabled bool) (Shutdown, error) {
	if !enabled {
		return noop, nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return noop, err
	}
	return Install(ctx, serviceName, version, exporter)
}

// Install registers exporter behind a synchronous span processor.
func Install(ctx context.Context, serviceName, version string, exporter sdktrace.SpanExporter) (Shutdown, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version),
	))
	if err != nil {
		return noop, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
