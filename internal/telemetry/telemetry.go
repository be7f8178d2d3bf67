// Package telemetry configures OpenTelemetry tracing. Without configuration
// the global no-op provider stays in place.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/CZERTAINLY/Warden/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	ServiceName = "warden"
	// TracerName is the instrumentation scope of engine spans.
	TracerName = "github.com/CZERTAINLY/Warden"

	connectTimeout = 10 * time.Second
)

// Tracer returns the engine tracer of the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// Setup installs an OTLP gRPC exporter as the global tracer provider. The
// returned shutdown flushes pending spans and is never nil.
func Setup(ctx context.Context, cfg *model.Telemetry, version string) (func(context.Context) error, error) {
	nop := func(context.Context) error { return nil }
	if cfg == nil || cfg.Endpoint == "" {
		return nop, nil
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if model.Get(cfg.Insecure) {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nop, fmt.Errorf("creating otlp exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(version),
		attribute.String("service.component", "engine"),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
