// Package tracing provides OpenTelemetry span helpers exported to
// Jaeger. The Sync Manager opens a span around Push; subscribe,
// request-sync and remote apply are not traced.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope every StartSpan call draws
// its tracer from.
const tracerName = "github.com/synckit/synckit"

// InitTracer builds and installs a global TracerProvider exporting to
// the given Jaeger collector endpoint. The provider is returned even
// when the endpoint is unreachable; connection errors only surface when
// spans are actually exported, not at construction time.
func InitTracer(serviceName, jaegerEndpoint string) (*sdktrace.TracerProvider, error) {
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)))
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// StartSpan starts a span named name under the global TracerProvider's
// tracer, attaching attrs, and returns the derived context and span. The
// caller is responsible for calling span.End().
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
