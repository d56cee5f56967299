// Package telemetry wraps OpenTelemetry tracing behind a small set of
// free functions so engine components never import the otel SDK
// directly. A process-wide TracerProvider is installed once via Init;
// everything else reads the span from context the way the rest of the
// otel ecosystem does.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/relaymesh/reactor"

// Init installs a process-wide TracerProvider built from opts. With no
// options the provider has no span processor, so spans are not exported
// anywhere (InitRecorder installs an in-memory recorder instead);
// swapping in an OTLP exporter only means constructing a different
// sdktrace.TracerProviderOption and passing it here.
func Init(opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp
}

// InitRecorder wires a TracerProvider backed by an in-memory span
// recorder and returns both, useful for tests and for local runs where
// shipping to a collector is out of scope.
func InitRecorder() (*sdktrace.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	return tp, recorder
}

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span named name as a child of any span already
// present in ctx, returning the derived context and the span handle.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// AddSpanEvent records a named event on the span carried by ctx. Safe to
// call when ctx carries no span or the span is not being recorded.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// SetSpanAttributes attaches attrs to the span carried by ctx.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordSpanError marks the span carried by ctx as failed and attaches
// err as an exception event.
func RecordSpanError(ctx context.Context, err error) {
	if ctx == nil || err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// EndSpan ends span, marking it Ok unless err is non-nil, in which case
// RecordSpanError-equivalent information is attached first.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
