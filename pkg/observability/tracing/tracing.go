package tracing

import (
    "context"
    "sync/atomic"

    "go.opentelemetry.io/otel"
    "go.opentelemetry.io/otel/attribute"
    "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
    sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const tracerName = "go-snapshot"

var enabled atomic.Bool

// Setup configures a global stdout tracer provider when enable=true.
// It returns a shutdown function which should be deferred.
func Setup(enable bool) (func(context.Context) error, error) {
    enabled.Store(enable)
    if !enable {
        return func(context.Context) error { return nil }, nil
    }
    exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
    if err != nil {
        return nil, err
    }
    tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
    otel.SetTracerProvider(tp)
    return tp.Shutdown, nil
}

// SetupExporter installs exp synchronously, e.g. an in-memory exporter in tests.
func SetupExporter(exp sdktrace.SpanExporter) func(context.Context) error {
    tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
    otel.SetTracerProvider(tp)
    enabled.Store(true)
    return func(ctx context.Context) error {
        enabled.Store(false)
        return tp.Shutdown(ctx)
    }
}

// StartSpan starts a tracing span if tracing is enabled. kv is an optional
// list of string key/value pairs attached as attributes.
func StartSpan(ctx context.Context, name string, kv ...string) (context.Context, func()) {
    if !enabled.Load() {
        return ctx, func() {}
    }
    ctx, span := otel.Tracer(tracerName).Start(ctx, name)
    if len(kv) > 1 {
        attrs := make([]attribute.KeyValue, 0, len(kv)/2)
        for i := 0; i+1 < len(kv); i += 2 {
            attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
        }
        span.SetAttributes(attrs...)
    }
    return ctx, func() { span.End() }
}
