// Package tracing wraps OpenTelemetry so callers can open spans without
// checking whether tracing was turned on.
package tracing

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/amirimatin/go-raft"

var enabled atomic.Bool

// Setup installs a stdout exporter as the global tracer provider when
// enable is set. The returned function flushes and shuts it down.
func Setup(enable bool) (func(context.Context) error, error) {
	enabled.Store(false)
	if !enable {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", "raft"))),
	)
	otel.SetTracerProvider(tp)
	enabled.Store(true)
	return func(ctx context.Context) error {
		enabled.Store(false)
		return tp.Shutdown(ctx)
	}, nil
}

// StartSpan starts a span when tracing is enabled and returns ctx unchanged
// otherwise.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func()) {
	if !enabled.Load() {
		return ctx, func() {}
	}
	ctx, span := otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func() { span.End() }
}

// StartNodeSpan is StartSpan with the node id and term recorded.
func StartNodeSpan(ctx context.Context, name, nodeID string, term uint64) (context.Context, func()) {
	return StartSpan(ctx, name, attribute.String("raft.node", nodeID), attribute.Int64("raft.term", int64(term)))
}
