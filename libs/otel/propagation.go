package otelx

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
)

// Outbox rows store the W3C header pair so the publisher can continue the
// trace of the transaction that wrote them.
var w3c = propagation.TraceContext{}

// TraceContextStrings returns the traceparent and tracestate of ctx's span,
// or empty strings when ctx carries none.
func TraceContextStrings(ctx context.Context) (traceparent, tracestate string) {
	carrier := propagation.MapCarrier{}
	w3c.Inject(ctx, carrier)
	return carrier.Get("traceparent"), carrier.Get("tracestate")
}

// ContextWithTraceContext makes the stored span the remote parent of ctx.
func ContextWithTraceContext(ctx context.Context, traceparent, tracestate string) context.Context {
	if traceparent == "" {
		return ctx
	}
	return w3c.Extract(ctx, propagation.MapCarrier{
		"traceparent": traceparent,
		"tracestate":  tracestate,
	})
}
