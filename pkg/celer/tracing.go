package celer

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope name used for client spans.
const TracerName = "celer"

var tracePropagator = propagation.TraceContext{}

// startSpan opens a client span for req and injects the trace context into
// its headers so the server can join the trace. A nil span is returned when
// tracing is disabled.
func (c *Conn) startSpan(ctx context.Context, req *http.Request) (context.Context, trace.Span) {
	if !c.cfg.EnableTracing {
		return ctx, nil
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	ctx, span := otel.Tracer(TracerName).Start(ctx, "HTTP "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.full", req.URL.String()),
			attribute.String("server.address", req.URL.Host),
		),
	)
	tracePropagator.Inject(ctx, headerCarrier(req.Header))
	return ctx, span
}

func endSpanOK(span trace.Span, status int) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.Int("http.response.status_code", status))
	if status >= 500 {
		span.SetStatus(codes.Error, http.StatusText(status))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func endSpanError(span trace.Span, err error) {
	if span == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.End()
}

// headerCarrier adapts http.Header to the OpenTelemetry TextMapCarrier
// interface for context propagation.
type headerCarrier http.Header

func (hc headerCarrier) Get(key string) string {
	return http.Header(hc).Get(key)
}

func (hc headerCarrier) Set(key, value string) {
	http.Header(hc).Set(key, value)
}

func (hc headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc))
	for k := range hc {
		keys = append(keys, k)
	}
	return keys
}
