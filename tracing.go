package codecks

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ambiyansyah-risyal/codecks"

type tracer struct {
	t trace.Tracer
}

func newTracer(tp trace.TracerProvider) tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tracer{t: tp.Tracer(tracerName, trace.WithInstrumentationVersion(Version))}
}

// start opens the span covering one logical call.
func (tr tracer) start(ctx context.Context, operation, handle string) (context.Context, trace.Span) {
	return tr.t.Start(ctx, "codecks."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("codecks.operation", operation),
			attribute.String("codecks.call_id", handle),
		),
	)
}

func spanAttempt(span trace.Span, attempt int, status int, err error) {
	attrs := []attribute.KeyValue{attribute.Int("attempt", attempt)}
	if status > 0 {
		attrs = append(attrs, attribute.Int("http.status_code", status))
	}
	if kind := KindOf(err); kind != "" {
		attrs = append(attrs, attribute.String("error.kind", string(kind)))
	}
	span.AddEvent("attempt", trace.WithAttributes(attrs...))
}

func spanEnd(span trace.Span, state CallState, err error) {
	span.SetAttributes(attribute.String("codecks.state", state.String()))
	if err != nil {
		span.SetStatus(codes.Error, string(KindOf(err)))
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
