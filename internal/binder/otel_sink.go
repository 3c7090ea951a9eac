package binder

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/invoketrace/invoketrace/internal/record"
)

// OTelSink exports each finalized record as an OpenTelemetry span carrying
// the invocation's own identity and timing. The span is created at emit
// time with explicit timestamps, so the exported interval is exactly the
// record's StartedAt..CompletedAt window.
type OTelSink struct {
	Tracer oteltrace.Tracer
}

func (s OTelSink) Emit(ctx context.Context, rec *record.Record) {
	if s.Tracer == nil || rec == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("invocation.record_id", rec.ID),
		attribute.String("invocation.id", rec.InvocationID),
		attribute.String("invocation.function_id", rec.FunctionID),
	}
	if rec.Provider != "" {
		attrs = append(attrs, attribute.String("invocation.provider", rec.Provider))
	}
	if rec.Model != "" {
		attrs = append(attrs, attribute.String("invocation.model", rec.Model))
	}
	if rec.TotalTokens > 0 {
		attrs = append(attrs,
			attribute.Int("invocation.input_tokens", rec.InputTokens),
			attribute.Int("invocation.output_tokens", rec.OutputTokens),
			attribute.Int("invocation.total_tokens", rec.TotalTokens),
		)
	}

	_, span := s.Tracer.Start(ctx, rec.FunctionID,
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithTimestamp(rec.StartedAt),
		oteltrace.WithAttributes(attrs...),
	)
	if rec.Error != "" {
		span.SetStatus(codes.Error, rec.Error)
	}
	span.End(oteltrace.WithTimestamp(rec.CompletedAt))
}
