package llm

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer uses the global provider; spans are no-ops until the process
// installs an SDK provider.
var tracer = otel.Tracer("github.com/nugget/todogate/internal/llm")

func startSpan(ctx context.Context, provider, op, model string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "llm."+provider+"."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", model),
		))
}

func endSpan(span trace.Span, reply *Reply, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, KindOf(err).String())
		var e *Error
		if errors.As(err, &e) && e.Status != 0 {
			span.SetAttributes(attribute.Int("http.response.status_code", e.Status))
		}
	} else if reply != nil {
		span.SetAttributes(
			attribute.Int("llm.usage.input_tokens", reply.InputTokens),
			attribute.Int("llm.usage.output_tokens", reply.OutputTokens),
		)
	}
	span.End()
}
