package middleware

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracingName is the chain entry name of the tracing middleware, so callers
// can anchor their own middlewares around it.
const TracingName = "tracing"

// Tracing wraps each execution in an OpenTelemetry consumer span.
func Tracing(tracerName string) Func {
	tracer := otel.Tracer(tracerName)
	return func(ctx context.Context, inv *Invocation, next Next) error {
		ctx, span := tracer.Start(ctx, fmt.Sprintf("perform %s", inv.Job.Class),
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.destination", inv.Queue),
				attribute.String("job.id", inv.Job.JID),
				attribute.String("job.class", inv.Job.Class),
				attribute.Int("job.retry_count", inv.Job.Retries()),
			),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}
