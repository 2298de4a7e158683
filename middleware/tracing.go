package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluvius-io/fluvius-interim/command"
)

// tracerName is the instrumentation scope name for engine tracing.
const tracerName = "github.com/fluvius-io/fluvius-interim"

// Tracing returns middleware that runs each command inside an
// OpenTelemetry span named "riparius.command.execute". Attributes record
// the command name, workflow ID, actor, and tenancy scope; a failed
// command sets the span status to codes.Error. Without a global
// TracerProvider the span is a noop.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer is Tracing bound to an explicit tracer, for tests or
// setups with more than one TracerProvider.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, env *command.Envelope, next Handler) error {
		ctx, span := tracer.Start(ctx, "riparius.command.execute",
			trace.WithAttributes(
				attribute.String("riparius.command", env.Name),
				attribute.String("riparius.workflow.id", env.WorkflowID.String()),
				attribute.String("riparius.actor", env.Actor.Subject),
				attribute.String("riparius.scope.app_id", env.Actor.AppID),
				attribute.String("riparius.scope.org_id", env.Actor.OrgID),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		span.SetStatus(codes.Ok, "")
		return nil
	}
}
