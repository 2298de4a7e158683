package middleware

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/command"
)

// meterName is the instrumentation scope name for engine metrics.
const meterName = "github.com/fluvius-io/fluvius-interim"

// Metrics returns middleware that records two instruments per command:
//
//   - riparius.command.duration (Float64Histogram, seconds)
//   - riparius.command.executions (Int64Counter)
//
// Both carry command and status attributes, where status is "ok",
// "conflict" for a version mismatch the caller retries, or "error".
// The instruments come from the global OTel MeterProvider; without one
// configured they are noops and the middleware costs nothing.
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter is Metrics bound to an explicit meter, for tests or
// setups with more than one MeterProvider.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// Instruments are created once here and shared by every invocation;
	// the OTel API hands back noop instruments on error, so the error
	// values need no handling.
	duration, dErr := meter.Float64Histogram(
		"riparius.command.duration",
		metric.WithDescription("Duration of command execution in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr

	executions, eErr := meter.Int64Counter(
		"riparius.command.executions",
		metric.WithDescription("Total number of command executions"),
		metric.WithUnit("{execution}"),
	)
	_ = eErr

	return func(ctx context.Context, env *command.Envelope, next Handler) error {
		start := time.Now()
		err := next(ctx)

		status := "ok"
		switch {
		case errors.Is(err, riparius.ErrVersionConflict):
			status = "conflict"
		case err != nil:
			status = "error"
		}

		attrs := metric.WithAttributes(
			attribute.String("command", env.Name),
			attribute.String("status", status),
		)
		duration.Record(ctx, time.Since(start).Seconds(), attrs)
		executions.Add(ctx, 1, attrs)

		return err
	}
}
