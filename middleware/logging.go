package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/fluvius-io/fluvius-interim/command"
)

// Logging returns middleware that logs each command's start and outcome
// with the envelope's name, target workflow, and actor.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, env *command.Envelope, next Handler) error {
		logger.Info("command started",
			slog.String("command", env.Name),
			slog.String("workflow_id", env.WorkflowID.String()),
			slog.String("actor", env.Actor.Subject),
		)

		start := time.Now()
		err := next(ctx)

		attrs := []any{
			slog.String("command", env.Name),
			slog.String("workflow_id", env.WorkflowID.String()),
			slog.Duration("elapsed", time.Since(start)),
		}
		if err != nil {
			logger.Error("command failed", append(attrs, slog.String("error", err.Error()))...)
		} else {
			logger.Info("command completed", attrs...)
		}

		return err
	}
}
