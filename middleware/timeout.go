package middleware

import (
	"context"
	"log/slog"

	"github.com/fluvius-io/fluvius-interim/command"
)

// Timeout returns middleware that enforces a per-command deadline. If
// the envelope carries a non-zero Timeout, a context.WithTimeout wraps
// the handler call. When the deadline is exceeded the context is
// cancelled and the handler should return context.DeadlineExceeded.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, env *command.Envelope, next Handler) error {
		if env.Timeout > 0 {
			logger.Debug("command timeout set",
				slog.String("command", env.Name),
				slog.Duration("timeout", env.Timeout),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, env.Timeout)
			defer cancel()
		}
		return next(ctx)
	}
}
