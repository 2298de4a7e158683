package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/fluvius-io/fluvius-interim/command"
)

// Recover returns middleware that turns a panic anywhere below it in the
// chain into an ordinary error, logging the stack trace. A panicking
// command must not bring down the dispatcher goroutine.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, env *command.Envelope, next Handler) (retErr error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			logger.Error("command handler panicked",
				slog.String("command", env.Name),
				slog.String("workflow_id", env.WorkflowID.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			retErr = fmt.Errorf("panic in command %s: %v", env.Name, r)
		}()
		return next(ctx)
	}
}
