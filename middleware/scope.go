package middleware

import (
	"context"

	"github.com/fluvius-io/fluvius-interim/command"
	"github.com/fluvius-io/fluvius-interim/scope"
)

// Scope returns middleware that restores the envelope's actor into the
// context. This ensures the aggregate's authorization checks and event
// stamping see the same actor the surface authenticated, regardless of
// how many layers the command crossed in between.
func Scope() Middleware {
	return func(ctx context.Context, env *command.Envelope, next Handler) error {
		ctx = scope.Restore(ctx, env.Actor.Subject, env.Actor.Roles, env.Actor.AppID, env.Actor.OrgID)
		return next(ctx)
	}
}
