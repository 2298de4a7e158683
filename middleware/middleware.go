// Package middleware provides composable middleware for command
// execution. Middleware wraps the command handler synchronously and can
// modify execution (recover from panics, restore the actor scope, log,
// add tracing, etc.).
package middleware

import (
	"context"

	"github.com/fluvius-io/fluvius-interim/command"
)

// Handler is the terminal function that executes the command logic.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// current context, the command envelope being executed, and the next
// handler to call. A middleware that does not call next short-circuits
// the rest of the chain.
type Middleware func(ctx context.Context, env *command.Envelope, next Handler) error

// Chain folds multiple middleware into one. The first middleware in the
// list becomes the outermost wrapper, so Chain(logging, recover, scope)
// runs as:
//
//	logging → recover → scope → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, env *command.Envelope, next Handler) error {
		h := next
		// Wrap from the innermost middleware outwards.
		for i := len(mws) - 1; i >= 0; i-- {
			h = wrap(mws[i], env, h)
		}
		return h(ctx)
	}
}

// wrap binds one middleware to its envelope and successor.
func wrap(mw Middleware, env *command.Envelope, next Handler) Handler {
	return func(ctx context.Context) error {
		return mw(ctx, env, next)
	}
}
