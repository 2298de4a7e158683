// Package middleware provides composable middleware for command
// execution.
//
// A [Middleware] wraps the command handler. [Chain] folds a slice of
// middleware into one, applied right-to-left so the first entry is the
// outermost wrapper:
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// The built-in middleware are:
//
//   - [Logging] — logs command name, target, duration, and outcome
//   - [Recover] — catches panics and converts them to errors
//   - [Timeout] — cancels the command context after the envelope deadline
//   - [Tracing] — wraps execution in an OpenTelemetry span
//   - [Metrics] — records per-command duration and outcome counters
//   - [Scope] — restores the envelope's actor into the context
//
// Custom middleware follow the same shape:
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, env *command.Envelope, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
//
// A middleware that returns without calling next short-circuits the rest
// of the chain, which is how authorization denials and rate limits reject
// a command.
package middleware
