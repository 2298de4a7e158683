package step

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	riparius "github.com/fluvius-io/fluvius-interim"
)

// HandlerFunc is a type-erased step handler. The typed Definition[T] is
// converted to a HandlerFunc at registration time by closing over JSON
// unmarshal + the typed handler.
type HandlerFunc func(ctx context.Context, sc *Context) (*Outcome, error)

// Definition is a typed step handler bound to a handler name. T is the
// node params type (must be JSON-serializable).
type Definition[T any] struct {
	// Name matches the handler field of step nodes in workflow
	// definitions.
	Name string

	// Handler runs the step. Params is the node's params block decoded
	// into T.
	Handler func(ctx context.Context, sc *Context, params T) (*Outcome, error)
}

// NewDefinition creates a typed step definition.
func NewDefinition[T any](name string, handler func(ctx context.Context, sc *Context, params T) (*Outcome, error)) *Definition[T] {
	return &Definition[T]{Name: name, Handler: handler}
}

// Registry maps handler names to type-erased step handlers.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty step registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
	}
}

// RegisterDefinition registers a typed step definition. The generic
// handler is wrapped in a closure that JSON-unmarshals the node params
// into T before calling the typed handler.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	handler := func(ctx context.Context, sc *Context) (*Outcome, error) {
		var t T
		if len(sc.Params) > 0 {
			if err := json.Unmarshal(sc.Params, &t); err != nil {
				return nil, fmt.Errorf("unmarshal params for handler %q: %w", def.Name, err)
			}
		}
		return def.Handler(ctx, sc, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[def.Name] = handler
}

// Register registers an untyped handler under the given name. Handlers
// that do not care about node params can skip the typed path.
func (r *Registry) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// Get returns the handler for the given name.
// Returns false if no handler is registered.
func (r *Registry) Get(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Resolve returns the handler for the given name or ErrHandlerNotFound.
func (r *Registry) Resolve(name string) (HandlerFunc, error) {
	if h, ok := r.Get(name); ok {
		return h, nil
	}
	return nil, fmt.Errorf("%w: %s", riparius.ErrHandlerNotFound, name)
}

// Names returns all registered handler names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
