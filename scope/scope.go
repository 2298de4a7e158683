// Package scope carries caller identity (actor and tenant) through
// context.Context.
//
// Commands record the acting user and tenant on their envelope; the scope
// middleware restores them into the context so step handlers and
// extensions see the same identity as the original caller.
package scope

import (
	"context"
	"slices"
)

// SystemSubject is the reserved subject for engine-internal actions
// (scheduler fires, outcome recording, crash resume). System actors
// bypass definition policy checks.
const SystemSubject = "system"

// Actor identifies the caller of a command.
type Actor struct {
	// Subject is the authenticated user or service ID.
	Subject string `json:"subject"`

	// Roles the actor holds ambiently (beyond per-workflow grants).
	Roles []string `json:"roles,omitempty"`

	// AppID scopes to a tenant application.
	AppID string `json:"app_id,omitempty"`

	// OrgID scopes to a tenant organization.
	OrgID string `json:"org_id,omitempty"`
}

// System returns the engine-internal actor.
func System() Actor {
	return Actor{Subject: SystemSubject}
}

// IsSystem reports whether this actor is the engine itself.
func (a Actor) IsSystem() bool { return a.Subject == SystemSubject }

// HasRole reports whether the actor ambiently holds the given role.
func (a Actor) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

type ctxKey struct{}

// WithActor attaches an actor to the context.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// ActorFrom extracts the actor from the context.
// The second return is false if no actor is present.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(Actor)
	return a, ok
}

// Capture extracts the actor's tenant identifiers from the context.
// Returns empty strings if no actor is present.
func Capture(ctx context.Context) (appID, orgID string) {
	a, ok := ActorFrom(ctx)
	if !ok {
		return "", ""
	}
	return a.AppID, a.OrgID
}

// Restore attaches an actor rebuilt from persisted fields to the context.
// If the subject is empty, the context is returned unchanged.
func Restore(ctx context.Context, subject string, roles []string, appID, orgID string) context.Context {
	if subject == "" {
		return ctx
	}
	return WithActor(ctx, Actor{Subject: subject, Roles: roles, AppID: appID, OrgID: orgID})
}
