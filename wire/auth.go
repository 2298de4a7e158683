package wire

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fluvius-io/fluvius-interim/scope"
)

// Identity represents an authenticated caller.
type Identity struct {
	// Subject is the authenticated user or service ID.
	Subject string `json:"subject"`

	// Roles feed workflow definition policies.
	Roles []string `json:"roles,omitempty"`

	// Scopes define which wire methods are permitted.
	// Examples: "workflow:write", "subscribe", "admin", "*".
	Scopes []string `json:"scopes,omitempty"`

	// AppID scopes to a tenant application.
	AppID string `json:"app_id,omitempty"`

	// OrgID scopes to a tenant organization.
	OrgID string `json:"org_id,omitempty"`
}

// HasScope reports whether the identity holds the given scope. A
// wildcard "*" scope grants everything.
func (id *Identity) HasScope(s string) bool {
	for _, have := range id.Scopes {
		if have == "*" || have == s {
			return true
		}
	}
	return false
}

// Actor converts the identity into the command actor the engine
// authorizes against.
func (id *Identity) Actor() scope.Actor {
	return scope.Actor{
		Subject: id.Subject,
		Roles:   id.Roles,
		AppID:   id.AppID,
		OrgID:   id.OrgID,
	}
}

// Authenticator validates credentials and returns an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// ErrUnauthorized indicates authentication failure.
var ErrUnauthorized = errors.New("wire: unauthorized")

// ── API key authenticator ───────────────────────────

// APIKeyEntry maps a static token to an identity.
type APIKeyEntry struct {
	Token    string
	Identity Identity
}

// APIKeyAuthenticator validates API keys against a static list.
type APIKeyAuthenticator struct {
	keys map[string]*Identity
}

// NewAPIKeyAuthenticator creates an API key authenticator.
func NewAPIKeyAuthenticator(entries ...APIKeyEntry) *APIKeyAuthenticator {
	keys := make(map[string]*Identity, len(entries))
	for _, e := range entries {
		identity := e.Identity
		keys[e.Token] = &identity
	}
	return &APIKeyAuthenticator{keys: keys}
}

func (a *APIKeyAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	identity, ok := a.keys[token]
	if !ok {
		return nil, ErrUnauthorized
	}
	return identity, nil
}

// ── JWT authenticator ───────────────────────────────

// JWTAuthenticator validates HMAC-signed bearer tokens. Identity comes
// from the registered "sub" claim plus the custom "roles", "scopes",
// "app_id", and "org_id" claims.
type JWTAuthenticator struct {
	secret   []byte
	issuer   string
	audience string
}

// JWTOption configures a JWTAuthenticator.
type JWTOption func(*JWTAuthenticator)

// WithIssuer requires the iss claim to match.
func WithIssuer(iss string) JWTOption {
	return func(a *JWTAuthenticator) { a.issuer = iss }
}

// WithAudience requires the aud claim to contain the value.
func WithAudience(aud string) JWTOption {
	return func(a *JWTAuthenticator) { a.audience = aud }
}

// NewJWTAuthenticator creates a JWT authenticator with an HMAC secret.
func NewJWTAuthenticator(secret []byte, opts ...JWTOption) *JWTAuthenticator {
	a := &JWTAuthenticator{secret: secret}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type wireClaims struct {
	jwt.RegisteredClaims
	Roles  []string `json:"roles,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
	AppID  string   `json:"app_id,omitempty"`
	OrgID  string   `json:"org_id,omitempty"`
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	token = strings.TrimPrefix(token, "Bearer ")

	parseOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if a.issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(a.audience))
	}

	var claims wireClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, parseOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrUnauthorized
	}

	return &Identity{
		Subject: claims.Subject,
		Roles:   claims.Roles,
		Scopes:  claims.Scopes,
		AppID:   claims.AppID,
		OrgID:   claims.OrgID,
	}, nil
}

// ── No-op authenticator ─────────────────────────────

// NoopAuthenticator accepts all tokens with a wildcard identity. Use
// for development only.
type NoopAuthenticator struct{}

func (a *NoopAuthenticator) Authenticate(_ context.Context, _ string) (*Identity, error) {
	return &Identity{
		Subject: "anonymous",
		Scopes:  []string{"*"},
	}, nil
}

// ── Composite authenticator ─────────────────────────

// CompositeAuthenticator tries multiple authenticators in order. The
// first successful authentication wins.
type CompositeAuthenticator struct {
	authenticators []Authenticator
}

// NewCompositeAuthenticator chains multiple authenticators.
func NewCompositeAuthenticator(auths ...Authenticator) *CompositeAuthenticator {
	return &CompositeAuthenticator{authenticators: auths}
}

func (c *CompositeAuthenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	for _, auth := range c.authenticators {
		identity, err := auth.Authenticate(ctx, token)
		if err == nil {
			return identity, nil
		}
	}
	return nil, ErrUnauthorized
}

// ── Scope constants ─────────────────────────────────

const (
	ScopeWorkflowRead    = "workflow:read"
	ScopeWorkflowWrite   = "workflow:write"
	ScopeEventWrite      = "event:write"
	ScopeTriggerWrite    = "trigger:write"
	ScopeDeadLetterRead  = "deadletter:read"
	ScopeDeadLetterWrite = "deadletter:write"
	ScopeStatsRead       = "stats:read"
	ScopeSubscribe       = "subscribe"
	ScopeAdmin           = "admin"
	ScopeAll             = "*"
)

// RequiredScope returns the minimum scope required for a wire method.
func RequiredScope(method string) string {
	switch {
	case method == MethodAuth:
		return "" // no scope needed for auth
	case method == MethodWorkflowGet,
		method == MethodWorkflowView,
		method == MethodWorkflowList,
		method == MethodWorkflowSteps,
		method == MethodWorkflowEvents,
		method == MethodWorkflowParticipants:
		return ScopeWorkflowRead
	case strings.HasPrefix(method, "workflow."),
		strings.HasPrefix(method, "participant."),
		strings.HasPrefix(method, "role."),
		strings.HasPrefix(method, "step."),
		method == MethodActivityProcess:
		return ScopeWorkflowWrite
	case method == MethodEventInject:
		return ScopeEventWrite
	case method == MethodTriggerSend:
		return ScopeTriggerWrite
	case method == MethodSubscribe, method == MethodUnsubscribe:
		return ScopeSubscribe
	case method == MethodDeadLetterList:
		return ScopeDeadLetterRead
	case method == MethodDeadLetterReplay:
		return ScopeDeadLetterWrite
	case method == MethodStats:
		return ScopeStatsRead
	default:
		return ScopeAdmin
	}
}
