package wire_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fluvius-io/fluvius-interim/wire"
)

func TestAPIKeyAuthenticator(t *testing.T) {
	auth := wire.NewAPIKeyAuthenticator(wire.APIKeyEntry{
		Token: "secret-key",
		Identity: wire.Identity{
			Subject: "svc-billing",
			Scopes:  []string{wire.ScopeWorkflowRead},
		},
	})

	identity, err := auth.Authenticate(context.Background(), "secret-key")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if identity.Subject != "svc-billing" {
		t.Errorf("Subject = %q", identity.Subject)
	}

	if _, err := auth.Authenticate(context.Background(), "wrong-key"); !errors.Is(err, wire.ErrUnauthorized) {
		t.Errorf("wrong key: err = %v, want ErrUnauthorized", err)
	}
}

func signToken(t *testing.T, secret []byte, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestJWTAuthenticator(t *testing.T) {
	secret := []byte("test-hmac-secret")
	auth := wire.NewJWTAuthenticator(secret)

	type customClaims struct {
		jwt.RegisteredClaims
		Roles  []string `json:"roles,omitempty"`
		Scopes []string `json:"scopes,omitempty"`
		AppID  string   `json:"app_id,omitempty"`
	}

	token := signToken(t, secret, customClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles:  []string{"approver"},
		Scopes: []string{wire.ScopeWorkflowWrite},
		AppID:  "app-1",
	})

	identity, err := auth.Authenticate(context.Background(), "Bearer "+token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if identity.Subject != "alice" {
		t.Errorf("Subject = %q", identity.Subject)
	}
	if len(identity.Roles) != 1 || identity.Roles[0] != "approver" {
		t.Errorf("Roles = %v", identity.Roles)
	}
	if identity.AppID != "app-1" {
		t.Errorf("AppID = %q", identity.AppID)
	}
	if !identity.HasScope(wire.ScopeWorkflowWrite) {
		t.Error("missing granted scope")
	}
	if identity.HasScope(wire.ScopeAdmin) {
		t.Error("admin scope should not be granted")
	}
}

func TestJWTAuthenticatorRejections(t *testing.T) {
	secret := []byte("test-hmac-secret")

	expired := signToken(t, secret, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	wrongSecret := signToken(t, []byte("other-secret"), jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	noSubject := signToken(t, secret, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	wrongIssuer := signToken(t, secret, jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "someone-else",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	tests := []struct {
		name  string
		auth  *wire.JWTAuthenticator
		token string
	}{
		{"garbage", wire.NewJWTAuthenticator(secret), "not-a-jwt"},
		{"expired", wire.NewJWTAuthenticator(secret), expired},
		{"wrong secret", wire.NewJWTAuthenticator(secret), wrongSecret},
		{"no subject", wire.NewJWTAuthenticator(secret), noSubject},
		{"wrong issuer", wire.NewJWTAuthenticator(secret, wire.WithIssuer("riparius")), wrongIssuer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.auth.Authenticate(context.Background(), tt.token); !errors.Is(err, wire.ErrUnauthorized) {
				t.Errorf("err = %v, want ErrUnauthorized", err)
			}
		})
	}
}

func TestCompositeAuthenticator(t *testing.T) {
	apiKeys := wire.NewAPIKeyAuthenticator(wire.APIKeyEntry{
		Token:    "static-key",
		Identity: wire.Identity{Subject: "svc-reporting"},
	})
	secret := []byte("composite-secret")
	composite := wire.NewCompositeAuthenticator(apiKeys, wire.NewJWTAuthenticator(secret))

	if identity, err := composite.Authenticate(context.Background(), "static-key"); err != nil || identity.Subject != "svc-reporting" {
		t.Errorf("api key path: identity=%v err=%v", identity, err)
	}

	token := signToken(t, secret, jwt.RegisteredClaims{
		Subject:   "bob",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if identity, err := composite.Authenticate(context.Background(), token); err != nil || identity.Subject != "bob" {
		t.Errorf("jwt path: identity=%v err=%v", identity, err)
	}

	if _, err := composite.Authenticate(context.Background(), "nope"); !errors.Is(err, wire.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestIdentityActor(t *testing.T) {
	identity := &wire.Identity{
		Subject: "alice",
		Roles:   []string{"requester"},
		AppID:   "app-1",
		OrgID:   "org-1",
	}
	actor := identity.Actor()
	if actor.Subject != "alice" || actor.AppID != "app-1" || actor.OrgID != "org-1" {
		t.Errorf("actor = %+v", actor)
	}
	if len(actor.Roles) != 1 || actor.Roles[0] != "requester" {
		t.Errorf("roles = %v", actor.Roles)
	}
}

func TestHasScopeWildcard(t *testing.T) {
	identity := &wire.Identity{Scopes: []string{"*"}}
	if !identity.HasScope(wire.ScopeAdmin) || !identity.HasScope(wire.ScopeWorkflowWrite) {
		t.Error("wildcard should grant every scope")
	}
}

func TestRequiredScope(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{wire.MethodAuth, ""},
		{wire.MethodWorkflowGet, wire.ScopeWorkflowRead},
		{wire.MethodWorkflowList, wire.ScopeWorkflowRead},
		{wire.MethodWorkflowCreate, wire.ScopeWorkflowWrite},
		{wire.MethodWorkflowCancel, wire.ScopeWorkflowWrite},
		{wire.MethodParticipantAdd, wire.ScopeWorkflowWrite},
		{wire.MethodRoleRemove, wire.ScopeWorkflowWrite},
		{wire.MethodStepIgnore, wire.ScopeWorkflowWrite},
		{wire.MethodActivityProcess, wire.ScopeWorkflowWrite},
		{wire.MethodEventInject, wire.ScopeEventWrite},
		{wire.MethodTriggerSend, wire.ScopeTriggerWrite},
		{wire.MethodSubscribe, wire.ScopeSubscribe},
		{wire.MethodUnsubscribe, wire.ScopeSubscribe},
		{wire.MethodDeadLetterList, wire.ScopeDeadLetterRead},
		{wire.MethodDeadLetterReplay, wire.ScopeDeadLetterWrite},
		{wire.MethodStats, wire.ScopeStatsRead},
		{"mystery.method", wire.ScopeAdmin},
	}
	for _, tt := range tests {
		if got := wire.RequiredScope(tt.method); got != tt.want {
			t.Errorf("RequiredScope(%q) = %q, want %q", tt.method, got, tt.want)
		}
	}
}
