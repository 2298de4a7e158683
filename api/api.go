// Package api exposes the engine's command and query surface over HTTP.
//
// Command endpoints accept a JSON body that doubles as the command
// payload; an optional "expected_version" field carries the optimistic
// concurrency token. Errors map onto the sentinel taxonomy: validation
// failures are 422, version and state conflicts 409, missing entities
// 404, authorization failures 403.
//
// The API trusts its transport. Actor identity is resolved by the
// configured AuthFunc; the default reads X-Riparius-Subject and
// X-Riparius-Roles headers and falls back to the system actor, which
// suits deployments where the API sits behind a gateway that has
// already authenticated the caller.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/engine"
	"github.com/fluvius-io/fluvius-interim/scope"
)

// AuthFunc resolves the acting identity of an HTTP request.
type AuthFunc func(r *http.Request) (scope.Actor, error)

// API wires the engine's commands and queries into a mux router.
type API struct {
	eng    *engine.Engine
	logger *slog.Logger
	auth   AuthFunc
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithAuth replaces the default header-based actor resolution.
func WithAuth(fn AuthFunc) Option {
	return func(a *API) { a.auth = fn }
}

// New creates an API from an engine.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{
		eng:    eng,
		logger: slog.Default(),
		auth:   headerAuth,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	r := mux.NewRouter()
	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts every endpoint under /v1 on the given router.
func (a *API) RegisterRoutes(r *mux.Router) {
	v1 := r.PathPrefix("/v1").Subrouter()

	// Workflow commands.
	v1.HandleFunc("/workflows", a.createWorkflow).Methods(http.MethodPost)
	v1.HandleFunc("/workflows/{workflowId}", a.updateWorkflow).Methods(http.MethodPatch)
	v1.HandleFunc("/workflows/{workflowId}/start", a.startWorkflow).Methods(http.MethodPost)
	v1.HandleFunc("/workflows/{workflowId}/cancel", a.cancelWorkflow).Methods(http.MethodPost)
	v1.HandleFunc("/workflows/{workflowId}/abort", a.abortWorkflow).Methods(http.MethodPost)

	// Participants.
	v1.HandleFunc("/workflows/{workflowId}/participants", a.addParticipant).Methods(http.MethodPost)
	v1.HandleFunc("/workflows/{workflowId}/participants", a.removeParticipant).Methods(http.MethodDelete)
	v1.HandleFunc("/workflows/{workflowId}/roles", a.addRole).Methods(http.MethodPost)
	v1.HandleFunc("/workflows/{workflowId}/roles", a.removeRole).Methods(http.MethodDelete)

	// Steps.
	v1.HandleFunc("/workflows/{workflowId}/steps/{stepId}/ignore", a.ignoreStep).Methods(http.MethodPost)
	v1.HandleFunc("/workflows/{workflowId}/steps/{stepId}/cancel", a.cancelStep).Methods(http.MethodPost)
	v1.HandleFunc("/workflows/{workflowId}/steps/{stepId}/activity", a.processActivity).Methods(http.MethodPost)

	// Event and trigger intake.
	v1.HandleFunc("/events", a.injectEvent).Methods(http.MethodPost)
	v1.HandleFunc("/workflows/{workflowId}/events", a.injectWorkflowEvent).Methods(http.MethodPost)
	v1.HandleFunc("/triggers", a.sendTrigger).Methods(http.MethodPost)

	// Queries.
	v1.HandleFunc("/workflows", a.listWorkflows).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/{workflowId}", a.getWorkflow).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/{workflowId}/view", a.getWorkflowView).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/{workflowId}/steps", a.listSteps).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/{workflowId}/stages", a.listStages).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/{workflowId}/participants", a.listParticipants).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/{workflowId}/events", a.listEvents).Methods(http.MethodGet)
	v1.HandleFunc("/definitions", a.listDefinitions).Methods(http.MethodGet)

	// Dead letters.
	v1.HandleFunc("/deadletters", a.listDeadLetters).Methods(http.MethodGet)
	v1.HandleFunc("/deadletters/count", a.countDeadLetters).Methods(http.MethodGet)
	v1.HandleFunc("/deadletters/{entryId}", a.getDeadLetter).Methods(http.MethodGet)
	v1.HandleFunc("/deadletters/{entryId}/replay", a.replayDeadLetter).Methods(http.MethodPost)
	v1.HandleFunc("/deadletters/purge", a.purgeDeadLetters).Methods(http.MethodPost)

	// Stats.
	v1.HandleFunc("/stats", a.stats).Methods(http.MethodGet)
}

// headerAuth is the default AuthFunc. A request without a subject
// header acts as the system actor.
func headerAuth(r *http.Request) (scope.Actor, error) {
	subject := r.Header.Get("X-Riparius-Subject")
	if subject == "" {
		return scope.System(), nil
	}
	actor := scope.Actor{
		Subject: subject,
		AppID:   r.Header.Get("X-Riparius-App"),
		OrgID:   r.Header.Get("X-Riparius-Org"),
	}
	if roles := r.Header.Get("X-Riparius-Roles"); roles != "" {
		for _, role := range strings.Split(roles, ",") {
			if role = strings.TrimSpace(role); role != "" {
				actor.Roles = append(actor.Roles, role)
			}
		}
	}
	return actor, nil
}

// ── Response helpers ────────────────────────────────

type errorResponse struct {
	Error   string                `json:"error"`
	Code    string                `json:"code"`
	Details []riparius.FieldError `json:"details,omitempty"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("api: encode response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	resp := errorResponse{Error: err.Error(), Code: code}
	var verr *riparius.ValidationError
	if errors.As(err, &verr) {
		resp.Details = verr.Fields
	}
	if status >= http.StatusInternalServerError {
		a.logger.Error("api: request failed", "error", err)
	}
	a.writeJSON(w, status, resp)
}

// statusFor maps the sentinel taxonomy onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, riparius.ErrValidation):
		return http.StatusUnprocessableEntity, "validation_failed"
	case errors.Is(err, riparius.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, riparius.ErrWorkflowNotFound),
		errors.Is(err, riparius.ErrStepNotFound),
		errors.Is(err, riparius.ErrStageNotFound),
		errors.Is(err, riparius.ErrParticipantNotFound),
		errors.Is(err, riparius.ErrDefinitionNotFound),
		errors.Is(err, riparius.ErrTriggerNotFound),
		errors.Is(err, riparius.ErrEventNotFound),
		errors.Is(err, riparius.ErrDeadLetterNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, riparius.ErrVersionConflict),
		errors.Is(err, riparius.ErrWorkflowExists),
		errors.Is(err, riparius.ErrDuplicateParticipant),
		errors.Is(err, riparius.ErrDuplicateTrigger),
		errors.Is(err, riparius.ErrWorkflowTerminal),
		errors.Is(err, riparius.ErrWorkflowNotRunning),
		errors.Is(err, riparius.ErrInvalidTransition),
		errors.Is(err, riparius.ErrStepTerminal):
		return http.StatusConflict, "conflict"
	case errors.Is(err, riparius.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

var (
	errBadRequest      = errors.New("api: bad request")
	errUnauthenticated = errors.New("api: unauthenticated")
)
