// Package command defines the command vocabulary of the engine: the
// kebab-case command names accepted by the API surfaces, the Envelope
// that carries a command through the middleware chain, and the typed
// payload for each command.
//
// Command names double as policy keys: a definition's Policy maps these
// names to the roles allowed to run them.
package command

import (
	"encoding/json"
	"time"

	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/scope"
)

// Command names. Every mutation enters the engine as one of these.
const (
	CreateWorkflow    = "create-workflow"
	UpdateWorkflow    = "update-workflow"
	StartWorkflow     = "start-workflow"
	CancelWorkflow    = "cancel-workflow"
	AbortWorkflow     = "abort-workflow"
	AddParticipant    = "add-participant"
	RemoveParticipant = "remove-participant"
	AddRole           = "add-role"
	RemoveRole        = "remove-role"
	InjectEvent       = "inject-event"
	SendTrigger       = "send-trigger"
	IgnoreStep        = "ignore-step"
	CancelStep        = "cancel-step"
	ProcessActivity   = "process-activity"
)

// All lists every command name, in the order they appear above.
// The API layer uses it to reject unknown commands early.
var All = []string{
	CreateWorkflow,
	UpdateWorkflow,
	StartWorkflow,
	CancelWorkflow,
	AbortWorkflow,
	AddParticipant,
	RemoveParticipant,
	AddRole,
	RemoveRole,
	InjectEvent,
	SendTrigger,
	IgnoreStep,
	CancelStep,
	ProcessActivity,
}

// Envelope carries one command through the middleware chain to the
// engine. Middleware reads it for logging, tracing, scope restoration,
// and deadlines; it never mutates the payload.
type Envelope struct {
	// Name is the kebab-case command name.
	Name string `json:"name"`

	// WorkflowID targets an existing instance. Zero for create-workflow.
	WorkflowID id.WorkflowID `json:"workflow_id,omitempty"`

	// Actor identifies the caller. The scope middleware restores it
	// into the context before the command handler runs.
	Actor scope.Actor `json:"actor"`

	// Payload is the command-specific body, already serialized.
	Payload json.RawMessage `json:"payload,omitempty"`

	// ExpectedVersion enables optimistic concurrency: non-zero values
	// must match the instance version at commit. Zero skips the check.
	ExpectedVersion int64 `json:"expected_version,omitempty"`

	// Timeout bounds command execution. Zero means no deadline.
	Timeout time.Duration `json:"timeout,omitempty"`

	// ReceivedAt is when the surface accepted the command.
	ReceivedAt time.Time `json:"received_at"`
}

// ──────────────────────────────────────────────────
// Typed payloads
// ──────────────────────────────────────────────────

// CreateWorkflowPayload starts a new instance of a registered definition.
type CreateWorkflowPayload struct {
	DefinitionKey string         `json:"definition_key"`
	Revision      int            `json:"revision,omitempty"`
	Title         string         `json:"title,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
	ResourceName  string         `json:"resource_name,omitempty"`
	ResourceID    string         `json:"resource_id,omitempty"`
	Selector      string         `json:"selector,omitempty"`
}

// UpdateWorkflowPayload patches mutable instance fields. Nil / empty
// fields are left unchanged.
type UpdateWorkflowPayload struct {
	Title  string         `json:"title,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// CancelWorkflowPayload carries the operator-facing reason.
type CancelWorkflowPayload struct {
	Reason string `json:"reason,omitempty"`
}

// AbortWorkflowPayload fails a running instance with a reason.
type AbortWorkflowPayload struct {
	Reason string `json:"reason"`
}

// ParticipantPayload serves add-participant and remove-participant.
type ParticipantPayload struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// RolePayload serves add-role and remove-role (bare role grants).
type RolePayload struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// InjectEventPayload delivers a named business event to waiting steps.
// WorkflowID on the envelope narrows delivery to one instance; a zero
// envelope target fans out to all definitions bound to the event name.
type InjectEventPayload struct {
	Name     string         `json:"name"`
	Selector string         `json:"selector,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// SendTriggerPayload fires a named trigger, optionally delayed.
type SendTriggerPayload struct {
	Name         string         `json:"name"`
	Data         map[string]any `json:"data,omitempty"`
	DelaySeconds int            `json:"delay_seconds,omitempty"`
}

// StepPayload serves ignore-step and cancel-step.
type StepPayload struct {
	StepID id.StepID `json:"step_id"`
	Reason string    `json:"reason,omitempty"`
}

// ProcessActivityPayload records a named action against an active or
// waiting step. The node's activity handler interprets the action.
type ProcessActivityPayload struct {
	StepID id.StepID      `json:"step_id"`
	Action string         `json:"action"`
	Data   map[string]any `json:"data,omitempty"`
}
