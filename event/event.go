// Package event defines the append-only domain event log. Every state
// change committed through the aggregate is recorded as an Event with a
// per-workflow monotonic sequence, forming the audit trail for the
// instance. Ignored inputs (late events, duplicate triggers) are recorded
// here too, as audit-only entries that mutate nothing else.
package event

import (
	"encoding/json"
	"time"

	"github.com/fluvius-io/fluvius-interim/id"
)

// Domain event names, grouped by the entity they describe.
const (
	WorkflowCreated   = "workflow.created"
	WorkflowUpdated   = "workflow.updated"
	WorkflowStarted   = "workflow.started"
	WorkflowCompleted = "workflow.completed"
	WorkflowFailed    = "workflow.failed"
	WorkflowCancelled = "workflow.cancelled"

	StepAdded     = "step.added"
	StepActivated = "step.activated"
	StepWaiting   = "step.waiting"
	StepDone      = "step.done"
	StepFailed    = "step.failed"
	StepSkipped   = "step.skipped"
	StepRetried   = "step.retried"

	StageActivated = "stage.activated"
	StageCompleted = "stage.completed"

	ParticipantAdded   = "participant.added"
	ParticipantRemoved = "participant.removed"
	RoleGranted        = "role.granted"
	RoleRevoked        = "role.revoked"

	EventReceived = "event.received"
	EventIgnored  = "event.ignored"
	TriggerFired  = "trigger.fired"

	OutcomeDiscarded = "outcome.discarded"
)

// Event is one entry in a workflow's append-only log. Events are immutable
// once committed; Sequence is assigned by the aggregate at commit time and
// increases by one per event within a workflow.
type Event struct {
	ID         id.EventID      `json:"id"`
	WorkflowID id.WorkflowID   `json:"workflow_id"`
	Sequence   int64           `json:"sequence"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Actor      string          `json:"actor,omitempty"`
	ScopeAppID string          `json:"scope_app_id,omitempty"`
	ScopeOrgID string          `json:"scope_org_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// New builds an unsequenced event for the given workflow. The payload is
// JSON-encoded; a nil payload produces an event with no payload. Sequence
// is left zero until the aggregate stamps it.
func New(workflowID id.WorkflowID, name string, payload any) (*Event, error) {
	evt := &Event{
		ID:         id.NewEventID(),
		WorkflowID: workflowID,
		Name:       name,
		CreatedAt:  time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		evt.Payload = data
	}
	return evt, nil
}

// DecodePayload unmarshals the event payload into v.
func (e *Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// WorkflowPayload describes a workflow lifecycle transition.
type WorkflowPayload struct {
	DefinitionKey string `json:"definition_key"`
	Revision      int    `json:"revision"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
}

// StepPayload describes a step lifecycle transition.
type StepPayload struct {
	StepID   id.StepID `json:"step_id"`
	NodeKey  string    `json:"node_key"`
	StageKey string    `json:"stage_key,omitempty"`
	Status   string    `json:"status"`
	Attempt  int       `json:"attempt,omitempty"`
	Event    string    `json:"event,omitempty"`
	Origin   string    `json:"origin,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// StagePayload describes a stage rollup transition.
type StagePayload struct {
	StageKey string `json:"stage_key"`
	Status   string `json:"status"`
}

// ParticipantPayload describes a participant or role grant change.
type ParticipantPayload struct {
	ParticipantID id.ParticipantID `json:"participant_id"`
	UserID        string           `json:"user_id"`
	Role          string           `json:"role"`
}

// ReceivedPayload describes an external event that matched a waiting step.
type ReceivedPayload struct {
	Name     string    `json:"name"`
	StepID   id.StepID `json:"step_id"`
	NodeKey  string    `json:"node_key"`
	Selector string    `json:"selector,omitempty"`
}

// IgnoredPayload describes an external input that was recorded without
// mutating workflow state: late events, duplicates, or unmatched selectors.
type IgnoredPayload struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// TriggerPayload describes a trigger delivery.
type TriggerPayload struct {
	Name    string `json:"name"`
	Action  string `json:"action"`
	NodeKey string `json:"node_key,omitempty"`
}

// DiscardedPayload describes a step outcome that arrived after its
// workflow reached a terminal state and was therefore not applied.
type DiscardedPayload struct {
	StepID  id.StepID `json:"step_id"`
	NodeKey string    `json:"node_key"`
	Outcome string    `json:"outcome"`
	Reason  string    `json:"reason"`
}
