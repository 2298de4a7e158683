// Package stream provides a real-time broker for engine lifecycle
// events. It bridges the ext.Extension hook system to connected clients
// via topic-based pub/sub with credit-based flow control.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// Workflow instance events.
	EventWorkflowCreated   EventType = "workflow.created"
	EventWorkflowStarted   EventType = "workflow.started"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"
	EventWorkflowCancelled EventType = "workflow.cancelled"

	// Step events.
	EventStepStarted      EventType = "step.started"
	EventStepCompleted    EventType = "step.completed"
	EventStepWaiting      EventType = "step.waiting"
	EventStepFailed       EventType = "step.failed"
	EventStepRetrying     EventType = "step.retrying"
	EventStepDeadLettered EventType = "step.dead_lettered"

	// Dispatch events.
	EventInjected         EventType = "event.injected"
	EventIgnored          EventType = "event.ignored"
	EventTriggerFired     EventType = "trigger.fired"
	EventOutcomeDiscarded EventType = "outcome.discarded"

	// Participant events.
	EventParticipantAdded   EventType = "participant.added"
	EventParticipantRemoved EventType = "participant.removed"
)

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the entity channel this event was published on.
	Topic string `json:"topic"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data"`
}

// WorkflowEventData is the payload for instance lifecycle events.
type WorkflowEventData struct {
	WorkflowID    string `json:"workflow_id"`
	DefinitionKey string `json:"definition_key"`
	Status        string `json:"status"`
	ScopeAppID    string `json:"scope_app_id,omitempty"`
	ScopeOrgID    string `json:"scope_org_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// StepEventData is the payload for step lifecycle events.
type StepEventData struct {
	WorkflowID string `json:"workflow_id"`
	StepID     string `json:"step_id"`
	NodeKey    string `json:"node_key"`
	Status     string `json:"status"`
	Attempt    int    `json:"attempt,omitempty"`
	WaitEvent  string `json:"wait_event,omitempty"`
	ElapsedMs  int64  `json:"elapsed_ms,omitempty"`
	Error      string `json:"error,omitempty"`
	NextRunAt  string `json:"next_run_at,omitempty"`
}

// DispatchEventData is the payload for event, trigger, and discard
// notifications.
type DispatchEventData struct {
	WorkflowID    string `json:"workflow_id,omitempty"`
	StepID        string `json:"step_id,omitempty"`
	Name          string `json:"name,omitempty"`
	DefinitionKey string `json:"definition_key,omitempty"`
	Matched       int    `json:"matched,omitempty"`
	Outcome       string `json:"outcome,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// ParticipantEventData is the payload for participant events.
type ParticipantEventData struct {
	WorkflowID string `json:"workflow_id"`
	UserID     string `json:"user_id"`
	Role       string `json:"role"`
	Kind       string `json:"kind"`
}
