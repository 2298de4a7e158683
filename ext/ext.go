package ext

import (
	"context"
	"time"

	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Workflow lifecycle hooks
// ──────────────────────────────────────────────────

// WorkflowCreated is called after an instance is created in draft.
type WorkflowCreated interface {
	OnWorkflowCreated(ctx context.Context, inst *workflow.Instance) error
}

// WorkflowStarted is called when an instance transitions to running.
type WorkflowStarted interface {
	OnWorkflowStarted(ctx context.Context, inst *workflow.Instance) error
}

// WorkflowCompleted is called after an instance finishes successfully.
type WorkflowCompleted interface {
	OnWorkflowCompleted(ctx context.Context, inst *workflow.Instance) error
}

// WorkflowFailed is called when an instance fails terminally.
type WorkflowFailed interface {
	OnWorkflowFailed(ctx context.Context, inst *workflow.Instance, reason string) error
}

// WorkflowCancelled is called when an instance is cancelled or aborted.
type WorkflowCancelled interface {
	OnWorkflowCancelled(ctx context.Context, inst *workflow.Instance, reason string) error
}

// ──────────────────────────────────────────────────
// Step lifecycle hooks
// ──────────────────────────────────────────────────

// StepStarted is called when a worker begins executing a step handler.
type StepStarted interface {
	OnStepStarted(ctx context.Context, s *workflow.Step) error
}

// StepCompleted is called after a step finishes successfully.
type StepCompleted interface {
	OnStepCompleted(ctx context.Context, s *workflow.Step, elapsed time.Duration) error
}

// StepWaiting is called when a step parks to wait for an external event.
type StepWaiting interface {
	OnStepWaiting(ctx context.Context, s *workflow.Step, event string) error
}

// StepFailed is called when a step fails terminally (no more retries).
type StepFailed interface {
	OnStepFailed(ctx context.Context, s *workflow.Step, err error) error
}

// StepRetrying is called when a step fails but is scheduled for retry.
type StepRetrying interface {
	OnStepRetrying(ctx context.Context, s *workflow.Step, attempt int, nextRunAt time.Time) error
}

// StepDeadLettered is called when a step is pushed to the dead letter store.
type StepDeadLettered interface {
	OnStepDeadLettered(ctx context.Context, s *workflow.Step, err error) error
}

// ──────────────────────────────────────────────────
// Dispatch hooks
// ──────────────────────────────────────────────────

// EventInjected is called after an external event resumes waiting steps.
type EventInjected interface {
	OnEventInjected(ctx context.Context, workflowID id.WorkflowID, name string, matched int) error
}

// EventIgnored is called when an input is recorded as an audit-only no-op.
type EventIgnored interface {
	OnEventIgnored(ctx context.Context, workflowID id.WorkflowID, name, reason string) error
}

// TriggerFired is called when a trigger binding starts or activates work.
type TriggerFired interface {
	OnTriggerFired(ctx context.Context, name, definitionKey string) error
}

// OutcomeDiscarded is called when a stale step outcome is thrown away.
type OutcomeDiscarded interface {
	OnOutcomeDiscarded(ctx context.Context, workflowID id.WorkflowID, stepID id.StepID, outcome string) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// ParticipantAdded is called after a user is bound to a workflow role.
type ParticipantAdded interface {
	OnParticipantAdded(ctx context.Context, p *workflow.Participant) error
}

// ParticipantRemoved is called after a user binding is removed.
type ParticipantRemoved interface {
	OnParticipantRemoved(ctx context.Context, p *workflow.Participant) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
