package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fluvius-io/fluvius-interim/ext"
	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

// Compile-time interface checks.
var (
	_ ext.Extension          = (*Extension)(nil)
	_ ext.WorkflowCreated    = (*Extension)(nil)
	_ ext.WorkflowStarted    = (*Extension)(nil)
	_ ext.WorkflowCompleted  = (*Extension)(nil)
	_ ext.WorkflowFailed     = (*Extension)(nil)
	_ ext.WorkflowCancelled  = (*Extension)(nil)
	_ ext.StepStarted        = (*Extension)(nil)
	_ ext.StepCompleted      = (*Extension)(nil)
	_ ext.StepWaiting        = (*Extension)(nil)
	_ ext.StepFailed         = (*Extension)(nil)
	_ ext.StepRetrying       = (*Extension)(nil)
	_ ext.StepDeadLettered   = (*Extension)(nil)
	_ ext.EventInjected      = (*Extension)(nil)
	_ ext.EventIgnored       = (*Extension)(nil)
	_ ext.TriggerFired       = (*Extension)(nil)
	_ ext.OutcomeDiscarded   = (*Extension)(nil)
	_ ext.ParticipantAdded   = (*Extension)(nil)
	_ ext.ParticipantRemoved = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
// It is defined locally so this package does not import any concrete
// trail backend. Callers inject the bridge at wiring time.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *Event) error
}

// Event is the structured form handed to the Recorder.
type Event struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *Event) error

func (f RecorderFunc) Record(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Severity levels.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges engine lifecycle events to an audit trail backend.
// Each lifecycle hook emits a structured audit event through the
// [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided
// Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-trail" }

// ── Workflow lifecycle hooks ────────────────────────

// OnWorkflowCreated implements ext.WorkflowCreated.
func (e *Extension) OnWorkflowCreated(ctx context.Context, inst *workflow.Instance) error {
	return e.record(ctx, ActionWorkflowCreated, SeverityInfo, OutcomeSuccess,
		ResourceWorkflow, inst.ID.String(), CategoryWorkflow, "",
		"definition_key", inst.DefinitionKey,
		"revision", inst.Revision,
	)
}

// OnWorkflowStarted implements ext.WorkflowStarted.
func (e *Extension) OnWorkflowStarted(ctx context.Context, inst *workflow.Instance) error {
	return e.record(ctx, ActionWorkflowStarted, SeverityInfo, OutcomeSuccess,
		ResourceWorkflow, inst.ID.String(), CategoryWorkflow, "",
		"definition_key", inst.DefinitionKey,
	)
}

// OnWorkflowCompleted implements ext.WorkflowCompleted.
func (e *Extension) OnWorkflowCompleted(ctx context.Context, inst *workflow.Instance) error {
	return e.record(ctx, ActionWorkflowCompleted, SeverityInfo, OutcomeSuccess,
		ResourceWorkflow, inst.ID.String(), CategoryWorkflow, "",
		"definition_key", inst.DefinitionKey,
		"version", inst.Version,
	)
}

// OnWorkflowFailed implements ext.WorkflowFailed.
func (e *Extension) OnWorkflowFailed(ctx context.Context, inst *workflow.Instance, reason string) error {
	return e.record(ctx, ActionWorkflowFailed, SeverityCritical, OutcomeFailure,
		ResourceWorkflow, inst.ID.String(), CategoryWorkflow, reason,
		"definition_key", inst.DefinitionKey,
	)
}

// OnWorkflowCancelled implements ext.WorkflowCancelled.
func (e *Extension) OnWorkflowCancelled(ctx context.Context, inst *workflow.Instance, reason string) error {
	return e.record(ctx, ActionWorkflowCancelled, SeverityInfo, OutcomeSuccess,
		ResourceWorkflow, inst.ID.String(), CategoryWorkflow, reason,
		"definition_key", inst.DefinitionKey,
	)
}

// ── Step lifecycle hooks ────────────────────────────

// OnStepStarted implements ext.StepStarted.
func (e *Extension) OnStepStarted(ctx context.Context, s *workflow.Step) error {
	return e.record(ctx, ActionStepStarted, SeverityInfo, OutcomeSuccess,
		ResourceStep, s.ID.String(), CategoryStep, "",
		"workflow_id", s.WorkflowID.String(),
		"node_key", s.NodeKey,
		"attempt", s.Attempt,
	)
}

// OnStepCompleted implements ext.StepCompleted.
func (e *Extension) OnStepCompleted(ctx context.Context, s *workflow.Step, elapsed time.Duration) error {
	return e.record(ctx, ActionStepCompleted, SeverityInfo, OutcomeSuccess,
		ResourceStep, s.ID.String(), CategoryStep, "",
		"workflow_id", s.WorkflowID.String(),
		"node_key", s.NodeKey,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnStepWaiting implements ext.StepWaiting.
func (e *Extension) OnStepWaiting(ctx context.Context, s *workflow.Step, event string) error {
	return e.record(ctx, ActionStepWaiting, SeverityInfo, OutcomeSuccess,
		ResourceStep, s.ID.String(), CategoryStep, "",
		"workflow_id", s.WorkflowID.String(),
		"node_key", s.NodeKey,
		"wait_event", event,
	)
}

// OnStepFailed implements ext.StepFailed.
func (e *Extension) OnStepFailed(ctx context.Context, s *workflow.Step, stepErr error) error {
	return e.record(ctx, ActionStepFailed, SeverityWarning, OutcomeFailure,
		ResourceStep, s.ID.String(), CategoryStep, errText(stepErr),
		"workflow_id", s.WorkflowID.String(),
		"node_key", s.NodeKey,
		"attempt", s.Attempt,
	)
}

// OnStepRetrying implements ext.StepRetrying.
func (e *Extension) OnStepRetrying(ctx context.Context, s *workflow.Step, attempt int, nextRunAt time.Time) error {
	return e.record(ctx, ActionStepRetrying, SeverityWarning, OutcomeFailure,
		ResourceStep, s.ID.String(), CategoryStep, "",
		"workflow_id", s.WorkflowID.String(),
		"node_key", s.NodeKey,
		"attempt", attempt,
		"next_run_at", nextRunAt.Format(time.RFC3339),
	)
}

// OnStepDeadLettered implements ext.StepDeadLettered.
func (e *Extension) OnStepDeadLettered(ctx context.Context, s *workflow.Step, stepErr error) error {
	return e.record(ctx, ActionStepDeadLettered, SeverityCritical, OutcomeFailure,
		ResourceStep, s.ID.String(), CategoryStep, errText(stepErr),
		"workflow_id", s.WorkflowID.String(),
		"node_key", s.NodeKey,
		"attempt", s.Attempt,
	)
}

// ── Dispatch hooks ──────────────────────────────────

// OnEventInjected implements ext.EventInjected.
func (e *Extension) OnEventInjected(ctx context.Context, workflowID id.WorkflowID, name string, matched int) error {
	return e.record(ctx, ActionEventInjected, SeverityInfo, OutcomeSuccess,
		ResourceDispatch, workflowID.String(), CategoryDispatch, "",
		"event_name", name,
		"matched", matched,
	)
}

// OnEventIgnored implements ext.EventIgnored. Ignored inputs are the
// audit trail's main customer: the state machine refused them, so the
// trail is the only place they remain visible.
func (e *Extension) OnEventIgnored(ctx context.Context, workflowID id.WorkflowID, name, reason string) error {
	return e.record(ctx, ActionEventIgnored, SeverityWarning, OutcomeFailure,
		ResourceDispatch, workflowID.String(), CategoryDispatch, reason,
		"event_name", name,
	)
}

// OnTriggerFired implements ext.TriggerFired.
func (e *Extension) OnTriggerFired(ctx context.Context, name, definitionKey string) error {
	return e.record(ctx, ActionTriggerFired, SeverityInfo, OutcomeSuccess,
		ResourceDispatch, name, CategoryDispatch, "",
		"definition_key", definitionKey,
	)
}

// OnOutcomeDiscarded implements ext.OutcomeDiscarded.
func (e *Extension) OnOutcomeDiscarded(ctx context.Context, workflowID id.WorkflowID, stepID id.StepID, outcome string) error {
	return e.record(ctx, ActionOutcomeDiscarded, SeverityWarning, OutcomeFailure,
		ResourceDispatch, workflowID.String(), CategoryDispatch, "step settled before outcome arrived",
		"step_id", stepID.String(),
		"outcome", outcome,
	)
}

// ── Participant hooks ───────────────────────────────

// OnParticipantAdded implements ext.ParticipantAdded.
func (e *Extension) OnParticipantAdded(ctx context.Context, p *workflow.Participant) error {
	return e.record(ctx, ActionParticipantAdded, SeverityInfo, OutcomeSuccess,
		ResourceParticipant, p.ID.String(), CategoryParticipant, "",
		"workflow_id", p.WorkflowID.String(),
		"user_id", p.UserID,
		"role", p.Role,
		"kind", p.Kind,
	)
}

// OnParticipantRemoved implements ext.ParticipantRemoved.
func (e *Extension) OnParticipantRemoved(ctx context.Context, p *workflow.Participant) error {
	return e.record(ctx, ActionParticipantRemoved, SeverityInfo, OutcomeSuccess,
		ResourceParticipant, p.ID.String(), CategoryParticipant, "",
		"workflow_id", p.WorkflowID.String(),
		"user_id", p.UserID,
		"role", p.Role,
		"kind", p.Kind,
	)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// kvPairs is a flat list of key-value pairs added to Metadata. Recorder
// failures are logged, never propagated: the audit trail must not stall
// the engine.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category, reason string,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}
	if reason != "" {
		meta["reason"] = reason
	}

	evt := &Event{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit: failed to record event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
