package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

// entry pairs a hook implementation with the extension name captured at
// registration time. This avoids type-asserting back to Extension inside
// the emit methods.
type entry[H any] struct {
	name string
	hook H
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	workflowCreated   []entry[WorkflowCreated]
	workflowStarted   []entry[WorkflowStarted]
	workflowCompleted []entry[WorkflowCompleted]
	workflowFailed    []entry[WorkflowFailed]
	workflowCancelled []entry[WorkflowCancelled]
	stepStarted       []entry[StepStarted]
	stepCompleted     []entry[StepCompleted]
	stepWaiting       []entry[StepWaiting]
	stepFailed        []entry[StepFailed]
	stepRetrying      []entry[StepRetrying]
	stepDeadLettered  []entry[StepDeadLettered]
	eventInjected     []entry[EventInjected]
	eventIgnored      []entry[EventIgnored]
	triggerFired      []entry[TriggerFired]
	outcomeDiscarded  []entry[OutcomeDiscarded]
	participantAdded  []entry[ParticipantAdded]
	participantGone   []entry[ParticipantRemoved]
	shutdown          []entry[Shutdown]
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(WorkflowCreated); ok {
		r.workflowCreated = append(r.workflowCreated, entry[WorkflowCreated]{name, h})
	}
	if h, ok := e.(WorkflowStarted); ok {
		r.workflowStarted = append(r.workflowStarted, entry[WorkflowStarted]{name, h})
	}
	if h, ok := e.(WorkflowCompleted); ok {
		r.workflowCompleted = append(r.workflowCompleted, entry[WorkflowCompleted]{name, h})
	}
	if h, ok := e.(WorkflowFailed); ok {
		r.workflowFailed = append(r.workflowFailed, entry[WorkflowFailed]{name, h})
	}
	if h, ok := e.(WorkflowCancelled); ok {
		r.workflowCancelled = append(r.workflowCancelled, entry[WorkflowCancelled]{name, h})
	}
	if h, ok := e.(StepStarted); ok {
		r.stepStarted = append(r.stepStarted, entry[StepStarted]{name, h})
	}
	if h, ok := e.(StepCompleted); ok {
		r.stepCompleted = append(r.stepCompleted, entry[StepCompleted]{name, h})
	}
	if h, ok := e.(StepWaiting); ok {
		r.stepWaiting = append(r.stepWaiting, entry[StepWaiting]{name, h})
	}
	if h, ok := e.(StepFailed); ok {
		r.stepFailed = append(r.stepFailed, entry[StepFailed]{name, h})
	}
	if h, ok := e.(StepRetrying); ok {
		r.stepRetrying = append(r.stepRetrying, entry[StepRetrying]{name, h})
	}
	if h, ok := e.(StepDeadLettered); ok {
		r.stepDeadLettered = append(r.stepDeadLettered, entry[StepDeadLettered]{name, h})
	}
	if h, ok := e.(EventInjected); ok {
		r.eventInjected = append(r.eventInjected, entry[EventInjected]{name, h})
	}
	if h, ok := e.(EventIgnored); ok {
		r.eventIgnored = append(r.eventIgnored, entry[EventIgnored]{name, h})
	}
	if h, ok := e.(TriggerFired); ok {
		r.triggerFired = append(r.triggerFired, entry[TriggerFired]{name, h})
	}
	if h, ok := e.(OutcomeDiscarded); ok {
		r.outcomeDiscarded = append(r.outcomeDiscarded, entry[OutcomeDiscarded]{name, h})
	}
	if h, ok := e.(ParticipantAdded); ok {
		r.participantAdded = append(r.participantAdded, entry[ParticipantAdded]{name, h})
	}
	if h, ok := e.(ParticipantRemoved); ok {
		r.participantGone = append(r.participantGone, entry[ParticipantRemoved]{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, entry[Shutdown]{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Workflow event emitters
// ──────────────────────────────────────────────────

// EmitWorkflowCreated notifies all extensions that implement WorkflowCreated.
func (r *Registry) EmitWorkflowCreated(ctx context.Context, inst *workflow.Instance) {
	for _, e := range r.workflowCreated {
		if err := e.hook.OnWorkflowCreated(ctx, inst); err != nil {
			r.logHookError("OnWorkflowCreated", e.name, err)
		}
	}
}

// EmitWorkflowStarted notifies all extensions that implement WorkflowStarted.
func (r *Registry) EmitWorkflowStarted(ctx context.Context, inst *workflow.Instance) {
	for _, e := range r.workflowStarted {
		if err := e.hook.OnWorkflowStarted(ctx, inst); err != nil {
			r.logHookError("OnWorkflowStarted", e.name, err)
		}
	}
}

// EmitWorkflowCompleted notifies all extensions that implement WorkflowCompleted.
func (r *Registry) EmitWorkflowCompleted(ctx context.Context, inst *workflow.Instance) {
	for _, e := range r.workflowCompleted {
		if err := e.hook.OnWorkflowCompleted(ctx, inst); err != nil {
			r.logHookError("OnWorkflowCompleted", e.name, err)
		}
	}
}

// EmitWorkflowFailed notifies all extensions that implement WorkflowFailed.
func (r *Registry) EmitWorkflowFailed(ctx context.Context, inst *workflow.Instance, reason string) {
	for _, e := range r.workflowFailed {
		if err := e.hook.OnWorkflowFailed(ctx, inst, reason); err != nil {
			r.logHookError("OnWorkflowFailed", e.name, err)
		}
	}
}

// EmitWorkflowCancelled notifies all extensions that implement WorkflowCancelled.
func (r *Registry) EmitWorkflowCancelled(ctx context.Context, inst *workflow.Instance, reason string) {
	for _, e := range r.workflowCancelled {
		if err := e.hook.OnWorkflowCancelled(ctx, inst, reason); err != nil {
			r.logHookError("OnWorkflowCancelled", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Step event emitters
// ──────────────────────────────────────────────────

// EmitStepStarted notifies all extensions that implement StepStarted.
func (r *Registry) EmitStepStarted(ctx context.Context, s *workflow.Step) {
	for _, e := range r.stepStarted {
		if err := e.hook.OnStepStarted(ctx, s); err != nil {
			r.logHookError("OnStepStarted", e.name, err)
		}
	}
}

// EmitStepCompleted notifies all extensions that implement StepCompleted.
func (r *Registry) EmitStepCompleted(ctx context.Context, s *workflow.Step, elapsed time.Duration) {
	for _, e := range r.stepCompleted {
		if err := e.hook.OnStepCompleted(ctx, s, elapsed); err != nil {
			r.logHookError("OnStepCompleted", e.name, err)
		}
	}
}

// EmitStepWaiting notifies all extensions that implement StepWaiting.
func (r *Registry) EmitStepWaiting(ctx context.Context, s *workflow.Step, event string) {
	for _, e := range r.stepWaiting {
		if err := e.hook.OnStepWaiting(ctx, s, event); err != nil {
			r.logHookError("OnStepWaiting", e.name, err)
		}
	}
}

// EmitStepFailed notifies all extensions that implement StepFailed.
func (r *Registry) EmitStepFailed(ctx context.Context, s *workflow.Step, stepErr error) {
	for _, e := range r.stepFailed {
		if err := e.hook.OnStepFailed(ctx, s, stepErr); err != nil {
			r.logHookError("OnStepFailed", e.name, err)
		}
	}
}

// EmitStepRetrying notifies all extensions that implement StepRetrying.
func (r *Registry) EmitStepRetrying(ctx context.Context, s *workflow.Step, attempt int, nextRunAt time.Time) {
	for _, e := range r.stepRetrying {
		if err := e.hook.OnStepRetrying(ctx, s, attempt, nextRunAt); err != nil {
			r.logHookError("OnStepRetrying", e.name, err)
		}
	}
}

// EmitStepDeadLettered notifies all extensions that implement StepDeadLettered.
func (r *Registry) EmitStepDeadLettered(ctx context.Context, s *workflow.Step, stepErr error) {
	for _, e := range r.stepDeadLettered {
		if err := e.hook.OnStepDeadLettered(ctx, s, stepErr); err != nil {
			r.logHookError("OnStepDeadLettered", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Dispatch event emitters
// ──────────────────────────────────────────────────

// EmitEventInjected notifies all extensions that implement EventInjected.
func (r *Registry) EmitEventInjected(ctx context.Context, workflowID id.WorkflowID, name string, matched int) {
	for _, e := range r.eventInjected {
		if err := e.hook.OnEventInjected(ctx, workflowID, name, matched); err != nil {
			r.logHookError("OnEventInjected", e.name, err)
		}
	}
}

// EmitEventIgnored notifies all extensions that implement EventIgnored.
func (r *Registry) EmitEventIgnored(ctx context.Context, workflowID id.WorkflowID, name, reason string) {
	for _, e := range r.eventIgnored {
		if err := e.hook.OnEventIgnored(ctx, workflowID, name, reason); err != nil {
			r.logHookError("OnEventIgnored", e.name, err)
		}
	}
}

// EmitTriggerFired notifies all extensions that implement TriggerFired.
func (r *Registry) EmitTriggerFired(ctx context.Context, name, definitionKey string) {
	for _, e := range r.triggerFired {
		if err := e.hook.OnTriggerFired(ctx, name, definitionKey); err != nil {
			r.logHookError("OnTriggerFired", e.name, err)
		}
	}
}

// EmitOutcomeDiscarded notifies all extensions that implement OutcomeDiscarded.
func (r *Registry) EmitOutcomeDiscarded(ctx context.Context, workflowID id.WorkflowID, stepID id.StepID, outcome string) {
	for _, e := range r.outcomeDiscarded {
		if err := e.hook.OnOutcomeDiscarded(ctx, workflowID, stepID, outcome); err != nil {
			r.logHookError("OnOutcomeDiscarded", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitParticipantAdded notifies all extensions that implement ParticipantAdded.
func (r *Registry) EmitParticipantAdded(ctx context.Context, p *workflow.Participant) {
	for _, e := range r.participantAdded {
		if err := e.hook.OnParticipantAdded(ctx, p); err != nil {
			r.logHookError("OnParticipantAdded", e.name, err)
		}
	}
}

// EmitParticipantRemoved notifies all extensions that implement ParticipantRemoved.
func (r *Registry) EmitParticipantRemoved(ctx context.Context, p *workflow.Participant) {
	for _, e := range r.participantGone {
		if err := e.hook.OnParticipantRemoved(ctx, p); err != nil {
			r.logHookError("OnParticipantRemoved", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the engine.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
