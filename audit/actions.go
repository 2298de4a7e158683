package audit

// Audit event actions. Each constant corresponds to one ext lifecycle
// hook and becomes the Action field of the audit event.
const (
	ActionWorkflowCreated   = "workflow.created"
	ActionWorkflowStarted   = "workflow.started"
	ActionWorkflowCompleted = "workflow.completed"
	ActionWorkflowFailed    = "workflow.failed"
	ActionWorkflowCancelled = "workflow.cancelled"

	ActionStepStarted      = "step.started"
	ActionStepCompleted    = "step.completed"
	ActionStepWaiting      = "step.waiting"
	ActionStepFailed       = "step.failed"
	ActionStepRetrying     = "step.retrying"
	ActionStepDeadLettered = "step.dead_lettered"

	ActionEventInjected    = "event.injected"
	ActionEventIgnored     = "event.ignored"
	ActionTriggerFired     = "trigger.fired"
	ActionOutcomeDiscarded = "outcome.discarded"

	ActionParticipantAdded   = "participant.added"
	ActionParticipantRemoved = "participant.removed"
)

// Audit event categories group related actions.
const (
	CategoryWorkflow    = "riparius.workflow"
	CategoryStep        = "riparius.step"
	CategoryDispatch    = "riparius.dispatch"
	CategoryParticipant = "riparius.participant"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceWorkflow    = "workflow_instance"
	ResourceStep        = "workflow_step"
	ResourceDispatch    = "dispatch_input"
	ResourceParticipant = "participant"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionWorkflowCreated,
		ActionWorkflowStarted,
		ActionWorkflowCompleted,
		ActionWorkflowFailed,
		ActionWorkflowCancelled,
		ActionStepStarted,
		ActionStepCompleted,
		ActionStepWaiting,
		ActionStepFailed,
		ActionStepRetrying,
		ActionStepDeadLettered,
		ActionEventInjected,
		ActionEventIgnored,
		ActionTriggerFired,
		ActionOutcomeDiscarded,
		ActionParticipantAdded,
		ActionParticipantRemoved,
	}
}
