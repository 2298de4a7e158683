// Package ext defines the extension system for the engine.
//
// Extensions are notified of lifecycle events and can react to them —
// recording metrics, mirroring audit trails, relaying to streams, etc.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnStepCompleted(ctx context.Context, s *workflow.Step, elapsed time.Duration) error {
//	    log.Printf("step %s completed in %s", s.ID, elapsed)
//	    return nil
//	}
//
// # Workflow Lifecycle Hooks
//
//   - [WorkflowCreated] — an instance was created in draft
//   - [WorkflowStarted] — an instance began running
//   - [WorkflowCompleted] — an instance finished successfully
//   - [WorkflowFailed] — an instance failed terminally
//   - [WorkflowCancelled] — an instance was cancelled or aborted
//
// # Step Lifecycle Hooks
//
//   - [StepStarted] — a worker began executing a step handler
//   - [StepCompleted] — a step finished successfully
//   - [StepWaiting] — a step parked to wait for an external event
//   - [StepFailed] — a step failed with no retries remaining
//   - [StepRetrying] — a step failed but will be retried
//   - [StepDeadLettered] — a step was pushed to the dead letter store
//
// # Dispatch Hooks
//
//   - [EventInjected] — an external event resumed waiting steps
//   - [EventIgnored] — an input was recorded as an audit-only no-op
//   - [TriggerFired] — a trigger binding started or activated work
//   - [OutcomeDiscarded] — a stale step outcome was thrown away
//
// # Other Hooks
//
//   - [ParticipantAdded] — a user was bound to a workflow role
//   - [ParticipantRemoved] — a user binding was removed
//   - [Shutdown] — the engine is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
