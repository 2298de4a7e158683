// Package audit is an engine extension that bridges workflow lifecycle
// events to an immutable audit trail backend.
//
// Every workflow, step, and dispatch lifecycle hook emits a structured
// audit event through the [Recorder] interface. The extension assigns
// severity levels (info for normal operations, warning for retries and
// ignored inputs, critical for terminal failures) and rich metadata
// (node key, workflow id, attempt counts, errors).
//
// # Usage
//
//	eng, err := engine.Build(rt, engine.WithExtension(
//	    audit.New(audit.RecorderFunc(func(ctx context.Context, evt *audit.Event) error {
//	        return trail.Write(ctx, evt.Action, evt.Resource, evt.ResourceID, evt.Metadata)
//	    })),
//	))
//
// # Selective filtering
//
//	audit.New(recorder,
//	    audit.WithActions(
//	        audit.ActionStepFailed,
//	        audit.ActionStepDeadLettered,
//	        audit.ActionWorkflowFailed,
//	    ),
//	)
package audit
