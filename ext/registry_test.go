package ext_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/fluvius-io/fluvius-interim/ext"
	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

// ──────────────────────────────────────────────────
// Test extensions
// ──────────────────────────────────────────────────

// allHooksExt implements every lifecycle hook for testing.
type allHooksExt struct {
	calls []string
}

func (e *allHooksExt) Name() string { return "all-hooks" }

func (e *allHooksExt) OnWorkflowCreated(_ context.Context, _ *workflow.Instance) error {
	e.calls = append(e.calls, "OnWorkflowCreated")
	return nil
}

func (e *allHooksExt) OnWorkflowStarted(_ context.Context, _ *workflow.Instance) error {
	e.calls = append(e.calls, "OnWorkflowStarted")
	return nil
}

func (e *allHooksExt) OnWorkflowCompleted(_ context.Context, _ *workflow.Instance) error {
	e.calls = append(e.calls, "OnWorkflowCompleted")
	return nil
}

func (e *allHooksExt) OnWorkflowFailed(_ context.Context, _ *workflow.Instance, _ string) error {
	e.calls = append(e.calls, "OnWorkflowFailed")
	return nil
}

func (e *allHooksExt) OnWorkflowCancelled(_ context.Context, _ *workflow.Instance, _ string) error {
	e.calls = append(e.calls, "OnWorkflowCancelled")
	return nil
}

func (e *allHooksExt) OnStepStarted(_ context.Context, _ *workflow.Step) error {
	e.calls = append(e.calls, "OnStepStarted")
	return nil
}

func (e *allHooksExt) OnStepCompleted(_ context.Context, _ *workflow.Step, _ time.Duration) error {
	e.calls = append(e.calls, "OnStepCompleted")
	return nil
}

func (e *allHooksExt) OnStepWaiting(_ context.Context, _ *workflow.Step, _ string) error {
	e.calls = append(e.calls, "OnStepWaiting")
	return nil
}

func (e *allHooksExt) OnStepFailed(_ context.Context, _ *workflow.Step, _ error) error {
	e.calls = append(e.calls, "OnStepFailed")
	return nil
}

func (e *allHooksExt) OnStepRetrying(_ context.Context, _ *workflow.Step, _ int, _ time.Time) error {
	e.calls = append(e.calls, "OnStepRetrying")
	return nil
}

func (e *allHooksExt) OnStepDeadLettered(_ context.Context, _ *workflow.Step, _ error) error {
	e.calls = append(e.calls, "OnStepDeadLettered")
	return nil
}

func (e *allHooksExt) OnEventInjected(_ context.Context, _ id.WorkflowID, _ string, _ int) error {
	e.calls = append(e.calls, "OnEventInjected")
	return nil
}

func (e *allHooksExt) OnEventIgnored(_ context.Context, _ id.WorkflowID, _, _ string) error {
	e.calls = append(e.calls, "OnEventIgnored")
	return nil
}

func (e *allHooksExt) OnTriggerFired(_ context.Context, _, _ string) error {
	e.calls = append(e.calls, "OnTriggerFired")
	return nil
}

func (e *allHooksExt) OnOutcomeDiscarded(_ context.Context, _ id.WorkflowID, _ id.StepID, _ string) error {
	e.calls = append(e.calls, "OnOutcomeDiscarded")
	return nil
}

func (e *allHooksExt) OnParticipantAdded(_ context.Context, _ *workflow.Participant) error {
	e.calls = append(e.calls, "OnParticipantAdded")
	return nil
}

func (e *allHooksExt) OnParticipantRemoved(_ context.Context, _ *workflow.Participant) error {
	e.calls = append(e.calls, "OnParticipantRemoved")
	return nil
}

func (e *allHooksExt) OnShutdown(_ context.Context) error {
	e.calls = append(e.calls, "OnShutdown")
	return nil
}

// stepOnlyExt only implements step-related hooks.
type stepOnlyExt struct {
	calls []string
}

func (e *stepOnlyExt) Name() string { return "step-only" }

func (e *stepOnlyExt) OnStepStarted(_ context.Context, _ *workflow.Step) error {
	e.calls = append(e.calls, "OnStepStarted")
	return nil
}

func (e *stepOnlyExt) OnStepCompleted(_ context.Context, _ *workflow.Step, _ time.Duration) error {
	e.calls = append(e.calls, "OnStepCompleted")
	return nil
}

// failingExt returns errors from hooks.
type failingExt struct{}

func (e *failingExt) Name() string { return "failing" }

func (e *failingExt) OnStepStarted(_ context.Context, _ *workflow.Step) error {
	return errors.New("boom")
}

func (e *failingExt) OnShutdown(_ context.Context) error {
	return errors.New("shutdown boom")
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestRegistry_RegisterDiscoversInterfaces(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	if got := len(r.Extensions()); got != 1 {
		t.Fatalf("expected 1 extension, got %d", got)
	}
	if got := r.Extensions()[0].Name(); got != "all-hooks" {
		t.Fatalf("expected name 'all-hooks', got %q", got)
	}
}

func TestRegistry_EmitFiresOnlyImplementors(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	so := &stepOnlyExt{}
	r.Register(all)
	r.Register(so)

	ctx := context.Background()
	s := &workflow.Step{NodeKey: "file"}

	// Both implement OnStepStarted → both called.
	r.EmitStepStarted(ctx, s)
	if len(all.calls) != 1 || all.calls[0] != "OnStepStarted" {
		t.Fatalf("all: expected [OnStepStarted], got %v", all.calls)
	}
	if len(so.calls) != 1 || so.calls[0] != "OnStepStarted" {
		t.Fatalf("so: expected [OnStepStarted], got %v", so.calls)
	}

	// Only all implements OnStepWaiting → so not called.
	r.EmitStepWaiting(ctx, s, "expense.reviewed")
	if len(all.calls) != 2 || all.calls[1] != "OnStepWaiting" {
		t.Fatalf("all: expected OnStepWaiting as 2nd, got %v", all.calls)
	}
	if len(so.calls) != 1 {
		t.Fatalf("so: should still have 1 call, got %v", so.calls)
	}
}

func TestRegistry_AllWorkflowHooksFire(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	inst := &workflow.Instance{Title: "test-wf"}

	r.EmitWorkflowCreated(ctx, inst)
	r.EmitWorkflowStarted(ctx, inst)
	r.EmitWorkflowCompleted(ctx, inst)
	r.EmitWorkflowFailed(ctx, inst, "step failed")
	r.EmitWorkflowCancelled(ctx, inst, "operator request")

	expected := []string{
		"OnWorkflowCreated", "OnWorkflowStarted", "OnWorkflowCompleted",
		"OnWorkflowFailed", "OnWorkflowCancelled",
	}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(all.calls), all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
}

func TestRegistry_AllStepHooksFire(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	s := &workflow.Step{NodeKey: "review"}

	r.EmitStepStarted(ctx, s)
	r.EmitStepCompleted(ctx, s, time.Second)
	r.EmitStepWaiting(ctx, s, "expense.reviewed")
	r.EmitStepFailed(ctx, s, errors.New("fail"))
	r.EmitStepRetrying(ctx, s, 1, time.Now())
	r.EmitStepDeadLettered(ctx, s, errors.New("dead"))

	expected := []string{
		"OnStepStarted", "OnStepCompleted", "OnStepWaiting",
		"OnStepFailed", "OnStepRetrying", "OnStepDeadLettered",
	}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(all.calls), all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
}

func TestRegistry_DispatchHooksFire(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	wfID := id.NewWorkflowID()

	r.EmitEventInjected(ctx, wfID, "expense.reviewed", 1)
	r.EmitEventIgnored(ctx, wfID, "expense.reviewed", "no waiting step matches")
	r.EmitTriggerFired(ctx, "ticket.open", "ticket-flow")
	r.EmitOutcomeDiscarded(ctx, wfID, id.NewStepID(), "DONE")

	expected := []string{
		"OnEventInjected", "OnEventIgnored", "OnTriggerFired", "OnOutcomeDiscarded",
	}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(all.calls), all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
}

func TestRegistry_ParticipantAndShutdownHooksFire(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	p := &workflow.Participant{UserID: "alice", Role: "approver"}

	r.EmitParticipantAdded(ctx, p)
	r.EmitParticipantRemoved(ctx, p)
	r.EmitShutdown(ctx)

	expected := []string{"OnParticipantAdded", "OnParticipantRemoved", "OnShutdown"}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(all.calls), all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
}

func TestRegistry_HookErrorsLoggedNotPropagated(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	failing := &failingExt{}
	all := &allHooksExt{}

	// Register failing first, then all-hooks. Both should be called.
	r.Register(failing)
	r.Register(all)

	ctx := context.Background()
	s := &workflow.Step{NodeKey: "file"}

	// No panic, no error propagation. allHooksExt should still fire.
	r.EmitStepStarted(ctx, s)

	if len(all.calls) != 1 || all.calls[0] != "OnStepStarted" {
		t.Fatalf("all: expected [OnStepStarted] despite failing ext, got %v", all.calls)
	}
}

func TestRegistry_EmptyRegistryNoOp(_ *testing.T) {
	r := ext.NewRegistry(slog.Default())
	ctx := context.Background()

	// None of these should panic or error.
	r.EmitWorkflowCreated(ctx, &workflow.Instance{})
	r.EmitWorkflowStarted(ctx, &workflow.Instance{})
	r.EmitWorkflowCompleted(ctx, &workflow.Instance{})
	r.EmitWorkflowFailed(ctx, &workflow.Instance{}, "x")
	r.EmitWorkflowCancelled(ctx, &workflow.Instance{}, "x")
	r.EmitStepStarted(ctx, &workflow.Step{})
	r.EmitStepCompleted(ctx, &workflow.Step{}, time.Second)
	r.EmitStepWaiting(ctx, &workflow.Step{}, "e")
	r.EmitStepFailed(ctx, &workflow.Step{}, errors.New("x"))
	r.EmitStepRetrying(ctx, &workflow.Step{}, 1, time.Now())
	r.EmitStepDeadLettered(ctx, &workflow.Step{}, errors.New("x"))
	r.EmitEventInjected(ctx, id.NewWorkflowID(), "e", 0)
	r.EmitEventIgnored(ctx, id.NewWorkflowID(), "e", "r")
	r.EmitTriggerFired(ctx, "t", "d")
	r.EmitOutcomeDiscarded(ctx, id.NewWorkflowID(), id.NewStepID(), "DONE")
	r.EmitParticipantAdded(ctx, &workflow.Participant{})
	r.EmitParticipantRemoved(ctx, &workflow.Participant{})
	r.EmitShutdown(ctx)
}

func TestRegistry_MultipleExtensionsOrderPreserved(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	ext1 := &allHooksExt{}
	ext2 := &allHooksExt{}
	r.Register(ext1)
	r.Register(ext2)

	ctx := context.Background()
	r.EmitStepStarted(ctx, &workflow.Step{})

	// Both should be called.
	if len(ext1.calls) != 1 {
		t.Errorf("ext1: expected 1 call, got %d", len(ext1.calls))
	}
	if len(ext2.calls) != 1 {
		t.Errorf("ext2: expected 1 call, got %d", len(ext2.calls))
	}
}
