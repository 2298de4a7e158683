package audit_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fluvius-io/fluvius-interim/audit"
	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

// ── Mock recorder ────────────────────────────────────

// mockRecorder captures audit events for verification.
type mockRecorder struct {
	mu     sync.Mutex
	events []*audit.Event
	err    error
}

func (m *mockRecorder) Record(_ context.Context, evt *audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return m.err
}

func (m *mockRecorder) last() *audit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	return m.events[len(m.events)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *mockRecorder) findByAction(action string) *audit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, evt := range m.events {
		if evt.Action == action {
			return evt
		}
	}
	return nil
}

// ── Test helpers ─────────────────────────────────────

func newTestInstance() *workflow.Instance {
	return &workflow.Instance{
		ID:            id.NewWorkflowID(),
		DefinitionKey: "order-fulfilment",
		Revision:      2,
		Status:        workflow.StatusRunning,
		Version:       3,
	}
}

func newTestStep() *workflow.Step {
	return &workflow.Step{
		ID:         id.NewStepID(),
		WorkflowID: id.NewWorkflowID(),
		NodeKey:    "reserve-stock",
		Status:     workflow.StepActive,
		Attempt:    1,
	}
}

// ── Workflow hooks ───────────────────────────────────

func TestWorkflowLifecycleEvents(t *testing.T) {
	rec := &mockRecorder{}
	e := audit.New(rec)
	ctx := context.Background()
	inst := newTestInstance()

	if err := e.OnWorkflowCreated(ctx, inst); err != nil {
		t.Fatalf("OnWorkflowCreated: %v", err)
	}
	evt := rec.last()
	if evt.Action != audit.ActionWorkflowCreated {
		t.Errorf("Action = %q, want %q", evt.Action, audit.ActionWorkflowCreated)
	}
	if evt.Resource != audit.ResourceWorkflow {
		t.Errorf("Resource = %q, want %q", evt.Resource, audit.ResourceWorkflow)
	}
	if evt.ResourceID != inst.ID.String() {
		t.Errorf("ResourceID = %q, want %q", evt.ResourceID, inst.ID.String())
	}
	if evt.Metadata["definition_key"] != "order-fulfilment" {
		t.Errorf("definition_key = %v", evt.Metadata["definition_key"])
	}
	if evt.Severity != audit.SeverityInfo || evt.Outcome != audit.OutcomeSuccess {
		t.Errorf("severity/outcome = %q/%q", evt.Severity, evt.Outcome)
	}

	if err := e.OnWorkflowFailed(ctx, inst, "required step failed"); err != nil {
		t.Fatalf("OnWorkflowFailed: %v", err)
	}
	evt = rec.last()
	if evt.Severity != audit.SeverityCritical {
		t.Errorf("failed severity = %q, want critical", evt.Severity)
	}
	if evt.Outcome != audit.OutcomeFailure {
		t.Errorf("failed outcome = %q, want failure", evt.Outcome)
	}
	if evt.Reason != "required step failed" {
		t.Errorf("Reason = %q", evt.Reason)
	}

	if err := e.OnWorkflowCancelled(ctx, inst, "requested"); err != nil {
		t.Fatalf("OnWorkflowCancelled: %v", err)
	}
	if rec.last().Action != audit.ActionWorkflowCancelled {
		t.Errorf("Action = %q", rec.last().Action)
	}
}

// ── Step hooks ───────────────────────────────────────

func TestStepLifecycleEvents(t *testing.T) {
	rec := &mockRecorder{}
	e := audit.New(rec)
	ctx := context.Background()
	s := newTestStep()

	if err := e.OnStepCompleted(ctx, s, 1500*time.Millisecond); err != nil {
		t.Fatalf("OnStepCompleted: %v", err)
	}
	evt := rec.last()
	if evt.Metadata["elapsed_ms"] != int64(1500) {
		t.Errorf("elapsed_ms = %v, want 1500", evt.Metadata["elapsed_ms"])
	}
	if evt.Metadata["node_key"] != "reserve-stock" {
		t.Errorf("node_key = %v", evt.Metadata["node_key"])
	}

	if err := e.OnStepWaiting(ctx, s, "payment.settled"); err != nil {
		t.Fatalf("OnStepWaiting: %v", err)
	}
	if rec.last().Metadata["wait_event"] != "payment.settled" {
		t.Errorf("wait_event = %v", rec.last().Metadata["wait_event"])
	}

	if err := e.OnStepFailed(ctx, s, errors.New("stock service timeout")); err != nil {
		t.Fatalf("OnStepFailed: %v", err)
	}
	evt = rec.last()
	if evt.Severity != audit.SeverityWarning {
		t.Errorf("failed severity = %q, want warning", evt.Severity)
	}
	if evt.Reason != "stock service timeout" {
		t.Errorf("Reason = %q", evt.Reason)
	}

	next := time.Now().Add(time.Minute)
	if err := e.OnStepRetrying(ctx, s, 2, next); err != nil {
		t.Fatalf("OnStepRetrying: %v", err)
	}
	if rec.last().Metadata["attempt"] != 2 {
		t.Errorf("attempt = %v", rec.last().Metadata["attempt"])
	}

	if err := e.OnStepDeadLettered(ctx, s, errors.New("exhausted")); err != nil {
		t.Fatalf("OnStepDeadLettered: %v", err)
	}
	if rec.last().Severity != audit.SeverityCritical {
		t.Errorf("dlq severity = %q, want critical", rec.last().Severity)
	}
}

// ── Dispatch hooks ───────────────────────────────────

func TestDispatchEvents(t *testing.T) {
	rec := &mockRecorder{}
	e := audit.New(rec)
	ctx := context.Background()
	wfID := id.NewWorkflowID()

	if err := e.OnEventInjected(ctx, wfID, "payment.settled", 1); err != nil {
		t.Fatalf("OnEventInjected: %v", err)
	}
	evt := rec.last()
	if evt.Category != audit.CategoryDispatch {
		t.Errorf("Category = %q", evt.Category)
	}
	if evt.Metadata["matched"] != 1 {
		t.Errorf("matched = %v", evt.Metadata["matched"])
	}

	if err := e.OnEventIgnored(ctx, wfID, "payment.settled", "no waiting step"); err != nil {
		t.Fatalf("OnEventIgnored: %v", err)
	}
	evt = rec.last()
	if evt.Severity != audit.SeverityWarning || evt.Outcome != audit.OutcomeFailure {
		t.Errorf("ignored severity/outcome = %q/%q", evt.Severity, evt.Outcome)
	}
	if evt.Reason != "no waiting step" {
		t.Errorf("Reason = %q", evt.Reason)
	}

	if err := e.OnTriggerFired(ctx, "order-placed", "order-fulfilment"); err != nil {
		t.Fatalf("OnTriggerFired: %v", err)
	}
	if rec.last().ResourceID != "order-placed" {
		t.Errorf("ResourceID = %q", rec.last().ResourceID)
	}

	if err := e.OnOutcomeDiscarded(ctx, wfID, id.NewStepID(), "done"); err != nil {
		t.Fatalf("OnOutcomeDiscarded: %v", err)
	}
	if rec.last().Action != audit.ActionOutcomeDiscarded {
		t.Errorf("Action = %q", rec.last().Action)
	}
}

// ── Participant hooks ────────────────────────────────

func TestParticipantEvents(t *testing.T) {
	rec := &mockRecorder{}
	e := audit.New(rec)
	ctx := context.Background()

	p := &workflow.Participant{
		ID:         id.NewParticipantID(),
		WorkflowID: id.NewWorkflowID(),
		UserID:     "alice",
		Role:       "approver",
		Kind:       workflow.KindMember,
	}
	if err := e.OnParticipantAdded(ctx, p); err != nil {
		t.Fatalf("OnParticipantAdded: %v", err)
	}
	evt := rec.last()
	if evt.Metadata["user_id"] != "alice" || evt.Metadata["role"] != "approver" {
		t.Errorf("metadata = %v", evt.Metadata)
	}

	if err := e.OnParticipantRemoved(ctx, p); err != nil {
		t.Fatalf("OnParticipantRemoved: %v", err)
	}
	if rec.last().Action != audit.ActionParticipantRemoved {
		t.Errorf("Action = %q", rec.last().Action)
	}
}

// ── Filtering and failure handling ───────────────────

func TestWithActionsFiltering(t *testing.T) {
	rec := &mockRecorder{}
	e := audit.New(rec, audit.WithActions(audit.ActionWorkflowFailed, audit.ActionEventIgnored))
	ctx := context.Background()
	inst := newTestInstance()

	// Disabled actions are dropped silently.
	if err := e.OnWorkflowCreated(ctx, inst); err != nil {
		t.Fatalf("OnWorkflowCreated: %v", err)
	}
	if err := e.OnWorkflowStarted(ctx, inst); err != nil {
		t.Fatalf("OnWorkflowStarted: %v", err)
	}
	if rec.count() != 0 {
		t.Fatalf("count = %d, want 0", rec.count())
	}

	if err := e.OnWorkflowFailed(ctx, inst, "boom"); err != nil {
		t.Fatalf("OnWorkflowFailed: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("count = %d, want 1", rec.count())
	}
	if rec.findByAction(audit.ActionWorkflowFailed) == nil {
		t.Error("workflow.failed not recorded")
	}
}

func TestRecorderErrorDoesNotPropagate(t *testing.T) {
	rec := &mockRecorder{err: errors.New("trail unavailable")}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := audit.New(rec, audit.WithLogger(logger))

	// A failing backend must never stall the engine.
	if err := e.OnWorkflowCreated(context.Background(), newTestInstance()); err != nil {
		t.Fatalf("OnWorkflowCreated: %v", err)
	}
}

func TestAllActionsCoversHooks(t *testing.T) {
	seen := make(map[string]bool)
	for _, a := range audit.AllActions() {
		if seen[a] {
			t.Errorf("duplicate action %q", a)
		}
		seen[a] = true
	}
	if len(seen) != 17 {
		t.Errorf("actions = %d, want 17", len(seen))
	}
}
