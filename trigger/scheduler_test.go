package trigger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/cluster"
	"github.com/fluvius-io/fluvius-interim/definition"
	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/store/memory"
	"github.com/fluvius-io/fluvius-interim/trigger"
)

// stubEmitter records EmitTriggerFired calls.
type stubEmitter struct {
	mu    sync.Mutex
	calls []firedCall
}

type firedCall struct {
	Name          string
	DefinitionKey string
}

func (e *stubEmitter) EmitTriggerFired(_ context.Context, name, definitionKey string) {
	e.mu.Lock()
	e.calls = append(e.calls, firedCall{Name: name, DefinitionKey: definitionKey})
	e.mu.Unlock()
}

func (e *stubEmitter) getCalls() []firedCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]firedCall, len(e.calls))
	copy(out, e.calls)
	return out
}

// fireSpy tracks FireFunc calls with thread safety.
type fireSpy struct {
	mu    sync.Mutex
	calls []*trigger.Entry
}

func (f *fireSpy) Fn() trigger.FireFunc {
	return func(_ context.Context, entry *trigger.Entry) error {
		f.mu.Lock()
		f.calls = append(f.calls, entry)
		f.mu.Unlock()
		return nil
	}
}

func (f *fireSpy) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fireSpy) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Name
	}
	return out
}

func registerDueEntry(t *testing.T, s *memory.Store, name, definitionKey, schedule string) *trigger.Entry {
	t.Helper()

	past := time.Now().UTC().Add(-1 * time.Second)
	entry := &trigger.Entry{
		Entity:        riparius.NewEntity(),
		ID:            id.NewTriggerID(),
		Name:          name,
		DefinitionKey: definitionKey,
		Schedule:      schedule,
		NextRunAt:     &past,
		Enabled:       true,
	}

	if err := s.RegisterTrigger(context.Background(), entry); err != nil {
		t.Fatalf("RegisterTrigger: %v", err)
	}
	return entry
}

// newTestScheduler creates a working scheduler with leadership acquired.
func newTestScheduler(t *testing.T) (
	*trigger.Scheduler,
	*memory.Store,
	*stubEmitter,
	*fireSpy,
) {
	t.Helper()

	s := memory.New()
	emitter := &stubEmitter{}
	workerID := id.NewWorkerID()
	spy := &fireSpy{}

	ctx := context.Background()

	// Register this worker and acquire leadership.
	w := &cluster.Worker{
		ID:        workerID,
		Hostname:  "test-host",
		State:     cluster.WorkerActive,
		LastSeen:  time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.RegisterWorker(ctx, w); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	acquired, err := s.AcquireLeadership(ctx, workerID, 30*time.Second)
	if err != nil {
		t.Fatalf("AcquireLeadership: %v", err)
	}
	if !acquired {
		t.Fatal("failed to acquire leadership")
	}

	sched := trigger.NewScheduler(
		s, s, spy.Fn(), emitter, workerID, nil,
		trigger.WithTickInterval(50*time.Millisecond),
		trigger.WithLeaderTTL(10*time.Second),
	)

	return sched, s, emitter, spy
}

func scheduledDefinition(key, triggerName, schedule string) *definition.Workflow {
	return &definition.Workflow{
		Key:      key,
		Title:    "Scheduled " + key,
		Revision: 1,
		Stages:   []definition.Stage{{Key: "main", Order: 1}},
		Nodes: []definition.Node{
			{
				Key:      "kickoff",
				Kind:     definition.KindStep,
				Stage:    "main",
				Start:    true,
				Required: true,
				Handler:  "kickoff-handler",
			},
		},
		Triggers: []definition.Trigger{
			{
				Name:     triggerName,
				Action:   definition.TriggerStartWorkflow,
				Schedule: schedule,
			},
		},
	}
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestScheduler_FiresOnSchedule(t *testing.T) {
	sched, s, emitter, spy := newTestScheduler(t)

	registerDueEntry(t, s, "nightly-report", "report-flow", "@every 1s")

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait for at least one fire.
	deadline := time.After(3 * time.Second)
	for spy.Count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for trigger to fire")
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}

	if err := sched.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	names := spy.Names()
	if len(names) == 0 {
		t.Fatal("expected at least one fire call")
	}
	if names[0] != "nightly-report" {
		t.Errorf("fired trigger name = %q, want %q", names[0], "nightly-report")
	}

	// Verify emitter was called.
	calls := emitter.getCalls()
	if len(calls) == 0 {
		t.Error("expected at least one EmitTriggerFired call")
	}
	if len(calls) > 0 && calls[0].DefinitionKey != "report-flow" {
		t.Errorf("emitter definition key = %q, want %q", calls[0].DefinitionKey, "report-flow")
	}
}

func TestScheduler_SkipsDisabled(t *testing.T) {
	sched, s, _, spy := newTestScheduler(t)

	entry := registerDueEntry(t, s, "paused-report", "report-flow", "@every 1s")

	// Disable the entry.
	entry.Enabled = false
	if err := s.UpdateTriggerEntry(context.Background(), entry); err != nil {
		t.Fatalf("UpdateTriggerEntry: %v", err)
	}

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait a bit — should NOT fire.
	time.Sleep(300 * time.Millisecond)

	if err := sched.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if spy.Count() != 0 {
		t.Errorf("expected 0 fires for disabled entry, got %d", spy.Count())
	}
}

func TestScheduler_NonLeaderSkips(t *testing.T) {
	s := memory.New()
	emitter := &stubEmitter{}
	spy := &fireSpy{}

	nonLeaderID := id.NewWorkerID()
	leaderID := id.NewWorkerID()

	ctx := context.Background()

	// Register both workers, but make leaderID the leader.
	for _, wid := range []id.WorkerID{leaderID, nonLeaderID} {
		w := &cluster.Worker{
			ID:        wid,
			Hostname:  "test",
			State:     cluster.WorkerActive,
			LastSeen:  time.Now().UTC(),
			CreatedAt: time.Now().UTC(),
		}
		if err := s.RegisterWorker(ctx, w); err != nil {
			t.Fatalf("RegisterWorker: %v", err)
		}
	}
	acquired, err := s.AcquireLeadership(ctx, leaderID, 30*time.Second)
	if err != nil || !acquired {
		t.Fatalf("AcquireLeadership: acquired=%v err=%v", acquired, err)
	}

	// Create scheduler for the non-leader worker.
	sched := trigger.NewScheduler(
		s, s, spy.Fn(), emitter, nonLeaderID, nil,
		trigger.WithTickInterval(50*time.Millisecond),
		trigger.WithLeaderTTL(10*time.Second),
	)

	registerDueEntry(t, s, "leader-only", "report-flow", "@every 1s")

	if startErr := sched.Start(context.Background()); startErr != nil {
		t.Fatalf("Start: %v", startErr)
	}

	// Wait a bit — non-leader should not fire.
	time.Sleep(300 * time.Millisecond)

	if stopErr := sched.Stop(context.Background()); stopErr != nil {
		t.Fatalf("Stop: %v", stopErr)
	}

	if spy.Count() != 0 {
		t.Errorf("non-leader should not fire triggers, got %d calls", spy.Count())
	}
}

func TestScheduler_ComputesNextRunAt(t *testing.T) {
	sched, s, _, spy := newTestScheduler(t)

	entry := registerDueEntry(t, s, "update-next", "report-flow", "@every 1s")
	entryID := entry.ID

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait for at least one fire.
	deadline := time.After(3 * time.Second)
	for spy.Count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for trigger to fire")
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}

	if err := sched.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Verify NextRunAt was updated to a future time.
	updated, err := s.GetTrigger(context.Background(), entryID)
	if err != nil {
		t.Fatalf("GetTrigger: %v", err)
	}
	if updated.NextRunAt == nil {
		t.Fatal("expected NextRunAt to be set")
	}
	// NextRunAt should be in the future (or very recent past due to timing).
	if updated.NextRunAt.Before(time.Now().UTC().Add(-2 * time.Second)) {
		t.Errorf("NextRunAt = %v, expected recent/future time", updated.NextRunAt)
	}

	// Verify LastRunAt was set.
	if updated.LastRunAt == nil {
		t.Error("expected LastRunAt to be set after firing")
	}
}

func TestScheduler_OneShotFiredOnceThenRemoved(t *testing.T) {
	sched, s, _, spy := newTestScheduler(t)

	// A one-shot entry has no schedule, only a due NextRunAt — the shape a
	// delayed send-trigger produces.
	entry := registerDueEntry(t, s, "delayed-kick", "report-flow", "")

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for spy.Count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for one-shot to fire")
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}

	// Give the scheduler a few more ticks: a surviving entry would re-fire.
	time.Sleep(300 * time.Millisecond)

	if err := sched.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := spy.Count(); got != 1 {
		t.Errorf("one-shot fired %d times, want exactly 1", got)
	}
	if _, err := s.GetTrigger(context.Background(), entry.ID); err == nil {
		t.Error("expected one-shot entry to be deleted after firing")
	}
}

func TestScheduler_LockPreventsDoubleFire(t *testing.T) {
	s := memory.New()
	emitter := &stubEmitter{}
	spy := &fireSpy{}
	workerID := id.NewWorkerID()

	ctx := context.Background()

	// Register worker and acquire leadership.
	w := &cluster.Worker{
		ID:        workerID,
		Hostname:  "test",
		State:     cluster.WorkerActive,
		LastSeen:  time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.RegisterWorker(ctx, w); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	acquired, err := s.AcquireLeadership(ctx, workerID, 30*time.Second)
	if err != nil || !acquired {
		t.Fatalf("AcquireLeadership: acquired=%v err=%v", acquired, err)
	}

	entry := registerDueEntry(t, s, "locked-entry", "report-flow", "@every 1s")

	// Pre-acquire the lock for this entry with a different worker.
	otherWorkerID := id.NewWorkerID()
	locked, lockErr := s.AcquireTriggerLock(ctx, entry.ID, otherWorkerID, 30*time.Second)
	if lockErr != nil {
		t.Fatalf("AcquireTriggerLock: %v", lockErr)
	}
	if !locked {
		t.Fatal("expected to acquire trigger lock")
	}

	sched := trigger.NewScheduler(
		s, s, spy.Fn(), emitter, workerID, nil,
		trigger.WithTickInterval(50*time.Millisecond),
		trigger.WithLeaderTTL(10*time.Second),
	)

	if startErr := sched.Start(ctx); startErr != nil {
		t.Fatalf("Start: %v", startErr)
	}

	// Wait — scheduler should try but fail to acquire the lock.
	time.Sleep(300 * time.Millisecond)

	if stopErr := sched.Stop(ctx); stopErr != nil {
		t.Fatalf("Stop: %v", stopErr)
	}

	if spy.Count() != 0 {
		t.Errorf("expected 0 fires with pre-locked entry, got %d", spy.Count())
	}
}

func TestScheduler_SyncMaterializesBindings(t *testing.T) {
	sched, s, _, _ := newTestScheduler(t)

	reg := definition.NewRegistry()
	if err := reg.Register(scheduledDefinition("report-flow", "nightly", "0 2 * * *")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	if err := sched.Sync(ctx, reg); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	entries, err := s.ListTriggers(ctx)
	if err != nil {
		t.Fatalf("ListTriggers: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries after sync, want 1", len(entries))
	}
	e := entries[0]
	if e.Name != "nightly" || e.DefinitionKey != "report-flow" {
		t.Errorf("entry = %s/%s, want report-flow/nightly", e.DefinitionKey, e.Name)
	}
	if e.Schedule != "0 2 * * *" {
		t.Errorf("entry schedule = %q, want %q", e.Schedule, "0 2 * * *")
	}
	if e.NextRunAt == nil || !e.NextRunAt.After(time.Now().UTC()) {
		t.Errorf("entry NextRunAt = %v, want future time", e.NextRunAt)
	}
	if !e.Enabled {
		t.Error("expected materialized entry to be enabled")
	}

	// Syncing again must be idempotent.
	if err := sched.Sync(ctx, reg); err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	entries, _ = s.ListTriggers(ctx)
	if len(entries) != 1 {
		t.Errorf("got %d entries after second sync, want 1", len(entries))
	}
}

func TestScheduler_SyncRemovesVanishedBindings(t *testing.T) {
	sched, s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	// Entry for a binding that no longer exists in the registry.
	registerDueEntry(t, s, "stale-binding", "retired-flow", "@every 1h")

	// One-shot entries have no binding and must survive the sweep.
	oneShot := registerDueEntry(t, s, "delayed-kick", "report-flow", "")

	if err := sched.Sync(ctx, definition.NewRegistry()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	entries, err := s.ListTriggers(ctx)
	if err != nil {
		t.Fatalf("ListTriggers: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries after sync, want 1 (the one-shot)", len(entries))
	}
	if entries[0].ID.String() != oneShot.ID.String() {
		t.Errorf("surviving entry = %s, want the one-shot %s", entries[0].ID, oneShot.ID)
	}
}

func TestScheduler_SyncReschedulesChangedExpression(t *testing.T) {
	sched, s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	entry := registerDueEntry(t, s, "nightly", "report-flow", "0 2 * * *")

	reg := definition.NewRegistry()
	if err := reg.Register(scheduledDefinition("report-flow", "nightly", "0 4 * * *")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := sched.Sync(ctx, reg); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	updated, err := s.GetTrigger(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetTrigger: %v", err)
	}
	if updated.Schedule != "0 4 * * *" {
		t.Errorf("schedule = %q, want %q", updated.Schedule, "0 4 * * *")
	}
	if updated.NextRunAt == nil || !updated.NextRunAt.After(time.Now().UTC()) {
		t.Errorf("NextRunAt = %v, want future time", updated.NextRunAt)
	}
}

func TestParseSchedule(t *testing.T) {
	// Descriptor format.
	sched, err := trigger.ParseSchedule("@every 30s")
	if err != nil {
		t.Fatalf("ParseSchedule(@every 30s): %v", err)
	}
	now := time.Now().UTC()
	next := sched.Next(now)
	if !next.After(now) {
		t.Errorf("Next(%v) = %v, expected future time", now, next)
	}

	// Standard 5-field expression.
	sched2, err := trigger.ParseSchedule("*/5 * * * *")
	if err != nil {
		t.Fatalf("ParseSchedule(*/5 * * * *): %v", err)
	}
	next2 := sched2.Next(now)
	if !next2.After(now) {
		t.Errorf("Next(%v) = %v, expected future time", now, next2)
	}

	// Invalid expression.
	_, err = trigger.ParseSchedule("not-a-cron")
	if err == nil {
		t.Error("expected error for invalid cron expression")
	}
}
