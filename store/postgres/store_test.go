//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/cluster"
	"github.com/fluvius-io/fluvius-interim/deadletter"
	"github.com/fluvius-io/fluvius-interim/event"
	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/store/postgres"
	"github.com/fluvius-io/fluvius-interim/trigger"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

// setupTestStore starts a Postgres container and returns a migrated Store.
func setupTestStore(t *testing.T) *postgres.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("riparius_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	store, err := postgres.New(ctx, connStr, postgres.WithLogger(slog.Default()))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if migErr := store.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}
	return store
}

func newInstance(defKey string) *workflow.Instance {
	return &workflow.Instance{
		Entity:        riparius.NewEntity(),
		ID:            id.NewWorkflowID(),
		DefinitionKey: defKey,
		Revision:      1,
		Title:         "test instance",
		Status:        workflow.StatusCreated,
		Version:       1,
		Params:        map[string]any{"amount": float64(12)},
	}
}

func createInstance(t *testing.T, s *postgres.Store, inst *workflow.Instance) {
	t.Helper()
	if err := s.CommitInstance(context.Background(), &workflow.Commit{Instance: inst}); err != nil {
		t.Fatalf("commit create: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestStore_Ping(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestStore_MigrateIdempotent(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Workflow Store tests
// ──────────────────────────────────────────────────

func TestWorkflowStore_CreateAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	inst := newInstance("intake")
	createInstance(t, s, inst)

	got, err := s.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.DefinitionKey != "intake" || got.Version != 1 {
		t.Fatalf("unexpected instance: %+v", got)
	}
	if got.Params["amount"] != float64(12) {
		t.Fatalf("params not round-tripped: %+v", got.Params)
	}
}

func TestWorkflowStore_DuplicateCreate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	inst := newInstance("intake")
	createInstance(t, s, inst)

	err := s.CommitInstance(ctx, &workflow.Commit{Instance: inst})
	if !errors.Is(err, riparius.ErrWorkflowExists) {
		t.Fatalf("expected ErrWorkflowExists, got %v", err)
	}
}

func TestWorkflowStore_VersionConflict(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	inst := newInstance("intake")
	createInstance(t, s, inst)

	upd := inst.Clone()
	upd.Version = 2
	if err := s.CommitInstance(ctx, &workflow.Commit{Instance: upd, ExpectedVersion: 1}); err != nil {
		t.Fatalf("commit update: %v", err)
	}

	stale := inst.Clone()
	stale.Version = 2
	err := s.CommitInstance(ctx, &workflow.Commit{Instance: stale, ExpectedVersion: 1})
	if !errors.Is(err, riparius.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	missing := newInstance("intake")
	err = s.CommitInstance(ctx, &workflow.Commit{Instance: missing, ExpectedVersion: 3})
	if !errors.Is(err, riparius.ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
	}
}

func TestWorkflowStore_CommitChildren(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	inst := newInstance("intake")
	step := &workflow.Step{
		Entity:     riparius.NewEntity(),
		ID:         id.NewStepID(),
		WorkflowID: inst.ID,
		NodeKey:    "collect",
		StageKey:   "prep",
		Status:     workflow.StepPending,
	}
	stage := &workflow.Stage{
		Entity:     riparius.NewEntity(),
		ID:         id.NewStageID(),
		WorkflowID: inst.ID,
		StageKey:   "prep",
		Order:      1,
		Status:     workflow.StagePending,
	}
	part := &workflow.Participant{
		Entity:     riparius.NewEntity(),
		ID:         id.NewParticipantID(),
		WorkflowID: inst.ID,
		UserID:     "alice",
		Role:       "reviewer",
		Kind:       "member",
	}
	evt := &event.Event{
		ID:         id.NewEventID(),
		WorkflowID: inst.ID,
		Name:       "workflow.created",
		Payload:    []byte(`{"ok":true}`),
		CreatedAt:  time.Now().UTC(),
	}
	err := s.CommitInstance(ctx, &workflow.Commit{
		Instance:     inst,
		Steps:        []*workflow.Step{step},
		Stages:       []*workflow.Stage{stage},
		Participants: []*workflow.Participant{part},
		Events:       []*event.Event{evt},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if evt.Sequence != 1 {
		t.Fatalf("expected event sequence 1, got %d", evt.Sequence)
	}

	steps, err := s.ListSteps(ctx, inst.ID, workflow.StepListOpts{})
	if err != nil || len(steps) != 1 {
		t.Fatalf("list steps: %v (%d)", err, len(steps))
	}
	stages, err := s.ListStages(ctx, inst.ID)
	if err != nil || len(stages) != 1 {
		t.Fatalf("list stages: %v (%d)", err, len(stages))
	}
	parts, err := s.ListParticipants(ctx, inst.ID, workflow.ParticipantListOpts{})
	if err != nil || len(parts) != 1 {
		t.Fatalf("list participants: %v (%d)", err, len(parts))
	}

	// Removing the participant in a follow-up commit deletes the row.
	upd := inst.Clone()
	upd.Version = 2
	err = s.CommitInstance(ctx, &workflow.Commit{
		Instance:            upd,
		ExpectedVersion:     1,
		RemovedParticipants: []id.ParticipantID{part.ID},
	})
	if err != nil {
		t.Fatalf("commit removal: %v", err)
	}
	parts, err = s.ListParticipants(ctx, inst.ID, workflow.ParticipantListOpts{})
	if err != nil || len(parts) != 0 {
		t.Fatalf("participant not removed: %v (%d)", err, len(parts))
	}
}

func TestWorkflowStore_ListFilters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		inst := newInstance(fmt.Sprintf("def-%d", i%2))
		if i == 0 {
			inst.Status = workflow.StatusRunning
		}
		createInstance(t, s, inst)
	}

	running, err := s.ListInstances(ctx, workflow.ListOpts{Status: workflow.StatusRunning})
	if err != nil || len(running) != 1 {
		t.Fatalf("list running: %v (%d)", err, len(running))
	}
	byDef, err := s.ListInstances(ctx, workflow.ListOpts{DefinitionKey: "def-1"})
	if err != nil || len(byDef) != 1 {
		t.Fatalf("list by definition: %v (%d)", err, len(byDef))
	}
	page, err := s.ListInstances(ctx, workflow.ListOpts{Limit: 2, Offset: 2})
	if err != nil || len(page) != 1 {
		t.Fatalf("list page: %v (%d)", err, len(page))
	}
}

func TestWorkflowStore_FindWaitingSteps(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	inst := newInstance("intake")
	inst.Status = workflow.StatusRunning
	waiting := &workflow.Step{
		Entity:     riparius.NewEntity(),
		ID:         id.NewStepID(),
		WorkflowID: inst.ID,
		NodeKey:    "review",
		Status:     workflow.StepWaiting,
		WaitEvent:  "reviewed",
	}
	if err := s.CommitInstance(ctx, &workflow.Commit{
		Instance: inst,
		Steps:    []*workflow.Step{waiting},
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// A waiting step on a non-running workflow must not match.
	idle := newInstance("intake")
	idleStep := &workflow.Step{
		Entity:     riparius.NewEntity(),
		ID:         id.NewStepID(),
		WorkflowID: idle.ID,
		NodeKey:    "review",
		Status:     workflow.StepWaiting,
		WaitEvent:  "reviewed",
	}
	if err := s.CommitInstance(ctx, &workflow.Commit{
		Instance: idle,
		Steps:    []*workflow.Step{idleStep},
	}); err != nil {
		t.Fatalf("commit idle: %v", err)
	}

	found, err := s.FindWaitingSteps(ctx, "reviewed")
	if err != nil {
		t.Fatalf("find waiting: %v", err)
	}
	if len(found) != 1 || found[0].ID != waiting.ID {
		t.Fatalf("unexpected waiting steps: %+v", found)
	}
}

// ──────────────────────────────────────────────────
// Event Store tests
// ──────────────────────────────────────────────────

func TestEventStore_AppendAndList(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	inst := newInstance("intake")
	createInstance(t, s, inst)

	for i := 0; i < 3; i++ {
		evt := &event.Event{
			ID:         id.NewEventID(),
			WorkflowID: inst.ID,
			Name:       fmt.Sprintf("audit.%d", i),
			Payload:    []byte(`{}`),
			CreatedAt:  time.Now().UTC(),
		}
		if err := s.AppendAudit(ctx, evt); err != nil {
			t.Fatalf("append audit: %v", err)
		}
		if evt.Sequence != int64(i+1) {
			t.Fatalf("expected sequence %d, got %d", i+1, evt.Sequence)
		}
	}

	events, err := s.ListEvents(ctx, inst.ID, event.ListOpts{AfterSequence: 1})
	if err != nil || len(events) != 2 {
		t.Fatalf("list events: %v (%d)", err, len(events))
	}
	last, err := s.LatestSequence(ctx, inst.ID)
	if err != nil || last != 3 {
		t.Fatalf("latest sequence: %v (%d)", err, last)
	}

	got, err := s.GetEvent(ctx, events[0].ID)
	if err != nil || got.Name != "audit.1" {
		t.Fatalf("get event: %v (%+v)", err, got)
	}
}

func TestEventStore_PollTimeout(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	inst := newInstance("intake")
	createInstance(t, s, inst)

	events, err := s.PollEvents(ctx, inst.ID, 0, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if events != nil {
		t.Fatalf("expected nil on timeout, got %d events", len(events))
	}
}

// ──────────────────────────────────────────────────
// Trigger Store tests
// ──────────────────────────────────────────────────

func newTrigger(defKey, name, schedule string) *trigger.Entry {
	return &trigger.Entry{
		Entity:        riparius.NewEntity(),
		ID:            id.NewTriggerID(),
		Name:          name,
		DefinitionKey: defKey,
		Schedule:      schedule,
		Enabled:       true,
	}
}

func TestTriggerStore_RegisterAndFind(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rec := newTrigger("intake", "nightly", "0 0 * * *")
	if err := s.RegisterTrigger(ctx, rec); err != nil {
		t.Fatalf("register: %v", err)
	}
	dup := newTrigger("intake", "nightly", "0 1 * * *")
	if err := s.RegisterTrigger(ctx, dup); !errors.Is(err, riparius.ErrDuplicateTrigger) {
		t.Fatalf("expected ErrDuplicateTrigger, got %v", err)
	}

	// One-shots share the binding without conflict.
	if err := s.RegisterTrigger(ctx, newTrigger("intake", "nightly", "")); err != nil {
		t.Fatalf("register one-shot: %v", err)
	}
	if err := s.RegisterTrigger(ctx, newTrigger("intake", "nightly", "")); err != nil {
		t.Fatalf("register second one-shot: %v", err)
	}

	found, err := s.FindTrigger(ctx, "intake", "nightly")
	if err != nil || found.ID != rec.ID {
		t.Fatalf("find trigger: %v (%+v)", err, found)
	}

	all, err := s.ListTriggers(ctx)
	if err != nil || len(all) != 3 {
		t.Fatalf("list triggers: %v (%d)", err, len(all))
	}
}

func TestTriggerStore_Lock(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	e := newTrigger("intake", "nightly", "0 0 * * *")
	if err := s.RegisterTrigger(ctx, e); err != nil {
		t.Fatalf("register: %v", err)
	}
	w1, w2 := id.NewWorkerID(), id.NewWorkerID()

	ok, err := s.AcquireTriggerLock(ctx, e.ID, w1, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: %v (%v)", err, ok)
	}
	ok, err = s.AcquireTriggerLock(ctx, e.ID, w2, time.Minute)
	if err != nil || ok {
		t.Fatalf("second acquire should lose: %v (%v)", err, ok)
	}
	// Re-entry by the holder succeeds.
	ok, err = s.AcquireTriggerLock(ctx, e.ID, w1, time.Minute)
	if err != nil || !ok {
		t.Fatalf("holder re-acquire: %v (%v)", err, ok)
	}

	// Release by a non-holder is a no-op.
	if err := s.ReleaseTriggerLock(ctx, e.ID, w2); err != nil {
		t.Fatalf("non-holder release: %v", err)
	}
	ok, err = s.AcquireTriggerLock(ctx, e.ID, w2, time.Minute)
	if err != nil || ok {
		t.Fatalf("lock should still be held: %v (%v)", err, ok)
	}

	if err := s.ReleaseTriggerLock(ctx, e.ID, w1); err != nil {
		t.Fatalf("holder release: %v", err)
	}
	ok, err = s.AcquireTriggerLock(ctx, e.ID, w2, time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire after release: %v (%v)", err, ok)
	}

	_, err = s.AcquireTriggerLock(ctx, id.NewTriggerID(), w1, time.Minute)
	if !errors.Is(err, riparius.ErrTriggerNotFound) {
		t.Fatalf("expected ErrTriggerNotFound, got %v", err)
	}
}

func TestTriggerStore_UpdateAndDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	e := newTrigger("intake", "nightly", "0 0 * * *")
	if err := s.RegisterTrigger(ctx, e); err != nil {
		t.Fatalf("register: %v", err)
	}

	at := time.Now().UTC().Truncate(time.Second)
	if err := s.UpdateTriggerLastRun(ctx, e.ID, at); err != nil {
		t.Fatalf("update last run: %v", err)
	}

	e.Enabled = false
	if err := s.UpdateTriggerEntry(ctx, e); err != nil {
		t.Fatalf("update entry: %v", err)
	}
	got, err := s.GetTrigger(ctx, e.ID)
	if err != nil || got.Enabled {
		t.Fatalf("update not persisted: %v (%+v)", err, got)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(at) {
		t.Fatalf("last run not persisted: %+v", got.LastRunAt)
	}

	if err := s.DeleteTrigger(ctx, e.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetTrigger(ctx, e.ID); !errors.Is(err, riparius.ErrTriggerNotFound) {
		t.Fatalf("expected ErrTriggerNotFound, got %v", err)
	}
}

// ──────────────────────────────────────────────────
// Dead Letter Store tests
// ──────────────────────────────────────────────────

func TestDeadLetterStore_Lifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	wfID := id.NewWorkflowID()
	old := &deadletter.Entry{
		ID:          id.NewDeadLetterID(),
		WorkflowID:  wfID,
		StepID:      id.NewStepID(),
		NodeKey:     "collect",
		Handler:     "collect",
		Error:       "boom",
		Attempts:    3,
		MaxAttempts: 3,
		FailedAt:    time.Now().UTC().Add(-time.Hour),
		CreatedAt:   time.Now().UTC(),
	}
	recent := &deadletter.Entry{
		ID:          id.NewDeadLetterID(),
		WorkflowID:  id.NewWorkflowID(),
		StepID:      id.NewStepID(),
		NodeKey:     "route",
		Handler:     "route",
		Error:       "also boom",
		Attempts:    1,
		MaxAttempts: 3,
		FailedAt:    time.Now().UTC(),
		CreatedAt:   time.Now().UTC(),
	}
	for _, e := range []*deadletter.Entry{old, recent} {
		if err := s.PushDeadLetter(ctx, e); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	all, err := s.ListDeadLetters(ctx, deadletter.ListOpts{})
	if err != nil || len(all) != 2 {
		t.Fatalf("list: %v (%d)", err, len(all))
	}
	if all[0].ID != old.ID {
		t.Fatalf("expected FailedAt ordering, got %+v first", all[0])
	}
	byWf, err := s.ListDeadLetters(ctx, deadletter.ListOpts{WorkflowID: wfID})
	if err != nil || len(byWf) != 1 {
		t.Fatalf("list by workflow: %v (%d)", err, len(byWf))
	}

	if err := s.MarkReplayed(ctx, old.ID); err != nil {
		t.Fatalf("mark replayed: %v", err)
	}
	got, err := s.GetDeadLetter(ctx, old.ID)
	if err != nil || got.ReplayedAt == nil {
		t.Fatalf("replayed_at not set: %v (%+v)", err, got)
	}

	removed, err := s.PurgeDeadLetters(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil || removed != 1 {
		t.Fatalf("purge: %v (%d)", err, removed)
	}
	n, err := s.CountDeadLetters(ctx)
	if err != nil || n != 1 {
		t.Fatalf("count: %v (%d)", err, n)
	}
}

// ──────────────────────────────────────────────────
// Cluster Store tests
// ──────────────────────────────────────────────────

func newWorker() *cluster.Worker {
	return &cluster.Worker{
		ID:          id.NewWorkerID(),
		Hostname:    "node-1",
		Concurrency: 4,
		State:       cluster.WorkerActive,
		LastSeen:    time.Now().UTC(),
		Metadata:    map[string]string{"zone": "a"},
		CreatedAt:   time.Now().UTC(),
	}
}

func TestClusterStore_WorkerLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	w := newWorker()
	if err := s.RegisterWorker(ctx, w); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.HeartbeatWorker(ctx, w.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	workers, err := s.ListWorkers(ctx)
	if err != nil || len(workers) != 1 {
		t.Fatalf("list workers: %v (%d)", err, len(workers))
	}
	if workers[0].Metadata["zone"] != "a" {
		t.Fatalf("metadata not round-tripped: %+v", workers[0].Metadata)
	}

	if err := s.DeregisterWorker(ctx, w.ID); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if err := s.HeartbeatWorker(ctx, w.ID); !errors.Is(err, riparius.ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}
}

func TestClusterStore_ReapDeadWorkers(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	stale := newWorker()
	stale.LastSeen = time.Now().UTC().Add(-time.Hour)
	fresh := newWorker()
	for _, w := range []*cluster.Worker{stale, fresh} {
		if err := s.RegisterWorker(ctx, w); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	dead, err := s.ReapDeadWorkers(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != stale.ID || dead[0].State != cluster.WorkerDead {
		t.Fatalf("unexpected reap result: %+v", dead)
	}
}

func TestClusterStore_Leadership(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	w1, w2 := newWorker(), newWorker()
	for _, w := range []*cluster.Worker{w1, w2} {
		if err := s.RegisterWorker(ctx, w); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	ok, err := s.AcquireLeadership(ctx, w1.ID, time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: %v (%v)", err, ok)
	}
	ok, err = s.AcquireLeadership(ctx, w2.ID, time.Minute)
	if err != nil || ok {
		t.Fatalf("second acquire should lose: %v (%v)", err, ok)
	}

	leader, err := s.GetLeader(ctx)
	if err != nil || leader == nil || leader.ID != w1.ID || !leader.IsLeader {
		t.Fatalf("get leader: %v (%+v)", err, leader)
	}

	ok, err = s.RenewLeadership(ctx, w1.ID, time.Minute)
	if err != nil || !ok {
		t.Fatalf("renew: %v (%v)", err, ok)
	}
	ok, err = s.RenewLeadership(ctx, w2.ID, time.Minute)
	if err != nil || ok {
		t.Fatalf("non-leader renew should fail: %v (%v)", err, ok)
	}

	// Deregistering the leader clears the lease.
	if err := s.DeregisterWorker(ctx, w1.ID); err != nil {
		t.Fatalf("deregister leader: %v", err)
	}
	leader, err = s.GetLeader(ctx)
	if err != nil || leader != nil {
		t.Fatalf("lease not cleared: %v (%+v)", err, leader)
	}
	ok, err = s.AcquireLeadership(ctx, w2.ID, time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire after clear: %v (%v)", err, ok)
	}
}
