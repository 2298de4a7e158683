// Package memory provides a fully in-memory store implementation,
// intended for unit testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/cluster"
	"github.com/fluvius-io/fluvius-interim/deadletter"
	"github.com/fluvius-io/fluvius-interim/event"
	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/trigger"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ workflow.Store   = (*Store)(nil)
	_ event.Store      = (*Store)(nil)
	_ trigger.Store    = (*Store)(nil)
	_ deadletter.Store = (*Store)(nil)
	_ cluster.Store    = (*Store)(nil)
)

// pollInterval is how often blocking event polls re-check the log.
const pollInterval = 50 * time.Millisecond

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access.
type Store struct {
	mu sync.RWMutex

	instances    map[string]*workflow.Instance
	steps        map[string]*workflow.Step
	stages       map[string]*workflow.Stage
	participants map[string]*workflow.Participant
	events       map[string][]*event.Event // key: workflow ID, ordered by sequence
	eventsByID   map[string]*event.Event
	triggers     map[string]*trigger.Entry
	deadletters  map[string]*deadletter.Entry
	workers      map[string]*cluster.Worker

	// leader tracks the current cluster leader worker ID string.
	leader      string
	leaderUntil time.Time
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		instances:    make(map[string]*workflow.Instance),
		steps:        make(map[string]*workflow.Step),
		stages:       make(map[string]*workflow.Stage),
		participants: make(map[string]*workflow.Participant),
		events:       make(map[string][]*event.Event),
		eventsByID:   make(map[string]*event.Event),
		triggers:     make(map[string]*trigger.Entry),
		deadletters:  make(map[string]*deadletter.Entry),
		workers:      make(map[string]*cluster.Worker),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Workflow Store
// ──────────────────────────────────────────────────

// CommitInstance applies one commit atomically under the store lock.
func (m *Store) CommitInstance(_ context.Context, c *workflow.Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := c.Instance.ID.String()
	cur, exists := m.instances[key]
	if c.ExpectedVersion == 0 {
		if exists {
			return riparius.ErrWorkflowExists
		}
	} else {
		if !exists {
			return riparius.ErrWorkflowNotFound
		}
		if cur.Version != c.ExpectedVersion {
			return fmt.Errorf("%w: expected version %d, have %d",
				riparius.ErrVersionConflict, c.ExpectedVersion, cur.Version)
		}
	}

	m.instances[key] = c.Instance.Clone()
	for _, s := range c.Steps {
		m.steps[s.ID.String()] = s.Clone()
	}
	for _, st := range c.Stages {
		m.stages[st.ID.String()] = st.Clone()
	}
	for _, p := range c.Participants {
		m.participants[p.ID.String()] = p.Clone()
	}
	for _, pid := range c.RemovedParticipants {
		delete(m.participants, pid.String())
	}
	log := m.events[key]
	var seq int64
	if len(log) > 0 {
		seq = log[len(log)-1].Sequence
	}
	for _, evt := range c.Events {
		seq++
		evt.Sequence = seq
		cp := *evt
		m.events[key] = append(m.events[key], &cp)
		m.eventsByID[evt.ID.String()] = &cp
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (m *Store) GetInstance(_ context.Context, workflowID id.WorkflowID) (*workflow.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.instances[workflowID.String()]
	if !ok {
		return nil, riparius.ErrWorkflowNotFound
	}
	return n.Clone(), nil
}

// ListInstances returns instances matching the given options, ordered by ID.
func (m *Store) ListInstances(_ context.Context, opts workflow.ListOpts) ([]*workflow.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*workflow.Instance, 0, len(m.instances))
	for _, n := range m.instances {
		if opts.Status != "" && n.Status != opts.Status {
			continue
		}
		if opts.DefinitionKey != "" && n.DefinitionKey != opts.DefinitionKey {
			continue
		}
		if opts.ResourceID != "" && n.ResourceID != opts.ResourceID {
			continue
		}
		result = append(result, n.Clone())
	}

	// IDs are K-sortable, so ID order is creation order.
	sort.Slice(result, func(i, k int) bool {
		return result[i].ID.String() < result[k].ID.String()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// GetStep retrieves a step by ID.
func (m *Store) GetStep(_ context.Context, stepID id.StepID) (*workflow.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.steps[stepID.String()]
	if !ok {
		return nil, riparius.ErrStepNotFound
	}
	return s.Clone(), nil
}

// ListSteps returns the steps of one workflow, ordered by ID.
func (m *Store) ListSteps(_ context.Context, workflowID id.WorkflowID, opts workflow.StepListOpts) ([]*workflow.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*workflow.Step, 0)
	for _, s := range m.steps {
		if s.WorkflowID != workflowID {
			continue
		}
		if opts.Status != "" && s.Status != opts.Status {
			continue
		}
		if opts.StageKey != "" && s.StageKey != opts.StageKey {
			continue
		}
		if opts.NodeKey != "" && s.NodeKey != opts.NodeKey {
			continue
		}
		result = append(result, s.Clone())
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].ID.String() < result[k].ID.String()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// ListStages returns the stage rollups of one workflow in stage order.
func (m *Store) ListStages(_ context.Context, workflowID id.WorkflowID) ([]*workflow.Stage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*workflow.Stage, 0)
	for _, st := range m.stages {
		if st.WorkflowID != workflowID {
			continue
		}
		result = append(result, st.Clone())
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].Order < result[k].Order
	})
	return result, nil
}

// ListParticipants returns the participants of one workflow, ordered by ID.
func (m *Store) ListParticipants(_ context.Context, workflowID id.WorkflowID, opts workflow.ParticipantListOpts) ([]*workflow.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*workflow.Participant, 0)
	for _, p := range m.participants {
		if p.WorkflowID != workflowID {
			continue
		}
		if opts.Role != "" && p.Role != opts.Role {
			continue
		}
		if opts.UserID != "" && p.UserID != opts.UserID {
			continue
		}
		result = append(result, p.Clone())
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].ID.String() < result[k].ID.String()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// FindWaitingSteps returns waiting steps of running workflows whose wait
// event matches the given name.
func (m *Store) FindWaitingSteps(_ context.Context, eventName string) ([]*workflow.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*workflow.Step
	for _, s := range m.steps {
		if s.Status != workflow.StepWaiting || s.WaitEvent != eventName {
			continue
		}
		n, ok := m.instances[s.WorkflowID.String()]
		if !ok || n.Status != workflow.StatusRunning {
			continue
		}
		result = append(result, s.Clone())
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].ID.String() < result[k].ID.String()
	})
	return result, nil
}

// ListRunningInstances returns instances in the running state.
func (m *Store) ListRunningInstances(_ context.Context) ([]*workflow.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*workflow.Instance
	for _, n := range m.instances {
		if n.Status == workflow.StatusRunning {
			result = append(result, n.Clone())
		}
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].ID.String() < result[k].ID.String()
	})
	return result, nil
}

// ──────────────────────────────────────────────────
// Event Store
// ──────────────────────────────────────────────────

// AppendAudit appends one event outside any commit, assigning the next
// sequence for its workflow.
func (m *Store) AppendAudit(_ context.Context, evt *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := evt.WorkflowID.String()
	log := m.events[key]
	var last int64
	if len(log) > 0 {
		last = log[len(log)-1].Sequence
	}
	cp := *evt
	cp.Sequence = last + 1
	m.events[key] = append(log, &cp)
	m.eventsByID[evt.ID.String()] = &cp
	evt.Sequence = cp.Sequence
	return nil
}

// GetEvent retrieves an event by ID.
func (m *Store) GetEvent(_ context.Context, eventID id.EventID) (*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	evt, ok := m.eventsByID[eventID.String()]
	if !ok {
		return nil, riparius.ErrEventNotFound
	}
	cp := *evt
	return &cp, nil
}

// ListEvents returns events for a workflow ordered by sequence.
func (m *Store) ListEvents(_ context.Context, workflowID id.WorkflowID, opts event.ListOpts) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.events[workflowID.String()]
	result := make([]*event.Event, 0, len(log))
	for _, evt := range log {
		if opts.Name != "" && evt.Name != opts.Name {
			continue
		}
		if evt.Sequence <= opts.AfterSequence {
			continue
		}
		cp := *evt
		result = append(result, &cp)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// LatestSequence returns the highest sequence assigned for a workflow.
func (m *Store) LatestSequence(_ context.Context, workflowID id.WorkflowID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.events[workflowID.String()]
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].Sequence, nil
}

// PollEvents blocks until events past afterSeq exist, the timeout
// elapses, or ctx is done. Returns nil on timeout.
func (m *Store) PollEvents(ctx context.Context, workflowID id.WorkflowID, afterSeq int64, timeout time.Duration) ([]*event.Event, error) {
	deadline := time.Now().Add(timeout)
	for {
		events, err := m.ListEvents(ctx, workflowID, event.ListOpts{AfterSequence: afterSeq})
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			return events, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// ──────────────────────────────────────────────────
// Trigger Store
// ──────────────────────────────────────────────────

// RegisterTrigger persists a new trigger entry. Recurring entries are
// unique per binding key; one-shot entries coexist freely.
func (m *Store) RegisterTrigger(_ context.Context, entry *trigger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.Schedule != "" {
		for _, e := range m.triggers {
			if e.Schedule != "" && e.Key() == entry.Key() {
				return riparius.ErrDuplicateTrigger
			}
		}
	}
	cp := *entry
	m.triggers[entry.ID.String()] = &cp
	return nil
}

// GetTrigger retrieves a trigger entry by ID.
func (m *Store) GetTrigger(_ context.Context, triggerID id.TriggerID) (*trigger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.triggers[triggerID.String()]
	if !ok {
		return nil, riparius.ErrTriggerNotFound
	}
	cp := *e
	return &cp, nil
}

// FindTrigger retrieves the recurring trigger entry for a binding key.
func (m *Store) FindTrigger(_ context.Context, definitionKey, name string) (*trigger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := definitionKey + "/" + name
	for _, e := range m.triggers {
		if e.Schedule != "" && e.Key() == want {
			cp := *e
			return &cp, nil
		}
	}
	return nil, riparius.ErrTriggerNotFound
}

// ListTriggers returns all trigger entries sorted by binding key.
func (m *Store) ListTriggers(_ context.Context) ([]*trigger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*trigger.Entry, 0, len(m.triggers))
	for _, e := range m.triggers {
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].Key() < result[k].Key()
	})
	return result, nil
}

// AcquireTriggerLock attempts to lock a trigger entry for firing.
func (m *Store) AcquireTriggerLock(_ context.Context, triggerID id.TriggerID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.triggers[triggerID.String()]
	if !ok {
		return false, riparius.ErrTriggerNotFound
	}
	now := time.Now().UTC()
	if e.LockedBy != "" && e.LockedBy != workerID.String() && e.LockedUntil != nil && e.LockedUntil.After(now) {
		return false, nil
	}
	until := now.Add(ttl)
	e.LockedBy = workerID.String()
	e.LockedUntil = &until
	return true, nil
}

// ReleaseTriggerLock releases a trigger lock held by the given worker.
func (m *Store) ReleaseTriggerLock(_ context.Context, triggerID id.TriggerID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.triggers[triggerID.String()]
	if !ok {
		return riparius.ErrTriggerNotFound
	}
	if e.LockedBy == workerID.String() {
		e.LockedBy = ""
		e.LockedUntil = nil
	}
	return nil
}

// UpdateTriggerLastRun records when a trigger entry last fired.
func (m *Store) UpdateTriggerLastRun(_ context.Context, triggerID id.TriggerID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.triggers[triggerID.String()]
	if !ok {
		return riparius.ErrTriggerNotFound
	}
	t := at
	e.LastRunAt = &t
	return nil
}

// UpdateTriggerEntry updates a trigger entry.
func (m *Store) UpdateTriggerEntry(_ context.Context, entry *trigger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entry.ID.String()
	if _, ok := m.triggers[key]; !ok {
		return riparius.ErrTriggerNotFound
	}
	cp := *entry
	cp.UpdatedAt = time.Now().UTC()
	m.triggers[key] = &cp
	return nil
}

// DeleteTrigger removes a trigger entry by ID.
func (m *Store) DeleteTrigger(_ context.Context, triggerID id.TriggerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := triggerID.String()
	if _, ok := m.triggers[key]; !ok {
		return riparius.ErrTriggerNotFound
	}
	delete(m.triggers, key)
	return nil
}

// ──────────────────────────────────────────────────
// Dead Letter Store
// ──────────────────────────────────────────────────

// PushDeadLetter adds a failed step entry to the dead letter queue.
func (m *Store) PushDeadLetter(_ context.Context, entry *deadletter.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.deadletters[entry.ID.String()] = &cp
	return nil
}

// ListDeadLetters returns entries matching the given options.
func (m *Store) ListDeadLetters(_ context.Context, opts deadletter.ListOpts) ([]*deadletter.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*deadletter.Entry, 0, len(m.deadletters))
	for _, e := range m.deadletters {
		if !opts.WorkflowID.IsNil() && e.WorkflowID != opts.WorkflowID {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].FailedAt.Before(result[k].FailedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// GetDeadLetter retrieves an entry by ID.
func (m *Store) GetDeadLetter(_ context.Context, entryID id.DeadLetterID) (*deadletter.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.deadletters[entryID.String()]
	if !ok {
		return nil, riparius.ErrDeadLetterNotFound
	}
	cp := *e
	return &cp, nil
}

// MarkReplayed records that an entry was replayed.
func (m *Store) MarkReplayed(_ context.Context, entryID id.DeadLetterID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.deadletters[entryID.String()]
	if !ok {
		return riparius.ErrDeadLetterNotFound
	}
	now := time.Now().UTC()
	e.ReplayedAt = &now
	return nil
}

// PurgeDeadLetters removes entries with FailedAt before the given time.
func (m *Store) PurgeDeadLetters(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key, e := range m.deadletters {
		if e.FailedAt.Before(before) {
			delete(m.deadletters, key)
			removed++
		}
	}
	return removed, nil
}

// CountDeadLetters returns the total number of entries.
func (m *Store) CountDeadLetters(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.deadletters)), nil
}

// ──────────────────────────────────────────────────
// Cluster Store
// ──────────────────────────────────────────────────

// RegisterWorker adds a new worker to the cluster registry.
func (m *Store) RegisterWorker(_ context.Context, w *cluster.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *w
	m.workers[w.ID.String()] = &cp
	return nil
}

// DeregisterWorker removes a worker from the cluster registry.
func (m *Store) DeregisterWorker(_ context.Context, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := workerID.String()
	if _, ok := m.workers[key]; !ok {
		return riparius.ErrWorkerNotFound
	}
	delete(m.workers, key)
	if m.leader == key {
		m.leader = ""
	}
	return nil
}

// HeartbeatWorker updates the last-seen timestamp for a worker.
func (m *Store) HeartbeatWorker(_ context.Context, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID.String()]
	if !ok {
		return riparius.ErrWorkerNotFound
	}
	w.LastSeen = time.Now().UTC()
	return nil
}

// ListWorkers returns all registered workers.
func (m *Store) ListWorkers(_ context.Context) ([]*cluster.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*cluster.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		cp := *w
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool {
		return strings.Compare(result[i].ID.String(), result[k].ID.String()) < 0
	})
	return result, nil
}

// ReapDeadWorkers returns workers whose last-seen timestamp is older than
// the given threshold.
func (m *Store) ReapDeadWorkers(_ context.Context, threshold time.Duration) ([]*cluster.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var dead []*cluster.Worker
	for _, w := range m.workers {
		if w.LastSeen.Before(cutoff) {
			cp := *w
			cp.State = cluster.WorkerDead
			dead = append(dead, &cp)
		}
	}
	return dead, nil
}

// AcquireLeadership attempts to become the cluster leader.
func (m *Store) AcquireLeadership(_ context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := workerID.String()
	now := time.Now().UTC()
	if m.leader != "" && m.leader != key && m.leaderUntil.After(now) {
		return false, nil
	}
	m.leader = key
	m.leaderUntil = now.Add(ttl)
	if w, ok := m.workers[key]; ok {
		w.IsLeader = true
		until := m.leaderUntil
		w.LeaderUntil = &until
	}
	return true, nil
}

// RenewLeadership extends the leader's hold.
func (m *Store) RenewLeadership(_ context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := workerID.String()
	now := time.Now().UTC()
	if m.leader != key || m.leaderUntil.Before(now) {
		return false, nil
	}
	m.leaderUntil = now.Add(ttl)
	if w, ok := m.workers[key]; ok {
		until := m.leaderUntil
		w.LeaderUntil = &until
	}
	return true, nil
}

// GetLeader returns the current cluster leader, or nil if there is none.
func (m *Store) GetLeader(_ context.Context) (*cluster.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.leader == "" || m.leaderUntil.Before(time.Now().UTC()) {
		return nil, nil
	}
	w, ok := m.workers[m.leader]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}
