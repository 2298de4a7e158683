package trigger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/cluster"
	"github.com/fluvius-io/fluvius-interim/definition"
	"github.com/fluvius-io/fluvius-interim/id"
)

// FireFunc delivers a due entry to the dispatcher. This breaks the
// import cycle: the engine provides the implementation.
type FireFunc func(ctx context.Context, entry *Entry) error

// Emitter emits trigger lifecycle events.
// ext.Registry satisfies this interface via EmitTriggerFired.
type Emitter interface {
	EmitTriggerFired(ctx context.Context, name, definitionKey string)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due entries.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithLockTTL sets the TTL for per-entry distributed locks.
func WithLockTTL(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.lockTTL = d }
}

// WithLeaderTTL sets the TTL for leader election.
func WithLeaderTTL(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.leaderTTL = d }
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
// Exported so definition registration can reject bad expressions early.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Scheduler fires trigger entries on a tick loop: recurring entries
// materialized from definition schedules and one-shot entries produced by
// delayed send-trigger commands. Only the cluster leader executes ticks
// to prevent double-firing.
type Scheduler struct {
	triggers     Store
	clusterStore cluster.Store
	fire         FireFunc
	emitter      Emitter
	workerID     id.WorkerID
	logger       *slog.Logger

	tickInterval time.Duration
	lockTTL      time.Duration
	leaderTTL    time.Duration

	// parsed caches compiled cron expressions.
	parsedMu sync.RWMutex
	parsed   map[string]cronlib.Schedule

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(
	triggers Store,
	clusterStore cluster.Store,
	fire FireFunc,
	emitter Emitter,
	workerID id.WorkerID,
	logger *slog.Logger,
	opts ...SchedulerOption,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		triggers:     triggers,
		clusterStore: clusterStore,
		fire:         fire,
		emitter:      emitter,
		workerID:     workerID,
		logger:       logger,
		tickInterval: 1 * time.Second,
		lockTTL:      30 * time.Second,
		leaderTTL:    15 * time.Second,
		parsed:       make(map[string]cronlib.Schedule),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync materializes recurring entries for every scheduled binding in the
// registry, reschedules ones whose expression changed, and removes
// entries whose binding disappeared. One-shot entries from delayed
// triggers are left alone. Call it at startup and after a definition
// registry replacement.
func (s *Scheduler) Sync(ctx context.Context, reg *definition.Registry) error {
	now := time.Now().UTC()

	want := make(map[string]definition.Binding)
	for _, b := range reg.ScheduledBindings() {
		want[b.Workflow.Key+"/"+b.Trigger.Name] = b
	}

	existing, err := s.triggers.ListTriggers(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, e := range existing {
		if e.Schedule == "" {
			continue
		}
		b, ok := want[e.Key()]
		if !ok {
			if err := s.triggers.DeleteTrigger(ctx, e.ID); err != nil {
				return err
			}
			s.logger.Info("removed trigger entry for vanished binding",
				slog.String("trigger", e.Name),
				slog.String("definition", e.DefinitionKey),
			)
			continue
		}
		seen[e.Key()] = true
		if e.Schedule == b.Trigger.Schedule {
			continue
		}
		sched, parseErr := s.getOrParseSchedule(b.Trigger.Schedule)
		if parseErr != nil {
			s.logger.Error("invalid trigger schedule",
				slog.String("trigger", b.Trigger.Name),
				slog.String("schedule", b.Trigger.Schedule),
				slog.String("error", parseErr.Error()),
			)
			continue
		}
		e.Schedule = b.Trigger.Schedule
		next := sched.Next(now)
		e.NextRunAt = &next
		if err := s.triggers.UpdateTriggerEntry(ctx, e); err != nil {
			return err
		}
	}

	for key, b := range want {
		if seen[key] {
			continue
		}
		sched, parseErr := s.getOrParseSchedule(b.Trigger.Schedule)
		if parseErr != nil {
			s.logger.Error("invalid trigger schedule",
				slog.String("trigger", b.Trigger.Name),
				slog.String("schedule", b.Trigger.Schedule),
				slog.String("error", parseErr.Error()),
			)
			continue
		}
		next := sched.Next(now)
		entry := &Entry{
			Entity:        riparius.NewEntity(),
			ID:            id.NewTriggerID(),
			Name:          b.Trigger.Name,
			DefinitionKey: b.Workflow.Key,
			Schedule:      b.Trigger.Schedule,
			NextRunAt:     &next,
			Enabled:       true,
		}
		if err := s.triggers.RegisterTrigger(ctx, entry); err != nil &&
			!errors.Is(err, riparius.ErrDuplicateTrigger) {
			return err
		}
	}
	return nil
}

// Start launches the leader election and tick goroutines.
func (s *Scheduler) Start(_ context.Context) error {
	s.wg.Add(2)
	go s.leaderLoop()
	go s.tickLoop()
	s.logger.Info("trigger scheduler started",
		slog.String("worker_id", s.workerID.String()),
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for goroutines to finish.
func (s *Scheduler) Stop(_ context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("trigger scheduler stopped")
	return nil
}

// leaderLoop continuously attempts to acquire or renew leadership.
func (s *Scheduler) leaderLoop() {
	defer s.wg.Done()

	renewInterval := s.leaderTTL / 2
	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()

	// Try once immediately at start.
	s.tryLeadership()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tryLeadership()
		}
	}
}

func (s *Scheduler) tryLeadership() {
	ctx := context.Background()

	// Try to renew first (cheap if already leader).
	renewed, err := s.clusterStore.RenewLeadership(ctx, s.workerID, s.leaderTTL)
	if err != nil {
		s.logger.Warn("leadership renew error", slog.String("error", err.Error()))
		return
	}
	if renewed {
		return
	}

	acquired, err := s.clusterStore.AcquireLeadership(ctx, s.workerID, s.leaderTTL)
	if err != nil {
		s.logger.Warn("leadership acquire error", slog.String("error", err.Error()))
		return
	}
	if acquired {
		s.logger.Info("acquired scheduler leadership", slog.String("worker_id", s.workerID.String()))
	}
}

// tickLoop fires on each tick interval and processes due entries.
func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	ctx := context.Background()

	leader, err := s.clusterStore.GetLeader(ctx)
	if err != nil {
		s.logger.Warn("get leader error", slog.String("error", err.Error()))
		return
	}
	if leader == nil || leader.ID.String() != s.workerID.String() {
		return
	}

	entries, err := s.triggers.ListTriggers(ctx)
	if err != nil {
		s.logger.Error("list triggers error", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, entry := range entries {
		if !entry.Enabled {
			continue
		}
		if entry.NextRunAt == nil || entry.NextRunAt.After(now) {
			continue
		}
		s.fireEntry(ctx, entry, now)
	}
}

func (s *Scheduler) fireEntry(ctx context.Context, entry *Entry, now time.Time) {
	acquired, err := s.triggers.AcquireTriggerLock(ctx, entry.ID, s.workerID, s.lockTTL)
	if err != nil {
		s.logger.Error("acquire trigger lock error",
			slog.String("trigger_id", entry.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if !acquired {
		return // Another worker got it.
	}
	defer func() {
		relErr := s.triggers.ReleaseTriggerLock(ctx, entry.ID, s.workerID)
		// One-shot entries are deleted while still locked.
		if relErr != nil && !errors.Is(relErr, riparius.ErrTriggerNotFound) {
			s.logger.Error("release trigger lock error",
				slog.String("trigger_id", entry.ID.String()),
				slog.String("error", relErr.Error()),
			)
		}
	}()

	if fireErr := s.fire(ctx, entry); fireErr != nil {
		s.logger.Error("trigger fire error",
			slog.String("trigger", entry.Name),
			slog.String("definition", entry.DefinitionKey),
			slog.String("error", fireErr.Error()),
		)
		return
	}

	if entry.Schedule == "" {
		// One-shot from a delayed send-trigger: fired once, then gone.
		if delErr := s.triggers.DeleteTrigger(ctx, entry.ID); delErr != nil {
			s.logger.Error("delete one-shot trigger error",
				slog.String("trigger_id", entry.ID.String()),
				slog.String("error", delErr.Error()),
			)
		}
	} else {
		sched, parseErr := s.getOrParseSchedule(entry.Schedule)
		if parseErr != nil {
			s.logger.Error("parse trigger schedule error",
				slog.String("trigger", entry.Name),
				slog.String("schedule", entry.Schedule),
				slog.String("error", parseErr.Error()),
			)
		} else if err := s.reschedule(ctx, entry.ID, sched, now); err != nil {
			s.logger.Error("update trigger schedule error",
				slog.String("trigger_id", entry.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.emitter != nil {
		s.emitter.EmitTriggerFired(ctx, entry.Name, entry.DefinitionKey)
	}

	s.logger.Info("trigger fired",
		slog.String("trigger", entry.Name),
		slog.String("definition", entry.DefinitionKey),
		slog.Bool("recurring", entry.Schedule != ""),
	)
}

// reschedule records a fire on a recurring entry and advances its next
// run. The entry is re-read before the write-back: the copy the tick
// listed predates the lock fields the acquire wrote, and a full-entry
// update from that copy would clear them.
func (s *Scheduler) reschedule(ctx context.Context, triggerID id.TriggerID, sched cronlib.Schedule, now time.Time) error {
	fresh, err := s.triggers.GetTrigger(ctx, triggerID)
	if err != nil {
		return err
	}
	next := sched.Next(now)
	fresh.LastRunAt = &now
	fresh.NextRunAt = &next
	return s.triggers.UpdateTriggerEntry(ctx, fresh)
}

// getOrParseSchedule caches compiled cron expressions.
func (s *Scheduler) getOrParseSchedule(expr string) (cronlib.Schedule, error) {
	s.parsedMu.RLock()
	sched, ok := s.parsed[expr]
	s.parsedMu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}

	s.parsedMu.Lock()
	s.parsed[expr] = sched
	s.parsedMu.Unlock()
	return sched, nil
}
