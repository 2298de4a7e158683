package trigger

import (
	"context"
	"time"

	"github.com/fluvius-io/fluvius-interim/id"
)

// Store defines the persistence contract for scheduled trigger entries.
type Store interface {
	// RegisterTrigger persists a new trigger entry. A recurring entry
	// (non-empty Schedule) is unique per (definition, name) binding and
	// duplicates return ErrDuplicateTrigger; one-shot entries from
	// delayed triggers may coexist.
	RegisterTrigger(ctx context.Context, entry *Entry) error

	// GetTrigger retrieves a trigger entry by ID.
	GetTrigger(ctx context.Context, triggerID id.TriggerID) (*Entry, error)

	// FindTrigger retrieves the recurring trigger entry for a binding key.
	FindTrigger(ctx context.Context, definitionKey, name string) (*Entry, error)

	// ListTriggers returns all trigger entries.
	ListTriggers(ctx context.Context) ([]*Entry, error)

	// AcquireTriggerLock attempts to acquire a distributed lock for a
	// trigger entry. Returns true if the lock was acquired. The lock
	// expires after ttl.
	AcquireTriggerLock(ctx context.Context, triggerID id.TriggerID, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// ReleaseTriggerLock releases the distributed lock for a trigger entry.
	ReleaseTriggerLock(ctx context.Context, triggerID id.TriggerID, workerID id.WorkerID) error

	// UpdateTriggerLastRun records when a trigger entry last fired.
	UpdateTriggerLastRun(ctx context.Context, triggerID id.TriggerID, at time.Time) error

	// UpdateTriggerEntry updates a trigger entry (Enabled, NextRunAt, etc.).
	UpdateTriggerEntry(ctx context.Context, entry *Entry) error

	// DeleteTrigger removes a trigger entry by ID.
	DeleteTrigger(ctx context.Context, triggerID id.TriggerID) error
}
