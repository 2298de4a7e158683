package bunstore

import (
	"context"
	"fmt"
	"time"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/trigger"
)

// RegisterTrigger persists a new trigger entry. The partial unique index
// on (definition_key, name) enforces recurring-entry uniqueness.
func (s *Store) RegisterTrigger(ctx context.Context, entry *trigger.Entry) error {
	_, err := s.db.NewInsert().Model(toTriggerModel(entry)).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return riparius.ErrDuplicateTrigger
		}
		return fmt.Errorf("riparius/bun: register trigger: %w", err)
	}
	return nil
}

// GetTrigger retrieves a trigger entry by ID.
func (s *Store) GetTrigger(ctx context.Context, triggerID id.TriggerID) (*trigger.Entry, error) {
	m := new(triggerModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", triggerID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, riparius.ErrTriggerNotFound
		}
		return nil, fmt.Errorf("riparius/bun: get trigger: %w", err)
	}
	return fromTriggerModel(m)
}

// FindTrigger retrieves the recurring trigger entry for a binding key.
func (s *Store) FindTrigger(ctx context.Context, definitionKey, name string) (*trigger.Entry, error) {
	m := new(triggerModel)
	err := s.db.NewSelect().Model(m).
		Where("definition_key = ?", definitionKey).
		Where("name = ?", name).
		Where("schedule <> ''").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, riparius.ErrTriggerNotFound
		}
		return nil, fmt.Errorf("riparius/bun: find trigger: %w", err)
	}
	return fromTriggerModel(m)
}

// ListTriggers returns all trigger entries sorted by binding key.
func (s *Store) ListTriggers(ctx context.Context) ([]*trigger.Entry, error) {
	var models []triggerModel
	err := s.db.NewSelect().Model(&models).
		Order("definition_key ASC", "name ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("riparius/bun: list triggers: %w", err)
	}

	result := make([]*trigger.Entry, 0, len(models))
	for i := range models {
		e, err := fromTriggerModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, nil
}

// AcquireTriggerLock attempts to lock a trigger entry for firing. The
// conditional update succeeds only when the lock is free, expired, or
// already held by the caller.
func (s *Store) AcquireTriggerLock(ctx context.Context, triggerID id.TriggerID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	until := time.Now().UTC().Add(ttl)
	res, err := s.db.NewUpdate().
		Model((*triggerModel)(nil)).
		Set("locked_by = ?", workerID.String()).
		Set("locked_until = ?", until).
		Where("id = ?", triggerID.String()).
		Where("locked_by = '' OR locked_by = ? OR locked_until IS NULL OR locked_until < NOW()",
			workerID.String()).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("riparius/bun: acquire trigger lock: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows > 0 {
		return true, nil
	}
	exists, err := s.db.NewSelect().
		Model((*triggerModel)(nil)).
		Where("id = ?", triggerID.String()).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("riparius/bun: check trigger: %w", err)
	}
	if !exists {
		return false, riparius.ErrTriggerNotFound
	}
	return false, nil
}

// ReleaseTriggerLock releases a trigger lock held by the given worker.
func (s *Store) ReleaseTriggerLock(ctx context.Context, triggerID id.TriggerID, workerID id.WorkerID) error {
	res, err := s.db.NewUpdate().
		Model((*triggerModel)(nil)).
		Set("locked_by = ''").
		Set("locked_until = NULL").
		Where("id = ?", triggerID.String()).
		Where("locked_by = ?", workerID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("riparius/bun: release trigger lock: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		exists, err := s.db.NewSelect().
			Model((*triggerModel)(nil)).
			Where("id = ?", triggerID.String()).
			Exists(ctx)
		if err != nil {
			return fmt.Errorf("riparius/bun: check trigger: %w", err)
		}
		if !exists {
			return riparius.ErrTriggerNotFound
		}
	}
	return nil
}

// UpdateTriggerLastRun records when a trigger entry last fired.
func (s *Store) UpdateTriggerLastRun(ctx context.Context, triggerID id.TriggerID, at time.Time) error {
	res, err := s.db.NewUpdate().
		Model((*triggerModel)(nil)).
		Set("last_run_at = ?", at).
		Where("id = ?", triggerID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("riparius/bun: update trigger last run: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return riparius.ErrTriggerNotFound
	}
	return nil
}

// UpdateTriggerEntry updates a trigger entry.
func (s *Store) UpdateTriggerEntry(ctx context.Context, entry *trigger.Entry) error {
	m := toTriggerModel(entry)
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("riparius/bun: update trigger: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return riparius.ErrTriggerNotFound
	}
	return nil
}

// DeleteTrigger removes a trigger entry by ID.
func (s *Store) DeleteTrigger(ctx context.Context, triggerID id.TriggerID) error {
	res, err := s.db.NewDelete().
		Model((*triggerModel)(nil)).
		Where("id = ?", triggerID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("riparius/bun: delete trigger: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return riparius.ErrTriggerNotFound
	}
	return nil
}
