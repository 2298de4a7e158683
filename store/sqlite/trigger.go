package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/trigger"
)

const triggerColumns = `id, name, definition_key, schedule, params,
	scope_app_id, scope_org_id, last_run_at, next_run_at, locked_by,
	locked_until, enabled, created_at, updated_at`

// RegisterTrigger persists a new trigger entry. Recurring entries are
// unique per binding key; one-shot entries (empty schedule) coexist.
func (s *Store) RegisterTrigger(ctx context.Context, entry *trigger.Entry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if entry.Schedule != "" {
			var exists bool
			err := tx.QueryRowContext(ctx, `
				SELECT EXISTS (SELECT 1 FROM riparius_triggers
				WHERE definition_key = ? AND name = ? AND schedule <> '')`,
				entry.DefinitionKey, entry.Name).Scan(&exists)
			if err != nil {
				return fmt.Errorf("riparius/sqlite: check trigger binding: %w", err)
			}
			if exists {
				return riparius.ErrDuplicateTrigger
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO riparius_triggers (`+triggerColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.Name, entry.DefinitionKey, entry.Schedule, entry.Params,
			entry.ScopeAppID, entry.ScopeOrgID, entry.LastRunAt, entry.NextRunAt,
			entry.LockedBy, entry.LockedUntil, entry.Enabled, entry.CreatedAt, entry.UpdatedAt)
		if err != nil {
			return fmt.Errorf("riparius/sqlite: register trigger: %w", err)
		}
		return nil
	})
}

// GetTrigger retrieves a trigger entry by ID.
func (s *Store) GetTrigger(ctx context.Context, triggerID id.TriggerID) (*trigger.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+triggerColumns+` FROM riparius_triggers WHERE id = ?`, triggerID)
	e, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, riparius.ErrTriggerNotFound
	}
	return e, err
}

// FindTrigger retrieves the recurring trigger entry for a binding key.
func (s *Store) FindTrigger(ctx context.Context, definitionKey, name string) (*trigger.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+triggerColumns+` FROM riparius_triggers
		WHERE definition_key = ? AND name = ? AND schedule <> ''`,
		definitionKey, name)
	e, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, riparius.ErrTriggerNotFound
	}
	return e, err
}

// ListTriggers returns all trigger entries sorted by binding key.
func (s *Store) ListTriggers(ctx context.Context) ([]*trigger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+triggerColumns+` FROM riparius_triggers
		ORDER BY definition_key, name`)
	if err != nil {
		return nil, fmt.Errorf("riparius/sqlite: list triggers: %w", err)
	}
	defer rows.Close()

	var result []*trigger.Entry
	for rows.Next() {
		e, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// AcquireTriggerLock attempts to lock a trigger entry for firing.
func (s *Store) AcquireTriggerLock(ctx context.Context, triggerID id.TriggerID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var lockedBy string
		var lockedUntil *time.Time
		err := tx.QueryRowContext(ctx,
			`SELECT locked_by, locked_until FROM riparius_triggers WHERE id = ?`,
			triggerID).Scan(&lockedBy, &lockedUntil)
		if errors.Is(err, sql.ErrNoRows) {
			return riparius.ErrTriggerNotFound
		}
		if err != nil {
			return fmt.Errorf("riparius/sqlite: load trigger lock: %w", err)
		}
		now := time.Now().UTC()
		if lockedBy != "" && lockedBy != workerID.String() &&
			lockedUntil != nil && lockedUntil.After(now) {
			return nil
		}
		until := now.Add(ttl)
		_, err = tx.ExecContext(ctx,
			`UPDATE riparius_triggers SET locked_by = ?, locked_until = ? WHERE id = ?`,
			workerID.String(), until, triggerID)
		if err != nil {
			return fmt.Errorf("riparius/sqlite: acquire trigger lock: %w", err)
		}
		acquired = true
		return nil
	})
	return acquired, err
}

// ReleaseTriggerLock releases a trigger lock held by the given worker.
func (s *Store) ReleaseTriggerLock(ctx context.Context, triggerID id.TriggerID, workerID id.WorkerID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM riparius_triggers WHERE id = ?)`, triggerID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("riparius/sqlite: check trigger: %w", err)
		}
		if !exists {
			return riparius.ErrTriggerNotFound
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE riparius_triggers SET locked_by = '', locked_until = NULL
			WHERE id = ? AND locked_by = ?`,
			triggerID, workerID.String())
		if err != nil {
			return fmt.Errorf("riparius/sqlite: release trigger lock: %w", err)
		}
		return nil
	})
}

// UpdateTriggerLastRun records when a trigger entry last fired.
func (s *Store) UpdateTriggerLastRun(ctx context.Context, triggerID id.TriggerID, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE riparius_triggers SET last_run_at = ? WHERE id = ?`, at, triggerID)
		if err != nil {
			return fmt.Errorf("riparius/sqlite: update trigger last run: %w", err)
		}
		return requireAffected(res, riparius.ErrTriggerNotFound)
	})
}

// UpdateTriggerEntry updates a trigger entry.
func (s *Store) UpdateTriggerEntry(ctx context.Context, entry *trigger.Entry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE riparius_triggers SET
				name = ?, definition_key = ?, schedule = ?, params = ?,
				scope_app_id = ?, scope_org_id = ?, last_run_at = ?, next_run_at = ?,
				locked_by = ?, locked_until = ?, enabled = ?, updated_at = ?
			WHERE id = ?`,
			entry.Name, entry.DefinitionKey, entry.Schedule, entry.Params,
			entry.ScopeAppID, entry.ScopeOrgID, entry.LastRunAt, entry.NextRunAt,
			entry.LockedBy, entry.LockedUntil, entry.Enabled, time.Now().UTC(),
			entry.ID)
		if err != nil {
			return fmt.Errorf("riparius/sqlite: update trigger: %w", err)
		}
		return requireAffected(res, riparius.ErrTriggerNotFound)
	})
}

// DeleteTrigger removes a trigger entry by ID.
func (s *Store) DeleteTrigger(ctx context.Context, triggerID id.TriggerID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM riparius_triggers WHERE id = ?`, triggerID)
		if err != nil {
			return fmt.Errorf("riparius/sqlite: delete trigger: %w", err)
		}
		return requireAffected(res, riparius.ErrTriggerNotFound)
	})
}

// requireAffected maps a zero-row write to the given sentinel.
func requireAffected(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("riparius/sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return missing
	}
	return nil
}

func scanTrigger(row rowScanner) (*trigger.Entry, error) {
	var e trigger.Entry
	err := row.Scan(&e.ID, &e.Name, &e.DefinitionKey, &e.Schedule, &e.Params,
		&e.ScopeAppID, &e.ScopeOrgID, &e.LastRunAt, &e.NextRunAt, &e.LockedBy,
		&e.LockedUntil, &e.Enabled, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
