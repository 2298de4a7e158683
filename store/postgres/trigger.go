package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/trigger"
)

const triggerColumns = `id, name, definition_key, schedule, params,
	scope_app_id, scope_org_id, last_run_at, next_run_at, locked_by,
	locked_until, enabled, created_at, updated_at`

// RegisterTrigger persists a new trigger entry. The partial unique index
// on (definition_key, name) enforces recurring-entry uniqueness; one-shot
// entries have an empty schedule and fall outside it.
func (s *Store) RegisterTrigger(ctx context.Context, entry *trigger.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO riparius_triggers (`+triggerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		entry.ID, entry.Name, entry.DefinitionKey, entry.Schedule, entry.Params,
		entry.ScopeAppID, entry.ScopeOrgID, entry.LastRunAt, entry.NextRunAt,
		entry.LockedBy, entry.LockedUntil, entry.Enabled, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return riparius.ErrDuplicateTrigger
		}
		return fmt.Errorf("riparius/postgres: register trigger: %w", err)
	}
	return nil
}

// GetTrigger retrieves a trigger entry by ID.
func (s *Store) GetTrigger(ctx context.Context, triggerID id.TriggerID) (*trigger.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+triggerColumns+` FROM riparius_triggers WHERE id = $1`, triggerID)
	e, err := scanTrigger(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, riparius.ErrTriggerNotFound
	}
	return e, err
}

// FindTrigger retrieves the recurring trigger entry for a binding key.
func (s *Store) FindTrigger(ctx context.Context, definitionKey, name string) (*trigger.Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+triggerColumns+` FROM riparius_triggers
		WHERE definition_key = $1 AND name = $2 AND schedule <> ''`,
		definitionKey, name)
	e, err := scanTrigger(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, riparius.ErrTriggerNotFound
	}
	return e, err
}

// ListTriggers returns all trigger entries sorted by binding key.
func (s *Store) ListTriggers(ctx context.Context) ([]*trigger.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+triggerColumns+` FROM riparius_triggers
		ORDER BY definition_key, name`)
	if err != nil {
		return nil, fmt.Errorf("riparius/postgres: list triggers: %w", err)
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

// AcquireTriggerLock attempts to lock a trigger entry for firing. The
// conditional update succeeds only when the lock is free, expired, or
// already held by the caller.
func (s *Store) AcquireTriggerLock(ctx context.Context, triggerID id.TriggerID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	until := time.Now().UTC().Add(ttl)
	tag, err := s.pool.Exec(ctx, `
		UPDATE riparius_triggers
		SET locked_by = $2, locked_until = $3
		WHERE id = $1
		  AND (locked_by = '' OR locked_by = $2 OR locked_until IS NULL OR locked_until < NOW())`,
		triggerID, workerID.String(), until)
	if err != nil {
		return false, fmt.Errorf("riparius/postgres: acquire trigger lock: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM riparius_triggers WHERE id = $1)`, triggerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("riparius/postgres: check trigger: %w", err)
	}
	if !exists {
		return false, riparius.ErrTriggerNotFound
	}
	return false, nil
}

// ReleaseTriggerLock releases a trigger lock held by the given worker.
func (s *Store) ReleaseTriggerLock(ctx context.Context, triggerID id.TriggerID, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE riparius_triggers
		SET locked_by = '', locked_until = NULL
		WHERE id = $1 AND locked_by = $2`,
		triggerID, workerID.String())
	if err != nil {
		return fmt.Errorf("riparius/postgres: release trigger lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err = s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM riparius_triggers WHERE id = $1)`, triggerID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("riparius/postgres: check trigger: %w", err)
		}
		if !exists {
			return riparius.ErrTriggerNotFound
		}
	}
	return nil
}

// UpdateTriggerLastRun records when a trigger entry last fired.
func (s *Store) UpdateTriggerLastRun(ctx context.Context, triggerID id.TriggerID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE riparius_triggers SET last_run_at = $2 WHERE id = $1`, triggerID, at)
	if err != nil {
		return fmt.Errorf("riparius/postgres: update trigger last run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return riparius.ErrTriggerNotFound
	}
	return nil
}

// UpdateTriggerEntry updates a trigger entry.
func (s *Store) UpdateTriggerEntry(ctx context.Context, entry *trigger.Entry) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE riparius_triggers SET
			name = $2, definition_key = $3, schedule = $4, params = $5,
			scope_app_id = $6, scope_org_id = $7, last_run_at = $8, next_run_at = $9,
			locked_by = $10, locked_until = $11, enabled = $12, updated_at = NOW()
		WHERE id = $1`,
		entry.ID, entry.Name, entry.DefinitionKey, entry.Schedule, entry.Params,
		entry.ScopeAppID, entry.ScopeOrgID, entry.LastRunAt, entry.NextRunAt,
		entry.LockedBy, entry.LockedUntil, entry.Enabled)
	if err != nil {
		return fmt.Errorf("riparius/postgres: update trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return riparius.ErrTriggerNotFound
	}
	return nil
}

// DeleteTrigger removes a trigger entry by ID.
func (s *Store) DeleteTrigger(ctx context.Context, triggerID id.TriggerID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM riparius_triggers WHERE id = $1`, triggerID)
	if err != nil {
		return fmt.Errorf("riparius/postgres: delete trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return riparius.ErrTriggerNotFound
	}
	return nil
}

func scanTrigger(row pgx.Row) (*trigger.Entry, error) {
	var e trigger.Entry
	err := row.Scan(&e.ID, &e.Name, &e.DefinitionKey, &e.Schedule, &e.Params,
		&e.ScopeAppID, &e.ScopeOrgID, &e.LastRunAt, &e.NextRunAt, &e.LockedBy,
		&e.LockedUntil, &e.Enabled, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
