package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/deadletter"
	"github.com/fluvius-io/fluvius-interim/id"
)

const deadLetterColumns = `id, workflow_id, step_id, node_key, handler, params,
	error, attempts, max_attempts, scope_app_id, scope_org_id, failed_at,
	replayed_at, created_at`

// PushDeadLetter adds a failed step entry to the dead letter queue.
func (s *Store) PushDeadLetter(ctx context.Context, entry *deadletter.Entry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO riparius_deadletters (`+deadLetterColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.WorkflowID, entry.StepID, entry.NodeKey, entry.Handler,
			entry.Params, entry.Error, entry.Attempts, entry.MaxAttempts,
			entry.ScopeAppID, entry.ScopeOrgID, entry.FailedAt, entry.ReplayedAt,
			entry.CreatedAt)
		if err != nil {
			return fmt.Errorf("riparius/sqlite: push dead letter: %w", err)
		}
		return nil
	})
}

// ListDeadLetters returns entries matching the given options, ordered by
// failure time.
func (s *Store) ListDeadLetters(ctx context.Context, opts deadletter.ListOpts) ([]*deadletter.Entry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM riparius_deadletters WHERE 1=1`
	var args []any
	if !opts.WorkflowID.IsNil() {
		query += ` AND workflow_id = ?`
		args = append(args, opts.WorkflowID)
	}
	query += ` ORDER BY failed_at` + limitOffset(opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("riparius/sqlite: list dead letters: %w", err)
	}
	defer rows.Close()

	var result []*deadletter.Entry
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// GetDeadLetter retrieves an entry by ID.
func (s *Store) GetDeadLetter(ctx context.Context, entryID id.DeadLetterID) (*deadletter.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deadLetterColumns+` FROM riparius_deadletters WHERE id = ?`, entryID)
	e, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, riparius.ErrDeadLetterNotFound
	}
	return e, err
}

// MarkReplayed records that an entry was replayed.
func (s *Store) MarkReplayed(ctx context.Context, entryID id.DeadLetterID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE riparius_deadletters SET replayed_at = ? WHERE id = ?`,
			time.Now().UTC(), entryID)
		if err != nil {
			return fmt.Errorf("riparius/sqlite: mark replayed: %w", err)
		}
		return requireAffected(res, riparius.ErrDeadLetterNotFound)
	})
}

// PurgeDeadLetters removes entries with FailedAt before the given time.
func (s *Store) PurgeDeadLetters(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM riparius_deadletters WHERE failed_at < ?`, before)
		if err != nil {
			return fmt.Errorf("riparius/sqlite: purge dead letters: %w", err)
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("riparius/sqlite: rows affected: %w", err)
		}
		return nil
	})
	return removed, err
}

// CountDeadLetters returns the total number of entries.
func (s *Store) CountDeadLetters(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM riparius_deadletters`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("riparius/sqlite: count dead letters: %w", err)
	}
	return n, nil
}

func scanDeadLetter(row rowScanner) (*deadletter.Entry, error) {
	var e deadletter.Entry
	err := row.Scan(&e.ID, &e.WorkflowID, &e.StepID, &e.NodeKey, &e.Handler,
		&e.Params, &e.Error, &e.Attempts, &e.MaxAttempts, &e.ScopeAppID,
		&e.ScopeOrgID, &e.FailedAt, &e.ReplayedAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
