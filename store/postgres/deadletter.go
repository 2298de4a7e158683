package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/deadletter"
	"github.com/fluvius-io/fluvius-interim/id"
)

const deadLetterColumns = `id, workflow_id, step_id, node_key, handler, params,
	error, attempts, max_attempts, scope_app_id, scope_org_id, failed_at,
	replayed_at, created_at`

// PushDeadLetter adds a failed step entry to the dead letter queue.
func (s *Store) PushDeadLetter(ctx context.Context, entry *deadletter.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO riparius_deadletters (`+deadLetterColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		entry.ID, entry.WorkflowID, entry.StepID, entry.NodeKey, entry.Handler,
		entry.Params, entry.Error, entry.Attempts, entry.MaxAttempts,
		entry.ScopeAppID, entry.ScopeOrgID, entry.FailedAt, entry.ReplayedAt,
		entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("riparius/postgres: push dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns entries matching the given options, ordered by
// failure time.
func (s *Store) ListDeadLetters(ctx context.Context, opts deadletter.ListOpts) ([]*deadletter.Entry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM riparius_deadletters WHERE 1=1`
	var args []any
	if !opts.WorkflowID.IsNil() {
		args = append(args, opts.WorkflowID)
		query += ` AND workflow_id = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY failed_at`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("riparius/postgres: list dead letters: %w", err)
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
	row := s.pool.QueryRow(ctx,
		`SELECT `+deadLetterColumns+` FROM riparius_deadletters WHERE id = $1`, entryID)
	e, err := scanDeadLetter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, riparius.ErrDeadLetterNotFound
	}
	return e, err
}

// MarkReplayed records that an entry was replayed.
func (s *Store) MarkReplayed(ctx context.Context, entryID id.DeadLetterID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE riparius_deadletters SET replayed_at = NOW() WHERE id = $1`, entryID)
	if err != nil {
		return fmt.Errorf("riparius/postgres: mark replayed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return riparius.ErrDeadLetterNotFound
	}
	return nil
}

// PurgeDeadLetters removes entries with FailedAt before the given time.
func (s *Store) PurgeDeadLetters(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM riparius_deadletters WHERE failed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("riparius/postgres: purge dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountDeadLetters returns the total number of entries.
func (s *Store) CountDeadLetters(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM riparius_deadletters`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("riparius/postgres: count dead letters: %w", err)
	}
	return n, nil
}

func scanDeadLetter(row pgx.Row) (*deadletter.Entry, error) {
	var e deadletter.Entry
	err := row.Scan(&e.ID, &e.WorkflowID, &e.StepID, &e.NodeKey, &e.Handler,
		&e.Params, &e.Error, &e.Attempts, &e.MaxAttempts, &e.ScopeAppID,
		&e.ScopeOrgID, &e.FailedAt, &e.ReplayedAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
