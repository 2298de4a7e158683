package bunstore

import (
	"context"
	"fmt"
	"time"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/deadletter"
	"github.com/fluvius-io/fluvius-interim/id"
)

// PushDeadLetter adds a failed step entry to the dead letter queue.
func (s *Store) PushDeadLetter(ctx context.Context, entry *deadletter.Entry) error {
	_, err := s.db.NewInsert().Model(toDeadLetterModel(entry)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("riparius/bun: push dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns entries matching the given options, ordered by
// failure time.
func (s *Store) ListDeadLetters(ctx context.Context, opts deadletter.ListOpts) ([]*deadletter.Entry, error) {
	var models []deadLetterModel
	q := s.db.NewSelect().Model(&models)
	if !opts.WorkflowID.IsNil() {
		q = q.Where("workflow_id = ?", opts.WorkflowID.String())
	}
	q = q.Order("failed_at ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("riparius/bun: list dead letters: %w", err)
	}

	result := make([]*deadletter.Entry, 0, len(models))
	for i := range models {
		e, err := fromDeadLetterModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, nil
}

// GetDeadLetter retrieves an entry by ID.
func (s *Store) GetDeadLetter(ctx context.Context, entryID id.DeadLetterID) (*deadletter.Entry, error) {
	m := new(deadLetterModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", entryID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, riparius.ErrDeadLetterNotFound
		}
		return nil, fmt.Errorf("riparius/bun: get dead letter: %w", err)
	}
	return fromDeadLetterModel(m)
}

// MarkReplayed records that an entry was replayed.
func (s *Store) MarkReplayed(ctx context.Context, entryID id.DeadLetterID) error {
	res, err := s.db.NewUpdate().
		Model((*deadLetterModel)(nil)).
		Set("replayed_at = NOW()").
		Where("id = ?", entryID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("riparius/bun: mark replayed: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return riparius.ErrDeadLetterNotFound
	}
	return nil
}

// PurgeDeadLetters removes entries with FailedAt before the given time.
func (s *Store) PurgeDeadLetters(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.NewDelete().
		Model((*deadLetterModel)(nil)).
		Where("failed_at < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("riparius/bun: purge dead letters: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows, nil
}

// CountDeadLetters returns the total number of entries.
func (s *Store) CountDeadLetters(ctx context.Context) (int64, error) {
	n, err := s.db.NewSelect().Model((*deadLetterModel)(nil)).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("riparius/bun: count dead letters: %w", err)
	}
	return int64(n), nil
}
