package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/event"
	"github.com/fluvius-io/fluvius-interim/id"
)

const eventColumns = `id, workflow_id, sequence, name, payload, actor,
	scope_app_id, scope_org_id, created_at`

// pollInterval is the sleep between PollEvents checks.
const pollInterval = 100 * time.Millisecond

// appendEvents stamps and inserts commit events inside the commit
// transaction. The instance row write earlier in the transaction
// serializes commits per workflow, so reading MAX(sequence) here is safe.
func appendEvents(ctx context.Context, tx pgx.Tx, workflowID id.WorkflowID, events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}
	var last int64
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM riparius_events WHERE workflow_id = $1`,
		workflowID).Scan(&last)
	if err != nil {
		return fmt.Errorf("riparius/postgres: read event sequence: %w", err)
	}
	for _, evt := range events {
		last++
		evt.Sequence = last
		if err := insertEvent(ctx, tx, evt); err != nil {
			return err
		}
	}
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, evt *event.Event) error {
	payload := []byte(evt.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO riparius_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		evt.ID, evt.WorkflowID, evt.Sequence, evt.Name, payload, evt.Actor,
		evt.ScopeAppID, evt.ScopeOrgID, evt.CreatedAt)
	if err != nil {
		return fmt.Errorf("riparius/postgres: insert event: %w", err)
	}
	return nil
}

// AppendAudit appends one event outside any commit, assigning the next
// sequence for its workflow. The instance row lock keeps the sequence
// read consistent with concurrent commits.
func (s *Store) AppendAudit(ctx context.Context, evt *event.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("riparius/postgres: begin audit append: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var lockID id.WorkflowID
	err = tx.QueryRow(ctx,
		`SELECT id FROM riparius_workflows WHERE id = $1 FOR UPDATE`,
		evt.WorkflowID).Scan(&lockID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("riparius/postgres: lock instance: %w", err)
	}

	if err := appendEvents(ctx, tx, evt.WorkflowID, []*event.Event{evt}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("riparius/postgres: commit audit append: %w", err)
	}
	return nil
}

// GetEvent retrieves an event by ID.
func (s *Store) GetEvent(ctx context.Context, eventID id.EventID) (*event.Event, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM riparius_events WHERE id = $1`, eventID)
	evt, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, riparius.ErrEventNotFound
	}
	return evt, err
}

// ListEvents returns events for a workflow ordered by sequence.
func (s *Store) ListEvents(ctx context.Context, workflowID id.WorkflowID, opts event.ListOpts) ([]*event.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM riparius_events WHERE workflow_id = $1`
	args := []any{workflowID}
	if opts.Name != "" {
		args = append(args, opts.Name)
		query += ` AND name = $` + strconv.Itoa(len(args))
	}
	if opts.AfterSequence > 0 {
		args = append(args, opts.AfterSequence)
		query += ` AND sequence > $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY sequence`
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
		return nil, fmt.Errorf("riparius/postgres: list events: %w", err)
	}
	defer rows.Close()

	var result []*event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, evt)
	}
	return result, rows.Err()
}

// LatestSequence returns the highest sequence assigned for a workflow, or
// zero when the log is empty.
func (s *Store) LatestSequence(ctx context.Context, workflowID id.WorkflowID) (int64, error) {
	var last int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM riparius_events WHERE workflow_id = $1`,
		workflowID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("riparius/postgres: latest sequence: %w", err)
	}
	return last, nil
}

// PollEvents blocks until events past afterSeq exist, the timeout elapses,
// or ctx is done. Returns nil on timeout.
func (s *Store) PollEvents(ctx context.Context, workflowID id.WorkflowID, afterSeq int64, timeout time.Duration) ([]*event.Event, error) {
	deadline := time.Now().Add(timeout)
	for {
		events, err := s.ListEvents(ctx, workflowID, event.ListOpts{AfterSequence: afterSeq})
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

func scanEvent(row pgx.Row) (*event.Event, error) {
	var evt event.Event
	var payload []byte
	err := row.Scan(&evt.ID, &evt.WorkflowID, &evt.Sequence, &evt.Name, &payload,
		&evt.Actor, &evt.ScopeAppID, &evt.ScopeOrgID, &evt.CreatedAt)
	if err != nil {
		return nil, err
	}
	evt.Payload = payload
	return &evt, nil
}
