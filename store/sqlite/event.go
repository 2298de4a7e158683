package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/event"
	"github.com/fluvius-io/fluvius-interim/id"
)

const eventColumns = `id, workflow_id, sequence, name, payload, actor,
	scope_app_id, scope_org_id, created_at`

// pollInterval is the sleep between PollEvents checks.
const pollInterval = 100 * time.Millisecond

// appendEvents stamps and inserts commit events inside the commit
// transaction. The store write lock serializes commits, so reading
// MAX(sequence) here is safe.
func appendEvents(ctx context.Context, tx *sql.Tx, workflowID id.WorkflowID, events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}
	var last int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM riparius_events WHERE workflow_id = ?`,
		workflowID).Scan(&last)
	if err != nil {
		return fmt.Errorf("riparius/sqlite: read event sequence: %w", err)
	}
	for _, evt := range events {
		last++
		evt.Sequence = last
		payload := []byte(evt.Payload)
		if len(payload) == 0 {
			payload = []byte("null")
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO riparius_events (`+eventColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			evt.ID, evt.WorkflowID, evt.Sequence, evt.Name, payload, evt.Actor,
			evt.ScopeAppID, evt.ScopeOrgID, evt.CreatedAt)
		if err != nil {
			return fmt.Errorf("riparius/sqlite: insert event: %w", err)
		}
	}
	return nil
}

// AppendAudit appends one event outside any commit, assigning the next
// sequence for its workflow.
func (s *Store) AppendAudit(ctx context.Context, evt *event.Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return appendEvents(ctx, tx, evt.WorkflowID, []*event.Event{evt})
	})
}

// GetEvent retrieves an event by ID.
func (s *Store) GetEvent(ctx context.Context, eventID id.EventID) (*event.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM riparius_events WHERE id = ?`, eventID)
	evt, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, riparius.ErrEventNotFound
	}
	return evt, err
}

// ListEvents returns events for a workflow ordered by sequence.
func (s *Store) ListEvents(ctx context.Context, workflowID id.WorkflowID, opts event.ListOpts) ([]*event.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM riparius_events WHERE workflow_id = ?`
	args := []any{workflowID}
	if opts.Name != "" {
		query += ` AND name = ?`
		args = append(args, opts.Name)
	}
	if opts.AfterSequence > 0 {
		query += ` AND sequence > ?`
		args = append(args, opts.AfterSequence)
	}
	query += ` ORDER BY sequence` + limitOffset(opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("riparius/sqlite: list events: %w", err)
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
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM riparius_events WHERE workflow_id = ?`,
		workflowID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("riparius/sqlite: latest sequence: %w", err)
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

func scanEvent(row rowScanner) (*event.Event, error) {
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
