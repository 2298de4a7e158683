package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/event"
	"github.com/fluvius-io/fluvius-interim/id"
)

// pollInterval is the sleep between PollEvents checks. Bun is
// dialect-agnostic, so polling is used instead of LISTEN/NOTIFY.
const pollInterval = 100 * time.Millisecond

// appendEvents stamps and inserts commit events inside the commit
// transaction. The instance row write earlier in the transaction
// serializes commits per workflow, so reading MAX(sequence) here is safe.
func appendEvents(ctx context.Context, tx bun.Tx, workflowID id.WorkflowID, events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}
	var last int64
	err := tx.NewSelect().
		Model((*eventModel)(nil)).
		ColumnExpr("COALESCE(MAX(sequence), 0)").
		Where("workflow_id = ?", workflowID.String()).
		Scan(ctx, &last)
	if err != nil {
		return fmt.Errorf("riparius/bun: read event sequence: %w", err)
	}
	for _, evt := range events {
		last++
		evt.Sequence = last
		if _, err := tx.NewInsert().Model(toEventModel(evt)).Exec(ctx); err != nil {
			return fmt.Errorf("riparius/bun: insert event: %w", err)
		}
	}
	return nil
}

// AppendAudit appends one event outside any commit, assigning the next
// sequence for its workflow. The instance row lock keeps the sequence
// read consistent with concurrent commits.
func (s *Store) AppendAudit(ctx context.Context, evt *event.Event) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.ExecContext(ctx,
			`SELECT id FROM riparius_workflows WHERE id = ? FOR UPDATE`,
			evt.WorkflowID.String())
		if err != nil {
			return fmt.Errorf("riparius/bun: lock instance: %w", err)
		}
		return appendEvents(ctx, tx, evt.WorkflowID, []*event.Event{evt})
	})
}

// GetEvent retrieves an event by ID.
func (s *Store) GetEvent(ctx context.Context, eventID id.EventID) (*event.Event, error) {
	m := new(eventModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", eventID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, riparius.ErrEventNotFound
		}
		return nil, fmt.Errorf("riparius/bun: get event: %w", err)
	}
	return fromEventModel(m)
}

// ListEvents returns events for a workflow ordered by sequence.
func (s *Store) ListEvents(ctx context.Context, workflowID id.WorkflowID, opts event.ListOpts) ([]*event.Event, error) {
	var models []eventModel
	q := s.db.NewSelect().Model(&models).
		Where("workflow_id = ?", workflowID.String())
	if opts.Name != "" {
		q = q.Where("name = ?", opts.Name)
	}
	if opts.AfterSequence > 0 {
		q = q.Where("sequence > ?", opts.AfterSequence)
	}
	q = q.Order("sequence ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("riparius/bun: list events: %w", err)
	}

	result := make([]*event.Event, 0, len(models))
	for i := range models {
		evt, err := fromEventModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, evt)
	}
	return result, nil
}

// LatestSequence returns the highest sequence assigned for a workflow, or
// zero when the log is empty.
func (s *Store) LatestSequence(ctx context.Context, workflowID id.WorkflowID) (int64, error) {
	var last int64
	err := s.db.NewSelect().
		Model((*eventModel)(nil)).
		ColumnExpr("COALESCE(MAX(sequence), 0)").
		Where("workflow_id = ?", workflowID.String()).
		Scan(ctx, &last)
	if err != nil {
		return 0, fmt.Errorf("riparius/bun: latest sequence: %w", err)
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
		default:
			sleepCtx(ctx, pollInterval)
		}
	}
}
