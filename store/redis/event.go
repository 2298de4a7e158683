package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/event"
	"github.com/fluvius-io/fluvius-interim/id"
)

// pollInterval is how often PollEvents re-reads the log while blocked.
const pollInterval = 100 * time.Millisecond

// AppendAudit appends a single event outside any workflow commit. The
// sequence key is WATCHed so concurrent appends never assign the same
// sequence twice.
func (s *Store) AppendAudit(ctx context.Context, evt *event.Event) error {
	wfID := evt.WorkflowID.String()
	seqKey := wfSeqKey(wfID)

	txn := func(tx *goredis.Tx) error {
		last, err := tx.Get(ctx, seqKey).Int64()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return fmt.Errorf("riparius/redis: append audit read sequence: %w", err)
		}
		evt.Sequence = last + 1

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			eID := evt.ID.String()
			pipe.HSet(ctx, eventKey(eID), eventToMap(evt))
			pipe.ZAdd(ctx, wfEventsKey(wfID), goredis.Z{
				Score:  float64(evt.Sequence),
				Member: eID,
			})
			pipe.Set(ctx, seqKey, evt.Sequence, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txn, seqKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("riparius/redis: append audit: %w", goredis.TxFailedErr)
}

// GetEvent returns a single event by ID.
func (s *Store) GetEvent(ctx context.Context, eventID id.EventID) (*event.Event, error) {
	vals, err := s.client.HGetAll(ctx, eventKey(eventID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("riparius/redis: get event: %w", err)
	}
	if len(vals) == 0 {
		return nil, riparius.ErrEventNotFound
	}
	return mapToEvent(vals)
}

// ListEvents returns events for a workflow ordered by sequence.
func (s *Store) ListEvents(ctx context.Context, workflowID id.WorkflowID, opts event.ListOpts) ([]*event.Event, error) {
	ids, err := s.client.ZRangeByScore(ctx, wfEventsKey(workflowID.String()), &goredis.ZRangeBy{
		Min: "(" + strconv.FormatInt(opts.AfterSequence, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("riparius/redis: list events zrange: %w", err)
	}

	var events []*event.Event
	for _, eID := range ids {
		vals, getErr := s.client.HGetAll(ctx, eventKey(eID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		evt, convErr := mapToEvent(vals)
		if convErr != nil {
			continue
		}
		if opts.Name != "" && evt.Name != opts.Name {
			continue
		}
		events = append(events, evt)
	}
	return pageSlice(events, opts.Limit, opts.Offset), nil
}

// LatestSequence returns the highest sequence assigned for a workflow.
func (s *Store) LatestSequence(ctx context.Context, workflowID id.WorkflowID) (int64, error) {
	last, err := s.client.Get(ctx, wfSeqKey(workflowID.String())).Int64()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("riparius/redis: latest sequence: %w", err)
	}
	return last, nil
}

// PollEvents blocks until events newer than afterSeq exist for the
// workflow, then returns them in order. Returns nil when the timeout
// elapses first.
func (s *Store) PollEvents(ctx context.Context, workflowID id.WorkflowID, afterSeq int64, timeout time.Duration) ([]*event.Event, error) {
	deadline := time.Now().Add(timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		events, err := s.ListEvents(ctx, workflowID, event.ListOpts{AfterSequence: afterSeq})
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			return events, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := pollInterval
		if wait > remaining {
			wait = remaining
		}
		sleepCtx(ctx, wait)
	}
}

// ── helpers ──

func eventToMap(evt *event.Event) map[string]any {
	return map[string]any{
		"id":          evt.ID.String(),
		"workflow_id": evt.WorkflowID.String(),
		"sequence":    strconv.FormatInt(evt.Sequence, 10),
		"name":        evt.Name,
		"payload":     string(evt.Payload),
		"actor":       evt.Actor,
		"scope_app":   evt.ScopeAppID,
		"scope_org":   evt.ScopeOrgID,
		"created_at":  evt.CreatedAt.Format(time.RFC3339Nano),
	}
}

func mapToEvent(m map[string]string) (*event.Event, error) {
	eID, err := id.ParseEventID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("riparius/redis: parse event id: %w", err)
	}
	wID, _ := id.ParseWorkflowID(m["workflow_id"])         //nolint:errcheck // best-effort parse from trusted Redis data
	sequence, _ := strconv.ParseInt(m["sequence"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data

	evt := &event.Event{
		ID:         eID,
		WorkflowID: wID,
		Sequence:   sequence,
		Name:       m["name"],
		Actor:      m["actor"],
		ScopeAppID: m["scope_app"],
		ScopeOrgID: m["scope_org"],
		CreatedAt:  parseTime(m["created_at"]),
	}
	if v := m["payload"]; v != "" {
		evt.Payload = []byte(v)
	}
	return evt, nil
}
