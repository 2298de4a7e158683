package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/deadletter"
	"github.com/fluvius-io/fluvius-interim/id"
)

// PushDeadLetter adds a failed step entry to the dead letter queue.
func (s *Store) PushDeadLetter(ctx context.Context, entry *deadletter.Entry) error {
	eID := entry.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, deadLetterKey(eID), deadLetterToMap(entry))
	pipe.SAdd(ctx, deadLetterIDsKey, eID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("riparius/redis: push dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns entries matching the options, oldest failure
// first.
func (s *Store) ListDeadLetters(ctx context.Context, opts deadletter.ListOpts) ([]*deadletter.Entry, error) {
	ids, err := s.client.SMembers(ctx, deadLetterIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("riparius/redis: list dead letters smembers: %w", err)
	}

	entries := make([]*deadletter.Entry, 0, len(ids))
	for _, eID := range ids {
		vals, getErr := s.client.HGetAll(ctx, deadLetterKey(eID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		e, convErr := mapToDeadLetter(vals)
		if convErr != nil {
			continue
		}
		if !opts.WorkflowID.IsNil() && e.WorkflowID != opts.WorkflowID {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].FailedAt.Before(entries[j].FailedAt) })
	return pageSlice(entries, opts.Limit, opts.Offset), nil
}

// GetDeadLetter retrieves an entry by ID.
func (s *Store) GetDeadLetter(ctx context.Context, entryID id.DeadLetterID) (*deadletter.Entry, error) {
	vals, err := s.client.HGetAll(ctx, deadLetterKey(entryID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("riparius/redis: get dead letter: %w", err)
	}
	if len(vals) == 0 {
		return nil, riparius.ErrDeadLetterNotFound
	}
	return mapToDeadLetter(vals)
}

// MarkReplayed records that an entry was replayed.
func (s *Store) MarkReplayed(ctx context.Context, entryID id.DeadLetterID) error {
	key := deadLetterKey(entryID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("riparius/redis: mark replayed exists: %w", err)
	}
	if exists == 0 {
		return riparius.ErrDeadLetterNotFound
	}

	_, err = s.client.HSet(ctx, key,
		"replayed_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return fmt.Errorf("riparius/redis: mark replayed: %w", err)
	}
	return nil
}

// PurgeDeadLetters removes entries with FailedAt before the given time.
func (s *Store) PurgeDeadLetters(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.SMembers(ctx, deadLetterIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("riparius/redis: purge dead letters smembers: %w", err)
	}

	var purged int64
	for _, eID := range ids {
		key := deadLetterKey(eID)
		failedAtStr, getErr := s.client.HGet(ctx, key, "failed_at").Result()
		if getErr != nil {
			if errors.Is(getErr, goredis.Nil) {
				continue
			}
			return purged, fmt.Errorf("riparius/redis: purge dead letters get: %w", getErr)
		}

		if parseTime(failedAtStr).Before(before) {
			pipe := s.client.TxPipeline()
			pipe.Del(ctx, key)
			pipe.SRem(ctx, deadLetterIDsKey, eID)
			if _, pErr := pipe.Exec(ctx); pErr != nil {
				return purged, fmt.Errorf("riparius/redis: purge dead letters del: %w", pErr)
			}
			purged++
		}
	}
	return purged, nil
}

// CountDeadLetters returns the total number of entries.
func (s *Store) CountDeadLetters(ctx context.Context) (int64, error) {
	count, err := s.client.SCard(ctx, deadLetterIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("riparius/redis: count dead letters: %w", err)
	}
	return count, nil
}

// ── helpers ──

func deadLetterToMap(e *deadletter.Entry) map[string]any {
	m := map[string]any{
		"id":           e.ID.String(),
		"workflow_id":  e.WorkflowID.String(),
		"step_id":      e.StepID.String(),
		"node_key":     e.NodeKey,
		"handler":      e.Handler,
		"params":       string(e.Params),
		"error":        e.Error,
		"attempts":     strconv.Itoa(e.Attempts),
		"max_attempts": strconv.Itoa(e.MaxAttempts),
		"scope_app":    e.ScopeAppID,
		"scope_org":    e.ScopeOrgID,
		"failed_at":    e.FailedAt.Format(time.RFC3339Nano),
		"created_at":   e.CreatedAt.Format(time.RFC3339Nano),
	}
	if e.ReplayedAt != nil {
		m["replayed_at"] = e.ReplayedAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToDeadLetter(m map[string]string) (*deadletter.Entry, error) {
	eID, err := id.ParseDeadLetterID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("riparius/redis: parse dead letter id: %w", err)
	}
	wID, _ := id.ParseWorkflowID(m["workflow_id"])    //nolint:errcheck // best-effort parse from trusted Redis data
	stID, _ := id.ParseStepID(m["step_id"])           //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["attempts"])        //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"]) //nolint:errcheck // best-effort parse from trusted Redis data

	e := &deadletter.Entry{
		ID:          eID,
		WorkflowID:  wID,
		StepID:      stID,
		NodeKey:     m["node_key"],
		Handler:     m["handler"],
		Error:       m["error"],
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		ScopeAppID:  m["scope_app"],
		ScopeOrgID:  m["scope_org"],
		FailedAt:    parseTime(m["failed_at"]),
		ReplayedAt:  parseTimePtr(m["replayed_at"]),
		CreatedAt:   parseTime(m["created_at"]),
	}
	if v := m["params"]; v != "" {
		e.Params = []byte(v)
	}
	return e, nil
}
