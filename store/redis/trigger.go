package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/trigger"
)

// RegisterTrigger persists a new trigger entry. Recurring bindings claim
// their slot in the bindings hash with HSETNX, so two concurrent registers
// of the same (definition, name) resolve to exactly one winner.
func (s *Store) RegisterTrigger(ctx context.Context, entry *trigger.Entry) error {
	eID := entry.ID.String()

	if entry.Schedule != "" {
		claimed, err := s.client.HSetNX(ctx, triggerBindingsKey, entry.Key(), eID).Result()
		if err != nil {
			return fmt.Errorf("riparius/redis: register trigger claim binding: %w", err)
		}
		if !claimed {
			return riparius.ErrDuplicateTrigger
		}
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, triggerKey(eID), triggerToMap(entry))
	pipe.SAdd(ctx, triggerIDsKey, eID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("riparius/redis: register trigger: %w", err)
	}
	return nil
}

// GetTrigger retrieves a trigger entry by ID.
func (s *Store) GetTrigger(ctx context.Context, triggerID id.TriggerID) (*trigger.Entry, error) {
	vals, err := s.client.HGetAll(ctx, triggerKey(triggerID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("riparius/redis: get trigger: %w", err)
	}
	if len(vals) == 0 {
		return nil, riparius.ErrTriggerNotFound
	}
	return mapToTrigger(vals)
}

// FindTrigger retrieves the recurring trigger entry for a binding key.
func (s *Store) FindTrigger(ctx context.Context, definitionKey, name string) (*trigger.Entry, error) {
	eID, err := s.client.HGet(ctx, triggerBindingsKey, definitionKey+"/"+name).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, riparius.ErrTriggerNotFound
		}
		return nil, fmt.Errorf("riparius/redis: find trigger: %w", err)
	}

	tID, err := id.ParseTriggerID(eID)
	if err != nil {
		return nil, fmt.Errorf("riparius/redis: parse trigger id: %w", err)
	}
	return s.GetTrigger(ctx, tID)
}

// ListTriggers returns all trigger entries sorted by binding key.
func (s *Store) ListTriggers(ctx context.Context) ([]*trigger.Entry, error) {
	ids, err := s.client.SMembers(ctx, triggerIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("riparius/redis: list triggers smembers: %w", err)
	}

	entries := make([]*trigger.Entry, 0, len(ids))
	for _, eID := range ids {
		vals, getErr := s.client.HGetAll(ctx, triggerKey(eID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		entry, convErr := mapToTrigger(vals)
		if convErr != nil {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key() < entries[j].Key() })
	return entries, nil
}

// AcquireTriggerLock attempts to acquire a distributed lock for a trigger
// entry. The entry key is WATCHed so two workers racing for an expired
// lock cannot both win.
func (s *Store) AcquireTriggerLock(ctx context.Context, triggerID id.TriggerID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	key := triggerKey(triggerID.String())
	wID := workerID.String()
	acquired := false

	txn := func(tx *goredis.Tx) error {
		vals, err := tx.HMGet(ctx, key, "id", "locked_by", "locked_until").Result()
		if err != nil {
			return fmt.Errorf("riparius/redis: acquire trigger lock read: %w", err)
		}
		if vals[0] == nil {
			return riparius.ErrTriggerNotFound
		}

		now := time.Now().UTC()
		lockedBy, _ := vals[1].(string)
		if lockedBy != "" && lockedBy != wID {
			lockedUntil, _ := vals[2].(string)
			if until := parseTimePtr(lockedUntil); until != nil && until.After(now) {
				return nil // held by another worker
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"locked_by", wID,
				"locked_until", now.Add(ttl).Format(time.RFC3339Nano),
				"updated_at", now.Format(time.RFC3339Nano),
			)
			return nil
		})
		if err == nil {
			acquired = true
		}
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return acquired, nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return false, err
	}
	return false, fmt.Errorf("riparius/redis: acquire trigger lock: %w", goredis.TxFailedErr)
}

// ReleaseTriggerLock releases the distributed lock for a trigger entry.
// Releasing a lock held by another worker is a no-op.
func (s *Store) ReleaseTriggerLock(ctx context.Context, triggerID id.TriggerID, workerID id.WorkerID) error {
	key := triggerKey(triggerID.String())
	wID := workerID.String()

	txn := func(tx *goredis.Tx) error {
		vals, err := tx.HMGet(ctx, key, "id", "locked_by").Result()
		if err != nil {
			return fmt.Errorf("riparius/redis: release trigger lock read: %w", err)
		}
		if vals[0] == nil {
			return riparius.ErrTriggerNotFound
		}
		if lockedBy, _ := vals[1].(string); lockedBy != wID {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"locked_by", "",
				"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
			)
			pipe.HDel(ctx, key, "locked_until")
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("riparius/redis: release trigger lock: %w", goredis.TxFailedErr)
}

// UpdateTriggerLastRun records when a trigger entry last fired.
func (s *Store) UpdateTriggerLastRun(ctx context.Context, triggerID id.TriggerID, at time.Time) error {
	key := triggerKey(triggerID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("riparius/redis: update last run exists: %w", err)
	}
	if exists == 0 {
		return riparius.ErrTriggerNotFound
	}

	_, err = s.client.HSet(ctx, key,
		"last_run_at", at.Format(time.RFC3339Nano),
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return fmt.Errorf("riparius/redis: update last run: %w", err)
	}
	return nil
}

// UpdateTriggerEntry replaces a trigger entry. The hash is rebuilt inside
// one MULTI so cleared optional fields do not linger.
func (s *Store) UpdateTriggerEntry(ctx context.Context, entry *trigger.Entry) error {
	key := triggerKey(entry.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("riparius/redis: update trigger exists: %w", err)
	}
	if exists == 0 {
		return riparius.ErrTriggerNotFound
	}

	m := triggerToMap(entry)
	m["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, m)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("riparius/redis: update trigger: %w", err)
	}
	return nil
}

// DeleteTrigger removes a trigger entry by ID.
func (s *Store) DeleteTrigger(ctx context.Context, triggerID id.TriggerID) error {
	eID := triggerID.String()
	key := triggerKey(eID)

	// The entry is read first for binding index cleanup.
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("riparius/redis: delete trigger get: %w", err)
	}
	if len(vals) == 0 {
		return riparius.ErrTriggerNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, triggerIDsKey, eID)
	if vals["schedule"] != "" {
		pipe.HDel(ctx, triggerBindingsKey, vals["definition_key"]+"/"+vals["name"])
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("riparius/redis: delete trigger: %w", err)
	}
	return nil
}

// ── helpers ──

func triggerToMap(e *trigger.Entry) map[string]any {
	m := map[string]any{
		"id":             e.ID.String(),
		"name":           e.Name,
		"definition_key": e.DefinitionKey,
		"schedule":       e.Schedule,
		"params":         string(e.Params),
		"scope_app":      e.ScopeAppID,
		"scope_org":      e.ScopeOrgID,
		"locked_by":      e.LockedBy,
		"enabled":        boolToStr(e.Enabled),
		"created_at":     e.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":     e.UpdatedAt.Format(time.RFC3339Nano),
	}
	if e.LastRunAt != nil {
		m["last_run_at"] = e.LastRunAt.Format(time.RFC3339Nano)
	}
	if e.NextRunAt != nil {
		m["next_run_at"] = e.NextRunAt.Format(time.RFC3339Nano)
	}
	if e.LockedUntil != nil {
		m["locked_until"] = e.LockedUntil.Format(time.RFC3339Nano)
	}
	return m
}

func mapToTrigger(m map[string]string) (*trigger.Entry, error) {
	tID, err := id.ParseTriggerID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("riparius/redis: parse trigger id: %w", err)
	}

	e := &trigger.Entry{
		Entity: riparius.Entity{
			CreatedAt: parseTime(m["created_at"]),
			UpdatedAt: parseTime(m["updated_at"]),
		},
		ID:            tID,
		Name:          m["name"],
		DefinitionKey: m["definition_key"],
		Schedule:      m["schedule"],
		ScopeAppID:    m["scope_app"],
		ScopeOrgID:    m["scope_org"],
		LastRunAt:     parseTimePtr(m["last_run_at"]),
		NextRunAt:     parseTimePtr(m["next_run_at"]),
		LockedBy:      m["locked_by"],
		LockedUntil:   parseTimePtr(m["locked_until"]),
		Enabled:       m["enabled"] == "1",
	}
	if v := m["params"]; v != "" {
		e.Params = []byte(v)
	}
	return e, nil
}
