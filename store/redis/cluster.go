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
	"github.com/fluvius-io/fluvius-interim/cluster"
	"github.com/fluvius-io/fluvius-interim/id"
)

// RegisterWorker adds a worker to the cluster registry. Registering an
// existing ID replaces the record.
func (s *Store) RegisterWorker(ctx context.Context, w *cluster.Worker) error {
	wID := w.ID.String()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, workerKey(wID))
	pipe.HSet(ctx, workerKey(wID), workerToMap(w))
	pipe.SAdd(ctx, workerIDsKey, wID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("riparius/redis: register worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a worker from the cluster registry, releasing
// its leadership lease if it holds one.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	wID := workerID.String()
	key := workerKey(wID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("riparius/redis: deregister exists: %w", err)
	}
	if exists == 0 {
		return riparius.ErrWorkerNotFound
	}

	leader, err := s.client.Get(ctx, leaderKey).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("riparius/redis: deregister read leader: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, workerIDsKey, wID)
	if leader == wID {
		pipe.Del(ctx, leaderKey)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("riparius/redis: deregister worker: %w", err)
	}
	return nil
}

// HeartbeatWorker updates the last-seen timestamp for a worker.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	key := workerKey(workerID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("riparius/redis: heartbeat exists: %w", err)
	}
	if exists == 0 {
		return riparius.ErrWorkerNotFound
	}

	_, err = s.client.HSet(ctx, key,
		"last_seen", time.Now().UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return fmt.Errorf("riparius/redis: heartbeat worker: %w", err)
	}
	return nil
}

// ListWorkers returns all registered workers ordered by ID.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	ids, err := s.client.SMembers(ctx, workerIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("riparius/redis: list workers smembers: %w", err)
	}
	sort.Strings(ids)

	workers := make([]*cluster.Worker, 0, len(ids))
	for _, wID := range ids {
		w, getErr := s.getWorker(ctx, wID)
		if getErr != nil || w == nil {
			continue
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// getWorker loads one worker hash, returning nil when the hash is gone.
func (s *Store) getWorker(ctx context.Context, wID string) (*cluster.Worker, error) {
	vals, err := s.client.HGetAll(ctx, workerKey(wID)).Result()
	if err != nil {
		return nil, fmt.Errorf("riparius/redis: get worker: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return mapToWorker(vals)
}

// ReapDeadWorkers returns workers whose last-seen timestamp is older than
// the threshold, marked dead.
func (s *Store) ReapDeadWorkers(ctx context.Context, threshold time.Duration) ([]*cluster.Worker, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	workers, err := s.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}

	var dead []*cluster.Worker
	for _, w := range workers {
		if w.LastSeen.Before(cutoff) {
			w.State = cluster.WorkerDead
			dead = append(dead, w)
		}
	}
	return dead, nil
}

// AcquireLeadership attempts to become the cluster leader via SET NX on
// the leader key; the lease expires with the key's TTL.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	wID := workerID.String()
	wKey := workerKey(wID)

	exists, err := s.client.Exists(ctx, wKey).Result()
	if err != nil {
		return false, fmt.Errorf("riparius/redis: acquire leadership exists: %w", err)
	}
	if exists == 0 {
		return false, riparius.ErrWorkerNotFound
	}

	ok, err := s.client.SetNX(ctx, leaderKey, wID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("riparius/redis: acquire leadership setnx: %w", err)
	}
	if ok {
		s.markLeader(ctx, wKey, ttl)
		return true, nil
	}

	// Re-acquire by the current holder extends the lease.
	current, err := s.client.Get(ctx, leaderKey).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return false, fmt.Errorf("riparius/redis: acquire leadership get: %w", err)
	}
	if current == wID {
		if eErr := s.client.Expire(ctx, leaderKey, ttl).Err(); eErr != nil {
			s.logger.Warn("riparius/redis: failed to extend leader lease", "error", eErr)
		}
		s.markLeader(ctx, wKey, ttl)
		return true, nil
	}
	return false, nil
}

// RenewLeadership extends the leader's hold. Only the current holder can
// renew.
func (s *Store) RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	wID := workerID.String()

	current, err := s.client.Get(ctx, leaderKey).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil // no leader
		}
		return false, fmt.Errorf("riparius/redis: renew leadership get: %w", err)
	}
	if current != wID {
		return false, nil
	}

	if eErr := s.client.Expire(ctx, leaderKey, ttl).Err(); eErr != nil {
		s.logger.Warn("riparius/redis: failed to extend leader lease", "error", eErr)
	}
	s.markLeader(ctx, workerKey(wID), ttl)
	return true, nil
}

// GetLeader returns the current cluster leader, or nil if there is no
// leader. Lease expiry is handled by the leader key's TTL.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Worker, error) {
	wID, err := s.client.Get(ctx, leaderKey).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("riparius/redis: get leader: %w", err)
	}

	w, err := s.getWorker(ctx, wID)
	if err != nil || w == nil {
		return nil, nil // leader key exists but worker gone
	}
	w.IsLeader = true
	return w, nil
}

// markLeader mirrors the lease onto the worker hash for list reads.
func (s *Store) markLeader(ctx context.Context, wKey string, ttl time.Duration) {
	until := time.Now().UTC().Add(ttl)
	if _, err := s.client.HSet(ctx, wKey,
		"is_leader", "1",
		"leader_until", until.Format(time.RFC3339Nano),
	).Result(); err != nil {
		s.logger.Warn("riparius/redis: failed to update leader fields", "error", err)
	}
}

// ── helpers ──

func workerToMap(w *cluster.Worker) map[string]any {
	m := map[string]any{
		"id":          w.ID.String(),
		"hostname":    w.Hostname,
		"state":       string(w.State),
		"concurrency": strconv.Itoa(w.Concurrency),
		"metadata":    marshalJSON(w.Metadata),
		"is_leader":   boolToStr(w.IsLeader),
		"last_seen":   w.LastSeen.Format(time.RFC3339Nano),
		"created_at":  w.CreatedAt.Format(time.RFC3339Nano),
	}
	if w.LeaderUntil != nil {
		m["leader_until"] = w.LeaderUntil.Format(time.RFC3339Nano)
	}
	return m
}

func mapToWorker(m map[string]string) (*cluster.Worker, error) {
	wID, err := id.ParseWorkerID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("riparius/redis: parse worker id: %w", err)
	}
	concurrency, _ := strconv.Atoi(m["concurrency"]) //nolint:errcheck // best-effort parse from trusted Redis data

	w := &cluster.Worker{
		ID:          wID,
		Hostname:    m["hostname"],
		Concurrency: concurrency,
		State:       cluster.WorkerState(m["state"]),
		IsLeader:    m["is_leader"] == "1",
		LeaderUntil: parseTimePtr(m["leader_until"]),
		LastSeen:    parseTime(m["last_seen"]),
		Metadata:    unmarshalStringMap(m["metadata"]),
		CreatedAt:   parseTime(m["created_at"]),
	}

	// A mirrored lease that expired is stale; the leader key is the
	// source of truth and it is gone by now.
	if w.IsLeader && w.LeaderUntil != nil && w.LeaderUntil.Before(time.Now().UTC()) {
		w.IsLeader = false
		w.LeaderUntil = nil
	}
	return w, nil
}
