package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/cluster"
	"github.com/fluvius-io/fluvius-interim/id"
)

const workerColumns = `w.id, w.hostname, w.concurrency, w.state, w.metadata,
	w.last_seen, w.created_at, l.worker_id, l.leader_until`

// RegisterWorker adds a worker to the cluster registry. Re-registering an
// existing ID refreshes the row.
func (s *Store) RegisterWorker(ctx context.Context, w *cluster.Worker) error {
	metadata, err := marshalJSON(w.Metadata)
	if err != nil {
		return fmt.Errorf("riparius/postgres: marshal worker metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO riparius_workers
			(id, hostname, concurrency, state, metadata, last_seen, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname, concurrency = EXCLUDED.concurrency,
			state = EXCLUDED.state, metadata = EXCLUDED.metadata,
			last_seen = EXCLUDED.last_seen`,
		w.ID, w.Hostname, w.Concurrency, w.State, metadata, w.LastSeen, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("riparius/postgres: register worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a worker and gives up its leadership if held.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("riparius/postgres: begin deregister: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `DELETE FROM riparius_workers WHERE id = $1`, workerID)
	if err != nil {
		return fmt.Errorf("riparius/postgres: deregister worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return riparius.ErrWorkerNotFound
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM riparius_leader WHERE worker_id = $1`, workerID.String()); err != nil {
		return fmt.Errorf("riparius/postgres: release leadership: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("riparius/postgres: commit deregister: %w", err)
	}
	return nil
}

// HeartbeatWorker updates the last-seen timestamp for a worker.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE riparius_workers SET last_seen = NOW() WHERE id = $1`, workerID)
	if err != nil {
		return fmt.Errorf("riparius/postgres: heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return riparius.ErrWorkerNotFound
	}
	return nil
}

// ListWorkers returns all registered workers ordered by ID.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+workerColumns+`
		FROM riparius_workers w
		LEFT JOIN riparius_leader l ON l.worker_id = w.id AND l.leader_until > NOW()
		ORDER BY w.id`)
	if err != nil {
		return nil, fmt.Errorf("riparius/postgres: list workers: %w", err)
	}
	defer rows.Close()

	var result []*cluster.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

// ReapDeadWorkers returns workers whose last-seen timestamp is older than
// the given threshold, marked dead.
func (s *Store) ReapDeadWorkers(ctx context.Context, threshold time.Duration) ([]*cluster.Worker, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	rows, err := s.pool.Query(ctx, `
		SELECT `+workerColumns+`
		FROM riparius_workers w
		LEFT JOIN riparius_leader l ON l.worker_id = w.id AND l.leader_until > NOW()
		WHERE w.last_seen < $1
		ORDER BY w.id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("riparius/postgres: reap dead workers: %w", err)
	}
	defer rows.Close()

	var dead []*cluster.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		w.State = cluster.WorkerDead
		dead = append(dead, w)
	}
	return dead, rows.Err()
}

// AcquireLeadership attempts to become the cluster leader. The singleton
// row upsert succeeds only when the lease is free, expired, or already
// held by the caller.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	until := time.Now().UTC().Add(ttl)
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO riparius_leader (singleton, worker_id, leader_until)
		VALUES (1, $1, $2)
		ON CONFLICT (singleton) DO UPDATE SET
			worker_id = EXCLUDED.worker_id, leader_until = EXCLUDED.leader_until
		WHERE riparius_leader.worker_id = EXCLUDED.worker_id
		   OR riparius_leader.leader_until < NOW()`,
		workerID.String(), until)
	if err != nil {
		return false, fmt.Errorf("riparius/postgres: acquire leadership: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RenewLeadership extends the lease, but only while the caller still
// holds it unexpired.
func (s *Store) RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	until := time.Now().UTC().Add(ttl)
	tag, err := s.pool.Exec(ctx, `
		UPDATE riparius_leader SET leader_until = $2
		WHERE worker_id = $1 AND leader_until > NOW()`,
		workerID.String(), until)
	if err != nil {
		return false, fmt.Errorf("riparius/postgres: renew leadership: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetLeader returns the current cluster leader, or nil when no unexpired
// lease exists.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Worker, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+workerColumns+`
		FROM riparius_leader l
		JOIN riparius_workers w ON w.id = l.worker_id
		WHERE l.leader_until > NOW()`)
	w, err := scanWorker(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return w, err
}

func scanWorker(row pgx.Row) (*cluster.Worker, error) {
	var w cluster.Worker
	var metadata []byte
	var leaderID *string
	var leaderUntil *time.Time
	err := row.Scan(&w.ID, &w.Hostname, &w.Concurrency, &w.State, &metadata,
		&w.LastSeen, &w.CreatedAt, &leaderID, &leaderUntil)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadata, &w.Metadata); err != nil {
		return nil, fmt.Errorf("riparius/postgres: unmarshal worker metadata: %w", err)
	}
	if leaderID != nil && *leaderID == w.ID.String() {
		w.IsLeader = true
		w.LeaderUntil = leaderUntil
	}
	return &w, nil
}
