package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/cluster"
	"github.com/fluvius-io/fluvius-interim/id"
)

const workerColumns = `w.id, w.hostname, w.concurrency, w.state, w.metadata,
	w.last_seen, w.created_at, l.worker_id, l.leader_until`

const workerLeaderJoin = `
	FROM riparius_workers w
	LEFT JOIN riparius_leader l ON l.worker_id = w.id AND l.leader_until > ?`

// RegisterWorker adds a worker to the cluster registry. Re-registering an
// existing ID refreshes the row.
func (s *Store) RegisterWorker(ctx context.Context, w *cluster.Worker) error {
	metadata, err := marshalJSON(w.Metadata)
	if err != nil {
		return fmt.Errorf("riparius/sqlite: marshal worker metadata: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO riparius_workers
				(id, hostname, concurrency, state, metadata, last_seen, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				hostname = excluded.hostname, concurrency = excluded.concurrency,
				state = excluded.state, metadata = excluded.metadata,
				last_seen = excluded.last_seen`,
			w.ID, w.Hostname, w.Concurrency, w.State, metadata, w.LastSeen, w.CreatedAt)
		if err != nil {
			return fmt.Errorf("riparius/sqlite: register worker: %w", err)
		}
		return nil
	})
}

// DeregisterWorker removes a worker and gives up its leadership if held.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM riparius_workers WHERE id = ?`, workerID)
		if err != nil {
			return fmt.Errorf("riparius/sqlite: deregister worker: %w", err)
		}
		if err := requireAffected(res, riparius.ErrWorkerNotFound); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM riparius_leader WHERE worker_id = ?`, workerID.String()); err != nil {
			return fmt.Errorf("riparius/sqlite: release leadership: %w", err)
		}
		return nil
	})
}

// HeartbeatWorker updates the last-seen timestamp for a worker.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE riparius_workers SET last_seen = ? WHERE id = ?`,
			time.Now().UTC(), workerID)
		if err != nil {
			return fmt.Errorf("riparius/sqlite: heartbeat: %w", err)
		}
		return requireAffected(res, riparius.ErrWorkerNotFound)
	})
}

// ListWorkers returns all registered workers ordered by ID.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workerColumns+workerLeaderJoin+` ORDER BY w.id`, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("riparius/sqlite: list workers: %w", err)
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
	now := time.Now().UTC()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workerColumns+workerLeaderJoin+` WHERE w.last_seen < ? ORDER BY w.id`,
		now, now.Add(-threshold))
	if err != nil {
		return nil, fmt.Errorf("riparius/sqlite: reap dead workers: %w", err)
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

// AcquireLeadership attempts to become the cluster leader.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		var holder string
		var until time.Time
		err := tx.QueryRowContext(ctx,
			`SELECT worker_id, leader_until FROM riparius_leader WHERE singleton = 1`).
			Scan(&holder, &until)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("riparius/sqlite: load leader: %w", err)
		}
		if err == nil && holder != workerID.String() && until.After(now) {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO riparius_leader (singleton, worker_id, leader_until)
			VALUES (1, ?, ?)
			ON CONFLICT (singleton) DO UPDATE SET
				worker_id = excluded.worker_id, leader_until = excluded.leader_until`,
			workerID.String(), now.Add(ttl))
		if err != nil {
			return fmt.Errorf("riparius/sqlite: acquire leadership: %w", err)
		}
		acquired = true
		return nil
	})
	return acquired, err
}

// RenewLeadership extends the lease, but only while the caller still
// holds it unexpired.
func (s *Store) RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	renewed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE riparius_leader SET leader_until = ?
			WHERE worker_id = ? AND leader_until > ?`,
			now.Add(ttl), workerID.String(), now)
		if err != nil {
			return fmt.Errorf("riparius/sqlite: renew leadership: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("riparius/sqlite: rows affected: %w", err)
		}
		renewed = n > 0
		return nil
	})
	return renewed, err
}

// GetLeader returns the current cluster leader, or nil when no unexpired
// lease exists.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Worker, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT w.id, w.hostname, w.concurrency, w.state, w.metadata,
			w.last_seen, w.created_at, l.worker_id, l.leader_until
		FROM riparius_leader l
		JOIN riparius_workers w ON w.id = l.worker_id
		WHERE l.leader_until > ?`, time.Now().UTC())
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return w, err
}

func scanWorker(row rowScanner) (*cluster.Worker, error) {
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
		return nil, fmt.Errorf("riparius/sqlite: unmarshal worker metadata: %w", err)
	}
	if leaderID != nil && *leaderID == w.ID.String() {
		w.IsLeader = true
		w.LeaderUntil = leaderUntil
	}
	return &w, nil
}
