package bunstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/cluster"
	"github.com/fluvius-io/fluvius-interim/id"
)

// RegisterWorker adds a worker to the cluster registry. Re-registering an
// existing ID refreshes the row.
func (s *Store) RegisterWorker(ctx context.Context, w *cluster.Worker) error {
	_, err := s.db.NewInsert().Model(toWorkerModel(w)).
		On("CONFLICT (id) DO UPDATE").
		Set("hostname = EXCLUDED.hostname").
		Set("concurrency = EXCLUDED.concurrency").
		Set("state = EXCLUDED.state").
		Set("metadata = EXCLUDED.metadata").
		Set("last_seen = EXCLUDED.last_seen").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("riparius/bun: register worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a worker and gives up its leadership if held.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().
			Model((*workerModel)(nil)).
			Where("id = ?", workerID.String()).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("riparius/bun: deregister worker: %w", err)
		}
		rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
		if rows == 0 {
			return riparius.ErrWorkerNotFound
		}
		if _, err := tx.NewDelete().
			Model((*leaderModel)(nil)).
			Where("worker_id = ?", workerID.String()).
			Exec(ctx); err != nil {
			return fmt.Errorf("riparius/bun: release leadership: %w", err)
		}
		return nil
	})
}

// HeartbeatWorker updates the last-seen timestamp for a worker.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	res, err := s.db.NewUpdate().
		Model((*workerModel)(nil)).
		Set("last_seen = NOW()").
		Where("id = ?", workerID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("riparius/bun: heartbeat: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return riparius.ErrWorkerNotFound
	}
	return nil
}

// ListWorkers returns all registered workers ordered by ID.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	var models []workerModel
	err := s.db.NewSelect().Model(&models).Order("id ASC").Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("riparius/bun: list workers: %w", err)
	}
	leader, err := s.currentLease(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]*cluster.Worker, 0, len(models))
	for i := range models {
		w, err := fromWorkerModel(&models[i], leader)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, nil
}

// ReapDeadWorkers returns workers whose last-seen timestamp is older than
// the given threshold, marked dead.
func (s *Store) ReapDeadWorkers(ctx context.Context, threshold time.Duration) ([]*cluster.Worker, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	var models []workerModel
	err := s.db.NewSelect().Model(&models).
		Where("last_seen < ?", cutoff).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("riparius/bun: reap dead workers: %w", err)
	}

	var dead []*cluster.Worker
	for i := range models {
		w, err := fromWorkerModel(&models[i], nil)
		if err != nil {
			return nil, err
		}
		w.State = cluster.WorkerDead
		dead = append(dead, w)
	}
	return dead, nil
}

// AcquireLeadership attempts to become the cluster leader. The singleton
// row upsert succeeds only when the lease is free, expired, or already
// held by the caller.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	until := time.Now().UTC().Add(ttl)
	res, err := s.db.NewInsert().
		Model(&leaderModel{Singleton: 1, WorkerID: workerID.String(), LeaderUntil: until}).
		On("CONFLICT (singleton) DO UPDATE").
		Set("worker_id = EXCLUDED.worker_id").
		Set("leader_until = EXCLUDED.leader_until").
		Where("riparius_leader.worker_id = EXCLUDED.worker_id OR riparius_leader.leader_until < NOW()").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("riparius/bun: acquire leadership: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows > 0, nil
}

// RenewLeadership extends the lease, but only while the caller still
// holds it unexpired.
func (s *Store) RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	until := time.Now().UTC().Add(ttl)
	res, err := s.db.NewUpdate().
		Model((*leaderModel)(nil)).
		Set("leader_until = ?", until).
		Where("worker_id = ?", workerID.String()).
		Where("leader_until > NOW()").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("riparius/bun: renew leadership: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows > 0, nil
}

// GetLeader returns the current cluster leader, or nil when no unexpired
// lease exists.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Worker, error) {
	leader, err := s.currentLease(ctx)
	if err != nil || leader == nil {
		return nil, err
	}
	m := new(workerModel)
	err = s.db.NewSelect().Model(m).
		Where("id = ?", leader.WorkerID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("riparius/bun: get leader worker: %w", err)
	}
	return fromWorkerModel(m, leader)
}

// currentLease loads the unexpired leader lease, or nil.
func (s *Store) currentLease(ctx context.Context) (*leaderModel, error) {
	lease := new(leaderModel)
	err := s.db.NewSelect().Model(lease).
		Where("leader_until > NOW()").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("riparius/bun: load leader lease: %w", err)
	}
	return lease, nil
}
