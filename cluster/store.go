package cluster

import (
	"context"
	"time"

	"github.com/fluvius-io/fluvius-interim/id"
)

// Store defines the persistence contract for cluster worker management.
type Store interface {
	// RegisterWorker adds a worker to the registry. Registering an ID
	// that already exists replaces the record.
	RegisterWorker(ctx context.Context, w *Worker) error

	// DeregisterWorker removes a worker, releasing its leadership lease
	// if it holds one. Returns ErrWorkerNotFound for unknown workers.
	DeregisterWorker(ctx context.Context, workerID id.WorkerID) error

	// HeartbeatWorker stamps the worker's last-seen time to keep it
	// from being reaped.
	HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error

	// ListWorkers returns all registered workers.
	ListWorkers(ctx context.Context) ([]*Worker, error)

	// ReapDeadWorkers returns the workers whose last heartbeat is older
	// than threshold, with State set to WorkerDead.
	ReapDeadWorkers(ctx context.Context, threshold time.Duration) ([]*Worker, error)

	// AcquireLeadership tries to take the cluster leader lease for ttl.
	// It reports true when this worker holds the lease afterwards; the
	// current holder re-acquiring extends its lease.
	AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// RenewLeadership extends the lease before it expires. Only the
	// current holder can renew; anyone else gets false.
	RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// GetLeader returns the current leader, or nil when the lease is
	// vacant or expired.
	GetLeader(ctx context.Context) (*Worker, error)
}
