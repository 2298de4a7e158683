package cluster

import (
	"time"

	"github.com/fluvius-io/fluvius-interim/id"
)

// WorkerState is the lifecycle state of a cluster worker.
type WorkerState string

const (
	// WorkerActive means the worker is heartbeating and executing steps.
	WorkerActive WorkerState = "active"
	// WorkerDraining means the worker is shutting down gracefully: it
	// finishes in-flight steps but takes no new ones.
	WorkerDraining WorkerState = "draining"
	// WorkerDead means the worker missed enough heartbeats to be reaped.
	WorkerDead WorkerState = "dead"
)

// Worker is one engine host in a shared-store cluster. The leader fields
// mirror the leadership lease; the store is the source of truth for them.
type Worker struct {
	ID          id.WorkerID       `json:"id"`
	Hostname    string            `json:"hostname"`
	Concurrency int               `json:"concurrency"`
	State       WorkerState       `json:"state"`
	IsLeader    bool              `json:"is_leader"`
	LeaderUntil *time.Time        `json:"leader_until,omitempty"`
	LastSeen    time.Time         `json:"last_seen"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}
