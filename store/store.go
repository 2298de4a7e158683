// Package store defines the aggregate persistence interface. Each
// subsystem (workflow, event, trigger, deadletter, cluster) defines its
// own store interface; the composite Store composes them all. Backends:
// Postgres, Bun, SQLite, Redis, and Memory.
package store

import (
	"context"

	"github.com/fluvius-io/fluvius-interim/cluster"
	"github.com/fluvius-io/fluvius-interim/deadletter"
	"github.com/fluvius-io/fluvius-interim/event"
	"github.com/fluvius-io/fluvius-interim/trigger"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

// Store is the aggregate persistence interface. Each subsystem store is a
// composable interface; a single backend (postgres, bun, sqlite, etc.)
// implements all of them.
type Store interface {
	workflow.Store
	event.Store
	trigger.Store
	deadletter.Store
	cluster.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
