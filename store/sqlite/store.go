// Package sqlite implements the riparius store interfaces on SQLite via
// database/sql and the modernc.org/sqlite driver. It is aimed at embedded
// and single-node deployments; a store-level mutex serializes writes, which
// sidesteps SQLITE_BUSY under the single-writer model.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/fluvius-io/fluvius-interim/cluster"
	"github.com/fluvius-io/fluvius-interim/deadletter"
	"github.com/fluvius-io/fluvius-interim/event"
	"github.com/fluvius-io/fluvius-interim/trigger"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

// Ensure Store implements all subsystem interfaces at compile time.
var (
	_ workflow.Store   = (*Store)(nil)
	_ event.Store      = (*Store)(nil)
	_ trigger.Store    = (*Store)(nil)
	_ deadletter.Store = (*Store)(nil)
	_ cluster.Store    = (*Store)(nil)
)

// Store persists riparius state in a SQLite database. The caller owns the
// *sql.DB lifecycle unless the Store was built with Open.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// mu serializes write transactions. SQLite allows one writer at a
	// time; taking the lock up front turns busy errors into waits.
	mu sync.Mutex
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New wraps an existing database handle. The caller owns the handle; the
// Store never closes it.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens (or creates) the database at path and returns a connected
// Store. Use ":memory:" for an in-process ephemeral database.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("riparius/sqlite: open %s: %w", path, err)
	}
	// The write mutex makes extra connections useless, and a single
	// connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)
	return New(db, opts...), nil
}

// DB returns the underlying handle for advanced usage.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate creates the schema. Safe to call repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("riparius/sqlite: migrate: %w", err)
	}
	s.logger.Debug("riparius/sqlite: schema ready")
	return nil
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("riparius/sqlite: ping: %w", err)
	}
	return nil
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a write transaction under the store write lock.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("riparius/sqlite: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("riparius/sqlite: commit: %w", err)
	}
	return nil
}
