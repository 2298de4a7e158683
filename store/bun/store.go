// Package bunstore implements the riparius store interfaces on the Bun ORM
// with the PostgreSQL dialect. It shares the schema of the pgx-based
// postgres backend, so the two are interchangeable against the same
// database.
package bunstore

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/uptrace/bun"

	"github.com/fluvius-io/fluvius-interim/cluster"
	"github.com/fluvius-io/fluvius-interim/deadletter"
	"github.com/fluvius-io/fluvius-interim/event"
	"github.com/fluvius-io/fluvius-interim/trigger"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Ensure Store implements all subsystem interfaces at compile time.
var (
	_ workflow.Store   = (*Store)(nil)
	_ event.Store      = (*Store)(nil)
	_ trigger.Store    = (*Store)(nil)
	_ deadletter.Store = (*Store)(nil)
	_ cluster.Store    = (*Store)(nil)
)

// Store is a Bun ORM implementation of the riparius store interfaces.
// The caller owns the *bun.DB lifecycle; Store never closes it.
type Store struct {
	db     *bun.DB
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger replaces slog.Default as the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New wraps a *bun.DB in a Store. Close on the Store is a no-op; the caller
// keeps ownership of the connection.
func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying *bun.DB for queries outside the store interfaces.
func (s *Store) DB() *bun.DB {
	return s.db
}

// Migrate applies the embedded SQL migration files that have not run yet.
// Applied filenames are tracked in riparius_migrations, so calling Migrate
// repeatedly is safe. fs.ReadDir returns entries sorted by name, which gives
// the numbered files their execution order.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS riparius_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("riparius/bun: create migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("riparius/bun: read migrations: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		if err := s.applyMigration(ctx, entry.Name()); err != nil {
			return err
		}
	}

	return nil
}

// applyMigration executes one migration file unless it was already recorded.
func (s *Store) applyMigration(ctx context.Context, name string) error {
	var applied bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM riparius_migrations WHERE filename = ?)`,
		name,
	).Scan(&applied)
	if err != nil {
		return fmt.Errorf("riparius/bun: check migration %s: %w", name, err)
	}
	if applied {
		return nil
	}

	data, err := fs.ReadFile(migrationsFS, "migrations/"+name)
	if err != nil {
		return fmt.Errorf("riparius/bun: read migration %s: %w", name, err)
	}
	if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
		return fmt.Errorf("riparius/bun: execute migration %s: %w", name, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO riparius_migrations (filename) VALUES (?)`, name,
	); err != nil {
		return fmt.Errorf("riparius/bun: record migration %s: %w", name, err)
	}

	s.logger.Info("riparius/bun: applied migration", "file", name)
	return nil
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op; the caller owns the *bun.DB lifecycle.
func (s *Store) Close() error {
	return nil
}
