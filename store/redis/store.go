// Package redis implements the riparius store interfaces on Redis for
// deployments that already run Redis and do not need a relational backend.
// Entities are stored as Hashes, enumeration indexes as Sets, and the
// per-workflow event log as a Sorted Set keyed by sequence. Multi-entity
// writes run as WATCH/MULTI transactions so the optimistic version check
// and event sequencing hold under concurrent commits.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/fluvius-io/fluvius-interim/cluster"
	"github.com/fluvius-io/fluvius-interim/deadletter"
	"github.com/fluvius-io/fluvius-interim/event"
	"github.com/fluvius-io/fluvius-interim/trigger"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

// Compile-time interface checks.
var (
	_ workflow.Store   = (*Store)(nil)
	_ event.Store      = (*Store)(nil)
	_ trigger.Store    = (*Store)(nil)
	_ deadletter.Store = (*Store)(nil)
	_ cluster.Store    = (*Store)(nil)
)

// maxTxRetries bounds WATCH retry loops when a watched key is modified
// between the read and the MULTI exec.
const maxTxRetries = 5

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements the riparius store interfaces backed by Redis.
type Store struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.UniversalClient { return s.client }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op. The caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }
