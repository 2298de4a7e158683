package deadletter

import (
	"context"
	"log/slog"
	"time"

	"github.com/fluvius-io/fluvius-interim/id"
)

// ReplayFunc re-activates a node on a workflow. The engine wires this to
// the aggregate so replay follows the same path as any other activation.
type ReplayFunc func(ctx context.Context, workflowID id.WorkflowID, nodeKey string) error

// Service provides dead letter operations over a Store.
type Service struct {
	store  Store
	replay ReplayFunc
	logger *slog.Logger
}

// NewService creates a dead letter service. replay may be nil, in which
// case Replay returns only the entry bookkeeping error paths.
func NewService(store Store, replay ReplayFunc, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, replay: replay, logger: logger}
}

// Push records a failed step in the dead letter queue.
func (s *Service) Push(ctx context.Context, entry *Entry) error {
	if entry.ID.IsNil() {
		entry.ID = id.NewDeadLetterID()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.FailedAt.IsZero() {
		entry.FailedAt = now
	}
	s.logger.Warn("step dead lettered",
		slog.String("workflow_id", entry.WorkflowID.String()),
		slog.String("node", entry.NodeKey),
		slog.String("handler", entry.Handler),
		slog.Int("attempts", entry.Attempts),
		slog.String("error", entry.Error),
	)
	return s.store.PushDeadLetter(ctx, entry)
}

// Replay re-activates the dead lettered node on its workflow and marks
// the entry replayed. The node gets a fresh step; the failed one stays
// failed. Replay fails when the workflow has since reached a terminal
// state.
func (s *Service) Replay(ctx context.Context, entryID id.DeadLetterID) (*Entry, error) {
	entry, err := s.store.GetDeadLetter(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if s.replay != nil {
		if err := s.replay(ctx, entry.WorkflowID, entry.NodeKey); err != nil {
			return nil, err
		}
	}
	if err := s.store.MarkReplayed(ctx, entryID); err != nil {
		// The node is already re-activated. Surface the entry with the error.
		return entry, err
	}
	now := time.Now().UTC()
	entry.ReplayedAt = &now
	return entry, nil
}

// List returns dead letter entries matching the options.
func (s *Service) List(ctx context.Context, opts ListOpts) ([]*Entry, error) {
	return s.store.ListDeadLetters(ctx, opts)
}

// Get retrieves one entry.
func (s *Service) Get(ctx context.Context, entryID id.DeadLetterID) (*Entry, error) {
	return s.store.GetDeadLetter(ctx, entryID)
}

// Count returns the number of entries.
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.store.CountDeadLetters(ctx)
}

// Purge removes entries older than the given time.
func (s *Service) Purge(ctx context.Context, before time.Time) (int64, error) {
	return s.store.PurgeDeadLetters(ctx, before)
}

// DeadLetterStore returns the underlying store.
func (s *Service) DeadLetterStore() Store { return s.store }
