package deadletter

import (
	"context"
	"time"

	"github.com/fluvius-io/fluvius-interim/id"
)

// ListOpts controls pagination and filtering for dead letter list queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
	// WorkflowID filters by workflow. The nil ID means all workflows.
	WorkflowID id.WorkflowID
}

// Store defines the persistence contract for the dead letter queue.
type Store interface {
	// PushDeadLetter adds a failed step entry to the dead letter queue.
	PushDeadLetter(ctx context.Context, entry *Entry) error

	// ListDeadLetters returns entries matching the given options.
	ListDeadLetters(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// GetDeadLetter retrieves an entry by ID.
	GetDeadLetter(ctx context.Context, entryID id.DeadLetterID) (*Entry, error)

	// MarkReplayed records that an entry was replayed. The re-activation
	// itself is handled at the service layer.
	MarkReplayed(ctx context.Context, entryID id.DeadLetterID) error

	// PurgeDeadLetters removes entries with FailedAt before the given
	// time. Returns the number of entries removed.
	PurgeDeadLetters(ctx context.Context, before time.Time) (int64, error)

	// CountDeadLetters returns the total number of entries.
	CountDeadLetters(ctx context.Context) (int64, error)
}
