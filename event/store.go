package event

import (
	"context"
	"time"

	"github.com/fluvius-io/fluvius-interim/id"
)

// ListOpts filters event log reads.
type ListOpts struct {
	// Name filters by event name when non-empty.
	Name string

	// AfterSequence returns only events with a sequence strictly greater
	// than this value.
	AfterSequence int64

	// Limit bounds the number of results. Zero means no limit.
	Limit int

	// Offset skips the first N matching results.
	Offset int
}

// Store persists the append-only event log. Events written as part of a
// workflow commit are stamped and stored by the workflow store in the same
// atomic write; this interface covers reads plus audit-only appends that
// must not touch the workflow record.
type Store interface {
	// AppendAudit appends a single event outside any workflow commit,
	// assigning it the next sequence for its workflow. Used for inputs
	// that are recorded but change no state, such as late or duplicate
	// events.
	AppendAudit(ctx context.Context, evt *Event) error

	// GetEvent returns a single event by ID.
	GetEvent(ctx context.Context, eventID id.EventID) (*Event, error)

	// ListEvents returns events for a workflow ordered by sequence.
	ListEvents(ctx context.Context, workflowID id.WorkflowID, opts ListOpts) ([]*Event, error)

	// LatestSequence returns the highest sequence assigned for a
	// workflow, or zero when the log is empty.
	LatestSequence(ctx context.Context, workflowID id.WorkflowID) (int64, error)

	// PollEvents blocks until events with a sequence greater than
	// afterSeq exist for the workflow, then returns them in order.
	// Returns nil (no error) when the timeout elapses first.
	PollEvents(ctx context.Context, workflowID id.WorkflowID, afterSeq int64, timeout time.Duration) ([]*Event, error)
}
