package event

import (
	"context"
	"time"

	"github.com/fluvius-io/fluvius-interim/id"
)

// DefaultPollTimeout is how long each blocking poll waits before the bus
// re-issues it. Short enough that Watch notices context cancellation
// promptly even against stores with coarse poll loops.
const DefaultPollTimeout = 5 * time.Second

// Bus tails the event log on behalf of in-process consumers. It is a thin
// convenience over Store.PollEvents; hosts that need cross-process fanout
// should subscribe through the stream broker instead.
type Bus struct {
	store Store
}

// NewBus creates a bus over the given store.
func NewBus(store Store) *Bus {
	return &Bus{store: store}
}

// Watch streams events for one workflow starting after fromSeq. The
// returned channel is closed when ctx is cancelled. Events are delivered
// in sequence order; delivery blocks on the channel, so slow consumers
// slow the tail rather than dropping entries.
func (b *Bus) Watch(ctx context.Context, workflowID id.WorkflowID, fromSeq int64) <-chan *Event {
	out := make(chan *Event)
	go func() {
		defer close(out)
		after := fromSeq
		for {
			if ctx.Err() != nil {
				return
			}
			events, err := b.store.PollEvents(ctx, workflowID, after, DefaultPollTimeout)
			if err != nil {
				return
			}
			for _, evt := range events {
				select {
				case out <- evt:
					after = evt.Sequence
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Store returns the underlying event store.
func (b *Bus) Store() Store { return b.store }
