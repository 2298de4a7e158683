package client

import (
	"context"
	"fmt"

	"github.com/fluvius-io/fluvius-interim/stream"
	"github.com/fluvius-io/fluvius-interim/wire"
)

// Subscribe subscribes to a stream topic and returns a channel of
// events. The channel is closed when the client disconnects or
// Unsubscribe is called.
//
// Topics follow the riparius stream convention:
//   - "workflow:<id>"     — Events for one workflow instance
//   - "definition:<key>"  — Events for all instances of a definition
//   - "workflows"         — All instance lifecycle events
//   - "steps"             — All step lifecycle events
//   - "firehose"          — Everything
func (c *Client) Subscribe(ctx context.Context, channel string) (<-chan *stream.Event, error) {
	_, err := c.request(ctx, wire.MethodSubscribe, wire.SubscribeRequest{
		Channel: channel,
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %q: %w", channel, err)
	}

	ch := make(chan *stream.Event, 64)
	c.subs.Store(channel, ch)

	return ch, nil
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	_, err := c.request(ctx, wire.MethodUnsubscribe, wire.UnsubscribeRequest{
		Channel: channel,
	})

	// Close and remove the local channel regardless.
	if val, ok := c.subs.LoadAndDelete(channel); ok {
		ch := val.(chan *stream.Event) //nolint:errcheck // subs map always stores chan *stream.Event
		close(ch)
	}

	return err
}

// Watch subscribes to events for one workflow instance. This is a
// convenience method that subscribes to "workflow:<id>".
func (c *Client) Watch(ctx context.Context, workflowID string) (<-chan *stream.Event, error) {
	return c.Subscribe(ctx, stream.WorkflowTopic(workflowID))
}

// AddCredits replenishes flow-control credits for this connection's
// event stream.
func (c *Client) AddCredits(n int) error {
	frame := &wire.Frame{
		ID:      wire.NextFrameID(),
		Type:    wire.FrameRequest,
		Credits: n,
	}
	return c.writeFrame(frame)
}
