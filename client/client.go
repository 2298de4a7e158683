// Package client provides a Go client for driving a remote riparius
// engine over the wire protocol.
//
// Usage:
//
//	c, err := client.Dial("wss://workflows.example.com/wire",
//	    client.WithToken("wk_..."),
//	)
//	defer c.Close()
//
//	// Create and start a workflow.
//	inst, err := c.CreateWorkflow(ctx, command.CreateWorkflowPayload{
//	    DefinitionKey: "purchase-approval",
//	})
//	inst, err = c.StartWorkflow(ctx, inst.ID.String())
//
//	// Watch its events.
//	ch, err := c.Watch(ctx, inst.ID.String())
//	for evt := range ch {
//	    fmt.Printf("%s on %s\n", evt.Type, evt.Topic)
//	}
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/fluvius-io/fluvius-interim/stream"
	"github.com/fluvius-io/fluvius-interim/wire"
)

// authReadTimeout bounds the wait for the server's auth response when no
// deadline is carried on the dial context.
const authReadTimeout = 10 * time.Second

// Client is a wire protocol client for a remote riparius server.
type Client struct {
	url    string
	token  string
	format string
	codec  wire.Codec
	logger *slog.Logger

	// Reconnection.
	reconnect  bool
	maxRetries int
	baseDelay  time.Duration

	// Connection state.
	conn      net.Conn
	mu        sync.Mutex
	closed    atomic.Bool
	sessionID string

	// Request-response correlation.
	pending sync.Map // frameID → chan *wire.Frame

	// Subscriptions.
	subs sync.Map // channel → chan *stream.Event
}

// Dial connects to a wire server and authenticates.
func Dial(url string, opts ...Option) (*Client, error) {
	return DialContext(context.Background(), url, opts...)
}

// DialContext connects to a wire server with a context.
func DialContext(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:        url,
		format:     wire.CodecNameJSON,
		logger:     slog.Default(),
		maxRetries: 5,
		baseDelay:  time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.codec = wire.GetCodec(c.format)

	if err := c.connect(ctx); err != nil {
		return nil, fmt.Errorf("riparius/client: dial: %w", err)
	}

	go c.readLoop()

	return c, nil
}

// connect establishes the WebSocket connection and performs the auth
// handshake. The auth exchange is always JSON; the negotiated codec
// applies from the next frame onward.
func (c *Client) connect(ctx context.Context) error {
	conn, _, _, err := ws.Dial(ctx, c.url)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	if err := c.sendAuth(conn); err != nil {
		_ = conn.Close()
		return err
	}
	resp, err := c.awaitAuth(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	c.sessionID = resp.SessionID
	c.conn = conn
	c.logger.Info("riparius/client: connected",
		slog.String("session_id", c.sessionID),
		slog.String("format", resp.Format),
	)
	return nil
}

// sendAuth writes the JSON auth frame on a freshly dialed connection.
func (c *Client) sendAuth(conn net.Conn) error {
	frame, err := wire.NewRequestFrame(wire.NextFrameID(), wire.MethodAuth, wire.AuthRequest{
		Token:  c.token,
		Format: c.format,
	})
	if err != nil {
		return fmt.Errorf("marshal auth request: %w", err)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal auth frame: %w", err)
	}
	if err := wsutil.WriteClientText(conn, data); err != nil {
		return fmt.Errorf("write auth frame: %w", err)
	}
	return nil
}

// awaitAuth reads the auth response inline. The read loop has not started
// yet, so the response is read directly under a connection deadline.
func (c *Client) awaitAuth(ctx context.Context, conn net.Conn) (*wire.AuthResponse, error) {
	deadline := time.Now().Add(authReadTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set auth deadline: %w", err)
	}

	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		return nil, fmt.Errorf("read auth response: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear auth deadline: %w", err)
	}

	var frame wire.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("unmarshal auth response: %w", err)
	}
	if frame.Type == wire.FrameErr {
		msg := "unknown error"
		if frame.Error != nil {
			msg = frame.Error.Message
		}
		return nil, fmt.Errorf("auth failed: %s", msg)
	}

	var resp wire.AuthResponse
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &resp); err != nil {
			c.logger.Warn("riparius/client: bad auth response", "error", err)
		}
	}
	return &resp, nil
}

// readLoop reads frames from the WebSocket and dispatches them until the
// connection drops or the client is closed.
func (c *Client) readLoop() {
	for !c.closed.Load() {
		data, _, err := wsutil.ReadServerData(c.conn)
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Warn("riparius/client: read error", "error", err)
			if c.reconnect {
				c.tryReconnect()
			}
			return
		}

		frame, err := c.codec.Decode(data)
		if err != nil {
			c.logger.Warn("riparius/client: invalid frame", "error", err)
			continue
		}
		c.dispatch(frame)
	}
}

// dispatch routes one inbound frame to the pending request or subscriber
// that is waiting for it. Pong frames are discarded.
func (c *Client) dispatch(frame *wire.Frame) {
	switch frame.Type {
	case wire.FrameResponse, wire.FrameErr:
		val, ok := c.pending.Load(frame.CorrelID)
		if !ok {
			return
		}
		ch := val.(chan *wire.Frame) //nolint:errcheck // pending map always stores chan *wire.Frame
		select {
		case ch <- frame:
		default:
		}
	case wire.FrameEvent:
		val, ok := c.subs.Load(frame.Channel)
		if !ok {
			return
		}
		var evt stream.Event
		if json.Unmarshal(frame.Data, &evt) != nil {
			return
		}
		ch := val.(chan *stream.Event) //nolint:errcheck // subs map always stores chan *stream.Event
		select {
		case ch <- &evt:
		default:
			// Drop if subscriber is slow.
		}
	}
}

// tryReconnect redials with exponential backoff and restarts the read loop
// on success.
func (c *Client) tryReconnect() {
	delay := c.baseDelay
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		c.logger.Info("riparius/client: reconnecting",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)
		time.Sleep(delay)
		delay = min(delay*2, 30*time.Second)

		if err := c.connect(context.Background()); err != nil {
			c.logger.Warn("riparius/client: reconnect failed", "error", err)
			continue
		}

		c.logger.Info("riparius/client: reconnected")
		go c.readLoop()
		return
	}
	c.logger.Error("riparius/client: max reconnection attempts reached")
}

// request sends a request frame and waits for the correlated response.
func (c *Client) request(ctx context.Context, method string, data any) (*wire.Frame, error) {
	frame, err := wire.NewRequestFrame(wire.NextFrameID(), method, data)
	if err != nil {
		return nil, fmt.Errorf("marshal request data: %w", err)
	}

	respCh := make(chan *wire.Frame, 1)
	c.pending.Store(frame.ID, respCh)
	defer c.pending.Delete(frame.ID)

	if err := c.writeFrame(frame); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Type == wire.FrameErr {
			return nil, frameError(resp)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// writeFrame encodes and sends a frame over the WebSocket.
func (c *Client) writeFrame(frame *wire.Frame) error {
	data, err := c.codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.codec.Binary() {
		return wsutil.WriteClientBinary(c.conn, data)
	}
	return wsutil.WriteClientText(c.conn, data)
}

// Error is a server-reported wire protocol error.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("riparius/client: server error %d: %s", e.Code, e.Message)
}

// frameError converts an error frame into an *Error.
func frameError(frame *wire.Frame) *Error {
	e := &Error{Message: "unknown error"}
	if frame.Error != nil {
		e.Code = frame.Error.Code
		e.Message = frame.Error.Message
	}
	return e
}

// SessionID returns the session ID assigned by the server.
func (c *Client) SessionID() string { return c.sessionID }

// Close closes the client connection.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}

	c.subs.Range(func(key, val any) bool {
		ch := val.(chan *stream.Event) //nolint:errcheck // subs map always stores chan *stream.Event
		close(ch)
		c.subs.Delete(key)
		return true
	})

	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
