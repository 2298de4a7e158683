package client

import (
	"log/slog"
	"time"
)

// Option customizes a Client before it dials.
type Option func(*Client)

// WithToken supplies the bearer token sent in the auth handshake.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithFormat selects the codec negotiated for frames after the auth
// exchange. Recognized names are "json" (the default) and "msgpack";
// unknown names fall back to JSON.
func WithFormat(format string) Option {
	return func(c *Client) { c.format = format }
}

// WithLogger replaces slog.Default as the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithReconnect makes the client redial after a dropped connection,
// retrying up to maxRetries times starting from baseDelay and doubling
// up to 30 seconds.
func WithReconnect(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.reconnect = true
		c.maxRetries = maxRetries
		c.baseDelay = baseDelay
	}
}
