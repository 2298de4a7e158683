package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/stream"
)

// Server accepts wire protocol connections over WebSocket. The first
// frame on every connection must be an auth frame; it also negotiates
// the codec for the rest of the session. Lifecycle events reach
// clients through the stream broker: each connection owns one broker
// subscriber whose credits the client replenishes with credit frames.
type Server struct {
	broker       *stream.Broker
	handler      *Handler
	auth         Authenticator
	defaultCodec Codec
	conns        *ConnectionManager
	logger       *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithAuth sets the authenticator. Defaults to NoopAuthenticator,
// which is only suitable for development.
func WithAuth(auth Authenticator) Option {
	return func(s *Server) { s.auth = auth }
}

// WithCodec sets the default codec. Clients can override it via the
// auth frame's format field.
func WithCodec(codec Codec) Option {
	return func(s *Server) { s.defaultCodec = codec }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a wire server fanning events out of the given
// broker.
func NewServer(broker *stream.Broker, handler *Handler, opts ...Option) *Server {
	s := &Server{
		broker:       broker,
		handler:      handler,
		defaultCodec: &JSONCodec{},
		conns:        NewConnectionManager(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil {
		s.auth = &NoopAuthenticator{}
	}
	return s
}

// Broker returns the underlying stream broker.
func (s *Server) Broker() *stream.Broker { return s.broker }

// Connections returns the connection manager.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// ServeHTTP upgrades the request to a WebSocket and runs the frame
// loop until the peer disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("wire: upgrade failed", "error", err)
		return
	}
	go func() {
		defer conn.Close()
		if err := s.serveConn(r.Context(), conn); err != nil {
			s.logger.Debug("wire: connection closed", "error", err)
		}
	}()
}

// wsWriter serializes writes to one WebSocket. The frame loop and the
// event forwarder write concurrently.
type wsWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *wsWriter) write(codec Codec, frame *Frame) error {
	data, err := codec.Encode(frame)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if codec.Binary() {
		return wsutil.WriteServerBinary(w.conn, data)
	}
	return wsutil.WriteServerText(w.conn, data)
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) error {
	writer := &wsWriter{conn: conn}
	jsonCodec := &JSONCodec{}

	// The auth frame is always JSON; codec negotiation happens inside
	// it.
	authData, err := wsutil.ReadClientText(conn)
	if err != nil {
		return fmt.Errorf("wire: read auth frame: %w", err)
	}
	var authFrame Frame
	if err := json.Unmarshal(authData, &authFrame); err != nil {
		_ = writer.write(jsonCodec, NewErrorFrame("", ErrCodeBadRequest, "invalid auth frame"))
		return fmt.Errorf("wire: unmarshal auth frame: %w", err)
	}
	if authFrame.Method != MethodAuth {
		_ = writer.write(jsonCodec, NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "first frame must be auth"))
		return fmt.Errorf("wire: expected auth frame, got %q", authFrame.Method)
	}

	var authReq AuthRequest
	if len(authFrame.Data) > 0 {
		if err := json.Unmarshal(authFrame.Data, &authReq); err != nil {
			_ = writer.write(jsonCodec, NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "invalid auth data"))
			return fmt.Errorf("wire: unmarshal auth data: %w", err)
		}
	}
	token := authReq.Token
	if token == "" {
		token = authFrame.Token
	}
	identity, err := s.auth.Authenticate(ctx, token)
	if err != nil {
		_ = writer.write(jsonCodec, NewErrorFrame(authFrame.ID, ErrCodeUnauthorized, "authentication failed"))
		return fmt.Errorf("wire: auth failed: %w", err)
	}

	codec := s.defaultCodec
	if authReq.Format != "" {
		codec = GetCodec(authReq.Format)
	}

	connID := id.NewWorkerID().String()
	wireConn := NewConnection(connID, identity, codec)
	s.conns.Add(wireConn)
	defer func() {
		s.broker.RemoveSubscriber(connID)
		s.conns.Remove(connID)
		s.logger.Info("wire: disconnected", "conn_id", connID)
	}()

	resp, err := NewResponseFrame(authFrame.ID, AuthResponse{
		Format:    codec.Name(),
		SessionID: connID,
		Subject:   identity.Subject,
	})
	if err != nil {
		return fmt.Errorf("wire: marshal auth response: %w", err)
	}
	// The auth response is still JSON; the negotiated codec applies
	// from the next frame onward.
	if err := writer.write(jsonCodec, resp); err != nil {
		return err
	}

	s.logger.Info("wire: authenticated",
		"conn_id", connID,
		"subject", identity.Subject,
		"codec", codec.Name(),
	)

	sub := s.broker.Subscribe(connID)
	go s.forwardEvents(writer, codec, sub)

	for {
		data, _, err := wsutil.ReadClientData(conn)
		if err != nil {
			return nil // peer closed
		}
		wireConn.Touch()

		frame, decErr := codec.Decode(data)
		if decErr != nil {
			if writeErr := writer.write(codec, NewErrorFrame("", ErrCodeBadRequest, "invalid frame: "+decErr.Error())); writeErr != nil {
				return writeErr
			}
			continue
		}

		if frame.Type == FramePing {
			pong := &Frame{
				ID:        NextFrameID(),
				Type:      FramePong,
				CorrelID:  frame.ID,
				Timestamp: frame.Timestamp,
			}
			if writeErr := writer.write(codec, pong); writeErr != nil {
				return writeErr
			}
			continue
		}

		// Credit replenishment frames carry no method.
		if frame.Credits > 0 && frame.Method == "" {
			sub.AddCredits(int64(frame.Credits))
			continue
		}

		if frame.Method != "" {
			if reqScope := RequiredScope(frame.Method); reqScope != "" && !identity.HasScope(reqScope) {
				if writeErr := writer.write(codec, NewErrorFrame(frame.ID, ErrCodeForbidden, "insufficient permissions")); writeErr != nil {
					return writeErr
				}
				continue
			}
		}

		respFrame := s.handler.Handle(ctx, frame, wireConn)
		if respFrame == nil {
			continue
		}

		// Subscription bookkeeping happens here so the broker only
		// sees channels the handler validated.
		if respFrame.Type == FrameResponse {
			switch frame.Method {
			case MethodSubscribe:
				var req SubscribeRequest
				if json.Unmarshal(frame.Data, &req) == nil {
					s.broker.SubscribeTo(connID, req.Channel)
					wireConn.AddSubscription(req.Channel)
					if req.Credits > 0 {
						sub.AddCredits(int64(req.Credits))
					}
				}
			case MethodUnsubscribe:
				var req UnsubscribeRequest
				if json.Unmarshal(frame.Data, &req) == nil {
					s.broker.Unsubscribe(connID, req.Channel)
					wireConn.RemoveSubscription(req.Channel)
				}
			}
		}

		if writeErr := writer.write(codec, respFrame); writeErr != nil {
			return writeErr
		}
	}
}

// forwardEvents drains the broker subscriber into the WebSocket.
func (s *Server) forwardEvents(writer *wsWriter, codec Codec, sub *stream.Subscriber) {
	for evt := range sub.C() {
		frame, err := NewEventFrame(evt.Topic, evt)
		if err != nil {
			continue
		}
		if writeErr := writer.write(codec, frame); writeErr != nil {
			return // connection gone
		}
	}
}
