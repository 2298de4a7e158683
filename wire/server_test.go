package wire_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/fluvius-io/fluvius-interim/engine"
	"github.com/fluvius-io/fluvius-interim/stream"
	"github.com/fluvius-io/fluvius-interim/wire"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

func newWireServer(t *testing.T, opts ...wire.Option) (*httptest.Server, *engine.Engine) {
	t.Helper()
	eng := newTestEngine(t)
	handler := wire.NewHandler(eng, discardLogger())
	opts = append(opts, wire.WithLogger(discardLogger()))
	srv := httptest.NewServer(wire.NewServer(eng.Broker(), handler, opts...))
	t.Cleanup(srv.Close)
	return srv, eng
}

func dialWire(t *testing.T, srv *httptest.Server, token string) net.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, _, err := ws.Dial(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("ws.Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	authFrame, err := wire.NewRequestFrame(wire.NextFrameID(), wire.MethodAuth, wire.AuthRequest{Token: token})
	if err != nil {
		t.Fatalf("auth frame: %v", err)
	}
	writeFrame(t, conn, authFrame)
	resp := readFrame(t, conn)
	if resp.Type == wire.FrameErr {
		t.Fatalf("auth failed: %d %s", resp.Error.Code, resp.Error.Message)
	}
	var authResp wire.AuthResponse
	if err := json.Unmarshal(resp.Data, &authResp); err != nil {
		t.Fatalf("unmarshal auth response: %v", err)
	}
	if authResp.SessionID == "" {
		t.Fatal("auth response missing session id")
	}
	return conn
}

func writeFrame(t *testing.T, conn net.Conn, frame *wire.Frame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := wsutil.WriteClientText(conn, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn net.Conn) *wire.Frame {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame wire.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return &frame
}

// readUntil drains frames until one satisfies the predicate.
func readUntil(t *testing.T, conn net.Conn, match func(*wire.Frame) bool) *wire.Frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := readFrame(t, conn)
		if match(frame) {
			return frame
		}
	}
	t.Fatal("expected frame never arrived")
	return nil
}

func roundTrip(t *testing.T, conn net.Conn, method string, data any) *wire.Frame {
	t.Helper()
	req, err := wire.NewRequestFrame(wire.NextFrameID(), method, data)
	if err != nil {
		t.Fatalf("request frame: %v", err)
	}
	writeFrame(t, conn, req)
	return readUntil(t, conn, func(f *wire.Frame) bool {
		return f.CorrelID == req.ID
	})
}

func TestServerAuthHandshake(t *testing.T) {
	srv, _ := newWireServer(t)
	conn := dialWire(t, srv, "")
	_ = conn
}

func TestServerRejectsNonAuthFirstFrame(t *testing.T) {
	srv, _ := newWireServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, _, err := ws.Dial(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("ws.Dial: %v", err)
	}
	defer conn.Close()

	req, _ := wire.NewRequestFrame(wire.NextFrameID(), wire.MethodWorkflowList, nil)
	writeFrame(t, conn, req)
	resp := readFrame(t, conn)
	if resp.Type != wire.FrameErr || resp.Error.Code != wire.ErrCodeBadRequest {
		t.Errorf("resp = %+v, want 400 error frame", resp)
	}
}

func TestServerCommandOverSocket(t *testing.T) {
	srv, _ := newWireServer(t)
	conn := dialWire(t, srv, "")

	resp := roundTrip(t, conn, wire.MethodWorkflowCreate, map[string]any{
		"definition_key": "intake",
		"title":          "Socket Intake",
	})
	if resp.Type != wire.FrameResponse {
		t.Fatalf("resp = %+v", resp)
	}
	var res struct {
		Instance *workflow.Instance `json:"Instance"`
	}
	if err := json.Unmarshal(resp.Data, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.Instance == nil || res.Instance.Title != "Socket Intake" {
		t.Fatalf("instance = %+v", res.Instance)
	}

	get := roundTrip(t, conn, wire.MethodWorkflowGet, wire.WorkflowGetRequest{
		WorkflowID: res.Instance.ID.String(),
	})
	if get.Type != wire.FrameResponse {
		t.Errorf("get = %+v", get)
	}
}

func TestServerPingPong(t *testing.T) {
	srv, _ := newWireServer(t)
	conn := dialWire(t, srv, "")

	ping := &wire.Frame{ID: wire.NextFrameID(), Type: wire.FramePing, Timestamp: time.Now().UTC()}
	writeFrame(t, conn, ping)
	pong := readUntil(t, conn, func(f *wire.Frame) bool { return f.Type == wire.FramePong })
	if pong.CorrelID != ping.ID {
		t.Errorf("pong CorrelID = %q, want %q", pong.CorrelID, ping.ID)
	}
}

func TestServerScopeEnforcement(t *testing.T) {
	auth := wire.NewAPIKeyAuthenticator(
		wire.APIKeyEntry{
			Token:    "read-only",
			Identity: wire.Identity{Subject: "viewer", Scopes: []string{wire.ScopeWorkflowRead}},
		},
	)
	srv, _ := newWireServer(t, wire.WithAuth(auth))
	conn := dialWire(t, srv, "read-only")

	list := roundTrip(t, conn, wire.MethodWorkflowList, nil)
	if list.Type != wire.FrameResponse {
		t.Errorf("list = %+v, want response", list)
	}

	create := roundTrip(t, conn, wire.MethodWorkflowCreate, map[string]any{
		"definition_key": "intake",
	})
	if create.Type != wire.FrameErr || create.Error.Code != wire.ErrCodeForbidden {
		t.Errorf("create = %+v, want 403 error frame", create)
	}
}

func TestServerRejectsBadToken(t *testing.T) {
	auth := wire.NewAPIKeyAuthenticator(
		wire.APIKeyEntry{Token: "valid", Identity: wire.Identity{Subject: "svc"}},
	)
	srv, _ := newWireServer(t, wire.WithAuth(auth))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, _, err := ws.Dial(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("ws.Dial: %v", err)
	}
	defer conn.Close()

	authFrame, _ := wire.NewRequestFrame(wire.NextFrameID(), wire.MethodAuth, wire.AuthRequest{Token: "bogus"})
	writeFrame(t, conn, authFrame)
	resp := readFrame(t, conn)
	if resp.Type != wire.FrameErr || resp.Error.Code != wire.ErrCodeUnauthorized {
		t.Errorf("resp = %+v, want 401 error frame", resp)
	}
}

func TestServerSubscribeDeliversEvents(t *testing.T) {
	srv, _ := newWireServer(t)
	conn := dialWire(t, srv, "")

	sub := roundTrip(t, conn, wire.MethodSubscribe, wire.SubscribeRequest{
		Channel: stream.TopicWorkflows,
	})
	if sub.Type != wire.FrameResponse {
		t.Fatalf("subscribe = %+v", sub)
	}

	create := roundTrip(t, conn, wire.MethodWorkflowCreate, map[string]any{
		"definition_key": "intake",
		"title":          "Streamed",
	})
	if create.Type != wire.FrameResponse {
		t.Fatalf("create = %+v", create)
	}

	evtFrame := readUntil(t, conn, func(f *wire.Frame) bool {
		return f.Type == wire.FrameEvent && f.Channel == stream.TopicWorkflows
	})
	var evt stream.Event
	if err := json.Unmarshal(evtFrame.Data, &evt); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if evt.Type != stream.EventWorkflowCreated {
		t.Errorf("event type = %q, want %q", evt.Type, stream.EventWorkflowCreated)
	}
}

func TestServerMsgpackNegotiation(t *testing.T) {
	srv, _ := newWireServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, _, err := ws.Dial(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("ws.Dial: %v", err)
	}
	defer conn.Close()

	authFrame, _ := wire.NewRequestFrame(wire.NextFrameID(), wire.MethodAuth, wire.AuthRequest{
		Format: wire.CodecNameMsgpack,
	})
	writeFrame(t, conn, authFrame)

	// Auth response is still JSON.
	resp := readFrame(t, conn)
	var authResp wire.AuthResponse
	if err := json.Unmarshal(resp.Data, &authResp); err != nil {
		t.Fatalf("unmarshal auth response: %v", err)
	}
	if authResp.Format != wire.CodecNameMsgpack {
		t.Fatalf("Format = %q, want msgpack", authResp.Format)
	}

	// Subsequent frames travel as msgpack binary.
	codec := &wire.MsgpackCodec{}
	req, _ := wire.NewRequestFrame(wire.NextFrameID(), wire.MethodStats, nil)
	data, err := codec.Encode(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := wsutil.WriteClientBinary(conn, data); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	raw, err := wsutil.ReadServerBinary(conn)
	if err != nil {
		t.Fatalf("read binary: %v", err)
	}
	statsResp, err := codec.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if statsResp.Type != wire.FrameResponse || statsResp.CorrelID != req.ID {
		t.Errorf("stats resp = %+v", statsResp)
	}
}
