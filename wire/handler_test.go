package wire_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/definition"
	"github.com/fluvius-io/fluvius-interim/engine"
	"github.com/fluvius-io/fluvius-interim/step"
	"github.com/fluvius-io/fluvius-interim/store/memory"
	"github.com/fluvius-io/fluvius-interim/stream"
	"github.com/fluvius-io/fluvius-interim/wire"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intakeDefinition() *definition.Workflow {
	return &definition.Workflow{
		Key:      "intake",
		Revision: 1,
		Stages:   []definition.Stage{{Key: "main", Order: 1}},
		Roles:    []string{"reviewer"},
		Nodes: []definition.Node{
			{
				Key: "collect", Kind: definition.KindStep, Stage: "main",
				Start: true, Handler: "collect", Next: []string{"review"},
			},
			{
				Key: "review", Kind: definition.KindWait, Stage: "main",
				Event: "reviewed",
			},
		},
	}
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()

	rt, err := riparius.New(
		riparius.WithStore(memory.New()),
		riparius.WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("riparius.New: %v", err)
	}
	eng, err := engine.Build(rt, engine.WithStreaming())
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	if err := eng.RegisterWorkflow(intakeDefinition()); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	eng.RegisterStep("collect", func(_ context.Context, _ *step.Context) (*step.Outcome, error) {
		return step.Done(nil), nil
	})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
	return eng
}

func newTestHandler(t *testing.T) (*wire.Handler, *wire.Connection) {
	t.Helper()
	eng := newTestEngine(t)
	handler := wire.NewHandler(eng, discardLogger())
	conn := wire.NewConnection("conn-test", &wire.Identity{
		Subject: "tester",
		Scopes:  []string{wire.ScopeAll},
	}, &wire.JSONCodec{})
	return handler, conn
}

func request(t *testing.T, method string, data any) *wire.Frame {
	t.Helper()
	frame, err := wire.NewRequestFrame(wire.NextFrameID(), method, data)
	if err != nil {
		t.Fatalf("NewRequestFrame(%s): %v", method, err)
	}
	return frame
}

// handleOK dispatches a frame and fails the test on an error frame.
func handleOK(t *testing.T, h *wire.Handler, conn *wire.Connection, method string, data any) *wire.Frame {
	t.Helper()
	req := request(t, method, data)
	resp := h.Handle(context.Background(), req, conn)
	if resp == nil {
		t.Fatalf("%s: nil response", method)
	}
	if resp.Type == wire.FrameErr {
		t.Fatalf("%s: error frame %d: %s", method, resp.Error.Code, resp.Error.Message)
	}
	if resp.CorrelID != req.ID {
		t.Fatalf("%s: CorrelID = %q, want %q", method, resp.CorrelID, req.ID)
	}
	return resp
}

func createInstance(t *testing.T, h *wire.Handler, conn *wire.Connection) *workflow.Instance {
	t.Helper()
	resp := handleOK(t, h, conn, wire.MethodWorkflowCreate, map[string]any{
		"definition_key": "intake",
		"title":          "Intake 7",
	})
	var res struct {
		Instance *workflow.Instance `json:"Instance"`
	}
	if err := json.Unmarshal(resp.Data, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.Instance == nil {
		t.Fatalf("create returned no instance: %s", resp.Data)
	}
	return res.Instance
}

func TestHandlerCreateAndGetWorkflow(t *testing.T) {
	h, conn := newTestHandler(t)
	inst := createInstance(t, h, conn)

	if inst.Status != workflow.StatusCreated {
		t.Errorf("Status = %q", inst.Status)
	}

	resp := handleOK(t, h, conn, wire.MethodWorkflowGet, wire.WorkflowGetRequest{
		WorkflowID: inst.ID.String(),
	})
	var got workflow.Instance
	if err := json.Unmarshal(resp.Data, &got); err != nil {
		t.Fatalf("unmarshal instance: %v", err)
	}
	if got.Title != "Intake 7" {
		t.Errorf("Title = %q", got.Title)
	}
}

func TestHandlerWorkflowList(t *testing.T) {
	h, conn := newTestHandler(t)
	createInstance(t, h, conn)
	createInstance(t, h, conn)

	resp := handleOK(t, h, conn, wire.MethodWorkflowList, wire.WorkflowListRequest{
		DefinitionKey: "intake",
	})
	var instances []*workflow.Instance
	if err := json.Unmarshal(resp.Data, &instances); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(instances) != 2 {
		t.Errorf("len = %d, want 2", len(instances))
	}
}

func TestHandlerErrorCodes(t *testing.T) {
	h, conn := newTestHandler(t)

	tests := []struct {
		name   string
		method string
		data   any
		code   int
	}{
		{
			name:   "unknown method",
			method: "workflow.destroy",
			data:   nil,
			code:   wire.ErrCodeMethodNotFound,
		},
		{
			name:   "malformed workflow id",
			method: wire.MethodWorkflowGet,
			data:   wire.WorkflowGetRequest{WorkflowID: "not-an-id"},
			code:   wire.ErrCodeBadRequest,
		},
		{
			name:   "missing definition key",
			method: wire.MethodWorkflowCreate,
			data:   map[string]any{"title": "no def"},
			code:   wire.ErrCodeInvalid,
		},
		{
			name:   "unknown definition",
			method: wire.MethodWorkflowCreate,
			data:   map[string]any{"definition_key": "ghost"},
			code:   wire.ErrCodeNotFound,
		},
		{
			name:   "invalid subscribe channel",
			method: wire.MethodSubscribe,
			data:   wire.SubscribeRequest{Channel: "no spaces allowed"},
			code:   wire.ErrCodeBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.Handle(context.Background(), request(t, tt.method, tt.data), conn)
			if resp == nil || resp.Type != wire.FrameErr {
				t.Fatalf("resp = %+v, want error frame", resp)
			}
			if resp.Error.Code != tt.code {
				t.Errorf("code = %d, want %d: %s", resp.Error.Code, tt.code, resp.Error.Message)
			}
		})
	}
}

func TestHandlerVersionConflict(t *testing.T) {
	h, conn := newTestHandler(t)
	inst := createInstance(t, h, conn)

	resp := h.Handle(context.Background(), request(t, wire.MethodWorkflowUpdate, map[string]any{
		"workflow_id":      inst.ID.String(),
		"expected_version": 99,
		"title":            "stale",
	}), conn)
	if resp == nil || resp.Type != wire.FrameErr {
		t.Fatalf("resp = %+v, want error frame", resp)
	}
	if resp.Error.Code != wire.ErrCodeConflict {
		t.Errorf("code = %d, want 409: %s", resp.Error.Code, resp.Error.Message)
	}
}

func TestHandlerSubscribeValidatesChannel(t *testing.T) {
	h, conn := newTestHandler(t)

	resp := handleOK(t, h, conn, wire.MethodSubscribe, wire.SubscribeRequest{
		Channel: stream.TopicWorkflows,
	})
	var ack map[string]string
	if err := json.Unmarshal(resp.Data, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack["status"] != "subscribed" || ack["channel"] != stream.TopicWorkflows {
		t.Errorf("ack = %v", ack)
	}
}

func TestHandlerStats(t *testing.T) {
	h, conn := newTestHandler(t)
	createInstance(t, h, conn)

	resp := handleOK(t, h, conn, wire.MethodStats, nil)
	var stats map[string]any
	if err := json.Unmarshal(resp.Data, &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if stats["definitions"] != float64(1) {
		t.Errorf("definitions = %v", stats["definitions"])
	}
	if _, ok := stats["broker"]; !ok {
		t.Error("missing broker stats")
	}
}
