package wire_test

import (
	"testing"
	"time"

	"github.com/fluvius-io/fluvius-interim/wire"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	codec := &wire.JSONCodec{}
	if codec.Name() != wire.CodecNameJSON {
		t.Errorf("Name = %q, want json", codec.Name())
	}
	if codec.Binary() {
		t.Error("JSON codec should not be binary")
	}

	frame, err := wire.NewRequestFrame("f1", wire.MethodWorkflowGet, map[string]string{
		"workflow_id": "wf_abc",
	})
	if err != nil {
		t.Fatalf("NewRequestFrame: %v", err)
	}

	data, err := codec.Encode(frame)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.ID != "f1" || decoded.Type != wire.FrameRequest || decoded.Method != wire.MethodWorkflowGet {
		t.Errorf("decoded = %+v", decoded)
	}
	if string(decoded.Data) != `{"workflow_id":"wf_abc"}` {
		t.Errorf("Data = %s", decoded.Data)
	}
}

func TestMsgpackCodecRoundTrip(t *testing.T) {
	codec := &wire.MsgpackCodec{}
	if codec.Name() != wire.CodecNameMsgpack {
		t.Errorf("Name = %q, want msgpack", codec.Name())
	}
	if !codec.Binary() {
		t.Error("msgpack codec should be binary")
	}

	now := time.Now().UTC().Truncate(time.Second)
	frame := &wire.Frame{
		ID:        "f2",
		Type:      wire.FrameResponse,
		CorrelID:  "f1",
		Data:      []byte(`{"ok":true}`),
		Timestamp: now,
	}

	data, err := codec.Encode(frame)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.ID != "f2" || decoded.CorrelID != "f1" {
		t.Errorf("decoded = %+v", decoded)
	}
	if string(decoded.Data) != `{"ok":true}` {
		t.Errorf("Data = %s", decoded.Data)
	}
	if !decoded.Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, want %v", decoded.Timestamp, now)
	}
}

func TestGetCodecFallsBackToJSON(t *testing.T) {
	if wire.GetCodec("msgpack").Name() != wire.CodecNameMsgpack {
		t.Error("msgpack lookup failed")
	}
	if wire.GetCodec("").Name() != wire.CodecNameJSON {
		t.Error("empty name should fall back to json")
	}
	if wire.GetCodec("protobuf").Name() != wire.CodecNameJSON {
		t.Error("unknown name should fall back to json")
	}
}

func TestNewErrorFrame(t *testing.T) {
	frame := wire.NewErrorFrame("f9", wire.ErrCodeNotFound, "no such workflow")
	if frame.Type != wire.FrameErr {
		t.Errorf("Type = %q", frame.Type)
	}
	if frame.CorrelID != "f9" {
		t.Errorf("CorrelID = %q", frame.CorrelID)
	}
	if frame.Error == nil || frame.Error.Code != wire.ErrCodeNotFound || frame.Error.Message != "no such workflow" {
		t.Errorf("Error = %+v", frame.Error)
	}
}

func TestNewEventFrameCarriesChannel(t *testing.T) {
	frame, err := wire.NewEventFrame("workflows", map[string]string{"type": "workflow.created"})
	if err != nil {
		t.Fatalf("NewEventFrame: %v", err)
	}
	if frame.Type != wire.FrameEvent || frame.Channel != "workflows" {
		t.Errorf("frame = %+v", frame)
	}
}

func TestNextFrameIDIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := wire.NextFrameID()
		if seen[id] {
			t.Fatalf("duplicate frame id %q", id)
		}
		seen[id] = true
	}
}
