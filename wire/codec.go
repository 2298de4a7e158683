package wire

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec is the serialization contract for wire frames.
type Codec interface {
	// Encode serializes a frame to bytes.
	Encode(frame *Frame) ([]byte, error)

	// Decode deserializes bytes into a frame.
	Decode(data []byte) (*Frame, error)

	// Name returns the codec identifier ("json" or "msgpack").
	Name() string

	// Binary reports whether the codec produces binary WebSocket frames.
	Binary() bool
}

// Codec names for format negotiation.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Unknown names fall back to JSON.
func GetCodec(name string) Codec {
	switch name {
	case CodecNameMsgpack:
		return &MsgpackCodec{}
	default:
		return &JSONCodec{}
	}
}

// JSONCodec encodes frames as JSON text.
type JSONCodec struct{}

func (c *JSONCodec) Encode(frame *Frame) ([]byte, error) {
	return json.Marshal(frame)
}

func (c *JSONCodec) Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *JSONCodec) Name() string { return CodecNameJSON }
func (c *JSONCodec) Binary() bool { return false }

// MsgpackCodec encodes frames as MessagePack binary.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(frame *Frame) ([]byte, error) {
	return msgpack.Marshal(frame)
}

func (c *MsgpackCodec) Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *MsgpackCodec) Name() string { return CodecNameMsgpack }
func (c *MsgpackCodec) Binary() bool { return true }
