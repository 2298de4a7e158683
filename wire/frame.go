// Package wire implements the riparius wire protocol, a frame-based
// message protocol for driving the engine over WebSocket. Every message
// is a Frame; requests correlate to responses by ID, subscriptions
// deliver event frames on named channels with credit-based flow
// control.
package wire

import (
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"
)

// FrameType identifies the frame category.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
	FrameErr      FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
)

// Frame is the wire protocol envelope. Every message exchanged over
// the protocol is a Frame.
type Frame struct {
	// ID uniquely identifies this frame within the connection.
	ID string `json:"id" msgpack:"id"`

	// Type categorizes the frame.
	Type FrameType `json:"type" msgpack:"type"`

	// Method names the operation for request frames (e.g., "workflow.create").
	Method string `json:"method,omitempty" msgpack:"method,omitempty"`

	// CorrelID links a response to its originating request.
	CorrelID string `json:"correl_id,omitempty" msgpack:"correl_id,omitempty"`

	// Token carries auth credentials (typically only on the auth frame).
	Token string `json:"token,omitempty" msgpack:"token,omitempty"`

	// Data carries the method-specific payload. For command methods the
	// payload doubles as the command body; workflow_id and
	// expected_version ride alongside the payload fields.
	Data json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`

	// Error carries error details for error frames.
	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	// Channel identifies the subscription channel for event frames.
	Channel string `json:"channel,omitempty" msgpack:"channel,omitempty"`

	// Credits replenishes flow-control credits.
	Credits int `json:"credits,omitempty" msgpack:"credits,omitempty"`

	// Timestamp records when this frame was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// ErrorDetail describes an error in a response or error frame.
type ErrorDetail struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
	Details string `json:"details,omitempty" msgpack:"details,omitempty"`
}

// ── Well-known methods ──────────────────────────────

const (
	MethodAuth = "auth"

	// Workflow commands.
	MethodWorkflowCreate = "workflow.create"
	MethodWorkflowUpdate = "workflow.update"
	MethodWorkflowStart  = "workflow.start"
	MethodWorkflowCancel = "workflow.cancel"
	MethodWorkflowAbort  = "workflow.abort"

	// Participant commands.
	MethodParticipantAdd    = "participant.add"
	MethodParticipantRemove = "participant.remove"
	MethodRoleAdd           = "role.add"
	MethodRoleRemove        = "role.remove"

	// Dispatch commands.
	MethodEventInject     = "event.inject"
	MethodTriggerSend     = "trigger.send"
	MethodStepIgnore      = "step.ignore"
	MethodStepCancel      = "step.cancel"
	MethodActivityProcess = "activity.process"

	// Queries.
	MethodWorkflowGet          = "workflow.get"
	MethodWorkflowView         = "workflow.view"
	MethodWorkflowList         = "workflow.list"
	MethodWorkflowSteps        = "workflow.steps"
	MethodWorkflowEvents       = "workflow.events"
	MethodWorkflowParticipants = "workflow.participants"

	// Subscription methods.
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"

	// Admin methods.
	MethodDeadLetterList   = "deadletter.list"
	MethodDeadLetterReplay = "deadletter.replay"
	MethodStats            = "stats"
)

// ── Well-known error codes ──────────────────────────

const (
	ErrCodeBadRequest     = 400
	ErrCodeUnauthorized   = 401
	ErrCodeForbidden      = 403
	ErrCodeNotFound       = 404
	ErrCodeMethodNotFound = 405
	ErrCodeConflict       = 409
	ErrCodeInvalid        = 422
	ErrCodeRateLimited    = 429
	ErrCodeInternal       = 500
)

// ── Request/Response payloads ───────────────────────

// AuthRequest is sent by clients as the first frame.
type AuthRequest struct {
	Token  string `json:"token"`
	Format string `json:"format,omitempty"` // "json" (default) or "msgpack"
}

// AuthResponse is returned after successful authentication.
type AuthResponse struct {
	Format    string `json:"format"`
	SessionID string `json:"session_id"`
	Subject   string `json:"subject"`
}

// commandTarget is the envelope half of a command frame's Data: the
// target instance and the optimistic concurrency token. Payload
// decoding ignores these fields.
type commandTarget struct {
	WorkflowID      string `json:"workflow_id"`
	ExpectedVersion int64  `json:"expected_version"`
}

// WorkflowGetRequest retrieves one workflow instance.
type WorkflowGetRequest struct {
	WorkflowID string `json:"workflow_id"`
}

// WorkflowListRequest filters the instance list.
type WorkflowListRequest struct {
	Status        string `json:"status,omitempty"`
	DefinitionKey string `json:"definition_key,omitempty"`
	ResourceID    string `json:"resource_id,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	Offset        int    `json:"offset,omitempty"`
}

// WorkflowStepsRequest filters the step list of one instance.
type WorkflowStepsRequest struct {
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status,omitempty"`
	Stage      string `json:"stage,omitempty"`
	Node       string `json:"node,omitempty"`
}

// WorkflowEventsRequest pages through the event log of one instance.
type WorkflowEventsRequest struct {
	WorkflowID    string `json:"workflow_id"`
	Name          string `json:"name,omitempty"`
	AfterSequence int64  `json:"after_sequence,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	Offset        int    `json:"offset,omitempty"`
}

// DeadLetterListRequest pages through dead letter entries.
type DeadLetterListRequest struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}

// DeadLetterReplayRequest re-activates a dead-lettered node.
type DeadLetterReplayRequest struct {
	EntryID string `json:"entry_id"`
}

// SubscribeRequest subscribes to a topic channel.
type SubscribeRequest struct {
	Channel string `json:"channel"`
	Credits int    `json:"credits,omitempty"` // initial credits, 0 = default
}

// UnsubscribeRequest removes a subscription.
type UnsubscribeRequest struct {
	Channel string `json:"channel"`
}

// ── Frame constructors ──────────────────────────────

// NewRequestFrame creates a request frame with a JSON-encoded payload.
func NewRequestFrame(id, method string, data any) (*Frame, error) {
	frame := &Frame{
		ID:        id,
		Type:      FrameRequest,
		Method:    method,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		frame.Data = raw
	}
	return frame, nil
}

// NewResponseFrame creates a response to a request.
func NewResponseFrame(correlID string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        NextFrameID(),
		Type:      FrameResponse,
		CorrelID:  correlID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorFrame creates an error response to a request.
func NewErrorFrame(correlID string, code int, message string) *Frame {
	return &Frame{
		ID:       NextFrameID(),
		Type:     FrameErr,
		CorrelID: correlID,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewEventFrame creates an event frame for a subscription channel.
func NewEventFrame(channel string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        NextFrameID(),
		Type:      FrameEvent,
		Channel:   channel,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

var frameCounter atomic.Uint64

// NextFrameID returns a connection-unique frame ID. Frame IDs only
// need to be unique per connection, so a process-wide counter is
// plenty.
func NextFrameID() string {
	return "f" + strconv.FormatUint(frameCounter.Add(1), 36)
}
