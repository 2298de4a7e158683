package wire

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/command"
	"github.com/fluvius-io/fluvius-interim/deadletter"
	"github.com/fluvius-io/fluvius-interim/engine"
	"github.com/fluvius-io/fluvius-interim/event"
	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/stream"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

// Handler dispatches wire frames to engine operations.
type Handler struct {
	eng    *engine.Engine
	logger *slog.Logger
}

// NewHandler creates a wire method handler.
func NewHandler(eng *engine.Engine, logger *slog.Logger) *Handler {
	return &Handler{eng: eng, logger: logger}
}

// methodCommands maps command methods to engine command names.
var methodCommands = map[string]string{
	MethodWorkflowCreate:    command.CreateWorkflow,
	MethodWorkflowUpdate:    command.UpdateWorkflow,
	MethodWorkflowStart:     command.StartWorkflow,
	MethodWorkflowCancel:    command.CancelWorkflow,
	MethodWorkflowAbort:     command.AbortWorkflow,
	MethodParticipantAdd:    command.AddParticipant,
	MethodParticipantRemove: command.RemoveParticipant,
	MethodRoleAdd:           command.AddRole,
	MethodRoleRemove:        command.RemoveRole,
	MethodEventInject:       command.InjectEvent,
	MethodTriggerSend:       command.SendTrigger,
	MethodStepIgnore:        command.IgnoreStep,
	MethodStepCancel:        command.CancelStep,
	MethodActivityProcess:   command.ProcessActivity,
}

// Handle processes a single request frame and returns the response
// frame. Subscription bookkeeping is left to the server loop.
func (h *Handler) Handle(ctx context.Context, frame *Frame, conn *Connection) *Frame {
	if name, ok := methodCommands[frame.Method]; ok {
		return h.handleCommand(ctx, frame, conn, name)
	}

	switch frame.Method {
	case MethodWorkflowGet:
		return h.handleWorkflowGet(ctx, frame)
	case MethodWorkflowView:
		return h.handleWorkflowView(ctx, frame)
	case MethodWorkflowList:
		return h.handleWorkflowList(ctx, frame)
	case MethodWorkflowSteps:
		return h.handleWorkflowSteps(ctx, frame)
	case MethodWorkflowEvents:
		return h.handleWorkflowEvents(ctx, frame)
	case MethodWorkflowParticipants:
		return h.handleWorkflowParticipants(ctx, frame)
	case MethodDeadLetterList:
		return h.handleDeadLetterList(ctx, frame)
	case MethodDeadLetterReplay:
		return h.handleDeadLetterReplay(ctx, frame)
	case MethodSubscribe:
		return h.handleSubscribe(frame)
	case MethodUnsubscribe:
		return h.handleUnsubscribe(frame)
	case MethodStats:
		return h.handleStats(ctx, frame)
	default:
		return NewErrorFrame(frame.ID, ErrCodeMethodNotFound, "unknown method: "+frame.Method)
	}
}

// mustResponseFrame creates a response frame, falling back to an error
// frame on marshal failure.
func mustResponseFrame(frameID string, data any) *Frame {
	resp, err := NewResponseFrame(frameID, data)
	if err != nil {
		return NewErrorFrame(frameID, ErrCodeInternal, "marshal response: "+err.Error())
	}
	return resp
}

// errFrame maps the sentinel taxonomy onto wire error codes.
func errFrame(frameID string, err error) *Frame {
	code := ErrCodeInternal
	switch {
	case errors.Is(err, riparius.ErrValidation):
		code = ErrCodeInvalid
	case errors.Is(err, riparius.ErrUnauthorized):
		code = ErrCodeForbidden
	case errors.Is(err, riparius.ErrWorkflowNotFound),
		errors.Is(err, riparius.ErrStepNotFound),
		errors.Is(err, riparius.ErrParticipantNotFound),
		errors.Is(err, riparius.ErrDefinitionNotFound),
		errors.Is(err, riparius.ErrDeadLetterNotFound),
		errors.Is(err, riparius.ErrTriggerNotFound):
		code = ErrCodeNotFound
	case errors.Is(err, riparius.ErrVersionConflict),
		errors.Is(err, riparius.ErrDuplicateParticipant),
		errors.Is(err, riparius.ErrWorkflowTerminal),
		errors.Is(err, riparius.ErrWorkflowNotRunning),
		errors.Is(err, riparius.ErrInvalidTransition),
		errors.Is(err, riparius.ErrStepTerminal):
		code = ErrCodeConflict
	case errors.Is(err, riparius.ErrRateLimited):
		code = ErrCodeRateLimited
	}
	return NewErrorFrame(frameID, code, err.Error())
}

func (h *Handler) handleCommand(ctx context.Context, frame *Frame, conn *Connection, name string) *Frame {
	var target commandTarget
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &target); err != nil {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
		}
	}
	var workflowID id.WorkflowID
	if target.WorkflowID != "" {
		parsed, err := id.ParseWorkflowID(target.WorkflowID)
		if err != nil {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid workflow id: "+err.Error())
		}
		workflowID = parsed
	}

	res, err := h.eng.Execute(ctx, &command.Envelope{
		Name:            name,
		WorkflowID:      workflowID,
		Actor:           conn.Identity.Actor(),
		Payload:         frame.Data,
		ExpectedVersion: target.ExpectedVersion,
	})
	if err != nil {
		return errFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, res)
}

// ── Queries ─────────────────────────────────────────

func parseWorkflowID(frameID, raw string) (id.WorkflowID, *Frame) {
	wfID, err := id.ParseWorkflowID(raw)
	if err != nil {
		return id.Nil, NewErrorFrame(frameID, ErrCodeBadRequest, "invalid workflow id: "+err.Error())
	}
	return wfID, nil
}

func (h *Handler) handleWorkflowGet(ctx context.Context, frame *Frame) *Frame {
	var req WorkflowGetRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	wfID, ef := parseWorkflowID(frame.ID, req.WorkflowID)
	if ef != nil {
		return ef
	}
	inst, err := h.eng.GetWorkflow(ctx, wfID)
	if err != nil {
		return errFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, inst)
}

func (h *Handler) handleWorkflowView(ctx context.Context, frame *Frame) *Frame {
	var req WorkflowGetRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	wfID, ef := parseWorkflowID(frame.ID, req.WorkflowID)
	if ef != nil {
		return ef
	}
	view, err := h.eng.GetWorkflowView(ctx, wfID)
	if err != nil {
		return errFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, view)
}

func (h *Handler) handleWorkflowList(ctx context.Context, frame *Frame) *Frame {
	var req WorkflowListRequest
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
		}
	}
	instances, err := h.eng.ListWorkflows(ctx, workflow.ListOpts{
		Limit:         req.Limit,
		Offset:        req.Offset,
		Status:        workflow.Status(req.Status),
		DefinitionKey: req.DefinitionKey,
		ResourceID:    req.ResourceID,
	})
	if err != nil {
		return errFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, instances)
}

func (h *Handler) handleWorkflowSteps(ctx context.Context, frame *Frame) *Frame {
	var req WorkflowStepsRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	wfID, ef := parseWorkflowID(frame.ID, req.WorkflowID)
	if ef != nil {
		return ef
	}
	steps, err := h.eng.ListSteps(ctx, wfID, workflow.StepListOpts{
		Status:   workflow.StepStatus(req.Status),
		StageKey: req.Stage,
		NodeKey:  req.Node,
	})
	if err != nil {
		return errFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, steps)
}

func (h *Handler) handleWorkflowEvents(ctx context.Context, frame *Frame) *Frame {
	var req WorkflowEventsRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	wfID, ef := parseWorkflowID(frame.ID, req.WorkflowID)
	if ef != nil {
		return ef
	}
	events, err := h.eng.ListEvents(ctx, wfID, event.ListOpts{
		Name:          req.Name,
		AfterSequence: req.AfterSequence,
		Limit:         req.Limit,
		Offset:        req.Offset,
	})
	if err != nil {
		return errFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, events)
}

func (h *Handler) handleWorkflowParticipants(ctx context.Context, frame *Frame) *Frame {
	var req WorkflowGetRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	wfID, ef := parseWorkflowID(frame.ID, req.WorkflowID)
	if ef != nil {
		return ef
	}
	parts, err := h.eng.ListParticipants(ctx, wfID, workflow.ParticipantListOpts{})
	if err != nil {
		return errFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, parts)
}

func (h *Handler) handleDeadLetterList(ctx context.Context, frame *Frame) *Frame {
	var req DeadLetterListRequest
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
		}
	}
	opts := deadletter.ListOpts{Limit: req.Limit, Offset: req.Offset}
	if req.WorkflowID != "" {
		wfID, ef := parseWorkflowID(frame.ID, req.WorkflowID)
		if ef != nil {
			return ef
		}
		opts.WorkflowID = wfID
	}
	entries, err := h.eng.DeadLetters().List(ctx, opts)
	if err != nil {
		return errFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, entries)
}

func (h *Handler) handleDeadLetterReplay(ctx context.Context, frame *Frame) *Frame {
	var req DeadLetterReplayRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	entryID, err := id.ParseDeadLetterID(req.EntryID)
	if err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid entry id: "+err.Error())
	}
	entry, err := h.eng.DeadLetters().Replay(ctx, entryID)
	if err != nil {
		return errFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, entry)
}

func (h *Handler) handleSubscribe(frame *Frame) *Frame {
	var req SubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	if err := stream.ValidateTopic(req.Channel); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, err.Error())
	}
	// The server loop performs the actual broker subscription once
	// the channel has been validated here.
	return mustResponseFrame(frame.ID, map[string]string{
		"channel": req.Channel,
		"status":  "subscribed",
	})
}

func (h *Handler) handleUnsubscribe(frame *Frame) *Frame {
	var req UnsubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	return mustResponseFrame(frame.ID, map[string]string{
		"channel": req.Channel,
		"status":  "unsubscribed",
	})
}

func (h *Handler) handleStats(ctx context.Context, frame *Frame) *Frame {
	stats := map[string]any{}
	if broker := h.eng.Broker(); broker != nil {
		stats["broker"] = broker.Stats()
	}
	if n, err := h.eng.DeadLetters().Count(ctx); err == nil {
		stats["dead_letters"] = n
	}
	stats["definitions"] = len(h.eng.Definitions().Keys())
	return mustResponseFrame(frame.ID, stats)
}
