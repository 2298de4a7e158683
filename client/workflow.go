package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fluvius-io/fluvius-interim/engine"
	"github.com/fluvius-io/fluvius-interim/wire"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

// command sends a command method and decodes the engine result. The
// payload fields and the envelope fields (workflow_id,
// expected_version) travel in the same frame data object.
func (c *Client) command(ctx context.Context, method, workflowID string, expectedVersion int64, payload any) (*engine.Result, error) {
	data := map[string]any{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("payload must be an object: %w", err)
		}
	}
	if workflowID != "" {
		data["workflow_id"] = workflowID
	}
	if expectedVersion > 0 {
		data["expected_version"] = expectedVersion
	}

	resp, err := c.request(ctx, method, data)
	if err != nil {
		return nil, err
	}
	var result engine.Result
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &result, nil
}

// CreateParams configures a new workflow instance.
type CreateParams struct {
	DefinitionKey string         `json:"definition_key"`
	Revision      int            `json:"revision,omitempty"`
	Title         string         `json:"title,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
	ResourceName  string         `json:"resource_name,omitempty"`
	ResourceID    string         `json:"resource_id,omitempty"`
}

// CreateWorkflow creates a workflow instance from a registered
// definition. The instance starts in the created status; call
// StartWorkflow to activate it.
func (c *Client) CreateWorkflow(ctx context.Context, params CreateParams) (*workflow.Instance, error) {
	result, err := c.command(ctx, wire.MethodWorkflowCreate, "", 0, params)
	if err != nil {
		return nil, err
	}
	return result.Instance, nil
}

// UpdateParams patches mutable instance fields.
type UpdateParams struct {
	Title  string         `json:"title,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// UpdateWorkflow patches an instance. A non-zero expectedVersion makes
// the update conditional on the instance version.
func (c *Client) UpdateWorkflow(ctx context.Context, workflowID string, expectedVersion int64, params UpdateParams) (*workflow.Instance, error) {
	result, err := c.command(ctx, wire.MethodWorkflowUpdate, workflowID, expectedVersion, params)
	if err != nil {
		return nil, err
	}
	return result.Instance, nil
}

// StartWorkflow activates a created instance and schedules its start
// nodes.
func (c *Client) StartWorkflow(ctx context.Context, workflowID string) (*workflow.Instance, error) {
	result, err := c.command(ctx, wire.MethodWorkflowStart, workflowID, 0, nil)
	if err != nil {
		return nil, err
	}
	return result.Instance, nil
}

// CancelWorkflow cancels a running or created instance.
func (c *Client) CancelWorkflow(ctx context.Context, workflowID, reason string) (*workflow.Instance, error) {
	result, err := c.command(ctx, wire.MethodWorkflowCancel, workflowID, 0, map[string]any{"reason": reason})
	if err != nil {
		return nil, err
	}
	return result.Instance, nil
}

// AbortWorkflow fails a running instance with a reason.
func (c *Client) AbortWorkflow(ctx context.Context, workflowID, reason string) (*workflow.Instance, error) {
	result, err := c.command(ctx, wire.MethodWorkflowAbort, workflowID, 0, map[string]any{"reason": reason})
	if err != nil {
		return nil, err
	}
	return result.Instance, nil
}

// AddParticipant binds a user to a declared role on one instance.
func (c *Client) AddParticipant(ctx context.Context, workflowID, userID, role string) error {
	_, err := c.command(ctx, wire.MethodParticipantAdd, workflowID, 0, map[string]any{
		"user_id": userID,
		"role":    role,
	})
	return err
}

// RemoveParticipant removes a user-role binding from one instance.
func (c *Client) RemoveParticipant(ctx context.Context, workflowID, userID, role string) error {
	_, err := c.command(ctx, wire.MethodParticipantRemove, workflowID, 0, map[string]any{
		"user_id": userID,
		"role":    role,
	})
	return err
}

// AddRole grants a bare role to a user on one instance.
func (c *Client) AddRole(ctx context.Context, workflowID, userID, role string) error {
	_, err := c.command(ctx, wire.MethodRoleAdd, workflowID, 0, map[string]any{
		"user_id": userID,
		"role":    role,
	})
	return err
}

// RemoveRole revokes a bare role grant.
func (c *Client) RemoveRole(ctx context.Context, workflowID, userID, role string) error {
	_, err := c.command(ctx, wire.MethodRoleRemove, workflowID, 0, map[string]any{
		"user_id": userID,
		"role":    role,
	})
	return err
}

// InjectEvent delivers a named business event. A non-empty workflowID
// narrows delivery to one instance; an empty one fans out to every
// instance waiting on the event name.
func (c *Client) InjectEvent(ctx context.Context, workflowID, name string, data map[string]any) (*engine.Result, error) {
	return c.command(ctx, wire.MethodEventInject, workflowID, 0, map[string]any{
		"name": name,
		"data": data,
	})
}

// SendTrigger fires a named trigger, typically starting new instances.
func (c *Client) SendTrigger(ctx context.Context, name string, data map[string]any) (*engine.Result, error) {
	return c.command(ctx, wire.MethodTriggerSend, "", 0, map[string]any{
		"name": name,
		"data": data,
	})
}

// IgnoreStep marks a step as skipped.
func (c *Client) IgnoreStep(ctx context.Context, workflowID, stepID, reason string) error {
	_, err := c.command(ctx, wire.MethodStepIgnore, workflowID, 0, map[string]any{
		"step_id": stepID,
		"reason":  reason,
	})
	return err
}

// CancelStep cancels an active or waiting step.
func (c *Client) CancelStep(ctx context.Context, workflowID, stepID, reason string) error {
	_, err := c.command(ctx, wire.MethodStepCancel, workflowID, 0, map[string]any{
		"step_id": stepID,
		"reason":  reason,
	})
	return err
}

// ProcessActivity records a named action against an active or waiting
// step.
func (c *Client) ProcessActivity(ctx context.Context, workflowID, stepID, action string, data map[string]any) (*engine.Result, error) {
	return c.command(ctx, wire.MethodActivityProcess, workflowID, 0, map[string]any{
		"step_id": stepID,
		"action":  action,
		"data":    data,
	})
}
