package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fluvius-io/fluvius-interim/deadletter"
	"github.com/fluvius-io/fluvius-interim/engine"
	"github.com/fluvius-io/fluvius-interim/event"
	"github.com/fluvius-io/fluvius-interim/wire"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

// query sends a query method and decodes the response into out.
func (c *Client) query(ctx context.Context, method string, req, out any) error {
	resp, err := c.request(ctx, method, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("unmarshal %s response: %w", method, err)
	}
	return nil
}

// GetWorkflow retrieves one workflow instance.
func (c *Client) GetWorkflow(ctx context.Context, workflowID string) (*workflow.Instance, error) {
	var inst workflow.Instance
	if err := c.query(ctx, wire.MethodWorkflowGet, wire.WorkflowGetRequest{WorkflowID: workflowID}, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// GetWorkflowView retrieves one instance with its steps, stages, and
// participants.
func (c *Client) GetWorkflowView(ctx context.Context, workflowID string) (*engine.WorkflowView, error) {
	var view engine.WorkflowView
	if err := c.query(ctx, wire.MethodWorkflowView, wire.WorkflowGetRequest{WorkflowID: workflowID}, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// ListWorkflows lists instances matching the request filters.
func (c *Client) ListWorkflows(ctx context.Context, req wire.WorkflowListRequest) ([]*workflow.Instance, error) {
	var instances []*workflow.Instance
	if err := c.query(ctx, wire.MethodWorkflowList, req, &instances); err != nil {
		return nil, err
	}
	return instances, nil
}

// ListSteps lists the steps of one instance.
func (c *Client) ListSteps(ctx context.Context, req wire.WorkflowStepsRequest) ([]*workflow.Step, error) {
	var steps []*workflow.Step
	if err := c.query(ctx, wire.MethodWorkflowSteps, req, &steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// ListEvents pages through the event log of one instance.
func (c *Client) ListEvents(ctx context.Context, req wire.WorkflowEventsRequest) ([]*event.Event, error) {
	var events []*event.Event
	if err := c.query(ctx, wire.MethodWorkflowEvents, req, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// ListParticipants lists the participants of one instance.
func (c *Client) ListParticipants(ctx context.Context, workflowID string) ([]*workflow.Participant, error) {
	var parts []*workflow.Participant
	if err := c.query(ctx, wire.MethodWorkflowParticipants, wire.WorkflowGetRequest{WorkflowID: workflowID}, &parts); err != nil {
		return nil, err
	}
	return parts, nil
}

// ListDeadLetters pages through dead letter entries.
func (c *Client) ListDeadLetters(ctx context.Context, req wire.DeadLetterListRequest) ([]*deadletter.Entry, error) {
	var entries []*deadletter.Entry
	if err := c.query(ctx, wire.MethodDeadLetterList, req, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ReplayDeadLetter re-activates a dead-lettered node.
func (c *Client) ReplayDeadLetter(ctx context.Context, entryID string) (*deadletter.Entry, error) {
	var entry deadletter.Entry
	if err := c.query(ctx, wire.MethodDeadLetterReplay, wire.DeadLetterReplayRequest{EntryID: entryID}, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Stats retrieves broker and engine statistics from the server.
func (c *Client) Stats(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.request(ctx, wire.MethodStats, nil)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}
