// Package workflow holds the runtime state of workflow instances and the
// state machine that advances them. An instance is created from a
// registered definition and carries its own steps, stage rollups, and
// participants; every mutation flows through the Machine so that
// transition rules and activation order stay in one place.
package workflow

import (
	"time"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/id"
)

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	// StatusCreated means the instance exists but has not begun executing.
	StatusCreated Status = "created"
	// StatusRunning means the instance is actively executing steps.
	StatusRunning Status = "running"
	// StatusCompleted means every step reached a terminal state and the
	// instance finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means a required step failed or the instance was aborted.
	StatusFailed Status = "failed"
	// StatusCancelled means the instance was cancelled by an operator.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Instance is one execution of a workflow definition. Version implements
// optimistic concurrency: it increments on every commit, and commands
// carrying a stale expected version are rejected.
type Instance struct {
	riparius.Entity

	ID            id.WorkflowID  `json:"id"`
	DefinitionKey string         `json:"definition_key"`
	Revision      int            `json:"revision"`
	Title         string         `json:"title"`
	Status        Status         `json:"status"`
	Version       int64          `json:"version"`
	Params        map[string]any `json:"params,omitempty"`
	Memo          map[string]any `json:"memo,omitempty"`
	ResourceName  string         `json:"resource_name,omitempty"`
	ResourceID    string         `json:"resource_id,omitempty"`
	Selector      string         `json:"selector,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedBy     string         `json:"created_by,omitempty"`
	ScopeAppID    string         `json:"scope_app_id,omitempty"`
	ScopeOrgID    string         `json:"scope_org_id,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of the instance. Maps are copied shallowly by
// key so that callers can mutate the copy without aliasing store state.
func (n *Instance) Clone() *Instance {
	cp := *n
	cp.Params = cloneMap(n.Params)
	cp.Memo = cloneMap(n.Memo)
	if n.StartedAt != nil {
		t := *n.StartedAt
		cp.StartedAt = &t
	}
	if n.FinishedAt != nil {
		t := *n.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
