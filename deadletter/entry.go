// Package deadletter captures steps that exhausted their retry budget.
// Entries preserve the failing handler, params, and error for inspection;
// replay re-activates the node through the aggregate rather than mutating
// the failed step, so the state machine's terminal states stay terminal.
package deadletter

import (
	"time"

	"github.com/fluvius-io/fluvius-interim/id"
)

// Entry records one step that failed past its retry budget and was parked
// for inspection or replay.
type Entry struct {
	ID          id.DeadLetterID `json:"id"`
	WorkflowID  id.WorkflowID   `json:"workflow_id"`
	StepID      id.StepID       `json:"step_id"`
	NodeKey     string          `json:"node_key"`
	Handler     string          `json:"handler"`
	Params      []byte          `json:"params,omitempty"`
	Error       string          `json:"error"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	ScopeAppID  string          `json:"scope_app_id,omitempty"`
	ScopeOrgID  string          `json:"scope_org_id,omitempty"`
	FailedAt    time.Time       `json:"failed_at"`
	ReplayedAt  *time.Time      `json:"replayed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
