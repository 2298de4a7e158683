package workflow

import (
	"time"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/id"
)

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	// StepPending means the step was instantiated but not yet activated.
	StepPending StepStatus = "pending"
	// StepActive means the step is eligible for execution.
	StepActive StepStatus = "active"
	// StepWaiting means the step is parked until a matching event arrives.
	StepWaiting StepStatus = "waiting"
	// StepDone means the step finished successfully.
	StepDone StepStatus = "done"
	// StepFailed means the step failed terminally.
	StepFailed StepStatus = "failed"
	// StepSkipped means the step was bypassed; it counts as satisfied for
	// successor activation but produced no output.
	StepSkipped StepStatus = "skipped"
)

// Terminal reports whether the status admits no further transitions.
func (s StepStatus) Terminal() bool {
	return s == StepDone || s == StepFailed || s == StepSkipped
}

// Step origins, recorded when a step is instantiated.
const (
	OriginStart   = "start"
	OriginEdge    = "edge"
	OriginTrigger = "trigger"
	OriginRetry   = "retry"
)

// Step is one instantiated node of a running workflow. Nodes are
// instantiated on demand: start nodes when the instance is created, edge
// targets when a predecessor finishes, trigger targets when a trigger
// fires. A node the control flow never reaches has no Step record.
type Step struct {
	riparius.Entity

	ID          id.StepID      `json:"id"`
	WorkflowID  id.WorkflowID  `json:"workflow_id"`
	NodeKey     string         `json:"node_key"`
	StageKey    string         `json:"stage_key,omitempty"`
	Title       string         `json:"title"`
	Status      StepStatus     `json:"status"`
	Attempt     int            `json:"attempt"`
	Selector    string         `json:"selector,omitempty"`
	WaitEvent   string         `json:"wait_event,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Origin      string         `json:"origin,omitempty"`
	ActivatedAt *time.Time     `json:"activated_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	cp := *s
	cp.Output = cloneMap(s.Output)
	if s.ActivatedAt != nil {
		t := *s.ActivatedAt
		cp.ActivatedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}
