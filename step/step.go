// Package step defines the step execution contract: the context a handler
// receives, the outcome it returns, and the registry that maps node
// handler names to code. Handlers are pure with respect to workflow
// state; everything they want to change travels back in the Outcome and
// is applied by the state machine.
package step

import (
	"encoding/json"
	"log/slog"

	"github.com/fluvius-io/fluvius-interim/id"
)

// Result classifies how a step execution ended.
type Result string

const (
	// ResultDone means the step finished and its output should merge into
	// the workflow memo.
	ResultDone Result = "done"
	// ResultFailed means the step failed. Whether it retries depends on
	// the node's retry policy and the outcome's Retryable flag.
	ResultFailed Result = "failed"
	// ResultWaiting means the step parked itself until an external event
	// arrives.
	ResultWaiting Result = "waiting"
)

// Outcome is the sole channel through which a handler affects workflow
// state. Handlers may run more than once for the same step, so producing
// the same outcome for the same input must be safe.
type Outcome struct {
	Result   Result         `json:"result"`
	Output   map[string]any `json:"output,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Event    string         `json:"event,omitempty"`
	Selector string         `json:"selector,omitempty"`
	// Retryable marks a failure as eligible for the node's retry policy.
	// Permanent failures skip retries regardless of policy.
	Retryable bool `json:"retryable,omitempty"`
}

// Done builds a successful outcome whose output merges into the memo.
func Done(output map[string]any) *Outcome {
	return &Outcome{Result: ResultDone, Output: output}
}

// Failed builds a retryable failure.
func Failed(reason string) *Outcome {
	return &Outcome{Result: ResultFailed, Reason: reason, Retryable: true}
}

// Permanent builds a failure that must not be retried.
func Permanent(reason string) *Outcome {
	return &Outcome{Result: ResultFailed, Reason: reason}
}

// Waiting parks the step until the named event arrives. A non-empty
// selector overrides the step's selector for event matching.
func Waiting(eventName, selector string) *Outcome {
	return &Outcome{Result: ResultWaiting, Event: eventName, Selector: selector}
}

// Context is the read-only view a handler gets of its step and workflow.
// Params carries the node's params block as raw JSON for typed handlers
// to decode. Memo and WorkflowParams are snapshots taken when the step
// was dispatched: every retry within that dispatch sees the same view,
// so an attempt never observes memo writes made by concurrent steps
// mid-flight. A fresh dispatch of the step takes a fresh snapshot.
type Context struct {
	WorkflowID     id.WorkflowID
	StepID         id.StepID
	NodeKey        string
	StageKey       string
	Attempt        int
	Params         json.RawMessage
	Memo           map[string]any
	WorkflowParams map[string]any
	Logger         *slog.Logger
}

// Log returns the step's logger, falling back to the default logger so
// handlers can log unconditionally.
func (c *Context) Log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
