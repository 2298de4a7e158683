package workflow

import (
	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/id"
)

// StageStatus is the rollup state of a stage, derived from its steps.
type StageStatus string

const (
	// StagePending means no step in the stage has been activated yet.
	StagePending StageStatus = "pending"
	// StageActive means at least one step in the stage is live.
	StageActive StageStatus = "active"
	// StageCompleted means the stage saw at least one step and all of its
	// steps are terminal.
	StageCompleted StageStatus = "completed"
)

// Stage is the per-instance rollup record for one definition stage. Stage
// records exist for every stage of the definition from the moment the
// instance is created, so list queries can show progress for stages whose
// steps have not started.
type Stage struct {
	riparius.Entity

	ID         id.StageID    `json:"id"`
	WorkflowID id.WorkflowID `json:"workflow_id"`
	StageKey   string        `json:"stage_key"`
	Title      string        `json:"title"`
	Order      int           `json:"order"`
	Status     StageStatus   `json:"status"`
}

// Clone returns a copy of the stage.
func (s *Stage) Clone() *Stage {
	cp := *s
	return &cp
}
