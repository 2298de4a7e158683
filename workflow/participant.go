package workflow

import (
	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/id"
)

// Participant kinds. A member is a user attached to the workflow through
// add-participant; a grant is a bare role conferred through add-role.
// Both carry the role for authorization checks.
const (
	KindMember = "member"
	KindGrant  = "grant"
)

// Participant binds a user to a role on one workflow instance. The
// (workflow, user, role) tuple is unique across kinds; adding the same
// binding twice is a conflict regardless of how the first was created.
type Participant struct {
	riparius.Entity

	ID         id.ParticipantID `json:"id"`
	WorkflowID id.WorkflowID    `json:"workflow_id"`
	UserID     string           `json:"user_id"`
	Role       string           `json:"role"`
	Kind       string           `json:"kind"`
	AddedBy    string           `json:"added_by,omitempty"`
}

// Clone returns a copy of the participant.
func (p *Participant) Clone() *Participant {
	cp := *p
	return &cp
}
