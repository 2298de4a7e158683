package workflow

import (
	"context"

	"github.com/fluvius-io/fluvius-interim/event"
	"github.com/fluvius-io/fluvius-interim/id"
)

// Commit is the atomic write unit produced by one command against one
// instance. Stores apply the whole commit or none of it: the instance
// record is replaced only if its stored version still equals
// ExpectedVersion, the step and stage upserts land with it, and the
// events append to the log. ExpectedVersion zero means the instance is
// being created.
type Commit struct {
	Instance *Instance
	// ExpectedVersion is the version the caller loaded. The store rejects
	// the commit with ErrVersionConflict when the stored version moved.
	ExpectedVersion int64

	Steps        []*Step
	Stages       []*Stage
	Participants []*Participant
	// RemovedParticipants are deleted in the same write.
	RemovedParticipants []id.ParticipantID

	// Events append to the workflow's log. The store assigns each one the
	// next per-workflow sequence inside the same atomic write and sets it
	// on the passed events.
	Events []*event.Event
}

// ListOpts controls filtering and pagination for instance list queries.
// Results are ordered by ID, which sorts by creation time.
type ListOpts struct {
	// Limit is the maximum number of results. Zero means no limit.
	Limit int
	// Offset is the number of results to skip.
	Offset int
	// Status filters by instance status. Empty means all.
	Status Status
	// DefinitionKey filters by definition key. Empty means all.
	DefinitionKey string
	// ResourceID filters by the external resource the instance tracks.
	ResourceID string
}

// StepListOpts controls step list queries, scoped to one workflow.
type StepListOpts struct {
	Limit  int
	Offset int
	// Status filters by step status. Empty means all.
	Status StepStatus
	// StageKey filters to steps of one stage. Empty means all.
	StageKey string
	// NodeKey filters to instantiations of one node. Empty means all.
	NodeKey string
}

// ParticipantListOpts controls participant list queries.
type ParticipantListOpts struct {
	Limit  int
	Offset int
	// Role filters by role. Empty means all.
	Role string
	// UserID filters by user. Empty means all.
	UserID string
}

// Store defines the persistence contract for workflow instances. Reads
// return copies; mutating a returned entity does not change the store.
type Store interface {
	// CommitInstance applies one commit atomically. It creates the
	// instance when ExpectedVersion is zero and replaces it otherwise,
	// enforcing the version check in both directions: creation of an
	// existing ID fails with ErrWorkflowExists, replacement of a moved
	// version with ErrVersionConflict.
	CommitInstance(ctx context.Context, c *Commit) error

	// GetInstance retrieves an instance by ID.
	GetInstance(ctx context.Context, workflowID id.WorkflowID) (*Instance, error)

	// ListInstances returns instances matching the options, ordered by ID.
	ListInstances(ctx context.Context, opts ListOpts) ([]*Instance, error)

	// GetStep retrieves a step by ID.
	GetStep(ctx context.Context, stepID id.StepID) (*Step, error)

	// ListSteps returns the steps of one workflow, ordered by ID.
	ListSteps(ctx context.Context, workflowID id.WorkflowID, opts StepListOpts) ([]*Step, error)

	// ListStages returns the stage rollups of one workflow in stage order.
	ListStages(ctx context.Context, workflowID id.WorkflowID) ([]*Stage, error)

	// ListParticipants returns the participants of one workflow, ordered
	// by ID.
	ListParticipants(ctx context.Context, workflowID id.WorkflowID, opts ParticipantListOpts) ([]*Participant, error)

	// FindWaitingSteps returns waiting steps across all running workflows
	// whose wait event matches the given name. Used by the event
	// dispatcher to locate delivery targets.
	FindWaitingSteps(ctx context.Context, eventName string) ([]*Step, error)

	// ListRunningInstances returns instances in the running state. Used
	// on startup to resume in-flight work.
	ListRunningInstances(ctx context.Context) ([]*Instance, error)
}
