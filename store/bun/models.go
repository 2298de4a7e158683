package bunstore

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/cluster"
	"github.com/fluvius-io/fluvius-interim/deadletter"
	"github.com/fluvius-io/fluvius-interim/event"
	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/trigger"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

// ── Instance model ────────────────────────────────────────────────

type instanceModel struct {
	bun.BaseModel `bun:"table:riparius_workflows,alias:wf"`

	ID            string         `bun:"id,pk"`
	DefinitionKey string         `bun:"definition_key,notnull"`
	Revision      int            `bun:"revision,notnull,default:1"`
	Title         string         `bun:"title"`
	Status        string         `bun:"status,notnull,default:'created'"`
	Version       int64          `bun:"version,notnull,default:1"`
	Params        map[string]any `bun:"params,type:jsonb"`
	Memo          map[string]any `bun:"memo,type:jsonb"`
	ResourceName  string         `bun:"resource_name"`
	ResourceID    string         `bun:"resource_id"`
	Selector      string         `bun:"selector"`
	Error         string         `bun:"error"`
	CreatedBy     string         `bun:"created_by"`
	ScopeAppID    string         `bun:"scope_app_id"`
	ScopeOrgID    string         `bun:"scope_org_id"`
	StartedAt     *time.Time     `bun:"started_at"`
	FinishedAt    *time.Time     `bun:"finished_at"`
	CreatedAt     time.Time      `bun:"created_at,notnull"`
	UpdatedAt     time.Time      `bun:"updated_at,notnull"`
}

func toInstanceModel(n *workflow.Instance) *instanceModel {
	return &instanceModel{
		ID:            n.ID.String(),
		DefinitionKey: n.DefinitionKey,
		Revision:      n.Revision,
		Title:         n.Title,
		Status:        string(n.Status),
		Version:       n.Version,
		Params:        n.Params,
		Memo:          n.Memo,
		ResourceName:  n.ResourceName,
		ResourceID:    n.ResourceID,
		Selector:      n.Selector,
		Error:         n.Error,
		CreatedBy:     n.CreatedBy,
		ScopeAppID:    n.ScopeAppID,
		ScopeOrgID:    n.ScopeOrgID,
		StartedAt:     n.StartedAt,
		FinishedAt:    n.FinishedAt,
		CreatedAt:     n.CreatedAt,
		UpdatedAt:     n.UpdatedAt,
	}
}

func fromInstanceModel(m *instanceModel) (*workflow.Instance, error) {
	parsedID, err := id.ParseWorkflowID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("riparius/bun: parse workflow id %q: %w", m.ID, err)
	}
	return &workflow.Instance{
		Entity: riparius.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:            parsedID,
		DefinitionKey: m.DefinitionKey,
		Revision:      m.Revision,
		Title:         m.Title,
		Status:        workflow.Status(m.Status),
		Version:       m.Version,
		Params:        m.Params,
		Memo:          m.Memo,
		ResourceName:  m.ResourceName,
		ResourceID:    m.ResourceID,
		Selector:      m.Selector,
		Error:         m.Error,
		CreatedBy:     m.CreatedBy,
		ScopeAppID:    m.ScopeAppID,
		ScopeOrgID:    m.ScopeOrgID,
		StartedAt:     m.StartedAt,
		FinishedAt:    m.FinishedAt,
	}, nil
}

// ── Step model ────────────────────────────────────────────────────

type stepModel struct {
	bun.BaseModel `bun:"table:riparius_steps,alias:st"`

	ID          string         `bun:"id,pk"`
	WorkflowID  string         `bun:"workflow_id,notnull"`
	NodeKey     string         `bun:"node_key,notnull"`
	StageKey    string         `bun:"stage_key"`
	Title       string         `bun:"title"`
	Status      string         `bun:"status,notnull,default:'pending'"`
	Attempt     int            `bun:"attempt,notnull,default:0"`
	Selector    string         `bun:"selector"`
	WaitEvent   string         `bun:"wait_event"`
	Output      map[string]any `bun:"output,type:jsonb"`
	Error       string         `bun:"error"`
	Origin      string         `bun:"origin"`
	ActivatedAt *time.Time     `bun:"activated_at"`
	FinishedAt  *time.Time     `bun:"finished_at"`
	CreatedAt   time.Time      `bun:"created_at,notnull"`
	UpdatedAt   time.Time      `bun:"updated_at,notnull"`
}

func toStepModel(st *workflow.Step) *stepModel {
	return &stepModel{
		ID:          st.ID.String(),
		WorkflowID:  st.WorkflowID.String(),
		NodeKey:     st.NodeKey,
		StageKey:    st.StageKey,
		Title:       st.Title,
		Status:      string(st.Status),
		Attempt:     st.Attempt,
		Selector:    st.Selector,
		WaitEvent:   st.WaitEvent,
		Output:      st.Output,
		Error:       st.Error,
		Origin:      st.Origin,
		ActivatedAt: st.ActivatedAt,
		FinishedAt:  st.FinishedAt,
		CreatedAt:   st.CreatedAt,
		UpdatedAt:   st.UpdatedAt,
	}
}

func fromStepModel(m *stepModel) (*workflow.Step, error) {
	parsedID, err := id.ParseStepID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("riparius/bun: parse step id %q: %w", m.ID, err)
	}
	wfID, err := id.ParseWorkflowID(m.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("riparius/bun: parse workflow id %q: %w", m.WorkflowID, err)
	}
	return &workflow.Step{
		Entity: riparius.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          parsedID,
		WorkflowID:  wfID,
		NodeKey:     m.NodeKey,
		StageKey:    m.StageKey,
		Title:       m.Title,
		Status:      workflow.StepStatus(m.Status),
		Attempt:     m.Attempt,
		Selector:    m.Selector,
		WaitEvent:   m.WaitEvent,
		Output:      m.Output,
		Error:       m.Error,
		Origin:      m.Origin,
		ActivatedAt: m.ActivatedAt,
		FinishedAt:  m.FinishedAt,
	}, nil
}

// ── Stage model ───────────────────────────────────────────────────

type stageModel struct {
	bun.BaseModel `bun:"table:riparius_stages,alias:sg"`

	ID         string    `bun:"id,pk"`
	WorkflowID string    `bun:"workflow_id,notnull"`
	StageKey   string    `bun:"stage_key,notnull"`
	Title      string    `bun:"title"`
	Order      int       `bun:"stage_order,notnull,default:0"`
	Status     string    `bun:"status,notnull,default:'pending'"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
	UpdatedAt  time.Time `bun:"updated_at,notnull"`
}

func toStageModel(sg *workflow.Stage) *stageModel {
	return &stageModel{
		ID:         sg.ID.String(),
		WorkflowID: sg.WorkflowID.String(),
		StageKey:   sg.StageKey,
		Title:      sg.Title,
		Order:      sg.Order,
		Status:     string(sg.Status),
		CreatedAt:  sg.CreatedAt,
		UpdatedAt:  sg.UpdatedAt,
	}
}

func fromStageModel(m *stageModel) (*workflow.Stage, error) {
	parsedID, err := id.ParseStageID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("riparius/bun: parse stage id %q: %w", m.ID, err)
	}
	wfID, err := id.ParseWorkflowID(m.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("riparius/bun: parse workflow id %q: %w", m.WorkflowID, err)
	}
	return &workflow.Stage{
		Entity: riparius.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:         parsedID,
		WorkflowID: wfID,
		StageKey:   m.StageKey,
		Title:      m.Title,
		Order:      m.Order,
		Status:     workflow.StageStatus(m.Status),
	}, nil
}

// ── Participant model ─────────────────────────────────────────────

type participantModel struct {
	bun.BaseModel `bun:"table:riparius_participants,alias:pt"`

	ID         string    `bun:"id,pk"`
	WorkflowID string    `bun:"workflow_id,notnull"`
	UserID     string    `bun:"user_id,notnull"`
	Role       string    `bun:"role"`
	Kind       string    `bun:"kind,notnull,default:'member'"`
	AddedBy    string    `bun:"added_by"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
	UpdatedAt  time.Time `bun:"updated_at,notnull"`
}

func toParticipantModel(p *workflow.Participant) *participantModel {
	return &participantModel{
		ID:         p.ID.String(),
		WorkflowID: p.WorkflowID.String(),
		UserID:     p.UserID,
		Role:       p.Role,
		Kind:       p.Kind,
		AddedBy:    p.AddedBy,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}
}

func fromParticipantModel(m *participantModel) (*workflow.Participant, error) {
	parsedID, err := id.ParseParticipantID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("riparius/bun: parse participant id %q: %w", m.ID, err)
	}
	wfID, err := id.ParseWorkflowID(m.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("riparius/bun: parse workflow id %q: %w", m.WorkflowID, err)
	}
	return &workflow.Participant{
		Entity: riparius.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:         parsedID,
		WorkflowID: wfID,
		UserID:     m.UserID,
		Role:       m.Role,
		Kind:       m.Kind,
		AddedBy:    m.AddedBy,
	}, nil
}

// ── Event model ───────────────────────────────────────────────────

type eventModel struct {
	bun.BaseModel `bun:"table:riparius_events,alias:ev"`

	ID         string    `bun:"id,pk"`
	WorkflowID string    `bun:"workflow_id,notnull"`
	Sequence   int64     `bun:"sequence,notnull"`
	Name       string    `bun:"name,notnull"`
	Payload    string    `bun:"payload,type:jsonb"`
	Actor      string    `bun:"actor"`
	ScopeAppID string    `bun:"scope_app_id"`
	ScopeOrgID string    `bun:"scope_org_id"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
}

func toEventModel(evt *event.Event) *eventModel {
	payload := string(evt.Payload)
	if payload == "" {
		payload = "null"
	}
	return &eventModel{
		ID:         evt.ID.String(),
		WorkflowID: evt.WorkflowID.String(),
		Sequence:   evt.Sequence,
		Name:       evt.Name,
		Payload:    payload,
		Actor:      evt.Actor,
		ScopeAppID: evt.ScopeAppID,
		ScopeOrgID: evt.ScopeOrgID,
		CreatedAt:  evt.CreatedAt,
	}
}

func fromEventModel(m *eventModel) (*event.Event, error) {
	parsedID, err := id.ParseEventID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("riparius/bun: parse event id %q: %w", m.ID, err)
	}
	wfID, err := id.ParseWorkflowID(m.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("riparius/bun: parse workflow id %q: %w", m.WorkflowID, err)
	}
	return &event.Event{
		ID:         parsedID,
		WorkflowID: wfID,
		Sequence:   m.Sequence,
		Name:       m.Name,
		Payload:    []byte(m.Payload),
		Actor:      m.Actor,
		ScopeAppID: m.ScopeAppID,
		ScopeOrgID: m.ScopeOrgID,
		CreatedAt:  m.CreatedAt,
	}, nil
}

// ── Trigger model ─────────────────────────────────────────────────

type triggerModel struct {
	bun.BaseModel `bun:"table:riparius_triggers,alias:tr"`

	ID            string     `bun:"id,pk"`
	Name          string     `bun:"name,notnull"`
	DefinitionKey string     `bun:"definition_key,notnull"`
	Schedule      string     `bun:"schedule"`
	Params        []byte     `bun:"params,type:bytea"`
	ScopeAppID    string     `bun:"scope_app_id"`
	ScopeOrgID    string     `bun:"scope_org_id"`
	LastRunAt     *time.Time `bun:"last_run_at"`
	NextRunAt     *time.Time `bun:"next_run_at"`
	LockedBy      string     `bun:"locked_by"`
	LockedUntil   *time.Time `bun:"locked_until"`
	Enabled       bool       `bun:"enabled,notnull,default:true"`
	CreatedAt     time.Time  `bun:"created_at,notnull"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull"`
}

func toTriggerModel(e *trigger.Entry) *triggerModel {
	return &triggerModel{
		ID:            e.ID.String(),
		Name:          e.Name,
		DefinitionKey: e.DefinitionKey,
		Schedule:      e.Schedule,
		Params:        e.Params,
		ScopeAppID:    e.ScopeAppID,
		ScopeOrgID:    e.ScopeOrgID,
		LastRunAt:     e.LastRunAt,
		NextRunAt:     e.NextRunAt,
		LockedBy:      e.LockedBy,
		LockedUntil:   e.LockedUntil,
		Enabled:       e.Enabled,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

func fromTriggerModel(m *triggerModel) (*trigger.Entry, error) {
	parsedID, err := id.ParseTriggerID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("riparius/bun: parse trigger id %q: %w", m.ID, err)
	}
	return &trigger.Entry{
		Entity: riparius.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:            parsedID,
		Name:          m.Name,
		DefinitionKey: m.DefinitionKey,
		Schedule:      m.Schedule,
		Params:        m.Params,
		ScopeAppID:    m.ScopeAppID,
		ScopeOrgID:    m.ScopeOrgID,
		LastRunAt:     m.LastRunAt,
		NextRunAt:     m.NextRunAt,
		LockedBy:      m.LockedBy,
		LockedUntil:   m.LockedUntil,
		Enabled:       m.Enabled,
	}, nil
}

// ── Dead letter model ─────────────────────────────────────────────

type deadLetterModel struct {
	bun.BaseModel `bun:"table:riparius_deadletters,alias:dl"`

	ID          string     `bun:"id,pk"`
	WorkflowID  string     `bun:"workflow_id,notnull"`
	StepID      string     `bun:"step_id,notnull"`
	NodeKey     string     `bun:"node_key"`
	Handler     string     `bun:"handler"`
	Params      []byte     `bun:"params,type:bytea"`
	Error       string     `bun:"error"`
	Attempts    int        `bun:"attempts,notnull,default:0"`
	MaxAttempts int        `bun:"max_attempts,notnull,default:0"`
	ScopeAppID  string     `bun:"scope_app_id"`
	ScopeOrgID  string     `bun:"scope_org_id"`
	FailedAt    time.Time  `bun:"failed_at,notnull"`
	ReplayedAt  *time.Time `bun:"replayed_at"`
	CreatedAt   time.Time  `bun:"created_at,notnull"`
}

func toDeadLetterModel(e *deadletter.Entry) *deadLetterModel {
	return &deadLetterModel{
		ID:          e.ID.String(),
		WorkflowID:  e.WorkflowID.String(),
		StepID:      e.StepID.String(),
		NodeKey:     e.NodeKey,
		Handler:     e.Handler,
		Params:      e.Params,
		Error:       e.Error,
		Attempts:    e.Attempts,
		MaxAttempts: e.MaxAttempts,
		ScopeAppID:  e.ScopeAppID,
		ScopeOrgID:  e.ScopeOrgID,
		FailedAt:    e.FailedAt,
		ReplayedAt:  e.ReplayedAt,
		CreatedAt:   e.CreatedAt,
	}
}

func fromDeadLetterModel(m *deadLetterModel) (*deadletter.Entry, error) {
	parsedID, err := id.ParseDeadLetterID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("riparius/bun: parse dead letter id %q: %w", m.ID, err)
	}
	wfID, err := id.ParseWorkflowID(m.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("riparius/bun: parse workflow id %q: %w", m.WorkflowID, err)
	}
	stepID, err := id.ParseStepID(m.StepID)
	if err != nil {
		return nil, fmt.Errorf("riparius/bun: parse step id %q: %w", m.StepID, err)
	}
	return &deadletter.Entry{
		ID:          parsedID,
		WorkflowID:  wfID,
		StepID:      stepID,
		NodeKey:     m.NodeKey,
		Handler:     m.Handler,
		Params:      m.Params,
		Error:       m.Error,
		Attempts:    m.Attempts,
		MaxAttempts: m.MaxAttempts,
		ScopeAppID:  m.ScopeAppID,
		ScopeOrgID:  m.ScopeOrgID,
		FailedAt:    m.FailedAt,
		ReplayedAt:  m.ReplayedAt,
		CreatedAt:   m.CreatedAt,
	}, nil
}

// ── Worker models ─────────────────────────────────────────────────

type workerModel struct {
	bun.BaseModel `bun:"table:riparius_workers,alias:wk"`

	ID          string            `bun:"id,pk"`
	Hostname    string            `bun:"hostname"`
	Concurrency int               `bun:"concurrency,notnull,default:0"`
	State       string            `bun:"state,notnull,default:'active'"`
	Metadata    map[string]string `bun:"metadata,type:jsonb"`
	LastSeen    time.Time         `bun:"last_seen,notnull"`
	CreatedAt   time.Time         `bun:"created_at,notnull"`
}

type leaderModel struct {
	bun.BaseModel `bun:"table:riparius_leader,alias:ld"`

	Singleton   int       `bun:"singleton,pk"`
	WorkerID    string    `bun:"worker_id,notnull"`
	LeaderUntil time.Time `bun:"leader_until,notnull"`
}

func toWorkerModel(w *cluster.Worker) *workerModel {
	return &workerModel{
		ID:          w.ID.String(),
		Hostname:    w.Hostname,
		Concurrency: w.Concurrency,
		State:       string(w.State),
		Metadata:    w.Metadata,
		LastSeen:    w.LastSeen,
		CreatedAt:   w.CreatedAt,
	}
}

func fromWorkerModel(m *workerModel, leader *leaderModel) (*cluster.Worker, error) {
	parsedID, err := id.ParseWorkerID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("riparius/bun: parse worker id %q: %w", m.ID, err)
	}
	w := &cluster.Worker{
		ID:          parsedID,
		Hostname:    m.Hostname,
		Concurrency: m.Concurrency,
		State:       cluster.WorkerState(m.State),
		LastSeen:    m.LastSeen,
		Metadata:    m.Metadata,
		CreatedAt:   m.CreatedAt,
	}
	if leader != nil && leader.WorkerID == m.ID {
		until := leader.LeaderUntil
		w.IsLeader = true
		w.LeaderUntil = &until
	}
	return w, nil
}
