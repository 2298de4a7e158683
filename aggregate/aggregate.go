// Package aggregate is the single write path for workflow instances.
// Every command loads the instance view under a per-instance lock, drives
// the state machine, and commits the result in one atomic store write
// guarded by the instance version. Inputs that must be recorded without
// changing state (late events, duplicate triggers, stale outcomes) bypass
// the version and land as audit-only log entries.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/definition"
	"github.com/fluvius-io/fluvius-interim/event"
	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/scope"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

// Aggregate serializes and commits workflow mutations.
type Aggregate struct {
	registry *definition.Registry
	store    workflow.Store
	events   event.Store
	locks    *keyedLocks
	limit    int
	logger   *slog.Logger
}

// New creates an aggregate over a definition registry and stores.
func New(registry *definition.Registry, store workflow.Store, events event.Store, logger *slog.Logger) *Aggregate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregate{
		registry: registry,
		store:    store,
		events:   events,
		locks:    newKeyedLocks(),
		limit:    workflow.DefaultMutationLimit,
		logger:   logger,
	}
}

// SetMutationLimit overrides the per-command mutation budget.
func (a *Aggregate) SetMutationLimit(n int) {
	if n > 0 {
		a.limit = n
	}
}

// Result is what a committed command returns: the instance as written,
// the events appended (sequences assigned), and the steps that now need
// handler execution.
type Result struct {
	Instance   *workflow.Instance
	Events     []*event.Event
	Dispatches []*workflow.Step
}

// CreateParams carries the create-workflow command payload.
type CreateParams struct {
	DefinitionKey string
	// Revision pins a definition revision. Zero means latest.
	Revision int
	Title    string
	Params   map[string]any
	// ResourceName and ResourceID reference the external resource this
	// instance tracks.
	ResourceName string
	ResourceID   string
	// Selector is the value wait-node selectors compare event payloads
	// against. Defaults to ResourceID when empty.
	Selector string
}

// Create runs the create-workflow command: a new instance in the created
// state with its start steps instantiated but not activated.
func (a *Aggregate) Create(ctx context.Context, p CreateParams) (*Result, error) {
	if p.DefinitionKey == "" {
		return nil, riparius.NewValidationError(riparius.FieldError{
			Path: "definition_key", Code: "required", Message: "definition key is required",
		})
	}
	var def *definition.Workflow
	var err error
	if p.Revision > 0 {
		def, err = a.registry.GetRevision(p.DefinitionKey, p.Revision)
	} else {
		def, err = a.registry.Get(p.DefinitionKey)
	}
	if err != nil {
		return nil, err
	}

	actor := actorFrom(ctx)
	selector := p.Selector
	if selector == "" {
		selector = p.ResourceID
	}
	m, err := workflow.CreateInstance(def, id.NewWorkflowID(), p.Title, p.Params, p.ResourceName, p.ResourceID, selector, actor.Subject)
	if err != nil {
		return nil, err
	}
	m.SetLimit(a.limit)
	inst := m.Instance()
	inst.ScopeAppID = actor.AppID
	inst.ScopeOrgID = actor.OrgID

	return a.commit(ctx, m, 0)
}

// Mutate runs one command against an existing instance: it locks the
// instance, loads the view, applies fn through the state machine, and
// commits. expectedVersion > 0 enforces optimistic concurrency; zero
// skips the caller check and relies on the store's atomic commit alone,
// which internal paths like outcome recording use.
func (a *Aggregate) Mutate(ctx context.Context, workflowID id.WorkflowID, expectedVersion int64, fn func(m *workflow.Machine) error) (*Result, error) {
	unlock := a.locks.lock(workflowID.String())
	defer unlock()

	inst, err := a.store.GetInstance(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if expectedVersion > 0 && inst.Version != expectedVersion {
		return nil, fmt.Errorf("%w: expected version %d, have %d",
			riparius.ErrVersionConflict, expectedVersion, inst.Version)
	}
	def, err := a.registry.GetRevision(inst.DefinitionKey, inst.Revision)
	if err != nil {
		return nil, err
	}
	steps, err := a.store.ListSteps(ctx, workflowID, workflow.StepListOpts{})
	if err != nil {
		return nil, err
	}
	stages, err := a.store.ListStages(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	m := workflow.NewMachine(def, inst, steps, stages)
	m.SetLimit(a.limit)
	if err := fn(m); err != nil {
		return nil, err
	}
	// A command that recorded nothing changed nothing. Skip the commit so
	// no-op activations do not burn versions.
	if len(m.Events()) == 0 {
		return &Result{Instance: inst}, nil
	}
	return a.commit(ctx, m, inst.Version)
}

// AddParticipant binds a user to a role on the workflow. The
// (workflow, user, role) tuple must be new, the role must be declared by
// the definition, and the instance must not be terminal.
func (a *Aggregate) AddParticipant(ctx context.Context, workflowID id.WorkflowID, expectedVersion int64, userID, role, kind string) (*Result, error) {
	if userID == "" || role == "" {
		return nil, riparius.NewValidationError(riparius.FieldError{
			Path: "participant", Code: "required", Message: "user id and role are required",
		})
	}
	unlock := a.locks.lock(workflowID.String())
	defer unlock()

	inst, err := a.store.GetInstance(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, riparius.ErrWorkflowTerminal
	}
	if expectedVersion > 0 && inst.Version != expectedVersion {
		return nil, fmt.Errorf("%w: expected version %d, have %d",
			riparius.ErrVersionConflict, expectedVersion, inst.Version)
	}
	def, err := a.registry.GetRevision(inst.DefinitionKey, inst.Revision)
	if err != nil {
		return nil, err
	}
	if !roleDeclared(def, role) {
		return nil, riparius.NewValidationError(riparius.FieldError{
			Path: "role", Code: "unknown", Message: fmt.Sprintf("role %q is not declared by definition %q", role, def.Key),
		})
	}
	existing, err := a.store.ListParticipants(ctx, workflowID, workflow.ParticipantListOpts{UserID: userID, Role: role})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, riparius.ErrDuplicateParticipant
	}

	actor := actorFrom(ctx)
	if kind == "" {
		kind = workflow.KindMember
	}
	p := &workflow.Participant{
		Entity:     riparius.NewEntity(),
		ID:         id.NewParticipantID(),
		WorkflowID: workflowID,
		UserID:     userID,
		Role:       role,
		Kind:       kind,
		AddedBy:    actor.Subject,
	}
	name := event.ParticipantAdded
	if kind == workflow.KindGrant {
		name = event.RoleGranted
	}
	evt, err := event.New(workflowID, name, event.ParticipantPayload{
		ParticipantID: p.ID, UserID: userID, Role: role,
	})
	if err != nil {
		return nil, err
	}

	inst.Version++
	inst.Touch()
	c := &workflow.Commit{
		Instance:        inst,
		ExpectedVersion: inst.Version - 1,
		Participants:    []*workflow.Participant{p},
		Events:          a.stamp(ctx, inst, []*event.Event{evt}),
	}
	if err := a.store.CommitInstance(ctx, c); err != nil {
		return nil, err
	}
	return &Result{Instance: inst, Events: c.Events}, nil
}

// RemoveParticipant removes a (user, role) binding of the given kind.
func (a *Aggregate) RemoveParticipant(ctx context.Context, workflowID id.WorkflowID, expectedVersion int64, userID, role, kind string) (*Result, error) {
	unlock := a.locks.lock(workflowID.String())
	defer unlock()

	inst, err := a.store.GetInstance(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if expectedVersion > 0 && inst.Version != expectedVersion {
		return nil, fmt.Errorf("%w: expected version %d, have %d",
			riparius.ErrVersionConflict, expectedVersion, inst.Version)
	}
	if kind == "" {
		kind = workflow.KindMember
	}
	existing, err := a.store.ListParticipants(ctx, workflowID, workflow.ParticipantListOpts{UserID: userID, Role: role})
	if err != nil {
		return nil, err
	}
	var target *workflow.Participant
	for _, p := range existing {
		if p.Kind == kind {
			target = p
			break
		}
	}
	if target == nil {
		return nil, riparius.ErrParticipantNotFound
	}

	name := event.ParticipantRemoved
	if kind == workflow.KindGrant {
		name = event.RoleRevoked
	}
	evt, err := event.New(workflowID, name, event.ParticipantPayload{
		ParticipantID: target.ID, UserID: userID, Role: role,
	})
	if err != nil {
		return nil, err
	}

	inst.Version++
	inst.Touch()
	c := &workflow.Commit{
		Instance:            inst,
		ExpectedVersion:     inst.Version - 1,
		RemovedParticipants: []id.ParticipantID{target.ID},
		Events:              a.stamp(ctx, inst, []*event.Event{evt}),
	}
	if err := a.store.CommitInstance(ctx, c); err != nil {
		return nil, err
	}
	return &Result{Instance: inst, Events: c.Events}, nil
}

// Authorize checks whether the context actor may run the command against
// the workflow under the definition's policy. Roles come from the actor's
// own claims plus any participant bindings the actor holds on this
// instance. The system actor and contexts without an actor bypass the
// check; embedding hosts that want enforcement attach actors via scope.
func (a *Aggregate) Authorize(ctx context.Context, workflowID id.WorkflowID, command string) error {
	actor := actorFrom(ctx)
	if actor.IsSystem() {
		return nil
	}
	inst, err := a.store.GetInstance(ctx, workflowID)
	if err != nil {
		return err
	}
	def, err := a.registry.GetRevision(inst.DefinitionKey, inst.Revision)
	if err != nil {
		return err
	}
	if len(def.Policy) == 0 {
		return nil
	}
	roles := actor.Roles
	parts, err := a.store.ListParticipants(ctx, workflowID, workflow.ParticipantListOpts{UserID: actor.Subject})
	if err != nil {
		return err
	}
	for _, p := range parts {
		roles = append(roles, p.Role)
	}
	if def.Policy.Allows(command, roles) {
		return nil
	}
	return fmt.Errorf("%w: %s", riparius.ErrUnauthorized, command)
}

// AuthorizeCreate checks the create-workflow command against a definition
// before any instance exists.
func (a *Aggregate) AuthorizeCreate(ctx context.Context, def *definition.Workflow) error {
	actor := actorFrom(ctx)
	if actor.IsSystem() {
		return nil
	}
	if len(def.Policy) == 0 || def.Policy.Allows("create-workflow", actor.Roles) {
		return nil
	}
	return fmt.Errorf("%w: create-workflow", riparius.ErrUnauthorized)
}

// RecordIgnored appends an audit-only entry for an input that matched
// nothing: a late event, an unknown trigger, a duplicate delivery. The
// instance version does not move.
func (a *Aggregate) RecordIgnored(ctx context.Context, workflowID id.WorkflowID, name, kind, reason string) error {
	evt, err := event.New(workflowID, event.EventIgnored, event.IgnoredPayload{
		Name: name, Kind: kind, Reason: reason,
	})
	if err != nil {
		return err
	}
	evt.Actor = actorFrom(ctx).Subject
	a.logger.Debug("input ignored",
		slog.String("workflow_id", workflowID.String()),
		slog.String("input", name),
		slog.String("reason", reason),
	)
	return a.events.AppendAudit(ctx, evt)
}

// RecordDiscarded appends an audit-only entry for a step outcome that
// arrived after its workflow reached a terminal state. The outcome is
// dropped, never applied.
func (a *Aggregate) RecordDiscarded(ctx context.Context, workflowID id.WorkflowID, stepID id.StepID, nodeKey, outcome, reason string) error {
	evt, err := event.New(workflowID, event.OutcomeDiscarded, event.DiscardedPayload{
		StepID: stepID, NodeKey: nodeKey, Outcome: outcome, Reason: reason,
	})
	if err != nil {
		return err
	}
	evt.Actor = actorFrom(ctx).Subject
	a.logger.Info("stale outcome discarded",
		slog.String("workflow_id", workflowID.String()),
		slog.String("step_id", stepID.String()),
		slog.String("outcome", outcome),
		slog.String("reason", reason),
	)
	return a.events.AppendAudit(ctx, evt)
}

// Registry returns the definition registry commands resolve against.
func (a *Aggregate) Registry() *definition.Registry { return a.registry }

// commit writes the machine's view atomically and returns the result.
func (a *Aggregate) commit(ctx context.Context, m *workflow.Machine, expected int64) (*Result, error) {
	inst := m.Instance()
	inst.Version = expected + 1

	c := &workflow.Commit{
		Instance:        inst,
		ExpectedVersion: expected,
		Steps:           m.Steps(),
		Stages:          m.Stages(),
		Events:          a.stamp(ctx, inst, m.Events()),
	}
	if err := a.store.CommitInstance(ctx, c); err != nil {
		return nil, err
	}
	a.logger.Debug("command committed",
		slog.String("workflow_id", inst.ID.String()),
		slog.Int64("version", inst.Version),
		slog.Int("events", len(c.Events)),
		slog.Int("dispatches", len(m.Dispatches())),
	)
	return &Result{Instance: inst, Events: c.Events, Dispatches: m.Dispatches()}, nil
}

// stamp fills actor and scope on events that lack them.
func (a *Aggregate) stamp(ctx context.Context, inst *workflow.Instance, events []*event.Event) []*event.Event {
	actor := actorFrom(ctx)
	for _, evt := range events {
		if evt.Actor == "" {
			evt.Actor = actor.Subject
		}
		if evt.ScopeAppID == "" {
			evt.ScopeAppID = inst.ScopeAppID
		}
		if evt.ScopeOrgID == "" {
			evt.ScopeOrgID = inst.ScopeOrgID
		}
	}
	return events
}

// actorFrom resolves the context actor, defaulting to system for
// internal paths that carry no scope.
func actorFrom(ctx context.Context) scope.Actor {
	if actor, ok := scope.ActorFrom(ctx); ok {
		return actor
	}
	return scope.System()
}

func roleDeclared(def *definition.Workflow, role string) bool {
	for _, r := range def.Roles {
		if r == role {
			return true
		}
	}
	return false
}
