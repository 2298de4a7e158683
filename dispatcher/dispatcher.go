// Package dispatcher routes external inputs into workflow instances.
//
// Events resolve against the waiting steps of one instance: each match
// resumes the step through the state machine. Triggers resolve against
// the trigger bindings workflow definitions declare: start-workflow
// bindings spawn new instances, activate-node bindings begin step
// sequences in running ones. Late, duplicate, and unmatched inputs are
// tolerated: they land in the audit log and change nothing.
//
// Both paths run through the aggregate, so per-instance linearization
// and the atomic commit discipline apply to dispatched inputs exactly
// as they do to direct commands.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/aggregate"
	"github.com/fluvius-io/fluvius-interim/definition"
	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/scope"
	"github.com/fluvius-io/fluvius-interim/trigger"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

// errNoMatch aborts a mutation that found nothing to apply its input to.
// The dispatcher converts it into an audit entry, never an error.
var errNoMatch = errors.New("dispatcher: input matched nothing")

// Dispatcher resolves events and triggers to workflow mutations.
type Dispatcher struct {
	agg      *aggregate.Aggregate
	store    workflow.Store
	triggers trigger.Store
	intake   *Intake
	logger   *slog.Logger
}

// New creates a Dispatcher. The triggers store may be nil when delayed
// triggers are not used.
func New(agg *aggregate.Aggregate, store workflow.Store, triggers trigger.Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		agg:      agg,
		store:    store,
		triggers: triggers,
		logger:   logger,
	}
}

// SetIntake installs per-definition intake limits. Nil removes them.
func (d *Dispatcher) SetIntake(in *Intake) { d.intake = in }

// InjectParams carries one external event aimed at a workflow instance.
type InjectParams struct {
	// WorkflowID targets the instance.
	WorkflowID id.WorkflowID

	// Name is the event name steps wait on.
	Name string

	// Payload merges into the instance memo on delivery.
	Payload map[string]any

	// StepID optionally pins the delivery to one waiting step,
	// bypassing name and selector matching.
	StepID id.StepID

	// Selector optionally carries the selector value explicitly instead
	// of embedding it in the payload.
	Selector string

	// ExpectedVersion enables optimistic concurrency when positive.
	ExpectedVersion int64
}

// InjectResult reports what one event delivery did.
type InjectResult struct {
	// Matched lists the steps the event resumed, in delivery order.
	Matched []id.StepID

	// Ignored is set when the event matched no waiting step and was
	// recorded as an audit entry instead.
	Ignored bool

	// Reason explains an ignored delivery.
	Reason string

	// Instance is the committed instance state after delivery.
	Instance *workflow.Instance

	// Dispatches are steps the delivery reactivated for handler
	// execution, for the caller to enqueue after commit.
	Dispatches []*workflow.Step
}

// InjectEvent delivers an external event to the waiting steps of one
// instance. An event that matches nothing (already resumed, terminal
// instance, selector mismatch) is recorded for audit and reported as
// ignored; late and duplicate deliveries are therefore harmless.
func (d *Dispatcher) InjectEvent(ctx context.Context, p InjectParams) (*InjectResult, error) {
	if p.Name == "" {
		return nil, riparius.NewValidationError(riparius.FieldError{
			Path: "name", Code: "required", Message: "event name is required",
		})
	}

	inst, err := d.store.GetInstance(ctx, p.WorkflowID)
	if err != nil {
		return nil, err
	}
	if !d.intake.Acquire(inst.DefinitionKey) {
		return nil, fmt.Errorf("%w: definition %q event intake", riparius.ErrRateLimited, inst.DefinitionKey)
	}
	defer d.intake.Release(inst.DefinitionKey)

	var matched []id.StepID
	res, err := d.agg.Mutate(ctx, p.WorkflowID, p.ExpectedVersion, func(m *workflow.Machine) error {
		steps := m.MatchWaiting(p.Name, p.Selector, p.Payload)
		if !p.StepID.IsNil() {
			steps = pinToStep(m, p.StepID)
		}
		if len(steps) == 0 {
			return errNoMatch
		}
		for _, s := range steps {
			if err := m.DeliverEvent(s.ID, p.Name, p.Payload); err != nil {
				return err
			}
			matched = append(matched, s.ID)
		}
		return nil
	})
	if errors.Is(err, errNoMatch) {
		reason := "no waiting step matches"
		if inst.Status.Terminal() {
			reason = "workflow is " + string(inst.Status)
		}
		if err := d.agg.RecordIgnored(ctx, p.WorkflowID, p.Name, "event", reason); err != nil {
			return nil, err
		}
		return &InjectResult{Ignored: true, Reason: reason, Instance: inst}, nil
	}
	if err != nil {
		return nil, err
	}

	d.logger.Debug("event delivered",
		slog.String("workflow_id", p.WorkflowID.String()),
		slog.String("event", p.Name),
		slog.Int("matched", len(matched)),
	)
	return &InjectResult{
		Matched:    matched,
		Instance:   res.Instance,
		Dispatches: res.Dispatches,
	}, nil
}

// pinToStep narrows delivery to one explicitly targeted waiting step.
func pinToStep(m *workflow.Machine, stepID id.StepID) []*workflow.Step {
	for _, s := range m.Steps() {
		if s.ID == stepID && s.Status == workflow.StepWaiting {
			return []*workflow.Step{s}
		}
	}
	return nil
}

// TriggerParams carries one external trigger.
type TriggerParams struct {
	// Name is the trigger name definitions bind to.
	Name string

	// DefinitionKey narrows resolution to one definition's bindings.
	// Empty resolves across every registered definition.
	DefinitionKey string

	// WorkflowID targets one instance for activate-node bindings.
	// When nil, instances resolve by definition and selector.
	WorkflowID id.WorkflowID

	// Selector narrows instance resolution to instances whose selector
	// equals this value, and seeds the selector of activated steps.
	Selector string

	// Payload becomes instance params for start-workflow bindings
	// (through the binding's param map when declared) and merges into
	// activated instances' memos otherwise.
	Payload map[string]any

	// Delay defers the trigger: it is persisted as a one-shot scheduled
	// entry and fired by the scheduler when due.
	Delay time.Duration
}

// TriggerResult reports what one trigger did across its bindings.
type TriggerResult struct {
	// Started lists instances spawned by start-workflow bindings.
	Started []*workflow.Instance

	// Activated lists instances in which activate-node bindings began
	// new step sequences.
	Activated []id.WorkflowID

	// Scheduled is set when the trigger was deferred instead of fired.
	Scheduled bool

	// Ignored is set when no binding produced any state change.
	Ignored bool

	// Reason explains an ignored trigger.
	Reason string

	// Dispatches are handler steps activated across all bindings.
	Dispatches []*workflow.Step
}

// entryParams is the persisted form of a delayed trigger's target.
type entryParams struct {
	WorkflowID id.WorkflowID  `json:"workflow_id,omitempty"`
	Selector   string         `json:"selector,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// SendTrigger resolves a trigger against definition bindings and applies
// each one. Unknown triggers and bindings that change nothing are audit
// no-ops, mirroring event delivery semantics.
func (d *Dispatcher) SendTrigger(ctx context.Context, p TriggerParams) (*TriggerResult, error) {
	if p.Name == "" {
		return nil, riparius.NewValidationError(riparius.FieldError{
			Path: "name", Code: "required", Message: "trigger name is required",
		})
	}

	if p.Delay > 0 {
		return d.schedule(ctx, p)
	}

	bindings := d.agg.Registry().TriggerBindings(p.Name)
	if p.DefinitionKey != "" {
		var narrowed []definition.Binding
		for _, b := range bindings {
			if b.Workflow.Key == p.DefinitionKey {
				narrowed = append(narrowed, b)
			}
		}
		bindings = narrowed
	}
	if len(bindings) == 0 {
		return d.ignoreTrigger(ctx, p, "no definition binds this trigger")
	}

	result := &TriggerResult{}
	for _, b := range bindings {
		if !d.intake.Acquire(b.Workflow.Key) {
			return nil, fmt.Errorf("%w: definition %q trigger intake", riparius.ErrRateLimited, b.Workflow.Key)
		}
		err := d.fireBinding(ctx, b, p, result)
		d.intake.Release(b.Workflow.Key)
		if err != nil {
			return nil, err
		}
	}

	if len(result.Started) == 0 && len(result.Activated) == 0 {
		result.Ignored = true
		result.Reason = "no instance state changed"
	}
	return result, nil
}

// fireBinding applies one resolved binding, accumulating into result.
func (d *Dispatcher) fireBinding(ctx context.Context, b definition.Binding, p TriggerParams, result *TriggerResult) error {
	switch b.Trigger.Action {
	case definition.TriggerStartWorkflow:
		return d.startWorkflow(ctx, b, p, result)
	case definition.TriggerActivateNode:
		return d.activateNode(ctx, b, p, result)
	default:
		d.logger.Warn("trigger binding has unknown action",
			slog.String("trigger", p.Name),
			slog.String("definition", b.Workflow.Key),
			slog.String("action", b.Trigger.Action),
		)
		return nil
	}
}

// startWorkflow spawns and starts a new instance for a start-workflow
// binding.
func (d *Dispatcher) startWorkflow(ctx context.Context, b definition.Binding, p TriggerParams, result *TriggerResult) error {
	created, err := d.agg.Create(ctx, aggregate.CreateParams{
		DefinitionKey: b.Workflow.Key,
		Revision:      b.Workflow.Revision,
		Params:        mapParams(p.Payload, b.Trigger.ParamMap),
		Selector:      p.Selector,
	})
	if err != nil {
		return err
	}
	started, err := d.agg.Mutate(ctx, created.Instance.ID, created.Instance.Version, func(m *workflow.Machine) error {
		if err := m.RecordTriggerFired(p.Name, b.Trigger.Action, ""); err != nil {
			return err
		}
		return m.Start()
	})
	if err != nil {
		return err
	}

	d.logger.Info("trigger started workflow",
		slog.String("trigger", p.Name),
		slog.String("definition", b.Workflow.Key),
		slog.String("workflow_id", started.Instance.ID.String()),
	)
	result.Started = append(result.Started, started.Instance)
	result.Dispatches = append(result.Dispatches, started.Dispatches...)
	return nil
}

// activateNode begins a new step sequence at the binding's node in every
// resolved instance. Instances where nothing can activate (the node
// already has its step, the instance is not running) get an audit entry.
func (d *Dispatcher) activateNode(ctx context.Context, b definition.Binding, p TriggerParams, result *TriggerResult) error {
	targets, err := d.resolveTargets(ctx, b, p)
	if err != nil {
		return err
	}
	for _, wfID := range targets {
		res, err := d.agg.Mutate(ctx, wfID, 0, func(m *workflow.Machine) error {
			before := len(m.Steps())
			if err := m.RecordTriggerFired(p.Name, b.Trigger.Action, b.Trigger.Node); err != nil {
				return err
			}
			m.MergePayload(p.Payload)
			if err := m.ActivateNode(b.Trigger.Node, workflow.OriginTrigger, p.Selector); err != nil {
				return err
			}
			if len(m.Steps()) == before {
				return errNoMatch
			}
			return nil
		})
		switch {
		case errors.Is(err, errNoMatch):
			if err := d.agg.RecordIgnored(ctx, wfID, p.Name, "trigger", "node already has a live step"); err != nil {
				return err
			}
			continue
		case errors.Is(err, riparius.ErrWorkflowNotRunning):
			if err := d.agg.RecordIgnored(ctx, wfID, p.Name, "trigger", "workflow is not running"); err != nil {
				return err
			}
			continue
		case err != nil:
			return err
		}
		result.Activated = append(result.Activated, wfID)
		result.Dispatches = append(result.Dispatches, res.Dispatches...)
	}
	return nil
}

// resolveTargets finds the instances an activate-node binding addresses:
// the explicit workflow ID when given, otherwise every running instance
// of the definition whose selector matches.
func (d *Dispatcher) resolveTargets(ctx context.Context, b definition.Binding, p TriggerParams) ([]id.WorkflowID, error) {
	if !p.WorkflowID.IsNil() {
		return []id.WorkflowID{p.WorkflowID}, nil
	}
	instances, err := d.store.ListInstances(ctx, workflow.ListOpts{
		DefinitionKey: b.Workflow.Key,
		Status:        workflow.StatusRunning,
	})
	if err != nil {
		return nil, err
	}
	var targets []id.WorkflowID
	for _, inst := range instances {
		if p.Selector != "" && inst.Selector != p.Selector {
			continue
		}
		targets = append(targets, inst.ID)
	}
	return targets, nil
}

// schedule persists a delayed trigger as a one-shot entry for the
// scheduler to fire when due.
func (d *Dispatcher) schedule(ctx context.Context, p TriggerParams) (*TriggerResult, error) {
	if d.triggers == nil {
		return nil, fmt.Errorf("%w: delayed triggers need a trigger store", riparius.ErrNoStore)
	}
	params, err := json.Marshal(entryParams{
		WorkflowID: p.WorkflowID,
		Selector:   p.Selector,
		Payload:    p.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal trigger params: %w", err)
	}

	due := time.Now().Add(p.Delay)
	entry := &trigger.Entry{
		Entity:        riparius.NewEntity(),
		ID:            id.NewTriggerID(),
		Name:          p.Name,
		DefinitionKey: p.DefinitionKey,
		Params:        params,
		NextRunAt:     &due,
		Enabled:       true,
	}
	if actor, ok := scope.ActorFrom(ctx); ok {
		entry.ScopeAppID = actor.AppID
		entry.ScopeOrgID = actor.OrgID
	}
	if err := d.triggers.RegisterTrigger(ctx, entry); err != nil {
		return nil, err
	}

	d.logger.Info("trigger deferred",
		slog.String("trigger", p.Name),
		slog.Time("due", due),
	)
	return &TriggerResult{Scheduled: true}, nil
}

// FireEntry fires a persisted trigger entry immediately. The scheduler
// calls it for due one-shot entries and on each recurring tick.
func (d *Dispatcher) FireEntry(ctx context.Context, e *trigger.Entry) (*TriggerResult, error) {
	p := TriggerParams{Name: e.Name, DefinitionKey: e.DefinitionKey}
	if len(e.Params) > 0 {
		var stored entryParams
		if err := json.Unmarshal(e.Params, &stored); err != nil {
			return nil, fmt.Errorf("unmarshal trigger params: %w", err)
		}
		p.WorkflowID = stored.WorkflowID
		p.Selector = stored.Selector
		p.Payload = stored.Payload
	}
	return d.SendTrigger(ctx, p)
}

// ignoreTrigger records a trigger that resolved to nothing. With an
// explicit target instance the no-op lands in that instance's audit log;
// without one there is no log to write to and it is only logged.
func (d *Dispatcher) ignoreTrigger(ctx context.Context, p TriggerParams, reason string) (*TriggerResult, error) {
	if !p.WorkflowID.IsNil() {
		if err := d.agg.RecordIgnored(ctx, p.WorkflowID, p.Name, "trigger", reason); err != nil {
			return nil, err
		}
	} else {
		d.logger.Debug("trigger ignored",
			slog.String("trigger", p.Name),
			slog.String("reason", reason),
		)
	}
	return &TriggerResult{Ignored: true, Reason: reason}, nil
}

// mapParams shapes a trigger payload into instance params. A binding
// param map copies only the keys it names, renaming them; without one
// the payload passes through unchanged.
func mapParams(payload map[string]any, paramMap map[string]string) map[string]any {
	if len(paramMap) == 0 {
		return payload
	}
	params := make(map[string]any, len(paramMap))
	for payloadKey, paramName := range paramMap {
		if v, ok := payload[payloadKey]; ok {
			params[paramName] = v
		}
	}
	return params
}
