package workflow

import (
	"fmt"
	"sort"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/definition"
	"github.com/fluvius-io/fluvius-interim/event"
	"github.com/fluvius-io/fluvius-interim/id"
)

// DefaultMutationLimit caps how many events a single command may emit.
// The limit exists to stop runaway activation chains, typically a gateway
// cycle over multi nodes, before they flood the log.
const DefaultMutationLimit = 50

// Machine advances one workflow instance. It operates on a loaded view of
// the instance and its steps and stages, mutates them in place, and
// records the domain events describing each change. The aggregate loads
// the view, drives the machine, and commits the result atomically.
//
// Activation is deterministic: whenever several nodes become eligible at
// once, they are instantiated and activated in definition order.
type Machine struct {
	def    *definition.Workflow
	inst   *Instance
	steps  []*Step
	stages []*Stage

	events     []*event.Event
	dispatches []*Step
	limit      int
}

// NewMachine builds a machine over a loaded instance view. The steps and
// stages slices are mutated in place.
func NewMachine(def *definition.Workflow, inst *Instance, steps []*Step, stages []*Stage) *Machine {
	return &Machine{
		def:    def,
		inst:   inst,
		steps:  steps,
		stages: stages,
		limit:  DefaultMutationLimit,
	}
}

// SetLimit overrides the mutation budget for this machine.
func (m *Machine) SetLimit(n int) {
	if n > 0 {
		m.limit = n
	}
}

// Instance returns the instance under mutation.
func (m *Machine) Instance() *Instance { return m.inst }

// Steps returns every step in the view, including ones added this pass.
func (m *Machine) Steps() []*Step { return m.steps }

// Stages returns the stage rollups in the view.
func (m *Machine) Stages() []*Stage { return m.stages }

// Events returns the domain events recorded so far, in mutation order.
// Sequences are stamped later, at commit.
func (m *Machine) Events() []*event.Event { return m.events }

// Dispatches returns steps that entered the active state this pass and
// carry a handler, in activation order. The caller hands them to the
// worker pool after the commit succeeds.
func (m *Machine) Dispatches() []*Step { return m.dispatches }

// CreateInstance builds a new instance from a definition: the instance
// record, a pending stage rollup per definition stage, and a pending step
// per start node. Nothing is activated until Start.
func CreateInstance(def *definition.Workflow, wfID id.WorkflowID, title string, params map[string]any, resourceName, resourceID, selector, createdBy string) (*Machine, error) {
	if title == "" {
		title = def.Title
	}
	inst := &Instance{
		Entity:        riparius.NewEntity(),
		ID:            wfID,
		DefinitionKey: def.Key,
		Revision:      def.Revision,
		Title:         title,
		Status:        StatusCreated,
		Params:        cloneMap(params),
		Memo:          map[string]any{},
		ResourceName:  resourceName,
		ResourceID:    resourceID,
		Selector:      selector,
		CreatedBy:     createdBy,
	}

	m := NewMachine(def, inst, nil, nil)

	stages := make([]definition.Stage, len(def.Stages))
	copy(stages, def.Stages)
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].Order < stages[j].Order })
	for _, st := range stages {
		m.stages = append(m.stages, &Stage{
			Entity:     riparius.NewEntity(),
			ID:         id.NewStageID(),
			WorkflowID: wfID,
			StageKey:   st.Key,
			Title:      st.Title,
			Order:      st.Order,
			Status:     StagePending,
		})
	}

	if err := m.record(event.WorkflowCreated, event.WorkflowPayload{
		DefinitionKey: def.Key,
		Revision:      def.Revision,
		Status:        string(StatusCreated),
	}); err != nil {
		return nil, err
	}

	for _, node := range def.StartNodes() {
		if _, err := m.instantiate(node, OriginStart, ""); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Start moves the instance to running and activates its pending steps in
// definition order.
func (m *Machine) Start() error {
	if err := transitionInstance(m.inst, StatusRunning); err != nil {
		return err
	}
	if err := m.record(event.WorkflowStarted, event.WorkflowPayload{
		DefinitionKey: m.inst.DefinitionKey,
		Revision:      m.inst.Revision,
		Status:        string(StatusRunning),
	}); err != nil {
		return err
	}
	pending := m.pendingSteps()
	for _, s := range pending {
		if err := m.activate(s); err != nil {
			return err
		}
	}
	if err := m.recomputeStages(); err != nil {
		return err
	}
	return m.checkCompletion()
}

// Update amends the instance title and merges new params. Terminal
// instances reject updates.
func (m *Machine) Update(title string, params map[string]any) error {
	if m.inst.Status.Terminal() {
		return riparius.ErrWorkflowTerminal
	}
	if title != "" {
		m.inst.Title = title
	}
	if len(params) > 0 {
		if m.inst.Params == nil {
			m.inst.Params = map[string]any{}
		}
		for k, v := range params {
			m.inst.Params[k] = v
		}
	}
	m.inst.Touch()
	return m.record(event.WorkflowUpdated, event.WorkflowPayload{
		DefinitionKey: m.inst.DefinitionKey,
		Revision:      m.inst.Revision,
		Status:        string(m.inst.Status),
	})
}

// CompleteStep marks a step done, merges its output into the memo, and
// activates its successors. attempt records how many executions the step
// took; zero leaves the count unchanged.
func (m *Machine) CompleteStep(stepID id.StepID, output map[string]any, attempt int) error {
	s, err := m.liveStep(stepID)
	if err != nil {
		return err
	}
	if err := transitionStep(s, StepDone); err != nil {
		return err
	}
	if attempt > 0 {
		s.Attempt = attempt
	}
	s.Output = cloneMap(output)
	m.mergeMemo(output)
	if err := m.record(event.StepDone, m.stepPayload(s, "")); err != nil {
		return err
	}
	return m.afterStepSettled(s)
}

// FailStep marks a step failed. When the node declares an on-failure
// edge, control routes there and the instance keeps running. Otherwise a
// required step brings the whole instance down and every live step is
// skipped; an optional step just fails in place.
func (m *Machine) FailStep(stepID id.StepID, reason string, attempt int) error {
	return m.failStep(stepID, reason, attempt, true)
}

// CancelStep fails a single step by operator request. On-failure routing
// is bypassed; a required step still fails the instance.
func (m *Machine) CancelStep(stepID id.StepID, reason string) error {
	return m.failStep(stepID, reason, 0, false)
}

func (m *Machine) failStep(stepID id.StepID, reason string, attempt int, routeFailure bool) error {
	s, err := m.liveStep(stepID)
	if err != nil {
		return err
	}
	if err := transitionStep(s, StepFailed); err != nil {
		return err
	}
	if attempt > 0 {
		s.Attempt = attempt
	}
	s.Error = reason
	if err := m.record(event.StepFailed, m.stepPayload(s, reason)); err != nil {
		return err
	}

	node := m.def.Node(s.NodeKey)
	if routeFailure && node != nil && len(node.OnFailure) > 0 {
		if err := m.activateTargets(node.OnFailure, OriginEdge); err != nil {
			return err
		}
		if err := m.recomputeStages(); err != nil {
			return err
		}
		return m.checkCompletion()
	}

	if node != nil && node.Required {
		return m.finish(StatusFailed, fmt.Sprintf("required step %q failed: %s", s.NodeKey, reason))
	}
	if err := m.recomputeStages(); err != nil {
		return err
	}
	return m.checkCompletion()
}

// IgnoreStep skips a step by operator request. A skipped step counts as
// satisfied, so its successors activate.
func (m *Machine) IgnoreStep(stepID id.StepID, reason string) error {
	s, err := m.liveStep(stepID)
	if err != nil {
		return err
	}
	if err := transitionStep(s, StepSkipped); err != nil {
		return err
	}
	s.Error = reason
	if err := m.record(event.StepSkipped, m.stepPayload(s, reason)); err != nil {
		return err
	}
	return m.afterStepSettled(s)
}

// ParkStep moves an active step to waiting until the named event arrives.
// A non-empty selector narrows which event deliveries match.
func (m *Machine) ParkStep(stepID id.StepID, eventName, selector string) error {
	s, err := m.liveStep(stepID)
	if err != nil {
		return err
	}
	if err := transitionStep(s, StepWaiting); err != nil {
		return err
	}
	s.WaitEvent = eventName
	if selector != "" {
		s.Selector = selector
	}
	payload := m.stepPayload(s, "")
	payload.Event = eventName
	if err := m.record(event.StepWaiting, payload); err != nil {
		return err
	}
	return m.recomputeStages()
}

// DeliverEvent applies a matched external event to a waiting step. The
// payload merges into the memo. A wait node completes and activates its
// successors; a handler step that parked itself reactivates and is
// dispatched again.
func (m *Machine) DeliverEvent(stepID id.StepID, name string, payload map[string]any) error {
	s, err := m.liveStep(stepID)
	if err != nil {
		return err
	}
	if s.Status != StepWaiting {
		return riparius.ErrInvalidTransition
	}
	if err := m.record(event.EventReceived, event.ReceivedPayload{
		Name:     name,
		StepID:   s.ID,
		NodeKey:  s.NodeKey,
		Selector: s.Selector,
	}); err != nil {
		return err
	}
	m.mergeMemo(payload)

	node := m.def.Node(s.NodeKey)
	if node != nil && node.Kind == definition.KindWait {
		if err := transitionStep(s, StepDone); err != nil {
			return err
		}
		s.WaitEvent = ""
		if err := m.record(event.StepDone, m.stepPayload(s, "")); err != nil {
			return err
		}
		return m.afterStepSettled(s)
	}

	if err := transitionStep(s, StepActive); err != nil {
		return err
	}
	s.WaitEvent = ""
	if err := m.record(event.StepActivated, m.stepPayload(s, "")); err != nil {
		return err
	}
	m.dispatches = append(m.dispatches, s)
	return m.recomputeStages()
}

// MatchWaiting returns the waiting steps an event delivery would resume,
// in step creation order. A step matches when its wait event equals name
// and its selector, if any, equals the delivery's selector value. The
// value comes from the explicit selector argument, or failing that from
// the payload key the node's wait binding names. A step with a selector
// never matches a delivery that carries no value for it.
func (m *Machine) MatchWaiting(name, selector string, payload map[string]any) []*Step {
	var out []*Step
	for _, s := range m.steps {
		if s.Status != StepWaiting || s.WaitEvent != name {
			continue
		}
		if s.Selector != "" {
			value := selector
			if value == "" {
				node := m.def.Node(s.NodeKey)
				if node != nil && node.Selector != "" {
					if v, ok := payload[node.Selector]; ok {
						value = fmt.Sprint(v)
					}
				}
			}
			if value != s.Selector {
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

// RecordTriggerFired appends the trigger audit event to the instance log.
// The dispatcher calls it inside the same mutation that applies the
// trigger's action.
func (m *Machine) RecordTriggerFired(name, action, nodeKey string) error {
	return m.record(event.TriggerFired, event.TriggerPayload{
		Name:    name,
		Action:  action,
		NodeKey: nodeKey,
	})
}

// MergePayload folds an external payload into the instance memo, making
// it visible to gateway conditions and step handlers.
func (m *Machine) MergePayload(data map[string]any) {
	m.mergeMemo(data)
}

// ActivateNode instantiates and activates a node outside the normal edge
// flow, typically because a trigger named it. Multi nodes instantiate a
// fresh step each time; others are a no-op when a step already exists.
func (m *Machine) ActivateNode(nodeKey, origin, selector string) error {
	if m.inst.Status != StatusRunning {
		return riparius.ErrWorkflowNotRunning
	}
	node := m.def.Node(nodeKey)
	if node == nil {
		return riparius.ErrStepNotFound
	}
	s, err := m.instantiate(node, origin, selector)
	if err != nil || s == nil {
		return err
	}
	if err := m.activate(s); err != nil {
		return err
	}
	if err := m.recomputeStages(); err != nil {
		return err
	}
	return m.checkCompletion()
}

// Cancel terminates the instance by operator request. Live steps are
// skipped, not failed; nothing about them ran to completion or broke.
func (m *Machine) Cancel(reason string) error {
	if err := transitionInstance(m.inst, StatusCancelled); err != nil {
		return err
	}
	m.inst.Error = reason
	if err := m.skipLiveSteps("workflow cancelled"); err != nil {
		return err
	}
	if err := m.record(event.WorkflowCancelled, event.WorkflowPayload{
		DefinitionKey: m.inst.DefinitionKey,
		Revision:      m.inst.Revision,
		Status:        string(StatusCancelled),
		Reason:        reason,
	}); err != nil {
		return err
	}
	return m.recomputeStages()
}

// Abort fails the instance by operator request, skipping live steps.
func (m *Machine) Abort(reason string) error {
	return m.finish(StatusFailed, reason)
}

// finish drives the instance to a terminal failure or completion state.
func (m *Machine) finish(target Status, reason string) error {
	if err := transitionInstance(m.inst, target); err != nil {
		return err
	}
	name := event.WorkflowCompleted
	if target == StatusFailed {
		name = event.WorkflowFailed
		m.inst.Error = reason
		if err := m.skipLiveSteps("workflow failed"); err != nil {
			return err
		}
	}
	if err := m.record(name, event.WorkflowPayload{
		DefinitionKey: m.inst.DefinitionKey,
		Revision:      m.inst.Revision,
		Status:        string(target),
		Reason:        reason,
	}); err != nil {
		return err
	}
	return m.recomputeStages()
}

// afterStepSettled runs the shared continuation after a step reaches done
// or skipped: successors activate, stages recompute, and completion is
// checked.
func (m *Machine) afterStepSettled(s *Step) error {
	node := m.def.Node(s.NodeKey)
	if node != nil && len(node.Next) > 0 {
		if err := m.activateTargets(node.Next, OriginEdge); err != nil {
			return err
		}
	}
	if err := m.recomputeStages(); err != nil {
		return err
	}
	return m.checkCompletion()
}

// instantiate creates a step record for a node in the pending state.
// Unless the node is multi, at most one step per node exists for the
// lifetime of the instance; re-instantiating returns nil. A retry origin
// relaxes that to at most one live step, so a replayed node gets a fresh
// record once its earlier attempt settled.
func (m *Machine) instantiate(node *definition.Node, origin, selector string) (*Step, error) {
	if !node.Multi {
		for _, s := range m.steps {
			if s.NodeKey != node.Key {
				continue
			}
			if origin != OriginRetry || !s.Status.Terminal() {
				return nil, nil
			}
		}
	}
	if selector == "" {
		selector = m.inst.Selector
	}
	s := &Step{
		Entity:     riparius.NewEntity(),
		ID:         id.NewStepID(),
		WorkflowID: m.inst.ID,
		NodeKey:    node.Key,
		StageKey:   node.Stage,
		Title:      node.Title,
		Status:     StepPending,
		Origin:     origin,
	}
	if node.Kind == definition.KindWait && node.Selector != "" {
		s.Selector = selector
	}
	m.steps = append(m.steps, s)
	if err := m.record(event.StepAdded, m.stepPayload(s, "")); err != nil {
		return nil, err
	}
	return s, nil
}

// activate moves a pending step to active and applies the node kind's
// immediate behavior: handler steps queue for dispatch, wait nodes park,
// gateways evaluate on the spot.
func (m *Machine) activate(s *Step) error {
	if err := transitionStep(s, StepActive); err != nil {
		return err
	}
	if err := m.record(event.StepActivated, m.stepPayload(s, "")); err != nil {
		return err
	}

	node := m.def.Node(s.NodeKey)
	if node == nil {
		return riparius.ErrStepNotFound
	}
	switch node.Kind {
	case definition.KindStep:
		m.dispatches = append(m.dispatches, s)
		return nil
	case definition.KindWait:
		if err := transitionStep(s, StepWaiting); err != nil {
			return err
		}
		s.WaitEvent = node.Event
		payload := m.stepPayload(s, "")
		payload.Event = node.Event
		return m.record(event.StepWaiting, payload)
	case definition.KindGateway:
		return m.evaluateGateway(s, node)
	default:
		return riparius.ErrInvalidTransition
	}
}

// evaluateGateway resolves a gateway immediately: branches are checked in
// declaration order against the merged view and the first match routes.
// When none match the else edge is taken. The gateway step itself
// completes.
func (m *Machine) evaluateGateway(s *Step, node *definition.Node) error {
	view := m.view()
	var targets []string
	for _, br := range node.Branches {
		if br.When.Matches(view) {
			targets = br.To
			break
		}
	}
	if len(targets) == 0 {
		targets = node.Else
	}
	if err := transitionStep(s, StepDone); err != nil {
		return err
	}
	if err := m.record(event.StepDone, m.stepPayload(s, "")); err != nil {
		return err
	}
	if len(targets) > 0 {
		return m.activateTargets(targets, OriginEdge)
	}
	return nil
}

// activateTargets instantiates and activates the named nodes in
// definition order, deduplicated. Edge-driven activation is a join
// gate: a fan-in target stays uninstantiated until every predecessor
// that was actually reached has settled, and the gate re-runs each time
// one of them does.
func (m *Machine) activateTargets(keys []string, origin string) error {
	uniq := make([]string, 0, len(keys))
	seen := map[string]bool{}
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			uniq = append(uniq, k)
		}
	}
	sort.SliceStable(uniq, func(i, j int) bool {
		return m.def.NodeOrder(uniq[i]) < m.def.NodeOrder(uniq[j])
	})
	for _, key := range uniq {
		node := m.def.Node(key)
		if node == nil {
			return riparius.ErrStepNotFound
		}
		if origin == OriginEdge && !m.predecessorsSettled(key) {
			continue
		}
		s, err := m.instantiate(node, origin, "")
		if err != nil {
			return err
		}
		if s == nil {
			continue
		}
		if err := m.activate(s); err != nil {
			return err
		}
	}
	return nil
}

// predecessorsSettled reports whether every instantiated predecessor of
// key has settled successfully. A predecessor decides the gate only
// through its steps: a node the flow never reached (a branch the
// gateway did not take) has none and does not block. One with a live
// step blocks, and one whose every step failed blocks until an operator
// retries or skips it.
func (m *Machine) predecessorsSettled(key string) bool {
	for i := range m.def.Nodes {
		pred := &m.def.Nodes[i]
		if !stringsContain(pred.Next, key) {
			continue
		}
		reached, live, satisfied := false, false, false
		for _, s := range m.steps {
			if s.NodeKey != pred.Key {
				continue
			}
			reached = true
			switch {
			case !s.Status.Terminal():
				live = true
			case s.Status == StepDone || s.Status == StepSkipped:
				satisfied = true
			}
		}
		if reached && (live || !satisfied) {
			return false
		}
	}
	return true
}

func stringsContain(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// skipLiveSteps skips every non-terminal step, recording one event each.
func (m *Machine) skipLiveSteps(reason string) error {
	for _, s := range m.steps {
		if s.Status.Terminal() {
			continue
		}
		if err := transitionStep(s, StepSkipped); err != nil {
			return err
		}
		s.Error = reason
		if err := m.record(event.StepSkipped, m.stepPayload(s, reason)); err != nil {
			return err
		}
	}
	return nil
}

// checkCompletion completes the instance once every step is terminal
// and no failure is left unresolved. An optional step's failure stops
// its branch without failing the instance, but it holds completion open
// until an operator settles it: a retry of the node that lands done or
// skipped resolves it, and a failure the node routed through its
// on-failure edge was handled when it happened.
func (m *Machine) checkCompletion() error {
	if m.inst.Status != StatusRunning || len(m.steps) == 0 {
		return nil
	}
	for _, s := range m.steps {
		if !s.Status.Terminal() {
			return nil
		}
	}
	for _, s := range m.steps {
		if s.Status == StepFailed && !m.failureResolved(s) {
			return nil
		}
	}
	return m.finish(StatusCompleted, "")
}

// failureResolved reports whether a failed step no longer blocks
// completion: a later attempt at the same node settled done or skipped,
// or the failure routed to an on-failure edge.
func (m *Machine) failureResolved(failed *Step) bool {
	for _, s := range m.steps {
		if s.NodeKey != failed.NodeKey || s.ID == failed.ID {
			continue
		}
		if s.Status == StepDone || s.Status == StepSkipped {
			return true
		}
	}
	node := m.def.Node(failed.NodeKey)
	return node != nil && len(node.OnFailure) > 0
}

// recomputeStages derives stage rollups from step states. A stage with any
// live step is active; one whose steps all settled is completed; a stage
// that has seen no steps stays pending. Multi nodes can reopen a
// completed stage.
func (m *Machine) recomputeStages() error {
	for _, st := range m.stages {
		var total, live int
		for _, s := range m.steps {
			if s.StageKey != st.StageKey {
				continue
			}
			total++
			if !s.Status.Terminal() {
				live++
			}
		}
		target := st.Status
		switch {
		case total == 0:
			target = StagePending
		case live > 0:
			target = StageActive
		default:
			target = StageCompleted
		}
		if target == st.Status {
			continue
		}
		st.Status = target
		st.Touch()
		name := event.StageActivated
		if target == StageCompleted {
			name = event.StageCompleted
		}
		if target == StagePending {
			continue
		}
		if err := m.record(name, event.StagePayload{StageKey: st.StageKey, Status: string(target)}); err != nil {
			return err
		}
	}
	return nil
}

// liveStep finds a step by ID and rejects terminal ones.
func (m *Machine) liveStep(stepID id.StepID) (*Step, error) {
	for _, s := range m.steps {
		if s.ID == stepID {
			if s.Status.Terminal() {
				return nil, riparius.ErrStepTerminal
			}
			return s, nil
		}
	}
	return nil, riparius.ErrStepNotFound
}

// pendingSteps returns pending steps in definition order.
func (m *Machine) pendingSteps() []*Step {
	var out []*Step
	for _, s := range m.steps {
		if s.Status == StepPending {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return m.def.NodeOrder(out[i].NodeKey) < m.def.NodeOrder(out[j].NodeKey)
	})
	return out
}

// view returns the condition evaluation context: params overlaid by memo.
func (m *Machine) view() map[string]any {
	view := make(map[string]any, len(m.inst.Params)+len(m.inst.Memo))
	for k, v := range m.inst.Params {
		view[k] = v
	}
	for k, v := range m.inst.Memo {
		view[k] = v
	}
	return view
}

// mergeMemo folds step output or event payload into the instance memo.
func (m *Machine) mergeMemo(data map[string]any) {
	if len(data) == 0 {
		return
	}
	if m.inst.Memo == nil {
		m.inst.Memo = map[string]any{}
	}
	for k, v := range data {
		m.inst.Memo[k] = v
	}
	m.inst.Touch()
}

// record appends a domain event, charging it against the mutation budget.
func (m *Machine) record(name string, payload any) error {
	if len(m.events) >= m.limit {
		return riparius.ErrTooManyMutations
	}
	evt, err := event.New(m.inst.ID, name, payload)
	if err != nil {
		return err
	}
	evt.ScopeAppID = m.inst.ScopeAppID
	evt.ScopeOrgID = m.inst.ScopeOrgID
	m.events = append(m.events, evt)
	return nil
}

func (m *Machine) stepPayload(s *Step, reason string) event.StepPayload {
	return event.StepPayload{
		StepID:   s.ID,
		NodeKey:  s.NodeKey,
		StageKey: s.StageKey,
		Status:   string(s.Status),
		Attempt:  s.Attempt,
		Origin:   s.Origin,
		Reason:   reason,
	}
}
