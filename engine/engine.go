// Package engine wires all riparius subsystems together: the definition
// and step registries, the aggregate write path, the dispatcher, the
// worker pool, the trigger scheduler, the dead letter service, and the
// extension registry. Commands enter through Execute and flow through
// the middleware chain before touching the aggregate.
//
// This package exists to break the import cycle: the root riparius
// package defines Entity and the Runtime (imported by workflow, event,
// etc.) and so cannot import those packages back. The engine package
// sits above all subsystem packages and below the application layer.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/aggregate"
	"github.com/fluvius-io/fluvius-interim/backoff"
	"github.com/fluvius-io/fluvius-interim/cluster"
	"github.com/fluvius-io/fluvius-interim/command"
	"github.com/fluvius-io/fluvius-interim/deadletter"
	"github.com/fluvius-io/fluvius-interim/definition"
	"github.com/fluvius-io/fluvius-interim/dispatcher"
	"github.com/fluvius-io/fluvius-interim/event"
	"github.com/fluvius-io/fluvius-interim/ext"
	"github.com/fluvius-io/fluvius-interim/id"
	mw "github.com/fluvius-io/fluvius-interim/middleware"
	"github.com/fluvius-io/fluvius-interim/observability"
	"github.com/fluvius-io/fluvius-interim/step"
	"github.com/fluvius-io/fluvius-interim/stream"
	"github.com/fluvius-io/fluvius-interim/trigger"
	"github.com/fluvius-io/fluvius-interim/worker"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

// Engine is the assembled workflow engine. Use Build to create one from
// a Runtime whose store implements all subsystem store interfaces.
type Engine struct {
	rt         *riparius.Runtime
	logger     *slog.Logger
	extensions *ext.Registry

	definitions *definition.Registry
	steps       *step.Registry
	agg         *aggregate.Aggregate
	disp        *dispatcher.Dispatcher
	deadletters *deadletter.Service
	pool        *worker.Pool
	scheduler   *trigger.Scheduler
	broker      *stream.Broker

	workflows workflow.Store
	events    event.Store
	triggers  trigger.Store
	clusters  cluster.Store

	bo      backoff.Strategy
	mws     []mw.Middleware
	chain   mw.Middleware
	intake  []dispatcher.IntakeLimit
	timeout time.Duration

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware appends middleware inside the default command stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the retry backoff strategy for step execution.
// If not set, backoff.DefaultStrategy() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithIntakeLimits installs per-definition event and trigger intake
// limits on the dispatcher.
func WithIntakeLimits(limits ...dispatcher.IntakeLimit) Option {
	return func(eng *Engine) {
		eng.intake = append(eng.intake, limits...)
	}
}

// WithStreaming enables the in-process stream broker. Lifecycle hooks
// fan out to broker subscribers on workflow and step topics.
func WithStreaming(opts ...stream.BrokerOption) Option {
	return func(eng *Engine) {
		eng.broker = stream.NewBroker(eng.logger, opts...)
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, both the metrics middleware and the observability extension
// use this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from a Runtime. The Runtime's store must
// implement every subsystem store interface (store.Store does).
func Build(rt *riparius.Runtime, opts ...Option) (*Engine, error) {
	logger := rt.Logger()
	storer := rt.Store()
	if storer == nil {
		return nil, riparius.ErrNoStore
	}

	ws, ok := storer.(workflow.Store)
	if !ok {
		return nil, fmt.Errorf("riparius: store does not implement workflow.Store")
	}
	es, ok := storer.(event.Store)
	if !ok {
		return nil, fmt.Errorf("riparius: store does not implement event.Store")
	}
	ts, ok := storer.(trigger.Store)
	if !ok {
		return nil, fmt.Errorf("riparius: store does not implement trigger.Store")
	}
	dls, ok := storer.(deadletter.Store)
	if !ok {
		return nil, fmt.Errorf("riparius: store does not implement deadletter.Store")
	}
	cls, ok := storer.(cluster.Store)
	if !ok {
		return nil, fmt.Errorf("riparius: store does not implement cluster.Store")
	}

	eng := &Engine{
		rt:          rt,
		logger:      logger,
		extensions:  ext.NewRegistry(logger),
		definitions: definition.NewRegistry(),
		steps:       step.NewRegistry(),
		workflows:   ws,
		events:      es,
		triggers:    ts,
		clusters:    cls,
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}

	config := rt.Config()
	eng.timeout = config.CommandTimeout

	eng.agg = aggregate.New(eng.definitions, ws, es, logger)
	eng.agg.SetMutationLimit(config.MaxMutations)

	eng.disp = dispatcher.New(eng.agg, ws, ts, logger)
	if len(eng.intake) > 0 {
		eng.disp.SetIntake(dispatcher.NewIntake(eng.intake...))
	}

	// Replay re-activates the failed node through the aggregate and
	// hands the new steps to the pool.
	replay := func(ctx context.Context, workflowID id.WorkflowID, nodeKey string) error {
		res, err := eng.agg.Mutate(ctx, workflowID, 0, func(m *workflow.Machine) error {
			return m.ActivateNode(nodeKey, workflow.OriginRetry, "")
		})
		if err != nil {
			return err
		}
		return eng.pool.Enqueue(ctx, res.Dispatches...)
	}
	eng.deadletters = deadletter.NewService(dls, replay, logger)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer("github.com/fluvius-io/fluvius-interim"))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter("github.com/fluvius-io/fluvius-interim"))
	} else {
		metricsMw = mw.Metrics()
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(
			eng.meterProvider.Meter("github.com/fluvius-io/fluvius-interim/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	if eng.broker != nil {
		eng.extensions.Register(eng.broker)
	}

	// Default stack: recover → tracing → metrics → logging → scope → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Scope(),
		mw.Timeout(logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)
	eng.chain = mw.Chain(allMws...)

	executor := worker.NewExecutor(eng.steps, eng.agg, ws, eng.deadletters, eng.extensions, eng.bo, logger)
	eng.pool = worker.NewPool(ws, executor, eng.extensions, logger,
		worker.WithPoolConcurrency(config.Workers),
		worker.WithQueueDepth(config.QueueDepth),
		worker.WithClusterStore(cls),
		worker.WithHeartbeatInterval(config.HeartbeatInterval),
	)

	rt.SetPool(eng.pool)
	rt.SetExtensions(eng.extensions)

	// Scheduler fires due entries through the dispatcher; the activated
	// steps land in the pool like any other dispatch.
	fire := func(ctx context.Context, entry *trigger.Entry) error {
		res, err := eng.disp.FireEntry(ctx, entry)
		if err != nil {
			return err
		}
		return eng.pool.Enqueue(ctx, res.Dispatches...)
	}
	eng.scheduler = trigger.NewScheduler(ts, cls, fire, eng.extensions, eng.pool.WorkerID(), logger,
		trigger.WithTickInterval(config.PollInterval),
	)

	return eng, nil
}

// ──────────────────────────────────────────────────
// Registration
// ──────────────────────────────────────────────────

// RegisterWorkflow adds a workflow definition to the registry.
// Scheduled trigger bindings are materialized on the next Sync.
func (eng *Engine) RegisterWorkflow(def *definition.Workflow) error {
	return eng.definitions.Register(def)
}

// RegisterStep registers a named step handler.
func (eng *Engine) RegisterStep(name string, fn step.HandlerFunc) {
	eng.steps.Register(name, fn)
}

// RegisterStep registers a typed step definition with the engine.
func RegisterStep[T any](eng *Engine, def *step.Definition[T]) {
	step.RegisterDefinition(eng.steps, def)
}

// ──────────────────────────────────────────────────
// Command surface
// ──────────────────────────────────────────────────

// Result is the outcome of one executed command. Fields are populated
// per command kind: Instance and Events for aggregate commands, Matched
// for event injection, Started and Activated for triggers.
type Result struct {
	Instance  *workflow.Instance
	Events    []*event.Event
	Matched   []id.StepID
	Started   []*workflow.Instance
	Activated []id.WorkflowID
	Scheduled bool
	Ignored   bool
	Reason    string
}

// Execute runs one command envelope through the middleware chain and
// the aggregate. Activated steps are handed to the worker pool before
// Execute returns.
func (eng *Engine) Execute(ctx context.Context, env *command.Envelope) (*Result, error) {
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = time.Now().UTC()
	}
	if env.Timeout == 0 {
		env.Timeout = eng.timeout
	}

	var res *Result
	err := eng.chain(ctx, env, func(ctx context.Context) error {
		var applyErr error
		res, applyErr = eng.apply(ctx, env)
		return applyErr
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// apply dispatches an envelope to its command implementation. The scope
// middleware has already restored the actor into ctx.
func (eng *Engine) apply(ctx context.Context, env *command.Envelope) (*Result, error) {
	switch env.Name {
	case command.CreateWorkflow:
		return eng.createWorkflow(ctx, env)
	case command.UpdateWorkflow:
		return eng.updateWorkflow(ctx, env)
	case command.StartWorkflow:
		return eng.startWorkflow(ctx, env)
	case command.CancelWorkflow:
		return eng.cancelWorkflow(ctx, env)
	case command.AbortWorkflow:
		return eng.abortWorkflow(ctx, env)
	case command.AddParticipant:
		return eng.addParticipant(ctx, env, workflow.KindMember)
	case command.AddRole:
		return eng.addParticipant(ctx, env, workflow.KindGrant)
	case command.RemoveParticipant:
		return eng.removeParticipant(ctx, env, workflow.KindMember)
	case command.RemoveRole:
		return eng.removeParticipant(ctx, env, workflow.KindGrant)
	case command.InjectEvent:
		return eng.injectEvent(ctx, env)
	case command.SendTrigger:
		return eng.sendTrigger(ctx, env)
	case command.IgnoreStep:
		return eng.ignoreStep(ctx, env)
	case command.CancelStep:
		return eng.cancelStep(ctx, env)
	case command.ProcessActivity:
		return eng.processActivity(ctx, env)
	default:
		return nil, riparius.NewValidationError(riparius.FieldError{
			Path: "name", Code: "unknown", Message: fmt.Sprintf("unknown command %q", env.Name),
		})
	}
}

func (eng *Engine) createWorkflow(ctx context.Context, env *command.Envelope) (*Result, error) {
	var p command.CreateWorkflowPayload
	if err := decode(env.Payload, &p); err != nil {
		return nil, err
	}
	if p.DefinitionKey == "" {
		return nil, riparius.NewValidationError(riparius.FieldError{
			Path: "definition_key", Code: "required", Message: "definition key is required",
		})
	}
	def, err := eng.definitions.Get(p.DefinitionKey)
	if err != nil {
		return nil, err
	}
	if err := eng.agg.AuthorizeCreate(ctx, def); err != nil {
		return nil, err
	}
	res, err := eng.agg.Create(ctx, aggregate.CreateParams{
		DefinitionKey: p.DefinitionKey,
		Revision:      p.Revision,
		Title:         p.Title,
		Params:        p.Params,
		ResourceName:  p.ResourceName,
		ResourceID:    p.ResourceID,
		Selector:      p.Selector,
	})
	if err != nil {
		return nil, err
	}
	eng.extensions.EmitWorkflowCreated(ctx, res.Instance)
	return eng.settle(ctx, res)
}

func (eng *Engine) updateWorkflow(ctx context.Context, env *command.Envelope) (*Result, error) {
	var p command.UpdateWorkflowPayload
	if err := decode(env.Payload, &p); err != nil {
		return nil, err
	}
	if err := eng.agg.Authorize(ctx, env.WorkflowID, env.Name); err != nil {
		return nil, err
	}
	res, err := eng.agg.Mutate(ctx, env.WorkflowID, env.ExpectedVersion, func(m *workflow.Machine) error {
		return m.Update(p.Title, p.Params)
	})
	if err != nil {
		return nil, err
	}
	return eng.settle(ctx, res)
}

func (eng *Engine) startWorkflow(ctx context.Context, env *command.Envelope) (*Result, error) {
	if err := eng.agg.Authorize(ctx, env.WorkflowID, env.Name); err != nil {
		return nil, err
	}
	res, err := eng.agg.Mutate(ctx, env.WorkflowID, env.ExpectedVersion, func(m *workflow.Machine) error {
		return m.Start()
	})
	if err != nil {
		return nil, err
	}
	eng.extensions.EmitWorkflowStarted(ctx, res.Instance)
	return eng.settle(ctx, res)
}

func (eng *Engine) cancelWorkflow(ctx context.Context, env *command.Envelope) (*Result, error) {
	var p command.CancelWorkflowPayload
	if err := decode(env.Payload, &p); err != nil {
		return nil, err
	}
	if err := eng.agg.Authorize(ctx, env.WorkflowID, env.Name); err != nil {
		return nil, err
	}
	res, err := eng.agg.Mutate(ctx, env.WorkflowID, env.ExpectedVersion, func(m *workflow.Machine) error {
		return m.Cancel(p.Reason)
	})
	if err != nil {
		return nil, err
	}
	eng.extensions.EmitWorkflowCancelled(ctx, res.Instance, p.Reason)
	return eng.settle(ctx, res)
}

func (eng *Engine) abortWorkflow(ctx context.Context, env *command.Envelope) (*Result, error) {
	var p command.AbortWorkflowPayload
	if err := decode(env.Payload, &p); err != nil {
		return nil, err
	}
	if err := eng.agg.Authorize(ctx, env.WorkflowID, env.Name); err != nil {
		return nil, err
	}
	res, err := eng.agg.Mutate(ctx, env.WorkflowID, env.ExpectedVersion, func(m *workflow.Machine) error {
		return m.Abort(p.Reason)
	})
	if err != nil {
		return nil, err
	}
	eng.extensions.EmitWorkflowFailed(ctx, res.Instance, p.Reason)
	return eng.settle(ctx, res)
}

func (eng *Engine) addParticipant(ctx context.Context, env *command.Envelope, kind string) (*Result, error) {
	var p command.ParticipantPayload
	if err := decode(env.Payload, &p); err != nil {
		return nil, err
	}
	if err := eng.agg.Authorize(ctx, env.WorkflowID, env.Name); err != nil {
		return nil, err
	}
	res, err := eng.agg.AddParticipant(ctx, env.WorkflowID, env.ExpectedVersion, p.UserID, p.Role, kind)
	if err != nil {
		return nil, err
	}
	parts, err := eng.workflows.ListParticipants(ctx, env.WorkflowID, workflow.ParticipantListOpts{
		UserID: p.UserID, Role: p.Role,
	})
	if err == nil {
		for _, part := range parts {
			if part.Kind == kind {
				eng.extensions.EmitParticipantAdded(ctx, part)
			}
		}
	}
	return &Result{Instance: res.Instance, Events: res.Events}, nil
}

func (eng *Engine) removeParticipant(ctx context.Context, env *command.Envelope, kind string) (*Result, error) {
	var p command.ParticipantPayload
	if err := decode(env.Payload, &p); err != nil {
		return nil, err
	}
	if err := eng.agg.Authorize(ctx, env.WorkflowID, env.Name); err != nil {
		return nil, err
	}
	res, err := eng.agg.RemoveParticipant(ctx, env.WorkflowID, env.ExpectedVersion, p.UserID, p.Role, kind)
	if err != nil {
		return nil, err
	}
	eng.extensions.EmitParticipantRemoved(ctx, &workflow.Participant{
		WorkflowID: env.WorkflowID, UserID: p.UserID, Role: p.Role, Kind: kind,
	})
	return &Result{Instance: res.Instance, Events: res.Events}, nil
}

func (eng *Engine) injectEvent(ctx context.Context, env *command.Envelope) (*Result, error) {
	var p command.InjectEventPayload
	if err := decode(env.Payload, &p); err != nil {
		return nil, err
	}
	if env.WorkflowID.IsNil() {
		return eng.fanOutEvent(ctx, p)
	}
	if err := eng.agg.Authorize(ctx, env.WorkflowID, env.Name); err != nil {
		return nil, err
	}
	return eng.injectOne(ctx, dispatcher.InjectParams{
		WorkflowID:      env.WorkflowID,
		Name:            p.Name,
		Selector:        p.Selector,
		Payload:         p.Data,
		ExpectedVersion: env.ExpectedVersion,
	})
}

// fanOutEvent delivers an event without an explicit target: every
// waiting step whose wait event matches resolves to its instance, and
// the event is injected into each one.
func (eng *Engine) fanOutEvent(ctx context.Context, p command.InjectEventPayload) (*Result, error) {
	waiting, err := eng.workflows.FindWaitingSteps(ctx, p.Name)
	if err != nil {
		return nil, err
	}
	targets := make(map[id.WorkflowID]bool)
	for _, s := range waiting {
		targets[s.WorkflowID] = true
	}
	if len(targets) == 0 {
		return &Result{Ignored: true, Reason: "no waiting step matches"}, nil
	}

	out := &Result{Ignored: true, Reason: "no waiting step matches"}
	for wfID := range targets {
		res, err := eng.injectOne(ctx, dispatcher.InjectParams{
			WorkflowID: wfID,
			Name:       p.Name,
			Selector:   p.Selector,
			Payload:    p.Data,
		})
		if err != nil {
			return nil, err
		}
		if !res.Ignored {
			out.Ignored = false
			out.Reason = ""
			out.Matched = append(out.Matched, res.Matched...)
			out.Instance = res.Instance
		}
	}
	return out, nil
}

func (eng *Engine) injectOne(ctx context.Context, p dispatcher.InjectParams) (*Result, error) {
	res, err := eng.disp.InjectEvent(ctx, p)
	if err != nil {
		return nil, err
	}
	if res.Ignored {
		eng.extensions.EmitEventIgnored(ctx, p.WorkflowID, p.Name, res.Reason)
		return &Result{Instance: res.Instance, Ignored: true, Reason: res.Reason}, nil
	}
	eng.extensions.EmitEventInjected(ctx, p.WorkflowID, p.Name, len(res.Matched))
	if err := eng.pool.Enqueue(ctx, res.Dispatches...); err != nil {
		return nil, err
	}
	return &Result{Instance: res.Instance, Matched: res.Matched}, nil
}

func (eng *Engine) sendTrigger(ctx context.Context, env *command.Envelope) (*Result, error) {
	var p command.SendTriggerPayload
	if err := decode(env.Payload, &p); err != nil {
		return nil, err
	}
	res, err := eng.disp.SendTrigger(ctx, dispatcher.TriggerParams{
		Name:       p.Name,
		WorkflowID: env.WorkflowID,
		Payload:    p.Data,
		Delay:      time.Duration(p.DelaySeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	if !res.Ignored && !res.Scheduled {
		for _, inst := range res.Started {
			eng.extensions.EmitWorkflowCreated(ctx, inst)
			eng.extensions.EmitWorkflowStarted(ctx, inst)
		}
		eng.extensions.EmitTriggerFired(ctx, p.Name, "")
	}
	if err := eng.pool.Enqueue(ctx, res.Dispatches...); err != nil {
		return nil, err
	}
	return &Result{
		Started:   res.Started,
		Activated: res.Activated,
		Scheduled: res.Scheduled,
		Ignored:   res.Ignored,
		Reason:    res.Reason,
	}, nil
}

func (eng *Engine) ignoreStep(ctx context.Context, env *command.Envelope) (*Result, error) {
	var p command.StepPayload
	if err := decode(env.Payload, &p); err != nil {
		return nil, err
	}
	if err := eng.agg.Authorize(ctx, env.WorkflowID, env.Name); err != nil {
		return nil, err
	}
	res, err := eng.agg.Mutate(ctx, env.WorkflowID, env.ExpectedVersion, func(m *workflow.Machine) error {
		return m.IgnoreStep(p.StepID, p.Reason)
	})
	if err != nil {
		return nil, err
	}
	return eng.settle(ctx, res)
}

func (eng *Engine) cancelStep(ctx context.Context, env *command.Envelope) (*Result, error) {
	var p command.StepPayload
	if err := decode(env.Payload, &p); err != nil {
		return nil, err
	}
	if err := eng.agg.Authorize(ctx, env.WorkflowID, env.Name); err != nil {
		return nil, err
	}
	res, err := eng.agg.Mutate(ctx, env.WorkflowID, env.ExpectedVersion, func(m *workflow.Machine) error {
		return m.CancelStep(p.StepID, p.Reason)
	})
	if err != nil {
		return nil, err
	}
	return eng.settle(ctx, res)
}

// processActivity records an operator action against a waiting step by
// delivering it as a pinned event. Approve/reject semantics live in the
// step handlers; a step that is not waiting makes the activity an audit
// no-op.
func (eng *Engine) processActivity(ctx context.Context, env *command.Envelope) (*Result, error) {
	var p command.ProcessActivityPayload
	if err := decode(env.Payload, &p); err != nil {
		return nil, err
	}
	if p.Action == "" {
		return nil, riparius.NewValidationError(riparius.FieldError{
			Path: "action", Code: "required", Message: "activity action is required",
		})
	}
	if err := eng.agg.Authorize(ctx, env.WorkflowID, env.Name); err != nil {
		return nil, err
	}
	return eng.injectOne(ctx, dispatcher.InjectParams{
		WorkflowID:      env.WorkflowID,
		Name:            p.Action,
		StepID:          p.StepID,
		Payload:         p.Data,
		ExpectedVersion: env.ExpectedVersion,
	})
}

// settle enqueues a commit's dispatches and converts the aggregate
// result. Called on every path that can activate steps.
func (eng *Engine) settle(ctx context.Context, res *aggregate.Result) (*Result, error) {
	if err := eng.pool.Enqueue(ctx, res.Dispatches...); err != nil {
		return nil, err
	}
	return &Result{Instance: res.Instance, Events: res.Events}, nil
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return riparius.NewValidationError(riparius.FieldError{
			Path: "payload", Code: "malformed", Message: err.Error(),
		})
	}
	return nil
}

// ──────────────────────────────────────────────────
// Query surface
// ──────────────────────────────────────────────────

// WorkflowView is a full read model of one instance.
type WorkflowView struct {
	Instance     *workflow.Instance      `json:"workflow"`
	Steps        []*workflow.Step        `json:"steps"`
	Stages       []*workflow.Stage       `json:"stages"`
	Participants []*workflow.Participant `json:"participants"`
}

// GetWorkflow returns one instance record.
func (eng *Engine) GetWorkflow(ctx context.Context, workflowID id.WorkflowID) (*workflow.Instance, error) {
	return eng.workflows.GetInstance(ctx, workflowID)
}

// GetWorkflowView returns the instance with its steps, stages, and
// participants loaded in one call.
func (eng *Engine) GetWorkflowView(ctx context.Context, workflowID id.WorkflowID) (*WorkflowView, error) {
	inst, err := eng.workflows.GetInstance(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	view := &WorkflowView{Instance: inst}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		view.Steps, err = eng.workflows.ListSteps(gctx, workflowID, workflow.StepListOpts{})
		return err
	})
	g.Go(func() error {
		var err error
		view.Stages, err = eng.workflows.ListStages(gctx, workflowID)
		return err
	})
	g.Go(func() error {
		var err error
		view.Participants, err = eng.workflows.ListParticipants(gctx, workflowID, workflow.ParticipantListOpts{})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return view, nil
}

// ListWorkflows returns instances matching the options.
func (eng *Engine) ListWorkflows(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Instance, error) {
	return eng.workflows.ListInstances(ctx, opts)
}

// ListSteps returns the steps of one instance.
func (eng *Engine) ListSteps(ctx context.Context, workflowID id.WorkflowID, opts workflow.StepListOpts) ([]*workflow.Step, error) {
	return eng.workflows.ListSteps(ctx, workflowID, opts)
}

// ListStages returns the stage rollups of one instance.
func (eng *Engine) ListStages(ctx context.Context, workflowID id.WorkflowID) ([]*workflow.Stage, error) {
	return eng.workflows.ListStages(ctx, workflowID)
}

// ListParticipants returns the participants of one instance.
func (eng *Engine) ListParticipants(ctx context.Context, workflowID id.WorkflowID, opts workflow.ParticipantListOpts) ([]*workflow.Participant, error) {
	return eng.workflows.ListParticipants(ctx, workflowID, opts)
}

// ListEvents returns the domain event log of one instance in sequence
// order.
func (eng *Engine) ListEvents(ctx context.Context, workflowID id.WorkflowID, opts event.ListOpts) ([]*event.Event, error) {
	return eng.events.ListEvents(ctx, workflowID, opts)
}

// Watch streams the domain events of one instance, starting after
// afterSeq. The returned channel closes when ctx is done.
func (eng *Engine) Watch(ctx context.Context, workflowID id.WorkflowID, afterSeq int64) (<-chan *event.Event, error) {
	if _, err := eng.workflows.GetInstance(ctx, workflowID); err != nil {
		return nil, err
	}
	ch := make(chan *event.Event, 32)
	go func() {
		defer close(ch)
		seq := afterSeq
		for {
			events, err := eng.events.PollEvents(ctx, workflowID, seq, eng.rt.Config().PollInterval)
			if err != nil {
				if ctx.Err() == nil {
					eng.logger.Warn("event poll error",
						slog.String("workflow_id", workflowID.String()),
						slog.String("error", err.Error()),
					)
				}
				return
			}
			for _, evt := range events {
				select {
				case ch <- evt:
					seq = evt.Sequence
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return ch, nil
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start begins asynchronous processing: the worker pool, crash
// recovery of active steps, and the trigger scheduler.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.rt.Start(ctx); err != nil {
		return err
	}

	// Re-dispatch work interrupted by a crash or restart (best-effort).
	if _, err := eng.pool.ResumeAll(ctx); err != nil {
		eng.logger.Warn("failed to resume active steps", slog.String("error", err.Error()))
	}

	if err := eng.scheduler.Sync(ctx, eng.definitions); err != nil {
		return fmt.Errorf("sync trigger schedules: %w", err)
	}
	return eng.scheduler.Start(ctx)
}

// Stop gracefully shuts down the engine: the scheduler first so no new
// triggers fire, then the pool and extensions through the runtime.
func (eng *Engine) Stop(ctx context.Context) error {
	if err := eng.scheduler.Stop(ctx); err != nil {
		eng.logger.Error("scheduler stop error", slog.String("error", err.Error()))
	}
	return eng.rt.Stop(ctx)
}

// ──────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────

// Runtime returns the underlying runtime.
func (eng *Engine) Runtime() *riparius.Runtime { return eng.rt }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Definitions returns the workflow definition registry.
func (eng *Engine) Definitions() *definition.Registry { return eng.definitions }

// Steps returns the step handler registry.
func (eng *Engine) Steps() *step.Registry { return eng.steps }

// Aggregate returns the write-path aggregate.
func (eng *Engine) Aggregate() *aggregate.Aggregate { return eng.agg }

// Dispatcher returns the event and trigger dispatcher.
func (eng *Engine) Dispatcher() *dispatcher.Dispatcher { return eng.disp }

// DeadLetters returns the dead letter service for inspection and replay.
func (eng *Engine) DeadLetters() *deadletter.Service { return eng.deadletters }

// Scheduler returns the trigger scheduler.
func (eng *Engine) Scheduler() *trigger.Scheduler { return eng.scheduler }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// Broker returns the stream broker, or nil when streaming is disabled.
func (eng *Engine) Broker() *stream.Broker { return eng.broker }
