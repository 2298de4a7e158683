package worker_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fluvius-io/fluvius-interim/aggregate"
	"github.com/fluvius-io/fluvius-interim/backoff"
	"github.com/fluvius-io/fluvius-interim/deadletter"
	"github.com/fluvius-io/fluvius-interim/definition"
	"github.com/fluvius-io/fluvius-interim/event"
	"github.com/fluvius-io/fluvius-interim/ext"
	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/step"
	"github.com/fluvius-io/fluvius-interim/store/memory"
	"github.com/fluvius-io/fluvius-interim/worker"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

// invoiceDef is a two step chain: charge then notify.
func invoiceDef() *definition.Workflow {
	return &definition.Workflow{
		Key:      "invoice-flow",
		Title:    "Invoice Flow",
		Revision: 1,
		Stages:   []definition.Stage{{Key: "bill", Title: "Billing", Order: 1}},
		Nodes: []definition.Node{
			{
				Key: "charge", Title: "Charge Card", Kind: definition.KindStep,
				Stage: "bill", Start: true, Required: true,
				Handler: "charge-card", Next: []string{"notify"},
			},
			{
				Key: "notify", Title: "Send Receipt", Kind: definition.KindStep,
				Stage: "bill", Handler: "send-receipt",
			},
		},
	}
}

// retryDef is a single required step with a three attempt budget.
func retryDef() *definition.Workflow {
	return &definition.Workflow{
		Key:      "retry-flow",
		Title:    "Retry Flow",
		Revision: 1,
		Stages:   []definition.Stage{{Key: "work", Order: 1}},
		Nodes: []definition.Node{
			{
				Key: "flaky", Title: "Flaky Op", Kind: definition.KindStep,
				Stage: "work", Start: true, Required: true,
				Handler: "flaky-op",
				Retry:   &definition.RetryPolicy{MaxAttempts: 3, Policy: definition.RetryFixed},
			},
		},
	}
}

// parkDef is a single step whose handler parks itself.
func parkDef() *definition.Workflow {
	return &definition.Workflow{
		Key:      "park-flow",
		Title:    "Park Flow",
		Revision: 1,
		Stages:   []definition.Stage{{Key: "work", Order: 1}},
		Nodes: []definition.Node{
			{
				Key: "collect", Title: "Collect Payment", Kind: definition.KindStep,
				Stage: "work", Start: true, Required: true,
				Handler: "collect-payment",
			},
		},
	}
}

type fixture struct {
	pool     *worker.Pool
	executor *worker.Executor
	store    *memory.Store
	steps    *step.Registry
	agg      *aggregate.Aggregate
	exts     *ext.Registry
	dl       *deadletter.Service
}

func setup(t *testing.T, concurrency int, opts ...worker.PoolOption) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	defs := definition.NewRegistry()
	for _, def := range []*definition.Workflow{invoiceDef(), retryDef(), parkDef()} {
		if err := defs.Register(def); err != nil {
			t.Fatalf("register definition %q: %v", def.Key, err)
		}
	}

	s := memory.New()
	agg := aggregate.New(defs, s, s, logger)
	steps := step.NewRegistry()
	exts := ext.NewRegistry(logger)
	dl := deadletter.NewService(s, nil, logger)

	executor := worker.NewExecutor(steps, agg, s, dl, exts, backoff.NewConstant(5*time.Millisecond), logger)
	pool := worker.NewPool(s, executor, exts, logger,
		append([]worker.PoolOption{worker.WithPoolConcurrency(concurrency)}, opts...)...)

	return &fixture{pool: pool, executor: executor, store: s, steps: steps, agg: agg, exts: exts, dl: dl}
}

// start creates and starts one instance, returning it with its dispatches.
func start(t *testing.T, agg *aggregate.Aggregate, defKey string) (*workflow.Instance, []*workflow.Step) {
	t.Helper()
	ctx := context.Background()

	created, err := agg.Create(ctx, aggregate.CreateParams{
		DefinitionKey: defKey,
		Params:        map[string]any{"amount": 42},
		ResourceName:  "invoice",
		ResourceID:    "inv-1",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	res, err := agg.Mutate(ctx, created.Instance.ID, created.Instance.Version, func(m *workflow.Machine) error {
		return m.Start()
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return res.Instance, res.Dispatches
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func instanceStatus(t *testing.T, s *memory.Store, workflowID id.WorkflowID) workflow.Status {
	t.Helper()
	inst, err := s.GetInstance(context.Background(), workflowID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	return inst.Status
}

func TestPool_StartStop(t *testing.T) {
	f := setup(t, 2)

	if err := f.pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	// Double start should be no-op.
	if err := f.pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := f.pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}

	// Double stop should be no-op.
	if err := f.pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected double-stop error: %v", err)
	}
}

func TestPool_ExecutesDispatchedSteps(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()

	f.steps.Register("charge-card", func(_ context.Context, sc *step.Context) (*step.Outcome, error) {
		if sc.WorkflowParams["amount"] != 42 {
			t.Errorf("workflow params not threaded: %v", sc.WorkflowParams)
		}
		return step.Done(map[string]any{"charge_id": "ch_123"}), nil
	})
	f.steps.Register("send-receipt", func(_ context.Context, sc *step.Context) (*step.Outcome, error) {
		if sc.Memo["charge_id"] != "ch_123" {
			t.Errorf("memo from predecessor not visible: %v", sc.Memo)
		}
		return step.Done(nil), nil
	})

	inst, dispatches := start(t, f.agg, "invoice-flow")
	if len(dispatches) != 1 || dispatches[0].NodeKey != "charge" {
		t.Fatalf("dispatches = %v", dispatches)
	}

	if err := f.pool.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}
	if err := f.pool.Enqueue(ctx, dispatches...); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	// The notify step must run via follow-up dispatch, without another
	// Enqueue call.
	waitFor(t, "workflow completion", func() bool {
		return instanceStatus(t, f.store, inst.ID) == workflow.StatusCompleted
	})

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := f.pool.Stop(stopCtx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	steps, err := f.store.ListSteps(ctx, inst.ID, workflow.StepListOpts{})
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(steps))
	}
	for _, s := range steps {
		if s.Status != workflow.StepDone {
			t.Errorf("step %s status = %s, want done", s.NodeKey, s.Status)
		}
	}

	final, _ := f.store.GetInstance(ctx, inst.ID)
	if final.Memo["charge_id"] != "ch_123" {
		t.Errorf("memo = %v, want charge output merged", final.Memo)
	}
}

func TestPool_RetriesThenSucceeds(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()

	var attempts atomic.Int32
	f.steps.Register("flaky-op", func(_ context.Context, _ *step.Context) (*step.Outcome, error) {
		if attempts.Add(1) < 3 {
			return step.Failed("transient glitch"), nil
		}
		return step.Done(map[string]any{"ok": true}), nil
	})

	inst, dispatches := start(t, f.agg, "retry-flow")

	if err := f.pool.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}
	if err := f.pool.Enqueue(ctx, dispatches...); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	waitFor(t, "workflow completion", func() bool {
		return instanceStatus(t, f.store, inst.ID) == workflow.StatusCompleted
	})

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := f.pool.Stop(stopCtx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	if got := attempts.Load(); got != 3 {
		t.Errorf("handler ran %d times, want 3", got)
	}
	steps, _ := f.store.ListSteps(ctx, inst.ID, workflow.StepListOpts{})
	if len(steps) != 1 || steps[0].Attempt != 3 {
		t.Errorf("stored attempt = %+v, want 3", steps)
	}

	// No dead letter for a step that eventually succeeded.
	count, err := f.dl.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("dead letters = %d, want 0", count)
	}
}

func TestExecutor_RetriesShareMemoSnapshot(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()

	// The first attempt updates the workflow params through the aggregate
	// and then fails. The retry must still see the view taken at dispatch,
	// not the mid-flight write.
	var sawMidflightWrite atomic.Bool
	f.steps.Register("flaky-op", func(_ context.Context, sc *step.Context) (*step.Outcome, error) {
		if sc.Attempt == 1 {
			if _, err := f.agg.Mutate(ctx, sc.WorkflowID, 0, func(m *workflow.Machine) error {
				return m.Update("", map[string]any{"rush": true})
			}); err != nil {
				t.Errorf("Mutate: %v", err)
			}
			return step.Failed("transient glitch"), nil
		}
		if _, ok := sc.WorkflowParams["rush"]; ok {
			sawMidflightWrite.Store(true)
		}
		return step.Done(nil), nil
	})

	inst, dispatches := start(t, f.agg, "retry-flow")
	if _, err := f.executor.Execute(ctx, dispatches[0]); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if sawMidflightWrite.Load() {
		t.Error("retry observed a params write made after dispatch; attempts must share the dispatch snapshot")
	}

	// The write itself landed; only the in-flight dispatch was isolated.
	final, err := f.store.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if final.Params["rush"] != true {
		t.Errorf("params = %v, want mid-flight write persisted", final.Params)
	}
}

func TestPool_ExhaustedRetriesDeadLetter(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()

	var attempts atomic.Int32
	f.steps.Register("flaky-op", func(_ context.Context, _ *step.Context) (*step.Outcome, error) {
		attempts.Add(1)
		return step.Failed("downstream unavailable"), nil
	})

	inst, dispatches := start(t, f.agg, "retry-flow")

	if err := f.pool.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}
	if err := f.pool.Enqueue(ctx, dispatches...); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	// The node is required, so exhausting retries fails the instance.
	waitFor(t, "workflow failure", func() bool {
		return instanceStatus(t, f.store, inst.ID) == workflow.StatusFailed
	})

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := f.pool.Stop(stopCtx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	if got := attempts.Load(); got != 3 {
		t.Errorf("handler ran %d times, want 3", got)
	}

	entries, err := f.dl.List(ctx, deadletter.ListOpts{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.WorkflowID != inst.ID || e.NodeKey != "flaky" || e.Handler != "flaky-op" {
		t.Errorf("entry = %+v", e)
	}
	if e.Attempts != 3 || e.MaxAttempts != 3 {
		t.Errorf("attempts = %d/%d, want 3/3", e.Attempts, e.MaxAttempts)
	}
	if !strings.Contains(e.Error, "downstream unavailable") {
		t.Errorf("entry error = %q", e.Error)
	}
}

func TestPool_PermanentFailureSkipsRetries(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()

	var attempts atomic.Int32
	f.steps.Register("flaky-op", func(_ context.Context, _ *step.Context) (*step.Outcome, error) {
		attempts.Add(1)
		return step.Permanent("malformed card number"), nil
	})

	inst, dispatches := start(t, f.agg, "retry-flow")

	if err := f.pool.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}
	if err := f.pool.Enqueue(ctx, dispatches...); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	waitFor(t, "workflow failure", func() bool {
		return instanceStatus(t, f.store, inst.ID) == workflow.StatusFailed
	})

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := f.pool.Stop(stopCtx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	if got := attempts.Load(); got != 1 {
		t.Errorf("handler ran %d times, want 1 (no retries for permanent failures)", got)
	}
	entries, _ := f.dl.List(ctx, deadletter.ListOpts{})
	if len(entries) != 1 || entries[0].Attempts != 1 {
		t.Errorf("entries = %+v", entries)
	}
}

func TestPool_WaitingOutcomeParksStep(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()

	f.steps.Register("collect-payment", func(_ context.Context, _ *step.Context) (*step.Outcome, error) {
		return step.Waiting("payment.confirmed", "inv-1"), nil
	})

	inst, dispatches := start(t, f.agg, "park-flow")

	if err := f.pool.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}
	if err := f.pool.Enqueue(ctx, dispatches...); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	waitFor(t, "step to park", func() bool {
		steps, err := f.store.ListSteps(ctx, inst.ID, workflow.StepListOpts{Status: workflow.StepWaiting})
		return err == nil && len(steps) == 1
	})

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := f.pool.Stop(stopCtx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	steps, _ := f.store.ListSteps(ctx, inst.ID, workflow.StepListOpts{})
	if len(steps) != 1 {
		t.Fatalf("steps = %d", len(steps))
	}
	if steps[0].WaitEvent != "payment.confirmed" || steps[0].Selector != "inv-1" {
		t.Errorf("parked step = %+v", steps[0])
	}
	if got := instanceStatus(t, f.store, inst.ID); got != workflow.StatusRunning {
		t.Errorf("instance status = %s, want running", got)
	}
}

func TestPool_UnknownHandlerDeadLetters(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()

	// No handler registered for charge-card.
	inst, dispatches := start(t, f.agg, "invoice-flow")

	if err := f.pool.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}
	if err := f.pool.Enqueue(ctx, dispatches...); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	waitFor(t, "workflow failure", func() bool {
		return instanceStatus(t, f.store, inst.ID) == workflow.StatusFailed
	})

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := f.pool.Stop(stopCtx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	entries, _ := f.dl.List(ctx, deadletter.ListOpts{})
	if len(entries) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(entries))
	}
	if !strings.Contains(entries[0].Error, "handler not registered") {
		t.Errorf("entry error = %q", entries[0].Error)
	}
}

func TestPool_ResumeAllRedispatches(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()

	var processed atomic.Int32
	f.steps.Register("charge-card", func(_ context.Context, _ *step.Context) (*step.Outcome, error) {
		processed.Add(1)
		return step.Done(nil), nil
	})
	f.steps.Register("send-receipt", func(_ context.Context, _ *step.Context) (*step.Outcome, error) {
		processed.Add(1)
		return step.Done(nil), nil
	})

	// Dispatches from the start commit are dropped, simulating a crash
	// between commit and enqueue.
	inst, _ := start(t, f.agg, "invoice-flow")

	if err := f.pool.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}
	resumed, err := f.pool.ResumeAll(ctx)
	if err != nil {
		t.Fatalf("ResumeAll: %v", err)
	}
	if resumed != 1 {
		t.Errorf("resumed = %d, want 1", resumed)
	}

	waitFor(t, "workflow completion", func() bool {
		return instanceStatus(t, f.store, inst.ID) == workflow.StatusCompleted
	})

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := f.pool.Stop(stopCtx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	if got := processed.Load(); got != 2 {
		t.Errorf("processed = %d steps, want 2", got)
	}
}

func TestPool_ExtensionHooksFire(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()

	tracker := &trackingExt{}
	f.exts.Register(tracker)

	f.steps.Register("charge-card", func(_ context.Context, _ *step.Context) (*step.Outcome, error) {
		return step.Done(nil), nil
	})
	f.steps.Register("send-receipt", func(_ context.Context, _ *step.Context) (*step.Outcome, error) {
		return step.Done(nil), nil
	})

	inst, dispatches := start(t, f.agg, "invoice-flow")

	if err := f.pool.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}
	if err := f.pool.Enqueue(ctx, dispatches...); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	waitFor(t, "workflow completion", func() bool {
		return instanceStatus(t, f.store, inst.ID) == workflow.StatusCompleted
	})

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := f.pool.Stop(stopCtx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	if !tracker.started.Load() {
		t.Error("expected OnStepStarted to fire")
	}
	if !tracker.completed.Load() {
		t.Error("expected OnStepCompleted to fire")
	}
	if !tracker.wfDone.Load() {
		t.Error("expected OnWorkflowCompleted to fire")
	}
}

func TestExecutor_StaleOutcomeDiscarded(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()

	f.steps.Register("charge-card", func(_ context.Context, _ *step.Context) (*step.Outcome, error) {
		return step.Done(nil), nil
	})

	inst, dispatches := start(t, f.agg, "invoice-flow")
	if len(dispatches) != 1 {
		t.Fatalf("dispatches = %d", len(dispatches))
	}
	target := dispatches[0]

	// The step settles through the operator path before the worker's
	// outcome lands.
	if _, err := f.agg.Mutate(ctx, inst.ID, 0, func(m *workflow.Machine) error {
		return m.IgnoreStep(target.ID, "operator skipped")
	}); err != nil {
		t.Fatalf("IgnoreStep: %v", err)
	}

	followups, err := f.executor.Execute(ctx, target)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(followups) != 0 {
		t.Errorf("followups = %d, want 0 for discarded outcome", len(followups))
	}

	// The step stays skipped; the discard is an audit entry.
	got, err := f.store.GetStep(ctx, target.ID)
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if got.Status != workflow.StepSkipped {
		t.Errorf("step status = %s, want skipped", got.Status)
	}

	events, err := f.store.ListEvents(ctx, inst.ID, event.ListOpts{Name: event.OutcomeDiscarded})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("discard events = %d, want 1", len(events))
	}
}

func TestExecutor_PanicFailsStep(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()

	f.steps.Register("collect-payment", func(_ context.Context, _ *step.Context) (*step.Outcome, error) {
		panic("nil map write")
	})

	inst, dispatches := start(t, f.agg, "park-flow")

	if _, err := f.executor.Execute(ctx, dispatches[0]); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	steps, _ := f.store.ListSteps(ctx, inst.ID, workflow.StepListOpts{})
	if len(steps) != 1 || steps[0].Status != workflow.StepFailed {
		t.Fatalf("steps = %+v, want one failed", steps)
	}
	if !strings.Contains(steps[0].Error, "handler panic") {
		t.Errorf("step error = %q", steps[0].Error)
	}
	if got := instanceStatus(t, f.store, inst.ID); got != workflow.StatusFailed {
		t.Errorf("instance status = %s, want failed (required step)", got)
	}
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// trackingExt records which hooks fired.
type trackingExt struct {
	started   atomic.Bool
	completed atomic.Bool
	failed    atomic.Bool
	wfDone    atomic.Bool
}

func (e *trackingExt) Name() string { return "tracker" }

func (e *trackingExt) OnStepStarted(_ context.Context, _ *workflow.Step) error {
	e.started.Store(true)
	return nil
}

func (e *trackingExt) OnStepCompleted(_ context.Context, _ *workflow.Step, _ time.Duration) error {
	e.completed.Store(true)
	return nil
}

func (e *trackingExt) OnStepFailed(_ context.Context, _ *workflow.Step, _ error) error {
	e.failed.Store(true)
	return nil
}

func (e *trackingExt) OnWorkflowCompleted(_ context.Context, _ *workflow.Instance) error {
	e.wfDone.Store(true)
	return nil
}
