// Package worker provides the step execution engine — an Executor that
// runs dispatched steps through their registered handlers and applies
// the outcomes, and a Pool of goroutines draining the dispatch queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/aggregate"
	"github.com/fluvius-io/fluvius-interim/backoff"
	"github.com/fluvius-io/fluvius-interim/deadletter"
	"github.com/fluvius-io/fluvius-interim/definition"
	"github.com/fluvius-io/fluvius-interim/ext"
	"github.com/fluvius-io/fluvius-interim/step"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

// Executor runs one dispatched step to a settled outcome: it resolves
// the node's handler, retries per the node's policy, and applies the
// final outcome through the aggregate. Applying an outcome can dispatch
// successor steps; Execute returns them for the pool to enqueue.
//
// Handlers may run more than once for the same step, and an outcome can
// arrive after the step has settled through another path. Stale outcomes
// are recorded as audit entries and never applied.
type Executor struct {
	registry    *step.Registry
	agg         *aggregate.Aggregate
	store       workflow.Store
	deadletters *deadletter.Service
	extensions  *ext.Registry
	fallback    backoff.Strategy
	logger      *slog.Logger
}

// NewExecutor creates an Executor. bo is the retry delay strategy for
// nodes without a declared policy; nil means the default strategy.
func NewExecutor(
	registry *step.Registry,
	agg *aggregate.Aggregate,
	store workflow.Store,
	deadletters *deadletter.Service,
	extensions *ext.Registry,
	bo backoff.Strategy,
	logger *slog.Logger,
) *Executor {
	if bo == nil {
		bo = backoff.DefaultStrategy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry:    registry,
		agg:         agg,
		store:       store,
		deadletters: deadletters,
		extensions:  extensions,
		fallback:    bo,
		logger:      logger,
	}
}

// Execute runs a dispatched step.
// A DONE outcome completes the step and returns successor dispatches.
// A WAITING outcome parks the step until its event arrives.
// A FAILED outcome retries per the node's policy; once retries are
// exhausted (or the failure is permanent) the step fails, a dead letter
// entry is pushed, and any on-failure dispatches are returned.
func (e *Executor) Execute(ctx context.Context, s *workflow.Step) ([]*workflow.Step, error) {
	// The instance is loaded once per dispatch. Every attempt below sees
	// this memo and params snapshot; see step.Context.
	inst, err := e.store.GetInstance(ctx, s.WorkflowID)
	if err != nil {
		return nil, err
	}
	def, err := e.agg.Registry().GetRevision(inst.DefinitionKey, inst.Revision)
	if err != nil {
		return nil, err
	}
	node := def.Node(s.NodeKey)
	if node == nil {
		return nil, fmt.Errorf("%w: node %q missing from %s rev %d",
			riparius.ErrDefinitionNotFound, s.NodeKey, inst.DefinitionKey, inst.Revision)
	}

	handler, err := e.registry.Resolve(node.Handler)
	if err != nil {
		// Nothing to run. Fail and dead letter the step so it becomes
		// replayable once the handler is registered.
		return e.failStep(ctx, s, node, 1, err)
	}

	params, err := json.Marshal(node.Params)
	if err != nil {
		return nil, fmt.Errorf("marshal params of node %q: %w", node.Key, err)
	}

	maxAttempts := 1
	if node.Retry != nil && node.Retry.MaxAttempts > 0 {
		maxAttempts = node.Retry.MaxAttempts
	}
	strategy := e.strategyFor(node)
	logger := e.logger.With(
		slog.String("workflow_id", s.WorkflowID.String()),
		slog.String("step_id", s.ID.String()),
		slog.String("node", s.NodeKey),
	)

	for attempt := 1; ; attempt++ {
		sc := &step.Context{
			WorkflowID:     s.WorkflowID,
			StepID:         s.ID,
			NodeKey:        s.NodeKey,
			StageKey:       s.StageKey,
			Attempt:        attempt,
			Params:         params,
			Memo:           inst.Memo,
			WorkflowParams: inst.Params,
			Logger:         logger,
		}

		e.extensions.EmitStepStarted(ctx, s)
		start := time.Now()
		outcome, handlerErr := e.runHandler(ctx, handler, sc, node)
		elapsed := time.Since(start)

		switch {
		case handlerErr != nil:
			outcome = step.Failed(handlerErr.Error())
		case outcome == nil:
			outcome = step.Done(nil)
		}

		switch outcome.Result {
		case step.ResultDone:
			return e.completeStep(ctx, s, outcome, attempt, elapsed)

		case step.ResultWaiting:
			if outcome.Event == "" {
				return e.failStep(ctx, s, node, attempt,
					fmt.Errorf("handler %q returned a waiting outcome without an event", node.Handler))
			}
			return e.parkStep(ctx, s, outcome)

		case step.ResultFailed:
			reason := outcome.Reason
			if reason == "" {
				reason = "step failed"
			}
			cause := &riparius.ExecutionError{Node: s.NodeKey, Handler: node.Handler, Err: errors.New(reason)}
			if !outcome.Retryable || attempt >= maxAttempts {
				return e.failStep(ctx, s, node, attempt, cause)
			}

			delay := strategy.Delay(attempt)
			nextRunAt := time.Now().Add(delay)
			e.extensions.EmitStepRetrying(ctx, s, attempt, nextRunAt)
			logger.Info("step retry scheduled",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", maxAttempts),
				slog.Duration("delay", delay),
				slog.String("error", reason),
			)
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}

		default:
			return e.failStep(ctx, s, node, attempt,
				fmt.Errorf("handler %q returned unknown result %q", node.Handler, outcome.Result))
		}
	}
}

// runHandler invokes the handler under the node's timeout. A panicking
// handler fails the step, it does not kill the worker.
func (e *Executor) runHandler(ctx context.Context, h step.HandlerFunc, sc *step.Context, node *definition.Node) (out *step.Outcome, err error) {
	if node.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(node.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, sc)
}

// completeStep applies a DONE outcome: the step settles, its output
// merges into the memo, and successors activate.
func (e *Executor) completeStep(ctx context.Context, s *workflow.Step, out *step.Outcome, attempt int, elapsed time.Duration) ([]*workflow.Step, error) {
	res, err := e.agg.Mutate(ctx, s.WorkflowID, 0, func(m *workflow.Machine) error {
		return m.CompleteStep(s.ID, out.Output, attempt)
	})
	if err != nil {
		return nil, e.discardStale(ctx, s, string(step.ResultDone), err)
	}
	e.extensions.EmitStepCompleted(ctx, s, elapsed)
	e.emitInstanceSettled(ctx, res.Instance)
	return res.Dispatches, nil
}

// parkStep applies a WAITING outcome.
func (e *Executor) parkStep(ctx context.Context, s *workflow.Step, out *step.Outcome) ([]*workflow.Step, error) {
	_, err := e.agg.Mutate(ctx, s.WorkflowID, 0, func(m *workflow.Machine) error {
		return m.ParkStep(s.ID, out.Event, out.Selector)
	})
	if err != nil {
		return nil, e.discardStale(ctx, s, string(step.ResultWaiting), err)
	}
	e.extensions.EmitStepWaiting(ctx, s, out.Event)
	return nil, nil
}

// failStep applies a terminal FAILED outcome and pushes a dead letter
// entry. On-failure routing may dispatch recovery steps.
func (e *Executor) failStep(ctx context.Context, s *workflow.Step, node *definition.Node, attempts int, cause error) ([]*workflow.Step, error) {
	res, err := e.agg.Mutate(ctx, s.WorkflowID, 0, func(m *workflow.Machine) error {
		return m.FailStep(s.ID, cause.Error(), attempts)
	})
	if err != nil {
		return nil, e.discardStale(ctx, s, string(step.ResultFailed), err)
	}

	maxAttempts := 1
	if node.Retry != nil && node.Retry.MaxAttempts > 0 {
		maxAttempts = node.Retry.MaxAttempts
	}
	if e.deadletters != nil {
		params, _ := json.Marshal(node.Params)
		entry := &deadletter.Entry{
			WorkflowID:  s.WorkflowID,
			StepID:      s.ID,
			NodeKey:     s.NodeKey,
			Handler:     node.Handler,
			Params:      params,
			Error:       cause.Error(),
			Attempts:    attempts,
			MaxAttempts: maxAttempts,
			ScopeAppID:  res.Instance.ScopeAppID,
			ScopeOrgID:  res.Instance.ScopeOrgID,
		}
		if dlErr := e.deadletters.Push(ctx, entry); dlErr != nil {
			e.logger.Error("failed to push dead letter entry",
				slog.String("step_id", s.ID.String()),
				slog.String("error", dlErr.Error()),
			)
		}
	}

	e.extensions.EmitStepFailed(ctx, s, cause)
	e.extensions.EmitStepDeadLettered(ctx, s, cause)
	e.emitInstanceSettled(ctx, res.Instance)
	return res.Dispatches, nil
}

// discardStale converts an apply error into an audit entry when the step
// or workflow settled while the handler ran. Genuine errors pass through.
func (e *Executor) discardStale(ctx context.Context, s *workflow.Step, outcome string, applyErr error) error {
	if !isStale(applyErr) {
		return applyErr
	}
	if err := e.agg.RecordDiscarded(ctx, s.WorkflowID, s.ID, s.NodeKey, outcome, applyErr.Error()); err != nil {
		e.logger.Warn("failed to record discarded outcome",
			slog.String("step_id", s.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	e.extensions.EmitOutcomeDiscarded(ctx, s.WorkflowID, s.ID, outcome)
	e.logger.Info("stale outcome discarded",
		slog.String("workflow_id", s.WorkflowID.String()),
		slog.String("step_id", s.ID.String()),
		slog.String("outcome", outcome),
		slog.String("reason", applyErr.Error()),
	)
	return nil
}

// isStale reports whether an apply error means the step or workflow
// settled through another path while the handler ran.
func isStale(err error) bool {
	return errors.Is(err, riparius.ErrStepTerminal) ||
		errors.Is(err, riparius.ErrStepNotFound) ||
		errors.Is(err, riparius.ErrWorkflowTerminal) ||
		errors.Is(err, riparius.ErrWorkflowNotRunning) ||
		errors.Is(err, riparius.ErrInvalidTransition)
}

// emitInstanceSettled fires workflow-level hooks when an applied outcome
// finished the instance.
func (e *Executor) emitInstanceSettled(ctx context.Context, inst *workflow.Instance) {
	switch inst.Status {
	case workflow.StatusCompleted:
		e.extensions.EmitWorkflowCompleted(ctx, inst)
	case workflow.StatusFailed:
		e.extensions.EmitWorkflowFailed(ctx, inst, inst.Error)
	}
}

// strategyFor picks the retry delay for a node. Nodes that declare a
// delay get a strategy from their policy; the rest use the engine-wide
// fallback.
func (e *Executor) strategyFor(node *definition.Node) backoff.Strategy {
	if node.Retry == nil || node.Retry.DelaySeconds <= 0 {
		return e.fallback
	}
	return backoff.FromPolicy(node.Retry)
}

// sleep waits for d, aborting early when the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
