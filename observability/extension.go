package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fluvius-io/fluvius-interim/ext"
	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

// meterName is the instrumentation scope name for lifecycle metrics.
const meterName = "github.com/fluvius-io/fluvius-interim/observability"

// Compile-time interface checks.
var (
	_ ext.Extension          = (*MetricsExtension)(nil)
	_ ext.WorkflowCreated    = (*MetricsExtension)(nil)
	_ ext.WorkflowStarted    = (*MetricsExtension)(nil)
	_ ext.WorkflowCompleted  = (*MetricsExtension)(nil)
	_ ext.WorkflowFailed     = (*MetricsExtension)(nil)
	_ ext.WorkflowCancelled  = (*MetricsExtension)(nil)
	_ ext.StepCompleted      = (*MetricsExtension)(nil)
	_ ext.StepFailed         = (*MetricsExtension)(nil)
	_ ext.StepRetrying       = (*MetricsExtension)(nil)
	_ ext.StepDeadLettered   = (*MetricsExtension)(nil)
	_ ext.EventInjected      = (*MetricsExtension)(nil)
	_ ext.EventIgnored       = (*MetricsExtension)(nil)
	_ ext.TriggerFired       = (*MetricsExtension)(nil)
	_ ext.OutcomeDiscarded   = (*MetricsExtension)(nil)
	_ ext.ParticipantAdded   = (*MetricsExtension)(nil)
	_ ext.ParticipantRemoved = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle metrics via OTel
// counters. Register it as an engine extension to track instance
// lifecycle rates, step outcomes, event delivery, trigger fires, and
// participant churn. Per-definition attributes keep cardinality bounded:
// only the definition key and outcome labels vary.
type MetricsExtension struct {
	workflows    metric.Int64Counter
	steps        metric.Int64Counter
	stepDuration metric.Float64Histogram
	events       metric.Int64Counter
	triggers     metric.Int64Counter
	participants metric.Int64Counter
	discarded    metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global OTel
// MeterProvider. Without a configured provider the instruments are
// noops and the extension costs nothing.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. Instrument creation errors fall back to noop
// instruments per the OTel API contract.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}
	m.workflows, _ = meter.Int64Counter(
		"riparius.workflow.transitions",
		metric.WithDescription("Workflow instance lifecycle transitions"),
		metric.WithUnit("{transition}"),
	)
	m.steps, _ = meter.Int64Counter(
		"riparius.step.outcomes",
		metric.WithDescription("Settled step outcomes"),
		metric.WithUnit("{step}"),
	)
	m.stepDuration, _ = meter.Float64Histogram(
		"riparius.step.duration",
		metric.WithDescription("Step handler execution time in seconds"),
		metric.WithUnit("s"),
	)
	m.events, _ = meter.Int64Counter(
		"riparius.event.deliveries",
		metric.WithDescription("External event deliveries by result"),
		metric.WithUnit("{event}"),
	)
	m.triggers, _ = meter.Int64Counter(
		"riparius.trigger.fires",
		metric.WithDescription("Trigger bindings fired"),
		metric.WithUnit("{trigger}"),
	)
	m.participants, _ = meter.Int64Counter(
		"riparius.participant.changes",
		metric.WithDescription("Participant bindings added and removed"),
		metric.WithUnit("{change}"),
	)
	m.discarded, _ = meter.Int64Counter(
		"riparius.outcome.discarded",
		metric.WithDescription("Stale step outcomes discarded after terminal transitions"),
		metric.WithUnit("{outcome}"),
	)
	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func defAttr(inst *workflow.Instance) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("definition", inst.DefinitionKey))
}

// ── Workflow lifecycle hooks ────────────────────────

// OnWorkflowCreated implements ext.WorkflowCreated.
func (m *MetricsExtension) OnWorkflowCreated(ctx context.Context, inst *workflow.Instance) error {
	m.workflows.Add(ctx, 1, defAttr(inst),
		metric.WithAttributes(attribute.String("transition", "created")))
	return nil
}

// OnWorkflowStarted implements ext.WorkflowStarted.
func (m *MetricsExtension) OnWorkflowStarted(ctx context.Context, inst *workflow.Instance) error {
	m.workflows.Add(ctx, 1, defAttr(inst),
		metric.WithAttributes(attribute.String("transition", "started")))
	return nil
}

// OnWorkflowCompleted implements ext.WorkflowCompleted.
func (m *MetricsExtension) OnWorkflowCompleted(ctx context.Context, inst *workflow.Instance) error {
	m.workflows.Add(ctx, 1, defAttr(inst),
		metric.WithAttributes(attribute.String("transition", "completed")))
	return nil
}

// OnWorkflowFailed implements ext.WorkflowFailed.
func (m *MetricsExtension) OnWorkflowFailed(ctx context.Context, inst *workflow.Instance, _ string) error {
	m.workflows.Add(ctx, 1, defAttr(inst),
		metric.WithAttributes(attribute.String("transition", "failed")))
	return nil
}

// OnWorkflowCancelled implements ext.WorkflowCancelled.
func (m *MetricsExtension) OnWorkflowCancelled(ctx context.Context, inst *workflow.Instance, _ string) error {
	m.workflows.Add(ctx, 1, defAttr(inst),
		metric.WithAttributes(attribute.String("transition", "cancelled")))
	return nil
}

// ── Step lifecycle hooks ────────────────────────────

// OnStepCompleted implements ext.StepCompleted.
func (m *MetricsExtension) OnStepCompleted(ctx context.Context, s *workflow.Step, elapsed time.Duration) error {
	attrs := metric.WithAttributes(
		attribute.String("node", s.NodeKey),
		attribute.String("outcome", "done"),
	)
	m.steps.Add(ctx, 1, attrs)
	m.stepDuration.Record(ctx, elapsed.Seconds(), attrs)
	return nil
}

// OnStepFailed implements ext.StepFailed.
func (m *MetricsExtension) OnStepFailed(ctx context.Context, s *workflow.Step, _ error) error {
	m.steps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("node", s.NodeKey),
		attribute.String("outcome", "failed"),
	))
	return nil
}

// OnStepRetrying implements ext.StepRetrying.
func (m *MetricsExtension) OnStepRetrying(ctx context.Context, s *workflow.Step, _ int, _ time.Time) error {
	m.steps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("node", s.NodeKey),
		attribute.String("outcome", "retrying"),
	))
	return nil
}

// OnStepDeadLettered implements ext.StepDeadLettered.
func (m *MetricsExtension) OnStepDeadLettered(ctx context.Context, s *workflow.Step, _ error) error {
	m.steps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("node", s.NodeKey),
		attribute.String("outcome", "dead_lettered"),
	))
	return nil
}

// ── Dispatch hooks ──────────────────────────────────

// OnEventInjected implements ext.EventInjected.
func (m *MetricsExtension) OnEventInjected(ctx context.Context, _ id.WorkflowID, name string, matched int) error {
	m.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", name),
		attribute.Bool("matched", matched > 0),
	))
	return nil
}

// OnEventIgnored implements ext.EventIgnored.
func (m *MetricsExtension) OnEventIgnored(ctx context.Context, _ id.WorkflowID, name, _ string) error {
	m.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", name),
		attribute.Bool("matched", false),
	))
	return nil
}

// OnTriggerFired implements ext.TriggerFired.
func (m *MetricsExtension) OnTriggerFired(ctx context.Context, name, definitionKey string) error {
	m.triggers.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", name),
		attribute.String("definition", definitionKey),
	))
	return nil
}

// OnOutcomeDiscarded implements ext.OutcomeDiscarded.
func (m *MetricsExtension) OnOutcomeDiscarded(ctx context.Context, _ id.WorkflowID, _ id.StepID, outcome string) error {
	m.discarded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
	return nil
}

// ── Participant hooks ───────────────────────────────

// OnParticipantAdded implements ext.ParticipantAdded.
func (m *MetricsExtension) OnParticipantAdded(ctx context.Context, p *workflow.Participant) error {
	m.participants.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", p.Role),
		attribute.String("change", "added"),
	))
	return nil
}

// OnParticipantRemoved implements ext.ParticipantRemoved.
func (m *MetricsExtension) OnParticipantRemoved(ctx context.Context, p *workflow.Participant) error {
	m.participants.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", p.Role),
		attribute.String("change", "removed"),
	))
	return nil
}
