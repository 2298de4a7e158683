package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluvius-io/fluvius-interim/ext"
	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

// Compile-time interface checks.
var (
	_ ext.Extension          = (*Broker)(nil)
	_ ext.WorkflowCreated    = (*Broker)(nil)
	_ ext.WorkflowStarted    = (*Broker)(nil)
	_ ext.WorkflowCompleted  = (*Broker)(nil)
	_ ext.WorkflowFailed     = (*Broker)(nil)
	_ ext.WorkflowCancelled  = (*Broker)(nil)
	_ ext.StepStarted        = (*Broker)(nil)
	_ ext.StepCompleted      = (*Broker)(nil)
	_ ext.StepWaiting        = (*Broker)(nil)
	_ ext.StepFailed         = (*Broker)(nil)
	_ ext.StepRetrying       = (*Broker)(nil)
	_ ext.StepDeadLettered   = (*Broker)(nil)
	_ ext.EventInjected      = (*Broker)(nil)
	_ ext.EventIgnored       = (*Broker)(nil)
	_ ext.TriggerFired       = (*Broker)(nil)
	_ ext.OutcomeDiscarded   = (*Broker)(nil)
	_ ext.ParticipantAdded   = (*Broker)(nil)
	_ ext.ParticipantRemoved = (*Broker)(nil)
	_ ext.Shutdown           = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker fans workflow lifecycle events out to subscribers via
// topic-based pub/sub. It plugs into the engine as an extension and
// translates every hook it receives into a stream event.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	subscribers sync.Map // subscriberID → *Subscriber

	totalPublished atomic.Int64

	bufferSize     int
	defaultCredits int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// NewBroker creates a stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry for external use (e.g., the wire
// protocol server).
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a new subscriber on the given topics.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
	b.subscribers.Store(subscriberID, sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return
	}
	sub := val.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	var dropped int64
	b.subscribers.Range(func(_, value any) bool {
		count++
		dropped += value.(*Subscriber).Dropped() //nolint:errcheck // sync.Map always stores *Subscriber
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    dropped,
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

// publish broadcasts an event to all topics it resolves to.
func (b *Broker) publish(evt *Event) {
	topics := resolveTopics(evt)
	delivered := b.topics.Broadcast(topics, evt)
	b.totalPublished.Add(int64(delivered))
}

// mustMarshal marshals data to JSON, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}

func instanceData(inst *workflow.Instance, reason string) json.RawMessage {
	return mustMarshal(WorkflowEventData{
		WorkflowID:    inst.ID.String(),
		DefinitionKey: inst.DefinitionKey,
		Status:        string(inst.Status),
		ScopeAppID:    inst.ScopeAppID,
		ScopeOrgID:    inst.ScopeOrgID,
		Reason:        reason,
	})
}

// ── Workflow lifecycle hooks ────────────────────────

func (b *Broker) OnWorkflowCreated(_ context.Context, inst *workflow.Instance) error {
	b.publish(&Event{
		Type:      EventWorkflowCreated,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic(inst.ID.String()),
		Data:      instanceData(inst, ""),
	})
	return nil
}

func (b *Broker) OnWorkflowStarted(_ context.Context, inst *workflow.Instance) error {
	b.publish(&Event{
		Type:      EventWorkflowStarted,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic(inst.ID.String()),
		Data:      instanceData(inst, ""),
	})
	return nil
}

func (b *Broker) OnWorkflowCompleted(_ context.Context, inst *workflow.Instance) error {
	b.publish(&Event{
		Type:      EventWorkflowCompleted,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic(inst.ID.String()),
		Data:      instanceData(inst, ""),
	})
	return nil
}

func (b *Broker) OnWorkflowFailed(_ context.Context, inst *workflow.Instance, reason string) error {
	b.publish(&Event{
		Type:      EventWorkflowFailed,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic(inst.ID.String()),
		Data:      instanceData(inst, reason),
	})
	return nil
}

func (b *Broker) OnWorkflowCancelled(_ context.Context, inst *workflow.Instance, reason string) error {
	b.publish(&Event{
		Type:      EventWorkflowCancelled,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic(inst.ID.String()),
		Data:      instanceData(inst, reason),
	})
	return nil
}

// ── Step lifecycle hooks ────────────────────────────

func stepData(s *workflow.Step) StepEventData {
	return StepEventData{
		WorkflowID: s.WorkflowID.String(),
		StepID:     s.ID.String(),
		NodeKey:    s.NodeKey,
		Status:     string(s.Status),
		Attempt:    s.Attempt,
	}
}

func (b *Broker) OnStepStarted(_ context.Context, s *workflow.Step) error {
	b.publish(&Event{
		Type:      EventStepStarted,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic(s.WorkflowID.String()),
		Data:      mustMarshal(stepData(s)),
	})
	return nil
}

func (b *Broker) OnStepCompleted(_ context.Context, s *workflow.Step, elapsed time.Duration) error {
	data := stepData(s)
	data.ElapsedMs = elapsed.Milliseconds()
	b.publish(&Event{
		Type:      EventStepCompleted,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic(s.WorkflowID.String()),
		Data:      mustMarshal(data),
	})
	return nil
}

func (b *Broker) OnStepWaiting(_ context.Context, s *workflow.Step, event string) error {
	data := stepData(s)
	data.WaitEvent = event
	b.publish(&Event{
		Type:      EventStepWaiting,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic(s.WorkflowID.String()),
		Data:      mustMarshal(data),
	})
	return nil
}

func (b *Broker) OnStepFailed(_ context.Context, s *workflow.Step, stepErr error) error {
	data := stepData(s)
	data.Error = stepErr.Error()
	b.publish(&Event{
		Type:      EventStepFailed,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic(s.WorkflowID.String()),
		Data:      mustMarshal(data),
	})
	return nil
}

func (b *Broker) OnStepRetrying(_ context.Context, s *workflow.Step, attempt int, nextRunAt time.Time) error {
	data := stepData(s)
	data.Attempt = attempt
	data.NextRunAt = nextRunAt.Format(time.RFC3339)
	b.publish(&Event{
		Type:      EventStepRetrying,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic(s.WorkflowID.String()),
		Data:      mustMarshal(data),
	})
	return nil
}

func (b *Broker) OnStepDeadLettered(_ context.Context, s *workflow.Step, stepErr error) error {
	data := stepData(s)
	data.Error = stepErr.Error()
	b.publish(&Event{
		Type:      EventStepDeadLettered,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic(s.WorkflowID.String()),
		Data:      mustMarshal(data),
	})
	return nil
}

// ── Dispatch hooks ──────────────────────────────────

func (b *Broker) OnEventInjected(_ context.Context, workflowID id.WorkflowID, name string, matched int) error {
	b.publish(&Event{
		Type:      EventInjected,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic(workflowID.String()),
		Data: mustMarshal(DispatchEventData{
			WorkflowID: workflowID.String(),
			Name:       name,
			Matched:    matched,
		}),
	})
	return nil
}

func (b *Broker) OnEventIgnored(_ context.Context, workflowID id.WorkflowID, name, reason string) error {
	b.publish(&Event{
		Type:      EventIgnored,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic(workflowID.String()),
		Data: mustMarshal(DispatchEventData{
			WorkflowID: workflowID.String(),
			Name:       name,
			Reason:     reason,
		}),
	})
	return nil
}

func (b *Broker) OnTriggerFired(_ context.Context, name, definitionKey string) error {
	b.publish(&Event{
		Type:      EventTriggerFired,
		Timestamp: time.Now().UTC(),
		Topic:     DefinitionTopic(definitionKey),
		Data: mustMarshal(DispatchEventData{
			Name:          name,
			DefinitionKey: definitionKey,
		}),
	})
	return nil
}

func (b *Broker) OnOutcomeDiscarded(_ context.Context, workflowID id.WorkflowID, stepID id.StepID, outcome string) error {
	b.publish(&Event{
		Type:      EventOutcomeDiscarded,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic(workflowID.String()),
		Data: mustMarshal(DispatchEventData{
			WorkflowID: workflowID.String(),
			StepID:     stepID.String(),
			Outcome:    outcome,
		}),
	})
	return nil
}

// ── Participant hooks ───────────────────────────────

func (b *Broker) OnParticipantAdded(_ context.Context, p *workflow.Participant) error {
	b.publish(&Event{
		Type:      EventParticipantAdded,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic(p.WorkflowID.String()),
		Data: mustMarshal(ParticipantEventData{
			WorkflowID: p.WorkflowID.String(),
			UserID:     p.UserID,
			Role:       p.Role,
			Kind:       string(p.Kind),
		}),
	})
	return nil
}

func (b *Broker) OnParticipantRemoved(_ context.Context, p *workflow.Participant) error {
	b.publish(&Event{
		Type:      EventParticipantRemoved,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic(p.WorkflowID.String()),
		Data: mustMarshal(ParticipantEventData{
			WorkflowID: p.WorkflowID.String(),
			UserID:     p.UserID,
			Role:       p.Role,
			Kind:       string(p.Kind),
		}),
	})
	return nil
}

// ── Shutdown ────────────────────────────────────────

func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, value any) bool {
		sub := value.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
		sub.Close()
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("stream broker shut down")
	return nil
}
