package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBrokerSubscribeAndPublish(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	sub := b.Subscribe("sub-1", TopicWorkflows)

	evt := &Event{
		Type:      EventWorkflowStarted,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic("wf-123"),
		Data:      json.RawMessage(`{"workflow_id":"wf-123"}`),
	}
	b.publish(evt)

	// Event should arrive on the subscriber channel.
	select {
	case received := <-sub.C():
		if received.Type != EventWorkflowStarted {
			t.Errorf("Type = %q, want %q", received.Type, EventWorkflowStarted)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBrokerMultipleTopics(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	// Firehose gets everything.
	firehose := b.Subscribe("firehose-sub", TopicFirehose)

	// Subscribe to just step events.
	stepSub := b.Subscribe("steps-sub", TopicSteps)

	evt := &Event{
		Type:      EventStepCompleted,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic("wf-456"),
		Data:      json.RawMessage(`{}`),
	}
	b.publish(evt)

	for _, sub := range []*Subscriber{firehose, stepSub} {
		select {
		case <-sub.C():
			// ok
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s timed out", sub.ID())
		}
	}
}

func TestBrokerWorkflowTopics(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	sub := b.Subscribe("wf-sub", WorkflowTopic("wf-abc"))

	evt := &Event{
		Type:      EventStepWaiting,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic("wf-abc"),
		Data:      json.RawMessage(`{"node_key":"approval"}`),
	}
	b.publish(evt)

	select {
	case received := <-sub.C():
		if received.Type != EventStepWaiting {
			t.Errorf("Type = %q, want %q", received.Type, EventStepWaiting)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for workflow event")
	}

	// Event for a different instance should not arrive.
	evt2 := &Event{
		Type:      EventWorkflowStarted,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic("wf-other"),
		Data:      json.RawMessage(`{}`),
	}
	b.publish(evt2)

	select {
	case <-sub.C():
		t.Fatal("should not receive event for a different workflow")
	case <-time.After(50 * time.Millisecond):
		// ok — no event
	}
}

func TestBrokerHooksPublish(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	wfID := id.NewWorkflowID()
	sub := b.Subscribe("hook-sub", WorkflowTopic(wfID.String()))

	inst := &workflow.Instance{
		ID:            wfID,
		DefinitionKey: "order-fulfilment",
		Status:        workflow.StatusRunning,
	}
	if err := b.OnWorkflowStarted(context.Background(), inst); err != nil {
		t.Fatalf("OnWorkflowStarted: %v", err)
	}

	select {
	case received := <-sub.C():
		if received.Type != EventWorkflowStarted {
			t.Errorf("Type = %q, want %q", received.Type, EventWorkflowStarted)
		}
		var data WorkflowEventData
		if err := json.Unmarshal(received.Data, &data); err != nil {
			t.Fatalf("unmarshal data: %v", err)
		}
		if data.DefinitionKey != "order-fulfilment" {
			t.Errorf("DefinitionKey = %q, want order-fulfilment", data.DefinitionKey)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for hook event")
	}

	// Event ignored hook lands on the same instance topic.
	if err := b.OnEventIgnored(context.Background(), wfID, "approved", "terminal instance"); err != nil {
		t.Fatalf("OnEventIgnored: %v", err)
	}
	select {
	case received := <-sub.C():
		if received.Type != EventIgnored {
			t.Errorf("Type = %q, want %q", received.Type, EventIgnored)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ignored event")
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	sub := b.Subscribe("sub-rm", TopicFirehose)

	b.RemoveSubscriber("sub-rm")

	evt := &Event{
		Type:      EventWorkflowCreated,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic("wf-1"),
		Data:      json.RawMessage(`{}`),
	}
	b.publish(evt)

	// Channel should be closed.
	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("channel should be closed after RemoveSubscriber")
		}
	case <-time.After(100 * time.Millisecond):
		// ok
	}
}

func TestBrokerStats(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	_ = b.Subscribe("s1", TopicSteps)
	_ = b.Subscribe("s2", TopicWorkflows, TopicFirehose)

	stats := b.Stats()
	if stats.SubscriberCount != 2 {
		t.Errorf("SubscriberCount = %d, want 2", stats.SubscriberCount)
	}
	if stats.TopicCount < 2 {
		t.Errorf("TopicCount = %d, want >= 2", stats.TopicCount)
	}
}

func TestSubscriberCredits(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("credit-sub", 10, 2)

	evt := &Event{Type: EventWorkflowStarted, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}

	if !sub.send(evt) {
		t.Fatal("first send should succeed")
	}
	if !sub.send(evt) {
		t.Fatal("second send should succeed")
	}

	// No credits left.
	if sub.send(evt) {
		t.Fatal("third send should fail (no credits)")
	}
	if sub.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", sub.Dropped())
	}

	sub.AddCredits(5)
	if sub.Credits() != 5 {
		t.Errorf("Credits = %d, want 5", sub.Credits())
	}

	if !sub.send(evt) {
		t.Fatal("send after credit replenishment should succeed")
	}
}

func TestSubscriberFilter(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("filter-sub", 10, 100)
	sub.SetFilter(func(e *Event) bool {
		return e.Type == EventStepFailed
	})

	if sub.send(&Event{Type: EventStepCompleted, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}) {
		t.Fatal("completed event should be filtered out")
	}

	if !sub.send(&Event{Type: EventStepFailed, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}) {
		t.Fatal("failed event should pass filter")
	}
}

func TestTopicValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		topic string
		valid bool
	}{
		{TopicWorkflows, true},
		{TopicSteps, true},
		{TopicFirehose, true},
		{"workflow:wf-abc", true},
		{"definition:order-fulfilment", true},
		{"unknown:entity", false},
		{"invalid", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			err := ValidateTopic(tt.topic)
			if tt.valid && err != nil {
				t.Errorf("ValidateTopic(%q) returned error: %v", tt.topic, err)
			}
			if !tt.valid && err == nil {
				t.Errorf("ValidateTopic(%q) should return error", tt.topic)
			}
		})
	}
}

func TestTopicRegistry(t *testing.T) {
	t.Parallel()

	tr := NewTopicRegistry()

	sub1 := NewSubscriber("s1", 10, 100)
	sub2 := NewSubscriber("s2", 10, 100)

	tr.Subscribe("topic-a", sub1)
	tr.Subscribe("topic-a", sub2)
	tr.Subscribe("topic-b", sub1)

	if tr.TopicCount() != 2 {
		t.Errorf("TopicCount = %d, want 2", tr.TopicCount())
	}
	if tr.SubscriberCount("topic-a") != 2 {
		t.Errorf("SubscriberCount(topic-a) = %d, want 2", tr.SubscriberCount("topic-a"))
	}

	tr.Unsubscribe("topic-a", "s2")
	if tr.SubscriberCount("topic-a") != 1 {
		t.Errorf("SubscriberCount(topic-a) = %d, want 1", tr.SubscriberCount("topic-a"))
	}

	tr.UnsubscribeAll("s1")
	if tr.TopicCount() != 0 {
		t.Errorf("TopicCount after UnsubscribeAll = %d, want 0", tr.TopicCount())
	}
}

func TestBroadcastDeduplication(t *testing.T) {
	t.Parallel()

	tr := NewTopicRegistry()
	sub := NewSubscriber("dedup-sub", 10, 100)

	tr.Subscribe("topic-x", sub)
	tr.Subscribe("topic-y", sub)

	evt := &Event{Type: EventWorkflowCreated, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}

	delivered := tr.Broadcast([]string{"topic-x", "topic-y"}, evt)
	if delivered != 1 {
		t.Errorf("Broadcast delivered to %d subscribers, want 1 (deduplicated)", delivered)
	}
}

func TestResolveTopics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		evt      *Event
		expected []string
	}{
		{
			name:     "workflow event",
			evt:      &Event{Type: EventWorkflowStarted, Topic: "workflow:wf-1"},
			expected: []string{TopicFirehose, TopicWorkflows, "workflow:wf-1"},
		},
		{
			name:     "step event",
			evt:      &Event{Type: EventStepRetrying, Topic: "workflow:wf-2"},
			expected: []string{TopicFirehose, TopicSteps, "workflow:wf-2"},
		},
		{
			name:     "trigger event",
			evt:      &Event{Type: EventTriggerFired, Topic: "definition:order"},
			expected: []string{TopicFirehose, "definition:order"},
		},
		{
			name:     "no entity topic",
			evt:      &Event{Type: EventTriggerFired},
			expected: []string{TopicFirehose},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveTopics(tt.evt)
			if len(got) != len(tt.expected) {
				t.Fatalf("resolveTopics = %v, want %v", got, tt.expected)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("resolveTopics[%d] = %q, want %q", i, got[i], tt.expected[i])
				}
			}
		})
	}
}
