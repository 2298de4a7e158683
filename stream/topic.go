package stream

import (
	"fmt"
	"strings"
	"sync"
)

// Topic names follow a pattern:
//
//	workflow:<workflowID>  — events for one workflow instance
//	definition:<key>       — events for all instances of one definition
//	workflows              — all instance lifecycle events
//	steps                  — all step lifecycle events
//	firehose               — everything
const (
	TopicWorkflows = "workflows"
	TopicSteps     = "steps"
	TopicFirehose  = "firehose"
)

// WorkflowTopic returns the topic name for one workflow instance.
func WorkflowTopic(workflowID string) string { return "workflow:" + workflowID }

// DefinitionTopic returns the topic name for all instances of a
// definition.
func DefinitionTopic(key string) string { return "definition:" + key }

// TopicRegistry manages subscriber sets per topic.
// It is safe for concurrent use.
type TopicRegistry struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Subscriber // topic → subscriberID → subscriber
}

// NewTopicRegistry creates an empty topic registry.
func NewTopicRegistry() *TopicRegistry {
	return &TopicRegistry{
		topics: make(map[string]map[string]*Subscriber),
	}
}

// Subscribe adds a subscriber to a topic, creating the topic on first use.
func (tr *TopicRegistry) Subscribe(topic string, sub *Subscriber) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.topics[topic] == nil {
		tr.topics[topic] = make(map[string]*Subscriber)
	}
	tr.topics[topic][sub.ID()] = sub
	sub.addTopic(topic)
}

// Unsubscribe removes a subscriber from a topic. Topics with no
// subscribers left are dropped.
func (tr *TopicRegistry) Unsubscribe(topic, subscriberID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.drop(topic, subscriberID)
}

// UnsubscribeAll removes a subscriber from every topic it is on.
func (tr *TopicRegistry) UnsubscribeAll(subscriberID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	for topic := range tr.topics {
		tr.drop(topic, subscriberID)
	}
}

// drop removes one subscription under the write lock.
func (tr *TopicRegistry) drop(topic, subscriberID string) {
	subs := tr.topics[topic]
	if sub, ok := subs[subscriberID]; ok {
		sub.removeTopic(topic)
		delete(subs, subscriberID)
	}
	if len(subs) == 0 {
		delete(tr.topics, topic)
	}
}

// snapshot copies the distinct subscribers across the given topics so
// sends happen outside the lock.
func (tr *TopicRegistry) snapshot(topics ...string) []*Subscriber {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	seen := make(map[string]*Subscriber)
	for _, topic := range topics {
		for id, sub := range tr.topics[topic] {
			seen[id] = sub
		}
	}
	targets := make([]*Subscriber, 0, len(seen))
	for _, sub := range seen {
		targets = append(targets, sub)
	}
	return targets
}

// Publish sends an event to all subscribers on the given topic and
// reports how many accepted it.
func (tr *TopicRegistry) Publish(topic string, evt *Event) int {
	return deliver(tr.snapshot(topic), evt)
}

// Broadcast sends an event across multiple topics, delivering at most
// once to a subscriber on several of them.
func (tr *TopicRegistry) Broadcast(topics []string, evt *Event) int {
	return deliver(tr.snapshot(topics...), evt)
}

func deliver(targets []*Subscriber, evt *Event) int {
	delivered := 0
	for _, sub := range targets {
		if sub.send(evt) {
			delivered++
		}
	}
	return delivered
}

// TopicCount returns the number of active topics.
func (tr *TopicRegistry) TopicCount() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics)
}

// SubscriberCount returns the number of subscribers on a topic.
func (tr *TopicRegistry) SubscriberCount(topic string) int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics[topic])
}

// resolveTopics returns all topics an event should be published to
// based on its type and entity topic.
func resolveTopics(evt *Event) []string {
	topics := []string{TopicFirehose}

	evtType := string(evt.Type)
	switch {
	case strings.HasPrefix(evtType, "workflow."), strings.HasPrefix(evtType, "participant."):
		topics = append(topics, TopicWorkflows)
	case strings.HasPrefix(evtType, "step."):
		topics = append(topics, TopicSteps)
	}
	// Dispatch events (event.*, trigger.*, outcome.*) go to the
	// firehose plus their entity topic only.

	if evt.Topic != "" {
		topics = append(topics, evt.Topic)
	}

	return topics
}

// ParseTopicEntity extracts the entity type and ID from a topic string.
// For example, "workflow:wf_abc123" returns ("workflow", "wf_abc123").
// Returns ("", "") for global topics like "workflows" or "firehose".
func ParseTopicEntity(topic string) (entityType, entityID string) {
	idx := strings.IndexByte(topic, ':')
	if idx < 0 {
		return "", ""
	}
	return topic[:idx], topic[idx+1:]
}

// ValidateTopic checks whether a topic string is valid.
func ValidateTopic(topic string) error {
	switch topic {
	case TopicWorkflows, TopicSteps, TopicFirehose:
		return nil
	}

	entityType, entityID := ParseTopicEntity(topic)
	if entityType == "" || entityID == "" {
		return fmt.Errorf("stream: invalid topic %q", topic)
	}

	switch entityType {
	case "workflow", "definition":
		return nil
	default:
		return fmt.Errorf("stream: unknown topic entity type %q", entityType)
	}
}
