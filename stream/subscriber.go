package stream

import (
	"sync"
	"sync/atomic"
)

// Subscriber receives workflow events from the topics it is subscribed
// to. Delivery uses credit-based flow control: the subscriber grants
// credits indicating how many events it is willing to buffer, and the
// broker skips it once credits reach zero. Slow consumers lose events
// instead of stalling publishers.
type Subscriber struct {
	id string

	// ch is the buffered delivery channel.
	ch chan *Event

	// credits is the remaining flow-control allowance.
	credits atomic.Int64

	// dropped counts events not delivered due to exhausted credits
	// or a full buffer.
	dropped atomic.Int64

	mu     sync.RWMutex
	topics map[string]struct{}

	// filter, when set, must return true for an event to be
	// delivered.
	filter func(*Event) bool

	closed atomic.Bool
}

// NewSubscriber creates a subscriber with the given channel buffer
// size and initial credit allowance.
func NewSubscriber(id string, bufferSize int, initialCredits int64) *Subscriber {
	s := &Subscriber{
		id:     id,
		ch:     make(chan *Event, bufferSize),
		topics: make(map[string]struct{}),
	}
	s.credits.Store(initialCredits)
	return s
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the read-only delivery channel.
func (s *Subscriber) C() <-chan *Event { return s.ch }

// AddCredits replenishes the flow-control allowance.
func (s *Subscriber) AddCredits(n int64) { s.credits.Add(n) }

// Credits returns the current credit count.
func (s *Subscriber) Credits() int64 { return s.credits.Load() }

// Dropped returns the number of events dropped for this subscriber.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// SetFilter installs an event predicate. Only events for which fn
// returns true are delivered. Set before subscribing.
func (s *Subscriber) SetFilter(fn func(*Event) bool) { s.filter = fn }

func (s *Subscriber) addTopic(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

func (s *Subscriber) removeTopic(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

// Topics returns a copy of the subscribed topic names.
func (s *Subscriber) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// send attempts delivery. Returns false when the event was not
// delivered: subscriber closed, filter mismatch, no credits, or full
// buffer. Filter mismatches do not count as drops.
func (s *Subscriber) send(evt *Event) bool {
	if s.closed.Load() {
		return false
	}

	if s.filter != nil && !s.filter(evt) {
		return false
	}

	for {
		current := s.credits.Load()
		if current <= 0 {
			s.dropped.Add(1)
			return false
		}
		if s.credits.CompareAndSwap(current, current-1) {
			break
		}
	}

	select {
	case s.ch <- evt:
		return true
	default:
		// Buffer full; restore the consumed credit.
		s.credits.Add(1)
		s.dropped.Add(1)
		return false
	}
}

// Close closes the delivery channel. Safe to call more than once.
func (s *Subscriber) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}
