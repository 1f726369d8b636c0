// Package broadcast fans accepted mutations out to every connected
// subscriber of the affected topic. Delivery is at-most-once: subscribers
// joining after a publish never see it, and catch-up state comes from the
// read API, not from here.
package broadcast

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"board-api/domain"
)

const defaultBufferSize = 16

// Subscriber is one registered listener on a single topic. Callers must
// Close it when done; Close is safe to call multiple times.
type Subscriber struct {
	topic  string
	events chan domain.Event
	router *Router
	once   sync.Once
}

// Events returns the subscriber's delivery channel. It is closed when the
// subscriber is unsubscribed.
func (s *Subscriber) Events() <-chan domain.Event {
	return s.events
}

// Topic returns the topic this subscriber is registered on.
func (s *Subscriber) Topic() string {
	return s.topic
}

// Close unsubscribes and releases the delivery channel.
func (s *Subscriber) Close() error {
	s.once.Do(func() { s.router.remove(s) })
	return nil
}

// Router maintains per-topic subscriber sets and delivers events in
// publish order. Publishing never blocks: each subscriber has a bounded
// buffer, and a subscriber that falls behind loses events rather than
// stalling the mutation path or its peers.
type Router struct {
	mu      sync.Mutex
	topics  map[string]map[*Subscriber]struct{}
	bufSize int
	logger  *log.Logger
}

// NewRouter creates a router. bufSize <= 0 selects the default
// per-subscriber buffer.
func NewRouter(bufSize int, logger *log.Logger) *Router {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Router{
		topics:  make(map[string]map[*Subscriber]struct{}),
		bufSize: bufSize,
		logger:  logger,
	}
}

// Subscribe registers a new subscriber on the topic.
func (r *Router) Subscribe(topic string) *Subscriber {
	sub := &Subscriber{
		topic:  topic,
		events: make(chan domain.Event, r.bufSize),
		router: r,
	}
	r.mu.Lock()
	set, ok := r.topics[topic]
	if !ok {
		set = make(map[*Subscriber]struct{})
		r.topics[topic] = set
	}
	set[sub] = struct{}{}
	r.mu.Unlock()
	return sub
}

// remove detaches the subscriber and closes its channel. Removing a
// subscriber that is already gone is a no-op. The close happens under the
// same lock Publish holds, so a closed channel is never published to.
func (r *Router) remove(sub *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.topics[sub.topic]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(r.topics, sub.topic)
	}
	close(sub.events)
}

// Publish delivers the event to every current subscriber of its topic.
// Non-blocking from the caller's view; a full subscriber buffer drops the
// event for that subscriber only, with a warning.
func (r *Router) Publish(_ context.Context, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sub := range r.topics[ev.Topic] {
		select {
		case sub.events <- ev:
		default:
			r.logger.WithFields(log.Fields{
				"topic": ev.Topic,
				"type":  ev.Type,
			}).Warn("subscriber buffer full, event dropped")
		}
	}
}

// SubscriberCount reports the current number of subscribers on a topic.
func (r *Router) SubscriberCount(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics[topic])
}
