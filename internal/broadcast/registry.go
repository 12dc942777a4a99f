package broadcast

import (
	"context"
	"sync"
)

const subscriberBufferSize = 16

// Registry tracks this process's live subscribers per topic. It is a
// pure fan-out cache of local listeners; cross-instance notification
// travels through the Redis channel, never through the registry.
type Registry struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewRegistry constructs an empty subscriber registry.
func NewRegistry() *Registry {
	return &Registry{
		subscribers: make(map[string]map[int64]*subscriber),
	}
}

// Subscribe registers a local listener for a topic and returns its
// receive channel plus a cancel function. The subscription is also torn
// down when ctx is done.
func (r *Registry) Subscribe(ctx context.Context, topic string) (<-chan Event, func()) {
	if topic == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     r.nextSequence(),
		stream: make(chan Event, subscriberBufferSize),
	}
	r.register(topic, sub)
	cleanup := func() {
		r.unregister(topic, sub.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Deliver synchronously hands the event to every local subscriber for
// the topic. A subscriber whose buffer is full is skipped rather than
// blocking delivery to the others.
func (r *Registry) Deliver(topic string, event Event) {
	r.mu.RLock()
	subscribers := r.subscribers[topic]
	if len(subscribers) == 0 {
		r.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	r.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of live local subscribers for a topic.
func (r *Registry) SubscriberCount(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers[topic])
}

func (r *Registry) nextSequence() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

func (r *Registry) register(topic string, sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscribers[topic]; !ok {
		r.subscribers[topic] = make(map[int64]*subscriber)
	}
	r.subscribers[topic][sub.id] = sub
}

func (r *Registry) unregister(topic string, subscriberID int64) {
	r.mu.Lock()
	subscribers := r.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(r.subscribers, topic)
		}
	}
	r.mu.Unlock()
}
