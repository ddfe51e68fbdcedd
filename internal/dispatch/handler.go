package dispatch

import (
	"context"
	"sync"
)

// HandlerFunc processes one message payload for a topic. Returning nil acks
// the item; a fault.Poisonf error dead-letters it; a fault.Criticalf error
// stops the dispatch round with the item unacknowledged; any other error or
// panic abandons it for retry.
type HandlerFunc func(ctx context.Context, payload string) error

// Registry maps topics to handlers. Registration normally happens during
// startup, but the map is safe for concurrent use so handlers can be added
// while dispatch is running.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a topic, replacing any previous binding.
func (r *Registry) Register(topic string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = fn
}

// Lookup returns the handler for a topic.
func (r *Registry) Lookup(topic string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[topic]
	return fn, ok
}

// Topics returns the registered topics.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		topics = append(topics, t)
	}
	return topics
}
