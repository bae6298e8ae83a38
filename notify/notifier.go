// Package notify fans state-change events out to interested
// subscribers (admin surfaces, tests) without blocking the state
// machines that publish them.
package notify

import (
	"sync"
	"sync/atomic"
)

// defaultSignalBufferSize is the buffer size for event channels.
// Subscribers that can't keep up will have events dropped
// (non-blocking send).
const defaultSignalBufferSize = 16

// Event is one observed state transition.
type Event struct {
	Component string
	From      string
	To        string
}

// Filter selects which components a subscriber observes. Empty means
// all components.
type Filter struct {
	Components []string
}

// subscription represents a single subscriber.
type subscription struct {
	id     uint64
	filter Filter
	ch     chan Event
	closed atomic.Bool
}

// matches checks if the component matches this subscription's filter.
func (s *subscription) matches(component string) bool {
	if len(s.filter.Components) == 0 {
		return true
	}
	for _, c := range s.filter.Components {
		if c == component {
			return true
		}
	}
	return false
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe notification hub for state-change events.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates a new notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal sends an event to all matching subscribers (non-blocking).
func (h *Hub) Signal(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(event.Component) {
			continue
		}

		// Non-blocking send - drop if buffer full
		select {
		case sub.ch <- event:
		default:
			// Buffer full, skip this subscriber
		}
	}
}

// Subscribe creates a new subscription and returns the event channel
// and cancel function. The returned channel is buffered; if the
// subscriber cannot keep up with the event rate, events will be
// dropped silently by Signal(). The cancel function is idempotent.
func (h *Hub) Subscribe(filter Filter) (<-chan Event, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Event, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
