package server

import (
	"sync"

	"github.com/agentlanes/agentlanes/engine"
)

// Hub fans the engine's event stream out to websocket subscribers. It
// satisfies engine.EventSink. A slow subscriber loses events rather than
// stalling the control loop.
type Hub struct {
	mu   sync.Mutex
	subs map[chan engine.Event]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan engine.Event]struct{})}
}

// Emit broadcasts the event to every subscriber without blocking.
func (h *Hub) Emit(ev engine.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new consumer. The returned cancel func must be
// called when the consumer goes away.
func (h *Hub) Subscribe() (<-chan engine.Event, func()) {
	ch := make(chan engine.Event, 256)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// Subscribers reports the current consumer count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
