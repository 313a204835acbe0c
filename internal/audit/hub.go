package audit

import "sync"

// Hub fans out written entries to live subscribers (the audit stream
// endpoint). Slow subscribers miss entries rather than block the writer.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Entry]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Entry]struct{})}
}

// Subscribe registers a new buffered subscriber channel.
func (h *Hub) Subscribe() chan Entry {
	ch := make(chan Entry, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (h *Hub) Unsubscribe(ch chan Entry) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Broadcast delivers e to every subscriber with room in its buffer.
func (h *Hub) Broadcast(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Log implements Sink.
func (h *Hub) Log(e Entry) { h.Broadcast(e) }

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
