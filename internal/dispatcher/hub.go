package dispatcher

import "sync"

// Hub is the concrete Publisher: a subscriber map fanned out on Publish.
// Gateway WebSocket clients subscribe here to mirror supervisor events.
type Hub struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{handlers: make(map[string]Handler)}
}

// Subscribe registers handler under id, replacing any previous handler.
func (h *Hub) Subscribe(id string, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, id)
}

// Publish invokes every subscriber synchronously. Handlers must not block
// (they run on the supervisor's dispatch path).
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	subs := make([]Handler, 0, len(h.handlers))
	for _, fn := range h.handlers {
		subs = append(subs, fn)
	}
	h.mu.RUnlock()

	for _, fn := range subs {
		fn(event)
	}
}
