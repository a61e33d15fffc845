// Package dispatcher implements the single-threaded Event Dispatcher that
// routes supervisor events to workers, the message bus, and WebSocket
// clients. Exactly one goroutine ever calls handler functions, so handlers
// never need their own locking for dispatcher-owned state.
package dispatcher

// Event is a single routed occurrence: a task transition, a worker crash,
// a budget update, a safety verdict, or a repo lifecycle step.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// CacheInvalidatePayload signals cache layers to evict stale entries.
type CacheInvalidatePayload struct {
	Kind string `json:"kind"`
	Key  string `json:"key"`
}

// Handler reacts to a dispatched event. Handlers must not block; long work
// belongs on a task queued back through the dispatcher's owner.
type Handler func(Event)

// Publisher abstracts event broadcast + subscription so gateway and
// supervisor code can depend on an interface rather than *Hub.
type Publisher interface {
	Subscribe(id string, handler Handler)
	Unsubscribe(id string)
	Publish(event Event)
}
