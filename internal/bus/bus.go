package bus

import "sync"

// Event is a server-side event to fan out to WebSocket clients and
// in-process listeners. Topic selects which subscribers see it ("council",
// "owner", "session:{id}", ...); Type is the envelope type string.
type Event struct {
	Topic   string
	Type    string
	Payload map[string]any
}

// Handler receives broadcast events. Handlers must not block; slow consumers
// should buffer internally.
type Handler func(Event)

// Publisher abstracts event broadcast + subscription. Engines publish through
// it so they stay decoupled from the gateway.
type Publisher interface {
	Subscribe(id string, handler Handler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// Bus is the in-process Publisher implementation. Broadcast snapshots the
// subscriber set before invoking handlers, so a handler may unsubscribe
// itself (or anyone else) without deadlocking.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[string]Handler)}
}

// Subscribe registers a handler under an opaque id, replacing any previous
// handler with the same id.
func (b *Bus) Subscribe(id string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes a handler. Safe to call for unknown ids.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers the event to every subscriber registered at call time.
func (b *Bus) Broadcast(event Event) {
	b.mu.RLock()
	snapshot := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		snapshot = append(snapshot, h)
	}
	b.mu.RUnlock()

	for _, h := range snapshot {
		h(event)
	}
}
