package messaging

import (
	"sync"

	"github.com/warrenmq/warren/contracts"
)

// EventHandler reacts to a lifecycle event.
type EventHandler func(contracts.Event)

// EventListener is a registered event handler that can be removed.
type EventListener struct {
	bus        *EventBus
	id         uint64
	kind       contracts.EventKind
	connection string // empty for generic listeners
}

// Remove unregisters the listener. Future events are no longer delivered;
// an in-flight invocation is not interrupted.
func (l *EventListener) Remove() {
	l.bus.remove(l)
}

type listenerEntry struct {
	id uint64
	fn EventHandler
}

// EventBus fans lifecycle events out to generic and connection-qualified
// listeners. Delivery is synchronous so listeners observe events in the
// order the orchestrator publishes them.
type EventBus struct {
	mu      sync.RWMutex
	nextID  uint64
	generic map[contracts.EventKind][]listenerEntry
	scoped  map[string]map[contracts.EventKind][]listenerEntry
}

// NewEventBus creates an empty event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		generic: make(map[contracts.EventKind][]listenerEntry),
		scoped:  make(map[string]map[contracts.EventKind][]listenerEntry),
	}
}

// On registers a handler for all connections.
func (b *EventBus) On(kind contracts.EventKind, fn EventHandler) *EventListener {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.generic[kind] = append(b.generic[kind], listenerEntry{id: b.nextID, fn: fn})
	return &EventListener{bus: b, id: b.nextID, kind: kind}
}

// OnConnection registers a handler for one named connection.
func (b *EventBus) OnConnection(connection string, kind contracts.EventKind, fn EventHandler) *EventListener {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	byKind, ok := b.scoped[connection]
	if !ok {
		byKind = make(map[contracts.EventKind][]listenerEntry)
		b.scoped[connection] = byKind
	}
	byKind[kind] = append(byKind[kind], listenerEntry{id: b.nextID, fn: fn})
	return &EventListener{bus: b, id: b.nextID, kind: kind, connection: connection}
}

// Publish delivers the event to generic listeners, then to listeners
// qualified with the event's connection name.
func (b *EventBus) Publish(e contracts.Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, 4)
	for _, entry := range b.generic[e.Kind] {
		handlers = append(handlers, entry.fn)
	}
	if byKind, ok := b.scoped[e.Connection]; ok {
		for _, entry := range byKind[e.Kind] {
			handlers = append(handlers, entry.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(e)
	}
}

// Clear drops every registered listener.
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.generic = make(map[contracts.EventKind][]listenerEntry)
	b.scoped = make(map[string]map[contracts.EventKind][]listenerEntry)
}

func (b *EventBus) remove(l *EventListener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if l.connection == "" {
		b.generic[l.kind] = removeEntry(b.generic[l.kind], l.id)
		return
	}
	if byKind, ok := b.scoped[l.connection]; ok {
		byKind[l.kind] = removeEntry(byKind[l.kind], l.id)
	}
}

func removeEntry(entries []listenerEntry, id uint64) []listenerEntry {
	for i, e := range entries {
		if e.id == id {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}
