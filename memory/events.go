package memory

import (
	"sync"

	"github.com/crewforge/crewforge/core"
)

// EventKind enumerates memory lifecycle events.
type EventKind string

const (
	EventAdded   EventKind = "memoryAdded"
	EventUpdated EventKind = "memoryUpdated"
	EventDeleted EventKind = "memoryDeleted"
	EventPruned  EventKind = "memoriesPruned"
)

// Event is one memory lifecycle notification.
type Event struct {
	Kind     EventKind
	EntryID  string
	Count    int    // populated for EventPruned
	Strategy string // populated for EventPruned
}

// EventHandler receives events. Handlers registered synchronously run inline
// on the mutating goroutine; async handlers run on their own goroutine.
type EventHandler func(Event)

// eventBus fans events out to subscribers. A panicking handler is logged
// and does not block the others.
type eventBus struct {
	mu    sync.RWMutex
	sync  []EventHandler
	async []EventHandler

	logger core.Logger
}

func newEventBus(logger core.Logger) *eventBus {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &eventBus{logger: logger}
}

func (b *eventBus) subscribe(h EventHandler) {
	b.mu.Lock()
	b.sync = append(b.sync, h)
	b.mu.Unlock()
}

func (b *eventBus) subscribeAsync(h EventHandler) {
	b.mu.Lock()
	b.async = append(b.async, h)
	b.mu.Unlock()
}

func (b *eventBus) publish(ev Event) {
	b.mu.RLock()
	syncHandlers := make([]EventHandler, len(b.sync))
	copy(syncHandlers, b.sync)
	asyncHandlers := make([]EventHandler, len(b.async))
	copy(asyncHandlers, b.async)
	b.mu.RUnlock()

	for _, h := range syncHandlers {
		b.invoke(h, ev)
	}
	for _, h := range asyncHandlers {
		go b.invoke(h, ev)
	}
}

func (b *eventBus) invoke(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("memory event handler panicked", map[string]interface{}{
				"event": string(ev.Kind),
				"panic": r,
			})
		}
	}()
	h(ev)
}
