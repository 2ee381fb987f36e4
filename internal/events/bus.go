// Package events provides the in-process event bus that decouples the
// aggregation pipeline from the delivery layers.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies a class of event on the bus.
type EventType string

const (
	// PricesRefreshed is emitted after a scheduled refresh cycle stored a
	// new batch in the cache and a broadcast is due.
	PricesRefreshed EventType = "prices_refreshed"

	// ServiceDegraded is emitted when all upstream providers failed and the
	// system is serving stale cached data.
	ServiceDegraded EventType = "service_degraded"

	// ServiceRecovered is emitted on the first successful refresh after a
	// degraded period.
	ServiceRecovered EventType = "service_recovered"
)

// Event is one occurrence delivered to subscribers.
type Event struct {
	Type      EventType              `json:"type"`
	Module    string                 `json:"module"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Handler processes one event. Handlers run synchronously on the emitter's
// goroutine and must not block; anything slow belongs behind a channel.
type Handler func(*Event)

// Bus is a minimal publish/subscribe fan-out.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	log      zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Emit delivers an event to all handlers registered for its type.
func (b *Bus) Emit(t EventType, module string, data map[string]interface{}) {
	event := &Event{
		Type:      t,
		Module:    module,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[t]))
	copy(handlers, b.handlers[t])
	b.mu.RUnlock()

	b.log.Debug().
		Str("event_type", string(t)).
		Str("module", module).
		Int("handlers", len(handlers)).
		Msg("Emitting event")

	for _, h := range handlers {
		h(event)
	}
}
