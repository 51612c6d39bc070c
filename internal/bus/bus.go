// Package bus broadcasts bridge events (connection status transitions and
// canonical message traffic) to in-process subscribers: the websocket feed,
// metrics, and tests. Handlers are invoked synchronously in subscription
// order; a panicking handler is isolated and logged, never propagated to the
// channel event loop.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/numberforty/legal-case-pro/internal/domain"
)

// Well-known event types.
const (
	EventStatusChanged   = "status.changed"
	EventMessageInbound  = "message.inbound"
	EventMessageOutbound = "message.outbound"
)

// Event carries one bridge occurrence. Exactly one of Status/Message is set,
// depending on Type.
type Event struct {
	Type      string                   `json:"type"`
	Status    *domain.ConnectionStatus `json:"status,omitempty"`
	Message   *domain.Message          `json:"message,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
}

// Handler is a callback for events.
type Handler func(Event)

type namedHandler struct {
	id      string
	handler Handler
}

// Bus is a topic-based publish/subscribe fan-out with a bounded replay
// history.
type Bus struct {
	mu         sync.RWMutex
	handlers   map[string][]namedHandler
	history    []Event
	maxHistory int
	logger     *slog.Logger
}

func New(logger *slog.Logger) *Bus {
	return &Bus{
		handlers:   make(map[string][]namedHandler),
		maxHistory: 1000,
		logger:     logger,
	}
}

// On registers a handler for the given event type. Use "*" to listen to all
// events. Returns a subscription ID for Off.
func (b *Bus) On(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	b.handlers[eventType] = append(b.handlers[eventType], namedHandler{id: id, handler: handler})
	return id
}

// Off removes a subscription by its ID.
func (b *Bus) Off(eventType, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	handlers := b.handlers[eventType]
	for i, h := range handlers {
		if h.id == id {
			b.handlers[eventType] = append(handlers[:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit publishes an event to all matching handlers.
func (b *Bus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	if len(b.history) >= b.maxHistory {
		b.history = b.history[1:]
	}
	b.history = append(b.history, event)
	b.mu.Unlock()

	b.mu.RLock()
	handlers := make([]namedHandler, 0)
	if h, ok := b.handlers[event.Type]; ok {
		handlers = append(handlers, h...)
	}
	if h, ok := b.handlers["*"]; ok {
		handlers = append(handlers, h...)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "event", event.Type, "handler", nh.id, "panic", r)
				}
			}()
			nh.handler(event)
		}(h)
	}
}

// Replay returns historical events matching the given type since the given
// time. Use "*" for all event types.
func (b *Bus) Replay(eventType string, since time.Time) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, e := range b.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// HistoryLen returns the current number of events in the history buffer.
func (b *Bus) HistoryLen() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.history)
}
