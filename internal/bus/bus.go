package bus

import (
	"context"
	"log/slog"
	"reflect"
	"sync"

	"eventpipe/internal/domain/event"
)

// Handler consumes one event. A returned error (or panic) is logged and
// never propagated to the publisher.
type Handler func(ctx context.Context, evt event.Event) error

// Bus is a synchronous in-process publish/subscribe fan-out with no
// persistence. Delivery is best effort: every subscriber for the type is
// invoked in registration order on the caller's goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	log      *slog.Logger
}

func New(log *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		log:      log,
	}
}

// On registers a handler for an event type. Registering the same
// function twice for the same type is a no-op.
func (b *Bus) On(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ptr := reflect.ValueOf(h).Pointer()
	for _, existing := range b.handlers[eventType] {
		if reflect.ValueOf(existing).Pointer() == ptr {
			return
		}
	}
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Emit synchronously invokes every handler registered for evt's type.
// Handler errors and panics are logged, never returned.
func (b *Bus) Emit(ctx context.Context, evt event.Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[evt.Type]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(ctx, h, evt)
	}
}

func (b *Bus) invoke(ctx context.Context, h Handler, evt event.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("bus handler panicked", "type", evt.Type, "panic", r)
		}
	}()
	if err := h(ctx, evt); err != nil {
		b.log.Error("bus handler failed", "type", evt.Type, "event_id", evt.ID, "error", err)
	}
}

// SubscriberCount reports how many handlers are registered for a type.
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}
