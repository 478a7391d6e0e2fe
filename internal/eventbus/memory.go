package eventbus

import (
	"context"
	"sync"
)

// MemoryBus records published events and fans them out to in-process handlers.
// It backs local runs and tests.
type MemoryBus struct {
	mu       sync.Mutex
	events   []*Event
	handlers map[EventType][]EventHandler
}

var _ Publisher = (*MemoryBus)(nil)

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[EventType][]EventHandler)}
}

func (m *MemoryBus) Publish(ctx context.Context, event *Event) error {
	m.mu.Lock()
	m.events = append(m.events, event)
	handlers := append([]EventHandler(nil), m.handlers[event.Type]...)
	m.mu.Unlock()

	for _, h := range handlers {
		if err := h.Handle(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// On registers a synchronous handler for one event type.
func (m *MemoryBus) On(eventType EventType, handler EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Events returns a copy of everything published so far.
func (m *MemoryBus) Events() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Event(nil), m.events...)
}

// Types returns the published event types in order.
func (m *MemoryBus) Types() []EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]EventType, len(m.events))
	for i, e := range m.events {
		types[i] = e.Type
	}
	return types
}

func (m *MemoryBus) Close() error {
	return nil
}
