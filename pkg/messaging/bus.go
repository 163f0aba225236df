package messaging

import (
	"context"
	"sync"
)

// Handler consumes a delivered event.
type Handler func(Event)

// Bus is the publish/subscribe seam between the core components and the
// notification fan-out. Delivery is best-effort, at-most-once.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(eventType string, handler Handler) error
	Close() error
}

// LocalBus is an in-process Bus. Handlers run synchronously on the
// publisher's goroutine, so test assertions can observe effects immediately.
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool
}

func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[string][]Handler)}
}

func (b *LocalBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil
	}
	handlers := make([]Handler, len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
	return nil
}

func (b *LocalBus) Subscribe(eventType string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	return nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string][]Handler)
	return nil
}
