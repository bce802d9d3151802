package broker

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process Broker for tests and single-instance
// deployments. Messages are dispatched synchronously in publish order.
type MemoryBroker struct {
	mu       sync.RWMutex
	handlers []Handler
	closed   bool
}

// NewMemoryBroker returns an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

func (b *MemoryBroker) Publish(ctx context.Context, msg Message) error {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, msg)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Run blocks until ctx is cancelled; the memory broker dispatches inline from
// Publish so there is nothing to consume.
func (b *MemoryBroker) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = nil
	return nil
}
