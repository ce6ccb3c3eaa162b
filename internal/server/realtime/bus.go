package realtime

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/digsync/internal/protocol"
)

// Bus carries pushes between server instances. Every instance publishes the
// pushes caused by its own writes and forwards everything it receives to its
// local Hub.
type Bus interface {
	Publish(ctx context.Context, push protocol.ProjetPush) error
	StartForwarder(ctx context.Context, onMsg func(protocol.ProjetPush)) error
	Close() error
}

// MemoryBus delivers pushes within the process.
type MemoryBus struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]func(protocol.ProjetPush)
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[int]func(protocol.ProjetPush))}
}

func (b *MemoryBus) Publish(_ context.Context, push protocol.ProjetPush) error {
	b.mu.RLock()
	handlers := make([]func(protocol.ProjetPush), 0, len(b.handlers))
	for _, fn := range b.handlers {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(push)
	}
	return nil
}

// StartForwarder registers onMsg until ctx is done.
func (b *MemoryBus) StartForwarder(ctx context.Context, onMsg func(protocol.ProjetPush)) error {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = onMsg
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}()
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[int]func(protocol.ProjetPush))
	return nil
}
