// Package notify is a small in-process publish/subscribe bus. Consumers
// subscribe to a topic and own the returned Subscription; closing it is
// the only way to stop receiving.
package notify

import (
	"slices"
	"sync"
)

type Bus[T any] struct {
	mu   sync.RWMutex
	next uint64
	subs map[string]map[uint64]func(T)
}

func New[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[string]map[uint64]func(T))}
}

// Subscription detaches its handler on Close. Close is idempotent.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

func (b *Bus[T]) Subscribe(topic string, fn func(T)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	id := b.next
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]func(T))
	}
	b.subs[topic][id] = fn

	return &Subscription{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
	}}
}

// Publish calls every handler of topic in subscription order. Handlers run
// outside the bus lock, so they may subscribe or close freely.
func (b *Bus[T]) Publish(topic string, v T) {
	b.mu.RLock()
	ids := make([]uint64, 0, len(b.subs[topic]))
	for id := range b.subs[topic] {
		ids = append(ids, id)
	}
	handlers := make([]func(T), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		handlers = append(handlers, b.subs[topic][id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(v)
	}
}
