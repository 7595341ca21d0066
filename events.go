// events.go: typed publish/subscribe used for pressure, alert and eviction signals
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"sync"
	"sync/atomic"
)

// EventBus delivers values of one event type to every subscriber.
//
// Publish calls subscribers synchronously on the publishing goroutine, in
// subscription order, outside the bus lock. A subscriber may therefore call
// back into the publishing component only if that component does not hold
// its own lock while publishing; every component in this package publishes
// after releasing its locks.
type EventBus[T any] struct {
	mu          sync.RWMutex
	subscribers []eventSubscriber[T]
	nextID      uint64
	published   atomic.Uint64
}

type eventSubscriber[T any] struct {
	id      uint64
	handler func(T)
}

// NewEventBus creates an empty bus.
func NewEventBus[T any]() *EventBus[T] {
	return &EventBus[T]{}
}

// Subscribe registers handler and returns a function that removes it.
// The returned function is safe to call more than once.
func (b *EventBus[T]) Subscribe(handler func(T)) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers = append(b.subscribers, eventSubscriber[T]{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, sub := range b.subscribers {
				if sub.id == id {
					b.subscribers = append(b.subscribers[:i:i], b.subscribers[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers event to every current subscriber.
func (b *EventBus[T]) Publish(event T) {
	b.mu.RLock()
	handlers := make([]func(T), len(b.subscribers))
	for i, sub := range b.subscribers {
		handlers[i] = sub.handler
	}
	b.mu.RUnlock()

	b.published.Add(1)
	for _, handler := range handlers {
		handler(event)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *EventBus[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Published returns how many events have been published so far.
func (b *EventBus[T]) Published() uint64 {
	return b.published.Load()
}
