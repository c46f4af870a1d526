package stream

import (
	"context"
	"sync"
)

// Hub fans values out to subscribers grouped by key. Each subscriber holds at
// most one pending value: a newer publish replaces an undelivered older one, so
// a slow reader always observes the latest state and never blocks publishers.
type Hub[K comparable, T any] struct {
	mu   sync.Mutex
	subs map[K]map[int]chan T
	next int
}

// New initialises an empty hub.
func New[K comparable, T any]() *Hub[K, T] {
	return &Hub[K, T]{subs: make(map[K]map[int]chan T)}
}

// Subscribe registers a subscriber for key and seeds it with initial. The
// channel is closed when ctx ends.
func (h *Hub[K, T]) Subscribe(ctx context.Context, key K, initial T) <-chan T {
	ch := make(chan T, 1)
	ch <- initial

	h.mu.Lock()
	id := h.next
	h.next++
	group, ok := h.subs[key]
	if !ok {
		group = make(map[int]chan T)
		h.subs[key] = group
	}
	group[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		if group, ok := h.subs[key]; ok {
			delete(group, id)
			if len(group) == 0 {
				delete(h.subs, key)
			}
		}
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish delivers v to every subscriber of key.
func (h *Hub[K, T]) Publish(key K, v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[key] {
		offer(ch, v)
	}
}

// Subscribers reports the number of live subscribers for key.
func (h *Hub[K, T]) Subscribers(key K) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[key])
}

// Keys lists keys with at least one live subscriber.
func (h *Hub[K, T]) Keys() []K {
	h.mu.Lock()
	defer h.mu.Unlock()
	keys := make([]K, 0, len(h.subs))
	for k := range h.subs {
		keys = append(keys, k)
	}
	return keys
}

// offer replaces any undelivered value in a single-slot channel with v.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// Offer is the latest-wins send used by single-producer forwarders.
func Offer[T any](ch chan T, v T) { offer(ch, v) }
