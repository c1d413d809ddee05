// Package queue provides a fixed-capacity FIFO ring that drops the
// oldest item on overflow. Agents use it to hold telemetry captured
// while the gateway connection is down: under a long outage the most
// recent readings survive.
package queue

import "sync"

// Ring is a thread-safe bounded FIFO with drop-oldest overflow.
type Ring[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	count   int
	dropped uint64
}

// New creates a ring with the given capacity. Capacity must be at
// least 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends an item, evicting the oldest when full. Reports whether
// an eviction happened.
func (r *Ring[T]) Push(item T) (dropped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == len(r.items) {
		r.items[r.head] = item
		r.head = (r.head + 1) % len(r.items)
		r.dropped++
		return true
	}

	r.items[(r.head+r.count)%len(r.items)] = item
	r.count++
	return false
}

// Pop removes and returns the oldest item.
func (r *Ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.count == 0 {
		return zero, false
	}

	item := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.count--
	return item, true
}

// Requeue puts an item back at the front, evicting the newest item when
// full. Used when a popped item could not be delivered.
func (r *Ring[T]) Requeue(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == len(r.items) {
		// Overwrite the newest slot; the requeued item is older.
		r.head = (r.head - 1 + len(r.items)) % len(r.items)
		r.items[r.head] = item
		r.dropped++
		return
	}

	r.head = (r.head - 1 + len(r.items)) % len(r.items)
	r.items[r.head] = item
	r.count++
}

// Len returns the number of queued items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Dropped returns the total number of evicted items.
func (r *Ring[T]) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
