package util

import "sync"

// Ring is a fixed-capacity circular buffer used for bounded sample history.
// When full, Push evicts the oldest element. Safe for concurrent use.
type Ring[T any] struct {
	mu    sync.RWMutex
	buf   []T
	head  int
	count int
}

// NewRing creates a ring with the given capacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends an item, evicting the oldest when full.
func (r *Ring[T]) Push(item T) {
	r.mu.Lock()
	idx := (r.head + r.count) % len(r.buf)
	r.buf[idx] = item
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.count++
	}
	r.mu.Unlock()
}

// Snapshot returns a copy of the stored elements, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.mu.RUnlock()
	return out
}

// Len returns the number of elements stored.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	n := r.count
	r.mu.RUnlock()
	return n
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Reset discards all elements.
func (r *Ring[T]) Reset() {
	r.mu.Lock()
	r.head, r.count = 0, 0
	r.mu.Unlock()
}
