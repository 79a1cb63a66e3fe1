// Package stream provides the broadcast primitive behind every published
// event stream: multiple independent consumers, each with its own buffered
// channel; publishing never blocks the producer.
package stream

import "sync"

// DefaultBuffer is the per-subscriber channel depth.
const DefaultBuffer = 64

// Broadcaster fans values out to any number of subscribers. A slow consumer
// loses events rather than stalling the producer.
type Broadcaster[T any] struct {
	mu     sync.RWMutex
	subs   map[chan T]struct{}
	buffer int
	closed bool
}

// New creates a broadcaster with the default per-subscriber buffer.
func New[T any]() *Broadcaster[T] {
	return NewBuffered[T](DefaultBuffer)
}

// NewBuffered creates a broadcaster with an explicit per-subscriber buffer.
func NewBuffered[T any](buffer int) *Broadcaster[T] {
	if buffer <= 0 {
		buffer = 1
	}
	return &Broadcaster[T]{
		subs:   make(map[chan T]struct{}),
		buffer: buffer,
	}
}

// Subscribe returns a receive channel and a cancel function. Cancel is
// idempotent and closes the channel.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers v to every subscriber whose buffer has room.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- v:
		default:
		}
	}
	b.mu.RUnlock()
}

// Close closes all subscriber channels. Publish after Close is a no-op.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for ch := range b.subs {
			close(ch)
		}
		b.subs = make(map[chan T]struct{})
	}
	b.mu.Unlock()
}
