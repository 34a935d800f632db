// Package events provides in-process fan-out of pipeline events.
package events

import "sync"

// DefaultBuffer is the per-subscriber channel capacity used by NewBroadcaster
// when a non-positive size is given.
const DefaultBuffer = 64

// Broadcaster delivers each published value to every current subscriber.
// Slow subscribers lose values rather than stalling the publisher.
type Broadcaster[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]chan T
	nextID uint64
	size   int
	closed bool
}

// NewBroadcaster creates a broadcaster whose subscriber channels hold size values.
func NewBroadcaster[T any](size int) *Broadcaster[T] {
	if size <= 0 {
		size = DefaultBuffer
	}
	return &Broadcaster[T]{
		subs: make(map[uint64]chan T),
		size: size,
	}
}

// Subscribe registers a new subscriber and returns its channel and a cancel
// function. Cancel closes the channel and may be called more than once.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.size)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() { b.remove(id) }
}

func (b *Broadcaster[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish sends v to all subscribers without blocking. It returns the number
// of subscribers that could not take the value.
func (b *Broadcaster[T]) Publish(v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dropped := 0
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			dropped++
		}
	}
	return dropped
}

// Subscribers returns the current subscriber count.
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later subscriptions receive a closed
// channel and later publishes are no-ops.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
