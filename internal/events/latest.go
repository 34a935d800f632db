package events

import "sync"

// Latest holds a single current value and hands it to subscribers. A new
// subscriber immediately receives the current value, if any. Each subscriber
// channel holds one value: when a newer value arrives before the old one was
// read, the old one is discarded, so a reader never sees an older value after
// a newer one.
type Latest[T any] struct {
	mu     sync.Mutex
	value  T
	set    bool
	subs   map[uint64]chan T
	nextID uint64
	closed bool
}

// NewLatest creates an empty Latest.
func NewLatest[T any]() *Latest[T] {
	return &Latest[T]{subs: make(map[uint64]chan T)}
}

// Subscribe returns a channel that first yields the current value (if one has
// been published) and then every newer value.
func (l *Latest[T]) Subscribe() (<-chan T, func()) {
	return l.subscribe(true)
}

// SubscribeNext is like Subscribe but skips the current value.
func (l *Latest[T]) SubscribeNext() (<-chan T, func()) {
	return l.subscribe(false)
}

func (l *Latest[T]) subscribe(replay bool) (<-chan T, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan T, 1)
	if l.closed {
		close(ch)
		return ch, func() {}
	}
	if replay && l.set {
		ch <- l.value
	}
	id := l.nextID
	l.nextID++
	l.subs[id] = ch

	return ch, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if c, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(c)
		}
	}
}

// Publish replaces the current value and forwards it to every subscriber.
func (l *Latest[T]) Publish(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	l.value = v
	l.set = true
	for _, ch := range l.subs {
		// Drain a stale unread value so the newest one always fits.
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

// Get returns the current value and whether one has been published.
func (l *Latest[T]) Get() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value, l.set
}

// Close closes all subscriber channels.
func (l *Latest[T]) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
}
