// Package pubsub provides a replay-latest-then-live broadcaster: new
// subscribers receive the most recent published value immediately, then every
// subsequent value. Publishing never blocks; a subscriber that falls behind
// loses intermediate values but always ends on the latest one.
package pubsub

import "sync"

const subscriberBuffer = 16

// Broadcaster fans values out to any number of subscribers.
type Broadcaster[T any] struct {
	mu      sync.Mutex
	subs    map[int]chan T
	nextID  int
	last    T
	hasLast bool
	closed  bool
}

// New creates a broadcaster with no published value yet.
func New[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[int]chan T)}
}

// Publish records v as the latest value and delivers it to all subscribers.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.last = v
	b.hasLast = true
	for _, ch := range b.subs {
		deliver(ch, v)
	}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called to release the subscription; the channel is closed on cancel or when
// the broadcaster closes.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	if b.hasLast {
		ch <- b.last
	}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Last returns the most recently published value, if any.
func (b *Broadcaster[T]) Last() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.hasLast
}

// Subscribers returns the current subscriber count.
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close terminates all subscriptions. Further publishes are dropped.
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

// deliver pushes v without blocking. When the subscriber's buffer is full the
// oldest value is evicted so the channel always ends on the latest value.
func deliver[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
