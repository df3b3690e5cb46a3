package ble

import "sync"

// Broadcaster fans a latest-value stream out to any number of
// subscribers. A new subscriber receives the current value first. A
// subscriber that falls behind loses its oldest buffered values, never
// the newest.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	value  T
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// NewBroadcaster returns a broadcaster whose initial value is v.
func NewBroadcaster[T any](v T) *Broadcaster[T] {
	return &Broadcaster[T]{
		value: v,
		subs:  make(map[*Subscription[T]]struct{}),
	}
}

// Subscription is one observer's view of a Broadcaster.
type Subscription[T any] struct {
	ch   chan T
	b    *Broadcaster[T]
	once sync.Once
}

// C delivers values. It is closed when the subscription or the
// broadcaster is closed.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if _, ok := s.b.subs[s]; ok {
		delete(s.b.subs, s)
		s.shut()
	}
}

func (s *Subscription[T]) shut() {
	s.once.Do(func() { close(s.ch) })
}

// offer delivers v, discarding the oldest buffered value if full.
// Caller must hold b.mu.
func (s *Subscription[T]) offer(v T) {
	select {
	case s.ch <- v:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- v:
	default:
	}
}

// Subscribe attaches an observer with a buffer of depth values
// (minimum 1). The current value is delivered immediately.
func (b *Broadcaster[T]) Subscribe(depth int) *Subscription[T] {
	if depth < 1 {
		depth = 1
	}
	s := &Subscription[T]{ch: make(chan T, depth), b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.shut()
		return s
	}
	s.ch <- b.value
	b.subs[s] = struct{}{}
	return s
}

// Publish replaces the current value and delivers it to all subscribers.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.value = v
	for s := range b.subs {
		s.offer(v)
	}
}

// Value returns the current value.
func (b *Broadcaster[T]) Value() T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

// Close closes every subscription. Later publishes are ignored.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.shut()
	}
	clear(b.subs)
}
