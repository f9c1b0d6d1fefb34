package ddpanel

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrClosed is returned once a broadcast channel is closed and drained.
	ErrClosed = errors.New("broadcast closed")
	// ErrNoSubscribers is returned by Send when nobody is listening.
	ErrNoSubscribers = errors.New("no active subscribers")
)

// LagError reports how many elements a slow subscriber missed before being
// repositioned to the oldest retained element.
type LagError struct {
	Missed uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("subscription lagged, missed %d elements", e.Missed)
}

// Broadcast is a lossy multi-subscriber ring buffer. Send never blocks: when
// the buffer wraps, subscribers that still needed the overwritten elements
// observe a LagError on their next receive and continue from the oldest
// retained element.
type Broadcast[T any] struct {
	mu     sync.Mutex
	buf    []T
	cap    uint64
	head   uint64 // sequence number of the next element to be written
	closed bool
	subs   map[*Subscription[T]]struct{}
}

// NewBroadcast creates a broadcast channel retaining up to capacity elements.
func NewBroadcast[T any](capacity int) *Broadcast[T] {
	if capacity <= 0 {
		panic("broadcast capacity must be positive")
	}
	return &Broadcast[T]{
		buf:  make([]T, capacity),
		cap:  uint64(capacity),
		subs: make(map[*Subscription[T]]struct{}),
	}
}

// Send publishes v to all current subscribers. It fails when the channel is
// closed or nobody is subscribed; it never blocks.
func (b *Broadcast[T]) Send(v T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if len(b.subs) == 0 {
		return ErrNoSubscribers
	}

	b.buf[b.head%b.cap] = v
	b.head++

	for sub := range b.subs {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscriber positioned at the next element sent.
func (b *Broadcast[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription[T]{
		b:      b,
		cursor: b.head,
		notify: make(chan struct{}, 1),
	}
	if !b.closed {
		b.subs[sub] = struct{}{}
	}
	return sub
}

// Close marks the channel closed. Subscribers drain what is already buffered
// and then receive ErrClosed. Close is idempotent.
func (b *Broadcast[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
}

// Subscription is one subscriber's view of a Broadcast. A Subscription must
// not be used from multiple goroutines at once.
type Subscription[T any] struct {
	b      *Broadcast[T]
	cursor uint64
	notify chan struct{}
}

// TryRecv returns the next element without blocking. The bool reports whether
// an element was returned. A subscriber that fell out of the retained window
// gets a *LagError once and is repositioned; after the channel is closed and
// drained the error is ErrClosed.
func (s *Subscription[T]) TryRecv() (T, bool, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.tryRecvLocked()
}

func (s *Subscription[T]) tryRecvLocked() (T, bool, error) {
	var zero T
	b := s.b

	if b.head > s.cursor+b.cap {
		oldest := b.head - b.cap
		missed := oldest - s.cursor
		s.cursor = oldest
		return zero, false, &LagError{Missed: missed}
	}
	if s.cursor == b.head {
		if b.closed {
			return zero, false, ErrClosed
		}
		return zero, false, nil
	}

	v := b.buf[s.cursor%b.cap]
	s.cursor++
	return v, true, nil
}

// Recv blocks until an element is available, the channel closes, or ctx ends.
// Lag is reported the same way as TryRecv.
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	for {
		v, ok, err := s.TryRecv()
		if err != nil {
			return v, err
		}
		if ok {
			return v, nil
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-s.notify:
		}
	}
}

// Ready returns a channel signalled when new elements may be available, for
// use in select loops together with TryRecv. Signals are coalesced; drain
// with TryRecv until it reports no element.
func (s *Subscription[T]) Ready() <-chan struct{} {
	return s.notify
}

// Unsubscribe removes the subscriber. Send stops counting it immediately.
func (s *Subscription[T]) Unsubscribe() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	delete(s.b.subs, s)
}
