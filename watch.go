package ddpanel

import "sync"

// Watch is a single-slot cell holding the most recent value. Readers always
// see the latest value; there is no queueing and no wakeup.
type Watch[T any] struct {
	mu  sync.RWMutex
	val T
}

// NewWatch creates a watch slot seeded with initial.
func NewWatch[T any](initial T) *Watch[T] {
	return &Watch[T]{val: initial}
}

// Store replaces the slot value.
func (w *Watch[T]) Store(v T) {
	w.mu.Lock()
	w.val = v
	w.mu.Unlock()
}

// Load returns the most recent value.
func (w *Watch[T]) Load() T {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.val
}
