package ddpanel

import (
	"slices"
	"testing"
)

func TestWatchLoadStore(t *testing.T) {
	w := NewWatch([]uint64{1, 2})
	if got := w.Load(); !slices.Equal(got, []uint64{1, 2}) {
		t.Fatalf("initial = %v", got)
	}

	w.Store([]uint64{3})
	if got := w.Load(); !slices.Equal(got, []uint64{3}) {
		t.Fatalf("after store = %v", got)
	}
}

func TestWatchZeroInitial(t *testing.T) {
	w := NewWatch[[]uint64](nil)
	if got := w.Load(); got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}
