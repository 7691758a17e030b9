package pool

import (
	"context"
	"sync/atomic"
	"testing"
)

func TestHeadWithinLag(t *testing.T) {
	cases := []struct {
		head, best, lag uint64
		want            bool
	}{
		{100, 100, 0, true},
		{99, 100, 0, false},
		{99, 100, 1, true},
		{0, 0, 0, true},
	}
	for _, c := range cases {
		if got := headWithinLag(c.head, c.best, c.lag); got != c.want {
			t.Errorf("headWithinLag(%d,%d,%d) = %v, want %v", c.head, c.best, c.lag, got, c.want)
		}
	}
}

func TestEmptyPoolNotSynced(t *testing.T) {
	var best atomic.Uint64
	best.Store(100)

	p := New(1, 0, &best, nil)
	if p.HeadSynced() {
		t.Fatal("expected empty pool to report not synced")
	}
}

func TestNextUpstreamNoCandidates(t *testing.T) {
	var best atomic.Uint64
	best.Store(100)

	p := New(1, 0, &best, nil)
	_, err := p.NextUpstream(context.Background())
	if err != ErrNoRetryAt {
		t.Errorf("expected ErrNoRetryAt, got %v", err)
	}
}
