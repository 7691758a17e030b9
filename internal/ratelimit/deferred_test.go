package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeRemote lets tests control delay/response without a real Redis.
type fakeRemote struct {
	mu       sync.Mutex
	calls    int
	delay    time.Duration
	allowed  uint64 // value returned on Allowed
	err      error
	replyFn  func(count uint64) RemoteResult
}

func (f *fakeRemote) ThrottleLabel(ctx context.Context, label string, maxPerPeriod, count uint64) (RemoteResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return RemoteResult{}, f.err
	}
	if f.replyFn != nil {
		return f.replyFn(count), nil
	}
	return RemoteResult{Allowed: true, Count: f.allowed}, nil
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestSingleFlightInitialization(t *testing.T) {
	remote := &fakeRemote{delay: 100 * time.Millisecond, allowed: 50}
	cfg := DefaultConfig("test")
	drl := New[string](remote, cfg, func(s string) string { return s })
	defer drl.Close()

	var wg sync.WaitGroup
	results := make([]Result, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := drl.Throttle(context.Background(), "k1", 100, 1)
			if err != nil {
				t.Errorf("throttle %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	if got := remote.callCount(); got != 1 {
		t.Errorf("expected exactly one remote call, got %d", got)
	}
	for i, res := range results {
		if !res.Allowed() {
			t.Errorf("result %d: expected Allowed, got retryAt=%v retryNever=%v", i, res.RetryAt(), res.RetryNever())
		}
	}

	drl.mu.RLock()
	entry := drl.entries["k1"]
	drl.mu.RUnlock()
	if entry == nil {
		t.Fatal("expected cache entry for k1")
	}
	if got := entry.count.Load(); got != 59 {
		t.Errorf("expected final count 59 (50 + 9 post-init increments), got %d", got)
	}
}

func TestFailOpenOnRemoteError(t *testing.T) {
	remote := &fakeRemote{err: errTransport{}}
	cfg := DefaultConfig("test")
	drl := New[string](remote, cfg, func(s string) string { return s })
	defer drl.Close()

	for i := 0; i < 5; i++ {
		res, err := drl.Throttle(context.Background(), "k2", 10, 1)
		if err != nil {
			t.Fatalf("throttle: %v", err)
		}
		if !res.Allowed() {
			t.Errorf("iteration %d: expected fail-open Allowed, got denied", i)
		}
	}
}

func TestZeroCapRetryNever(t *testing.T) {
	remote := &fakeRemote{}
	drl := New[string](remote, DefaultConfig("test"), func(s string) string { return s })
	defer drl.Close()

	res, err := drl.Throttle(context.Background(), "k3", 0, 1)
	if err != nil {
		t.Fatalf("throttle: %v", err)
	}
	if !res.RetryNever() {
		t.Error("expected RetryNever for max_per_period=0")
	}
}

func TestCacheHitOverCapDeniesWithoutRemoteCall(t *testing.T) {
	remote := &fakeRemote{allowed: 1}
	drl := New[string](remote, DefaultConfig("test"), func(s string) string { return s })
	defer drl.Close()

	// First call initializes the entry with count=1 (allowed).
	if _, err := drl.Throttle(context.Background(), "k4", 1, 1); err != nil {
		t.Fatalf("init throttle: %v", err)
	}

	before := remote.callCount()
	res, err := drl.Throttle(context.Background(), "k4", 1, 1)
	if err != nil {
		t.Fatalf("second throttle: %v", err)
	}
	if res.Allowed() {
		t.Error("expected overshoot to be denied locally")
	}
	if remote.callCount() != before {
		t.Errorf("expected no additional remote call on local overshoot, calls went from %d to %d", before, remote.callCount())
	}
}

type errTransport struct{}

func (errTransport) Error() string { return "simulated transport error" }
