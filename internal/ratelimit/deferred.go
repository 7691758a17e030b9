package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Config tunes the Deferred Rate Limiter.
type Config struct {
	// Prefix namespaces every label sent to the remote counter.
	Prefix string
	// Period is the remote counter's reset interval; also drives local
	// cache TTL eviction (spec §4.2 "Local cache policy").
	Period time.Duration
	// MaxEntries bounds the local cache; when an initialization pushes
	// the cache over the bound, the oldest entries are evicted right
	// away. The periodic sweep only removes expired entries.
	MaxEntries int
	// SyncThreshold is the fraction of max_per_period (0,1] above which a
	// cache-hit increment synchronously reconciles with the remote
	// counter instead of deferring it to a background goroutine. Spec
	// §4.2 step 4 and §9 call this the "99% threshold" and require it be
	// configurable.
	SyncThreshold float64
	// CleanupInterval controls how often expired entries are swept.
	CleanupInterval time.Duration
}

// DefaultConfig returns the values used throughout spec.md's examples:
// a 60s period and a 99% sync threshold.
func DefaultConfig(prefix string) Config {
	return Config{
		Prefix:          prefix,
		Period:          60 * time.Second,
		MaxEntries:      10_000,
		SyncThreshold:   0.99,
		CleanupInterval: 30 * time.Second,
	}
}

type localEntry struct {
	count     atomic.Uint64
	createdAt time.Time
}

func (e *localEntry) expired(period time.Duration) bool {
	return time.Since(e.createdAt) > period
}

// DeferredRateLimiter is the C2 component: a local per-key counter cached
// in front of a RemoteCounter, single-flight initialized per key, fail
// open on remote outage. K is any comparable, stringable key — an IP,
// an API key id, or a backend connection URL.
type DeferredRateLimiter[K comparable] struct {
	remote RemoteCounter
	cfg    Config
	keyFn  func(K) string

	mu      sync.RWMutex
	entries map[K]*localEntry

	sf       singleflight.Group
	closeCh  chan struct{}
	closeErr sync.Once
}

// New builds a DeferredRateLimiter. keyFn renders K to the string used
// both as the remote label and the singleflight group key.
func New[K comparable](remote RemoteCounter, cfg Config, keyFn func(K) string) *DeferredRateLimiter[K] {
	drl := &DeferredRateLimiter[K]{
		remote:  remote,
		cfg:     cfg,
		keyFn:   keyFn,
		entries: make(map[K]*localEntry),
		closeCh: make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		go drl.cleanupLoop()
	}
	return drl
}

func (d *DeferredRateLimiter[K]) Close() {
	d.closeErr.Do(func() { close(d.closeCh) })
}

// Throttle implements spec.md §4.2's algorithm. maxPerPeriod is the
// effective cap for this key; pass 0 to deny unconditionally.
func (d *DeferredRateLimiter[K]) Throttle(ctx context.Context, key K, maxPerPeriod uint64, count uint64) (Result, error) {
	if maxPerPeriod == 0 {
		return retryNever(), nil
	}

	d.mu.RLock()
	entry, ok := d.entries[key]
	if ok && entry.expired(d.cfg.Period) {
		ok = false
	}
	d.mu.RUnlock()

	if !ok {
		return d.initAndThrottle(ctx, key, maxPerPeriod, count)
	}

	return d.cacheHit(ctx, entry, key, maxPerPeriod, count)
}

// initAndThrottle runs the single-flight initializer for key. Only the
// goroutine whose closure is actually selected by singleflight observes
// ran==true; every other concurrent caller for the same key waits on the
// same Do call and, once it returns, falls through to the cache-hit path
// with its own increment — matching the source's per-call arc_new_entry.
func (d *DeferredRateLimiter[K]) initAndThrottle(ctx context.Context, key K, maxPerPeriod, count uint64) (Result, error) {
	ran := new(bool)
	var initRetryAt time.Time
	var hasInitRetryAt bool

	label := d.keyFn(key)

	v, err, _ := d.sf.Do(label, func() (any, error) {
		*ran = true

		remoteRes, rerr := d.remote.ThrottleLabel(ctx, label, maxPerPeriod, count)

		entry := &localEntry{createdAt: time.Now()}

		switch {
		case rerr != nil:
			// Fail open: remote is down, seed from zero and let local
			// accounting carry the period. Spec §4.2 step 2e / §9.
			slog.Warn("ratelimit: remote counter error, failing open", "key", label, "error", rerr)
			entry.count.Store(0)
		case remoteRes.Never:
			// Defensive handling of the "RetryNever from a capped
			// limiter" open question in spec §9: deny now rather than
			// panic, and cache the entry at the cap so later calls in
			// this window are denied locally until the period ends.
			slog.Error("ratelimit: remote reported RetryNever for a positive cap", "key", label)
			initRetryAt = time.Now()
			hasInitRetryAt = true
			entry.count.Store(maxPerPeriod)
		case remoteRes.Allowed:
			entry.count.Store(remoteRes.Count)
		default:
			entry.count.Store(remoteRes.Count)
			initRetryAt = remoteRes.RetryAt
			hasInitRetryAt = true
		}

		d.mu.Lock()
		d.entries[key] = entry
		overflow := len(d.entries) - d.cfg.MaxEntries
		d.mu.Unlock()
		if overflow > 0 {
			d.evictOldest(overflow)
		}

		return entry, nil
	})
	if err != nil {
		return Result{}, err
	}

	if *ran {
		if hasInitRetryAt {
			return retryAt(initRetryAt), nil
		}
		return allowed(), nil
	}

	// We lost the race to become the initializer — proceed exactly like a
	// cache hit against the entry the winner just installed.
	return d.cacheHit(ctx, v.(*localEntry), key, maxPerPeriod, count)
}

// cacheHit implements spec.md §4.2 step 4.
func (d *DeferredRateLimiter[K]) cacheHit(ctx context.Context, entry *localEntry, key K, maxPerPeriod, count uint64) (Result, error) {
	newLocal := entry.count.Add(count)

	if newLocal > maxPerPeriod {
		return retryAt(nextPeriodBoundary(entry.createdAt, d.cfg.Period)), nil
	}

	label := d.keyFn(key)
	syncRemote := func() (Result, error) {
		remoteRes, err := d.remote.ThrottleLabel(ctx, label, maxPerPeriod, count)
		if err != nil {
			slog.Warn("ratelimit: remote counter error on reconcile, allowing", "key", label, "error", err)
			return allowed(), nil
		}
		switch {
		case remoteRes.Never:
			return retryAt(time.Now()), nil
		case remoteRes.Allowed:
			entry.count.Store(remoteRes.Count)
			return allowed(), nil
		default:
			entry.count.Store(remoteRes.Count)
			return retryAt(remoteRes.RetryAt), nil
		}
	}

	threshold := d.cfg.SyncThreshold
	if threshold <= 0 {
		threshold = 0.99
	}
	if float64(newLocal) > threshold*float64(maxPerPeriod) {
		return syncRemote()
	}

	go func() {
		if _, err := syncRemote(); err != nil {
			slog.Error("ratelimit: background reconcile failed", "key", label, "error", err)
		}
	}()

	return allowed(), nil
}

func (d *DeferredRateLimiter[K]) evictOldest(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.entries) <= d.cfg.MaxEntries {
		return
	}
	type kv struct {
		k K
		t time.Time
	}
	oldest := make([]kv, 0, len(d.entries))
	for k, e := range d.entries {
		oldest = append(oldest, kv{k, e.createdAt})
	}
	for i := 0; i < n && i < len(oldest); i++ {
		minIdx := i
		for j := i + 1; j < len(oldest); j++ {
			if oldest[j].t.Before(oldest[minIdx].t) {
				minIdx = j
			}
		}
		oldest[i], oldest[minIdx] = oldest[minIdx], oldest[i]
		delete(d.entries, oldest[i].k)
	}
}

func (d *DeferredRateLimiter[K]) cleanupLoop() {
	ticker := time.NewTicker(d.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.closeCh:
			return
		case <-ticker.C:
			d.mu.Lock()
			for k, e := range d.entries {
				if e.expired(d.cfg.Period) {
					delete(d.entries, k)
				}
			}
			d.mu.Unlock()
		}
	}
}

func nextPeriodBoundary(createdAt time.Time, period time.Duration) time.Time {
	if period <= 0 {
		return time.Now()
	}
	elapsed := time.Since(createdAt)
	remaining := period - (elapsed % period)
	return time.Now().Add(remaining)
}
