// Package pool implements the C4 component: an ordered set of backend
// connections sharing a chain, selecting the best-admitted candidate for
// each request.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"rpcgateway/internal/backend"
)

// ErrNoRetryAt is returned by NextUpstream when no backend is synced to
// the pool's allowed lag window (spec.md §4.4 "On failure with None"),
// and also when every synced backend refused without a retry-at (soft
// limit busy or circuit breaker open).
var ErrNoRetryAt = errors.New("pool: no backend in sync")

// RetryAtError carries the earliest time any candidate might become
// admissible (spec.md §4.4 "On failure with Some(retry_at)").
type RetryAtError struct {
	At time.Time
}

func (e *RetryAtError) Error() string { return "pool: all backends rate limited" }

// Handle wraps an admitted backend connection and its soft-limit release.
type Handle struct {
	Conn    *backend.Connection
	release func()
}

// Release frees the backend's soft-limit slot. Safe to call once;
// callers MUST call it regardless of how the request concluded (spec.md
// §5 "Cancellation").
func (h *Handle) Release() {
	if h.release != nil {
		h.release()
		h.release = nil
	}
}

// NewHandle wraps an already-admitted connection. Used by callers (such
// as the dispatcher's private-fanout path) that perform their own
// admission loop via Connection.TryAdmit directly.
func NewHandle(conn *backend.Connection, release func()) *Handle {
	return &Handle{Conn: conn, release: release}
}

// Pool is the C4 component: one tier of equivalent backend connections.
type Pool struct {
	chainID   uint64
	allowLag  uint64
	conns     []*backend.Connection
	bestHead  *atomic.Uint64 // shared across all tiers, per spec.md §3
}

// New builds a pool sharing bestHead (the Dispatcher's
// best_head_block_number) across every tier, as required by spec.md §3's
// ConnectionPool invariant.
func New(chainID uint64, allowLag uint64, bestHead *atomic.Uint64, conns []*backend.Connection) *Pool {
	return &Pool{chainID: chainID, allowLag: allowLag, conns: conns, bestHead: bestHead}
}

func (p *Pool) Connections() []*backend.Connection { return p.conns }

func (p *Pool) ChainID() uint64 { return p.chainID }

// HeadSynced reports whether any backend in the pool is within the
// allowed lag of the shared best head — used by the dispatcher to skip
// an entire tier cheaply (spec.md §4.6 step 2a).
func (p *Pool) HeadSynced() bool {
	best := p.bestHead.Load()
	for _, c := range p.conns {
		if headWithinLag(c.HeadBlockNumber(), best, p.allowLag) {
			return true
		}
	}
	return false
}

func headWithinLag(head, best, lag uint64) bool {
	if best <= lag {
		return true
	}
	return head >= best-lag
}

// NextUpstream implements spec.md §4.4's selection policy: among
// backends synced to the shared head, pick the one with the lowest
// in-flight/soft-limit ratio (ties broken by configuration order),
// attempting admission in that order until one succeeds.
func (p *Pool) NextUpstream(ctx context.Context) (*Handle, error) {
	best := p.bestHead.Load()

	candidates := make([]*backend.Connection, 0, len(p.conns))
	for _, c := range p.conns {
		if headWithinLag(c.HeadBlockNumber(), best, p.allowLag) {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoRetryAt
	}

	sortByLoad(candidates)

	var earliestRetry time.Time
	haveRetry := false

	for _, c := range candidates {
		release, err := c.TryAdmit(ctx)
		if err == nil {
			return &Handle{Conn: c, release: release}, nil
		}

		var rl *backend.ErrRateLimited
		if errors.As(err, &rl) {
			if !haveRetry || rl.RetryAt.Before(earliestRetry) {
				earliestRetry = rl.RetryAt
				haveRetry = true
			}
			continue
		}
		// ErrBusy / ErrCircuitOpen: try the next candidate without
		// contributing a retry-at.
	}

	if haveRetry {
		return nil, &RetryAtError{At: earliestRetry}
	}
	return nil, ErrNoRetryAt
}

// sortByLoad orders candidates by ascending in-flight/soft-limit ratio,
// a stable sort so ties preserve configuration order (spec.md §4.4).
func sortByLoad(conns []*backend.Connection) {
	for i := 1; i < len(conns); i++ {
		for j := i; j > 0 && conns[j-1].LoadRatio() > conns[j].LoadRatio(); j-- {
			conns[j-1], conns[j] = conns[j], conns[j-1]
		}
	}
}

// FanoutResult is one response from TrySendParallel, tagged with which
// backend produced it.
type FanoutResult struct {
	Backend string
	Result  json.RawMessage
	Err     error
}

// TrySendParallel implements spec.md §4.4's parallel-fanout mode: the
// same call is dispatched to every handle concurrently, and results
// stream into the returned channel in arrival order. The first OK result
// never gets overwritten by a later error — callers typically take the
// first successful value and stop reading.
func TrySendParallel(ctx context.Context, handles []*Handle, method string, params json.RawMessage) <-chan FanoutResult {
	out := make(chan FanoutResult, len(handles))
	var wg sync.WaitGroup
	wg.Add(len(handles))
	for _, h := range handles {
		go func(h *Handle) {
			defer wg.Done()
			res, err := h.Conn.Request(ctx, method, params)
			out <- FanoutResult{Backend: h.Conn.Name(), Result: res, Err: err}
		}(h)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
