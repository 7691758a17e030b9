// Package backend implements the C3 component: a handle to one upstream
// JSON-RPC node, its soft/hard admission limits, and its observed head
// block.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"rpcgateway/internal/monitoring"
	"rpcgateway/internal/ratelimit"
)

// ErrBusy is returned when the soft limit (max in-flight requests) is
// already saturated — the pool should try the next candidate.
var ErrBusy = errors.New("backend: soft limit exhausted")

// ErrRateLimited is returned when the hard limit (DRL-backed) refuses
// the call. The caller should inspect RetryAt.
type ErrRateLimited struct {
	RetryAt time.Time
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("backend: rate limited until %s", e.RetryAt.Format(time.RFC3339))
}

// TransportError wraps a connection-level failure (refused, TLS, timeout)
// as opposed to an authoritative JSON-RPC error object from upstream.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "backend: transport error: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// Config describes one configured backend, as read from the
// [[balanced_rpcs]] / [[private_rpcs]] TOML tables.
type Config struct {
	Name      string
	URL       string
	WSURL     string
	SoftLimit int64
	HardLimit uint64 // 0 disables the hard limit
	Backup    bool
	Tier      int
}

// Connection is the C3 component.
type Connection struct {
	cfg Config

	client *gethrpc.Client

	inFlight  atomic.Int64
	headBlock atomic.Uint64

	// bestHead is the dispatcher's shared best_head_block_number
	// (spec.md §3/§5): every connection's head-tracking loop raises it
	// alongside its own per-connection headBlock, so it always reflects
	// the highest head observed across every backend in every tier.
	bestHead *atomic.Uint64

	hardLimiter *ratelimit.DeferredRateLimiter[string]
	breaker     *breaker

	closeCh chan struct{}
}

// Dial connects to a backend over HTTP or WebSocket (preferring the
// WebSocket URL when present, since it also carries head-block push
// notifications) and starts the connection's background head-tracking
// loop. bestHead is the shared atomic (one per chain) that every
// backend's head updates are raised into.
func Dial(ctx context.Context, cfg Config, bestHead *atomic.Uint64, hardLimiter *ratelimit.DeferredRateLimiter[string]) (*Connection, error) {
	dialURL := cfg.URL
	if cfg.WSURL != "" {
		dialURL = cfg.WSURL
	}

	client, err := gethrpc.DialContext(ctx, dialURL)
	if err != nil {
		return nil, fmt.Errorf("backend %s: dial: %w", cfg.Name, err)
	}

	c := &Connection{
		cfg:         cfg,
		client:      client,
		bestHead:    bestHead,
		hardLimiter: hardLimiter,
		breaker:     newBreaker(cfg.Name, DefaultBreakerConfig()),
		closeCh:     make(chan struct{}),
	}

	go c.trackHead(cfg.WSURL != "")

	return c, nil
}

func (c *Connection) Close() {
	close(c.closeCh)
	c.client.Close()
}

func (c *Connection) Name() string       { return c.cfg.Name }
func (c *Connection) URL() string        { return c.cfg.URL }
func (c *Connection) Backup() bool       { return c.cfg.Backup }
func (c *Connection) Tier() int          { return c.cfg.Tier }
func (c *Connection) SoftLimit() int64   { return c.cfg.SoftLimit }
func (c *Connection) InFlight() int64    { return c.inFlight.Load() }
func (c *Connection) HeadBlockNumber() uint64 { return c.headBlock.Load() }

// LoadRatio is used by the pool's selection policy: lowest in-flight /
// soft-limit ratio wins, per spec.md §4.4.
func (c *Connection) LoadRatio() float64 {
	if c.cfg.SoftLimit <= 0 {
		return 0
	}
	return float64(c.inFlight.Load()) / float64(c.cfg.SoftLimit)
}

// TryAdmit performs the admission checks in spec.md §4.3: soft limit,
// then hard limit. On success it returns a release func the caller MUST
// invoke exactly once, even on error or cancellation, to free the
// soft-limit slot (spec.md §5 "Cancellation").
func (c *Connection) TryAdmit(ctx context.Context) (release func(), err error) {
	if !c.breaker.allow() {
		return nil, ErrCircuitOpen
	}

	if c.cfg.SoftLimit > 0 && c.inFlight.Load() >= c.cfg.SoftLimit {
		return nil, ErrBusy
	}
	c.inFlight.Add(1)
	release = func() { c.inFlight.Add(-1) }

	if c.cfg.HardLimit > 0 && c.hardLimiter != nil {
		res, rerr := c.hardLimiter.Throttle(ctx, c.cfg.URL, c.cfg.HardLimit, 1)
		if rerr != nil {
			release()
			return nil, &TransportError{Err: rerr}
		}
		if res.RetryNever() {
			release()
			return nil, &ErrRateLimited{RetryAt: time.Now()}
		}
		if !res.Allowed() {
			release()
			return nil, &ErrRateLimited{RetryAt: res.RetryAt()}
		}
	}

	return release, nil
}

// Request performs one JSON-RPC call against this backend, without
// soft/hard admission — callers (the pool) acquire admission first via
// TryAdmit and release it when Request returns.
func (c *Connection) Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	start := time.Now()
	defer func() {
		monitoring.Observe("backend_request_duration_seconds", time.Since(start).Seconds(), "backend", c.cfg.Name, "method", method)
	}()

	var args []any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, fmt.Errorf("backend %s: decode params: %w", c.cfg.Name, err)
		}
	}

	var result json.RawMessage
	err := c.client.CallContext(ctx, &result, method, args...)
	if err != nil {
		var rpcErr gethrpc.Error
		if errors.As(err, &rpcErr) {
			// Authoritative JSON-RPC error object from upstream — not a
			// transport failure, so the breaker is not tripped and the
			// dispatcher must not retry elsewhere (spec.md §7).
			monitoring.Inc("backend_requests_total", "backend", c.cfg.Name, "method", method, "outcome", "rpc_error")
			return nil, err
		}
		c.breaker.recordFailure()
		monitoring.Inc("backend_requests_total", "backend", c.cfg.Name, "method", method, "outcome", "transport_error")
		return nil, &TransportError{Err: err}
	}

	c.breaker.recordSuccess()
	monitoring.Inc("backend_requests_total", "backend", c.cfg.Name, "method", method, "outcome", "ok")
	return result, nil
}

// trackHead keeps headBlock current. When useSubscription is true (a
// WebSocket URL was configured) it subscribes to newHeads; otherwise it
// polls eth_blockNumber on a timer.
func (c *Connection) trackHead(useSubscription bool) {
	if useSubscription {
		c.trackHeadBySubscription()
		return
	}
	c.trackHeadByPolling()
}

func (c *Connection) trackHeadBySubscription() {
	type header struct {
		Number string `json:"number"`
	}
	ch := make(chan header, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := c.client.EthSubscribe(ctx, ch, "newHeads")
	if err != nil {
		slog.Warn("backend: newHeads subscription failed, falling back to polling", "backend", c.cfg.Name, "error", err)
		c.trackHeadByPolling()
		return
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-c.closeCh:
			return
		case err := <-sub.Err():
			slog.Warn("backend: head subscription dropped, falling back to polling", "backend", c.cfg.Name, "error", err)
			c.trackHeadByPolling()
			return
		case h := <-ch:
			if n, err := hexutil.DecodeUint64(h.Number); err == nil {
				raiseHead(&c.headBlock, n)
				raiseHead(c.bestHead, n)
			}
		}
	}
}

func (c *Connection) trackHeadByPolling() {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			var hex string
			err := c.client.CallContext(ctx, &hex, "eth_blockNumber")
			cancel()
			if err != nil {
				continue
			}
			if n, err := hexutil.DecodeUint64(hex); err == nil {
				raiseHead(&c.headBlock, n)
				raiseHead(c.bestHead, n)
			}
		}
	}
}

// raiseHead performs a compare-and-set "raise" — spec.md §5 requires
// best_head_block_number (and, by extension, any per-connection head
// tracker) to move monotonically up, never backward on a stale update.
func raiseHead(v *atomic.Uint64, n uint64) {
	for {
		cur := v.Load()
		if n <= cur {
			return
		}
		if v.CompareAndSwap(cur, n) {
			return
		}
	}
}
