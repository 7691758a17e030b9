// Package dispatcher implements the C6 component: the per-request
// lifecycle that ties the response cache, the tiered connection pools,
// and the private transaction-broadcast path together.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"rpcgateway/internal/backend"
	"rpcgateway/internal/cache"
	"rpcgateway/internal/jsonrpc"
	"rpcgateway/internal/monitoring"
	"rpcgateway/internal/pool"
)

// TxBroadcastMethod is the method the private pool intercepts, per
// spec.md §4.6.
const TxBroadcastMethod = "eth_sendRawTransaction"

// Config tunes dispatcher-wide behavior not already owned by a pool.
type Config struct {
	// MaxRetryWait bounds the Dispatcher's sleep-and-retry backoff loop
	// (spec.md §9's open question: "the retry loop ... has no maximum
	// iteration count or deadline; industrial deployments SHOULD bound
	// it").
	MaxRetryWait time.Duration
}

// Result carries the response plus the ingress headers spec.md §6
// requires on every reply.
type Result struct {
	Response       *jsonrpc.Response
	BackendNames   []string
	UsedBackup     bool
}

// Dispatcher is the C6 component. It exclusively owns the tiers, the
// optional private pool, and the response cache (spec.md §3
// "Ownership").
type Dispatcher struct {
	chainID  uint64
	bestHead *atomic.Uint64

	tiers   []*pool.Pool
	private *pool.Pool

	cache *cache.Cache
	cfg   Config

	warnedNoPrivate atomic.Bool
}

// New builds a Dispatcher. tiers must already be ordered balanced-first;
// private may be nil, in which case transaction broadcasts fall through
// to the standard tiered path with a one-time startup warning.
func New(chainID uint64, bestHead *atomic.Uint64, tiers []*pool.Pool, private *pool.Pool, responseCache *cache.Cache, cfg Config) *Dispatcher {
	if cfg.MaxRetryWait <= 0 {
		cfg.MaxRetryWait = 30 * time.Second
	}
	d := &Dispatcher{
		chainID:  chainID,
		bestHead: bestHead,
		tiers:    tiers,
		private:  private,
		cache:    responseCache,
		cfg:      cfg,
	}
	if private == nil {
		slog.Warn("no private RPCs configured: transactions will be broadcast through the standard tiered path and are visible to the public mempool", "chain_id", chainID)
	}
	return d
}

// Headers aggregates the ingress header values spec.md §6 requires,
// across either a single call or every sub-call of a batch.
type Headers struct {
	BackendNames []string
	UsedBackup   bool
}

// Dispatch routes a decoded request/batch to DispatchSingle or
// dispatchBatch, returning the reply alongside the aggregated header
// values the HTTP boundary attaches to the response.
func (d *Dispatcher) Dispatch(ctx context.Context, rb *jsonrpc.RequestOrBatch) (*jsonrpc.BatchOrSingle, Headers) {
	if rb.Single != nil {
		res := d.DispatchSingle(ctx, *rb.Single)
		return &jsonrpc.BatchOrSingle{Single: res.Response}, Headers{BackendNames: res.BackendNames, UsedBackup: res.UsedBackup}
	}

	results := d.dispatchBatch(ctx, rb.Batch)
	out := make([]*jsonrpc.Response, len(results))
	seen := map[string]bool{}
	var names []string
	usedBackup := false
	for i, res := range results {
		out[i] = res.Response
		usedBackup = usedBackup || res.UsedBackup
		for _, n := range res.BackendNames {
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}
	return &jsonrpc.BatchOrSingle{Batch: out}, Headers{BackendNames: names, UsedBackup: usedBackup}
}

// dispatchBatch runs each sub-request concurrently and reassembles
// results preserving input order (spec.md §4.6 "Batch requests").
func (d *Dispatcher) dispatchBatch(ctx context.Context, reqs []jsonrpc.Request) []*Result {
	out := make([]*Result, len(reqs))
	var wg sync.WaitGroup
	wg.Add(len(reqs))
	for i, req := range reqs {
		go func(i int, req jsonrpc.Request) {
			defer wg.Done()
			out[i] = d.DispatchSingle(ctx, req)
		}(i, req)
	}
	wg.Wait()
	return out
}

// DispatchSingle implements spec.md §4.6's per-request procedures.
func (d *Dispatcher) DispatchSingle(ctx context.Context, req jsonrpc.Request) *Result {
	var span monitoring.Span
	ctx, span = monitoring.Start(ctx, "dispatch."+req.Method)
	defer span.End()

	if req.Method == TxBroadcastMethod && d.private != nil {
		return d.dispatchPrivate(ctx, req)
	}
	if req.Method == TxBroadcastMethod && d.private == nil {
		if d.warnedNoPrivate.CompareAndSwap(false, true) {
			slog.Warn("broadcasting eth_sendRawTransaction with no private pool configured; submission visible to the public mempool", "method", req.Method)
		}
	}
	return d.dispatchStandard(ctx, req)
}

func (d *Dispatcher) dispatchStandard(ctx context.Context, req jsonrpc.Request) *Result {
	headAtStart := d.bestHead.Load()
	key, keyErr := cache.NewKey(headAtStart, req.Method, req.Params)
	if keyErr == nil {
		if cached, ok := d.cache.Get(key); ok {
			monitoring.Inc("dispatch_cache_hits_total", "method", req.Method)
			return &Result{Response: jsonrpc.NewResult(req.ID, cached)}
		}
	}
	monitoring.Inc("dispatch_cache_misses_total", "method", req.Method)

	deadline := time.Now().Add(d.cfg.MaxRetryWait)

	for {
		var earliestRetry time.Time
		haveRetry := false

		for _, p := range d.allPoolsInOrder() {
			if !p.HeadSynced() {
				continue
			}

			// Exhaust every admittable backend in this tier before
			// advancing to the next one — a BackendTransport failure
			// retries a sibling in the same pool first (spec.md §7,
			// §4.4), rather than jumping straight to the next tier.
			for {
				handle, err := p.NextUpstream(ctx)
				if err != nil {
					mergeRetry(&earliestRetry, &haveRetry, err)
					break
				}

				result, rpcErr := handle.Conn.Request(ctx, req.Method, req.Params)
				backendName := handle.Conn.Name()
				usedBackup := handle.Conn.Backup()
				handle.Release()

				if rpcErr != nil {
					if ge, ok := asGethError(rpcErr); ok {
						// BackendJsonRpc: authoritative, do not retry elsewhere.
						return &Result{
							Response:     jsonrpc.NewError(req.ID, ge.ErrorCode(), ge.Error(), marshalErrorData(ge)),
							BackendNames: []string{backendName},
							UsedBackup:   usedBackup,
						}
					}
					// BackendTransport: try another backend in this pool.
					slog.Warn("backend transport error", "backend", backendName, "method", req.Method, "error", rpcErr)
					continue
				}

				if keyErr == nil {
					d.cache.Insert(key, result)
				}
				return &Result{
					Response:     jsonrpc.NewResult(req.ID, result),
					BackendNames: []string{backendName},
					UsedBackup:   usedBackup,
				}
			}
		}

		if time.Now().After(deadline) {
			if haveRetry {
				data, _ := json.Marshal(map[string]any{"retry_at": earliestRetry})
				return &Result{Response: jsonrpc.NewError(req.ID, jsonrpc.CodeRateLimited, "rate limited", data)}
			}
			return &Result{Response: jsonrpc.NewError(req.ID, jsonrpc.CodeInternal, "no servers in sync", nil)}
		}

		if !haveRetry {
			return &Result{Response: jsonrpc.NewError(req.ID, jsonrpc.CodeInternal, "no servers in sync", nil)}
		}

		wait := time.Until(earliestRetry)
		if wait < 0 {
			wait = 0
		}
		if remaining := time.Until(deadline); wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return &Result{Response: jsonrpc.NewError(req.ID, jsonrpc.CodeInternal, ctx.Err().Error(), nil)}
		case <-time.After(wait):
		}
	}
}

// dispatchPrivate implements the private-transaction broadcast path:
// admission on every private backend simultaneously, parallel fanout,
// first success wins. The cache is never consulted or populated
// (spec.md §4.6).
func (d *Dispatcher) dispatchPrivate(ctx context.Context, req jsonrpc.Request) *Result {
	deadline := time.Now().Add(d.cfg.MaxRetryWait)

	for {
		handles, earliestRetry, haveRetry := d.admitAll(ctx, d.private)

		if len(handles) > 0 {
			names := make([]string, 0, len(handles))
			usedBackup := false
			for _, h := range handles {
				names = append(names, h.Conn.Name())
				usedBackup = usedBackup || h.Conn.Backup()
			}

			resultCh := pool.TrySendParallel(ctx, handles, req.Method, req.Params)

			// Stop reading as soon as the first OK arrives — resultCh is
			// buffered to len(handles) (pool.TrySendParallel), so the
			// still-running producers never block on their send even
			// though nothing reads them after we break (spec.md §9
			// "Parallel-fanout result discipline": the consumer stops
			// reading after the first OK).
			var lastErr error
			var winner *Result
			for res := range resultCh {
				if res.Err == nil {
					winner = &Result{
						Response:     jsonrpc.NewResult(req.ID, res.Result),
						BackendNames: names,
						UsedBackup:   usedBackup,
					}
					break
				}
				lastErr = res.Err
			}
			for _, h := range handles {
				h.Release()
			}
			if winner != nil {
				return winner
			}
			if lastErr != nil {
				slog.Warn("private fanout: all backends failed", "method", req.Method, "error", lastErr)
			}
		}

		if time.Now().After(deadline) {
			if haveRetry {
				data, _ := json.Marshal(map[string]any{"retry_at": earliestRetry})
				return &Result{Response: jsonrpc.NewError(req.ID, jsonrpc.CodeRateLimited, "rate limited", data)}
			}
			return &Result{Response: jsonrpc.NewError(req.ID, jsonrpc.CodeInternal, "no private servers available", nil)}
		}

		wait := time.Until(earliestRetry)
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return &Result{Response: jsonrpc.NewError(req.ID, jsonrpc.CodeInternal, ctx.Err().Error(), nil)}
		case <-time.After(wait):
		}
	}
}

// admitAll tries to acquire a handle on every connection in p
// simultaneously, per spec.md §4.4's parallel-fanout mode.
func (d *Dispatcher) admitAll(ctx context.Context, p *pool.Pool) (handles []*pool.Handle, earliestRetry time.Time, haveRetry bool) {
	for _, c := range p.Connections() {
		release, err := c.TryAdmit(ctx)
		if err != nil {
			mergeRetryFromConn(&earliestRetry, &haveRetry, err)
			continue
		}
		handles = append(handles, pool.NewHandle(c, release))
	}
	return handles, earliestRetry, haveRetry
}

func (d *Dispatcher) allPoolsInOrder() []*pool.Pool {
	if d.private == nil {
		return d.tiers
	}
	all := make([]*pool.Pool, 0, len(d.tiers)+1)
	all = append(all, d.tiers...)
	all = append(all, d.private)
	return all
}

func mergeRetry(earliest *time.Time, have *bool, err error) {
	var rl *pool.RetryAtError
	if errors.As(err, &rl) {
		if !*have || rl.At.Before(*earliest) {
			*earliest = rl.At
			*have = true
		}
	}
}

func mergeRetryFromConn(earliest *time.Time, have *bool, err error) {
	var rl *backend.ErrRateLimited
	if errors.As(err, &rl) {
		if !*have || rl.RetryAt.Before(*earliest) {
			*earliest = rl.RetryAt
			*have = true
		}
	}
}

func asGethError(err error) (gethrpc.Error, bool) {
	var ge gethrpc.Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

func marshalErrorData(ge gethrpc.Error) json.RawMessage {
	if de, ok := ge.(gethrpc.DataError); ok {
		if b, err := json.Marshal(de.ErrorData()); err == nil {
			return b
		}
	}
	return nil
}
