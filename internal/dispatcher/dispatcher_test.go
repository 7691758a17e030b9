package dispatcher

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"rpcgateway/internal/cache"
	"rpcgateway/internal/jsonrpc"
	"rpcgateway/internal/pool"
)

func mustRequest(t *testing.T, id, method, params string) jsonrpc.Request {
	t.Helper()
	body := `{"jsonrpc":"2.0","id":` + id + `,"method":"` + method + `"`
	if params != "" {
		body += `,"params":` + params
	}
	body += `}`
	var req jsonrpc.Request
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("building test request: %v", err)
	}
	return req
}

// TestDispatchCacheHitSkipsBackends exercises scenario S1: a cached
// response short-circuits the tier walk entirely, so BackendNames stays
// empty and the reply carries no upstream round trip.
func TestDispatchCacheHitSkipsBackends(t *testing.T) {
	var best atomic.Uint64
	best.Store(42)

	c := cache.New(16)
	key, err := cache.NewKey(42, "eth_blockNumber", nil)
	if err != nil {
		t.Fatal(err)
	}
	c.Insert(key, json.RawMessage(`"0x2a"`))

	d := New(1, &best, nil, nil, c, Config{})

	req := mustRequest(t, "1", "eth_blockNumber", "")
	res := d.DispatchSingle(context.Background(), req)

	if res.Response.Error != nil {
		t.Fatalf("expected success, got error %+v", res.Response.Error)
	}
	if string(res.Response.Result) != `"0x2a"` {
		t.Errorf("expected cached result, got %s", res.Response.Result)
	}
	if len(res.BackendNames) != 0 {
		t.Errorf("expected no backend round trip on a cache hit, got %v", res.BackendNames)
	}
}

// TestDispatchNoSyncedTierReturnsInternalError covers the "no servers in
// sync" branch when every configured pool reports HeadSynced() == false.
func TestDispatchNoSyncedTierReturnsInternalError(t *testing.T) {
	var best atomic.Uint64
	best.Store(100)

	emptyPool := pool.New(1, 0, &best, nil)
	d := New(1, &best, []*pool.Pool{emptyPool}, nil, cache.New(16), Config{})

	req := mustRequest(t, "1", "eth_blockNumber", "")
	res := d.DispatchSingle(context.Background(), req)

	if res.Response.Error == nil {
		t.Fatal("expected an error response when no tier is synced")
	}
	if res.Response.Error.Code != jsonrpc.CodeInternal {
		t.Errorf("expected internal error code, got %d", res.Response.Error.Code)
	}
}

// TestDispatchBatchPreservesOrderAndIDs covers scenario S6: a batch's
// replies line up with their requests' ids, including mixed numeric and
// string ids, regardless of goroutine completion order.
func TestDispatchBatchPreservesOrderAndIDs(t *testing.T) {
	var best atomic.Uint64
	best.Store(7)

	d := New(1, &best, nil, nil, cache.New(16), Config{})

	ids := []string{`1`, `"abc"`, `3`}
	reqs := make([]jsonrpc.Request, len(ids))
	for i, id := range ids {
		reqs[i] = mustRequest(t, id, "eth_blockNumber", "")
	}

	rb := &jsonrpc.RequestOrBatch{Batch: reqs}
	batchOrSingle, _ := d.Dispatch(context.Background(), rb)

	if len(batchOrSingle.Batch) != len(ids) {
		t.Fatalf("expected %d responses, got %d", len(ids), len(batchOrSingle.Batch))
	}
	for i, id := range ids {
		if string(batchOrSingle.Batch[i].ID) != id {
			t.Errorf("response %d: expected id %s, got %s", i, id, batchOrSingle.Batch[i].ID)
		}
	}
}

// TestNoPrivatePoolFallsThroughToStandard covers the warn-once branch:
// a transaction broadcast with no private pool configured still goes
// through the standard tiered path instead of panicking or blocking
// forever.
func TestNoPrivatePoolFallsThroughToStandard(t *testing.T) {
	var best atomic.Uint64
	best.Store(5)

	emptyPool := pool.New(1, 0, &best, nil)
	d := New(1, &best, []*pool.Pool{emptyPool}, nil, cache.New(16), Config{})

	req := mustRequest(t, "1", TxBroadcastMethod, `["0xdeadbeef"]`)
	res := d.DispatchSingle(context.Background(), req)

	if res.Response.Error == nil {
		t.Fatal("expected an error response since the empty pool has no synced backend")
	}
}
