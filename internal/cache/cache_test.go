package cache

import (
	"encoding/json"
	"testing"
)

func TestGetIdempotent(t *testing.T) {
	c := New(10)
	k, _ := NewKey(100, "eth_blockNumber", nil)
	c.Insert(k, json.RawMessage(`"0x64"`))

	v1, ok1 := c.Get(k)
	v2, ok2 := c.Get(k)
	if !ok1 || !ok2 {
		t.Fatal("expected both reads to hit")
	}
	if string(v1) != string(v2) {
		t.Errorf("expected idempotent reads, got %s vs %s", v1, v2)
	}
}

func TestCacheMiss(t *testing.T) {
	c := New(10)
	k, _ := NewKey(100, "eth_blockNumber", nil)
	if _, ok := c.Get(k); ok {
		t.Fatal("expected miss on empty cache")
	}
}

func TestInsertionOrderEviction(t *testing.T) {
	c := New(2)
	k1, _ := NewKey(1, "m", nil)
	k2, _ := NewKey(2, "m", nil)
	k3, _ := NewKey(3, "m", nil)

	c.Insert(k1, json.RawMessage(`1`))
	c.Insert(k2, json.RawMessage(`2`))
	c.Insert(k3, json.RawMessage(`3`)) // should evict k1

	if _, ok := c.Get(k1); ok {
		t.Error("expected k1 to be evicted as the oldest entry")
	}
	if _, ok := c.Get(k2); !ok {
		t.Error("expected k2 to survive")
	}
	if _, ok := c.Get(k3); !ok {
		t.Error("expected k3 to survive")
	}
	if c.Len() != 2 {
		t.Errorf("expected capacity-bound length 2, got %d", c.Len())
	}
}

func TestKeyCanonicalizationStable(t *testing.T) {
	k1, err := NewKey(1, "m", json.RawMessage(`[{"b":1,"a":2}]`))
	if err != nil {
		t.Fatal(err)
	}
	k2, err := NewKey(1, "m", json.RawMessage(`[{"a":2,"b":1}]`))
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 {
		t.Errorf("expected keys to be equal regardless of object key order: %+v vs %+v", k1, k2)
	}
}

func TestDifferentHeadBlockDifferentKey(t *testing.T) {
	k1, _ := NewKey(100, "eth_blockNumber", nil)
	k2, _ := NewKey(101, "eth_blockNumber", nil)
	if k1 == k2 {
		t.Error("expected different head blocks to produce different keys")
	}
}
