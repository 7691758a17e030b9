// Package cache implements the C5 component: a bounded, head-block-keyed
// response cache. Entries are evicted in insertion order once the cache
// exceeds its capacity; there is no per-entry TTL because a new head
// block naturally produces a disjoint key space (spec.md §4.5).
package cache

import (
	"container/list"
	"encoding/json"
	"sync"

	"rpcgateway/internal/jsonrpc"
)

// Key identifies a cached response by the head block it was produced
// under, the method name, and the canonicalized params string.
type Key struct {
	HeadBlock uint64
	Method    string
	Params    string
}

// NewKey canonicalizes params via jsonrpc.CanonicalParams so the same
// logical call always hashes to the same Key regardless of the client's
// (or an intermediate JSON library's) object key ordering.
func NewKey(headBlock uint64, method string, params json.RawMessage) (Key, error) {
	canon, err := jsonrpc.CanonicalParams(params)
	if err != nil {
		return Key{}, err
	}
	return Key{HeadBlock: headBlock, Method: method, Params: canon}, nil
}

type entry struct {
	key      Key
	response json.RawMessage
	elem     *list.Element
}

// Cache is the C5 component. Reads never block; writes use a
// non-waiting TryLock and are skipped outright on contention, since a
// cache miss only costs an extra backend round trip (spec.md §4.5,
// §5 "Response cache: read-write lock, writers non-blocking").
type Cache struct {
	mu       sync.RWMutex
	capacity int
	entries  map[Key]*entry
	order    *list.List // front = oldest
}

func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[Key]*entry, capacity),
		order:    list.New(),
	}
}

// Get is a non-blocking read. Concurrent Get calls never block each
// other or a concurrent Insert.
func (c *Cache) Get(key Key) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.response, true
}

// Insert attempts to add or overwrite an entry. If the write lock is
// currently held by another writer, the insert is skipped — the cache
// is a speed-up, never a correctness requirement (spec.md §4.5).
func (c *Cache) Insert(key Key, response json.RawMessage) {
	if !c.mu.TryLock() {
		return
	}
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok {
		existing.response = response
		c.order.MoveToBack(existing.elem)
		return
	}

	e := &entry{key: key, response: response}
	e.elem = c.order.PushBack(e)
	c.entries[key] = e

	for len(c.entries) > c.capacity {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).key)
	}
}

// Len reports the number of cached entries, for metrics/tests.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
