// Package cache holds small in-process caches for hot, immutable lookups.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// LRU is a bounded least-recently-used cache whose entries expire after a
// fixed TTL. It is safe for concurrent use.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	byKey    map[K]*list.Element
	recency  *list.List // front is most recently used
	now      func() time.Time
}

type item[K comparable, V any] struct {
	key     K
	value   V
	expires time.Time
}

// NewLRU panics on a non-positive capacity; a zero ttl keeps entries until
// they are evicted for space.
func NewLRU[K comparable, V any](capacity int, ttl time.Duration) *LRU[K, V] {
	if capacity <= 0 {
		panic("cache: capacity must be positive")
	}
	return &LRU[K, V]{
		capacity: capacity,
		ttl:      ttl,
		byKey:    make(map[K]*list.Element, capacity),
		recency:  list.New(),
		now:      time.Now,
	}
}

func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.byKey[key]
	if !ok {
		return zero, false
	}
	it := elem.Value.(*item[K, V])
	if c.expired(it) {
		c.drop(elem)
		return zero, false
	}
	c.recency.MoveToFront(elem)
	return it.value, true
}

func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if elem, ok := c.byKey[key]; ok {
		it := elem.Value.(*item[K, V])
		it.value, it.expires = value, expires
		c.recency.MoveToFront(elem)
		return
	}
	for c.recency.Len() >= c.capacity {
		c.drop(c.recency.Back())
	}
	c.byKey[key] = c.recency.PushFront(&item[K, V]{key: key, value: value, expires: expires})
}

// Len counts entries, including expired ones not yet touched.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len()
}

func (c *LRU[K, V]) expired(it *item[K, V]) bool {
	return c.ttl > 0 && c.now().After(it.expires)
}

func (c *LRU[K, V]) drop(elem *list.Element) {
	c.recency.Remove(elem)
	delete(c.byKey, elem.Value.(*item[K, V]).key)
}
