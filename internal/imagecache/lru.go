package imagecache

import "container/list"

// EvictFunc is called synchronously for every entry pushed out of an LRU.
type EvictFunc[V any] func(key string, val V)

// LRU is a fixed-capacity least-recently-used cache. It is not safe for
// concurrent use.
type LRU[V any] struct {
	queue    *list.List
	items    map[string]*list.Element
	capacity int
	onEvict  EvictFunc[V]
}

type entry[V any] struct {
	key string
	val V
}

// NewLRU creates an LRU holding at most capacity entries (minimum 1).
func NewLRU[V any](capacity int, onEvict EvictFunc[V]) *LRU[V] {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU[V]{
		queue:    list.New(),
		items:    make(map[string]*list.Element, capacity),
		capacity: capacity,
		onEvict:  onEvict,
	}
}

// Get returns the value for key and marks it most recently used.
func (c *LRU[V]) Get(key string) (V, bool) {
	if el, ok := c.items[key]; ok {
		c.queue.MoveToFront(el)
		return el.Value.(*entry[V]).val, true
	}
	var zero V
	return zero, false
}

// Contains reports presence without touching recency.
func (c *LRU[V]) Contains(key string) bool {
	_, ok := c.items[key]
	return ok
}

// Set inserts or replaces key and evicts from the tail while over capacity.
func (c *LRU[V]) Set(key string, val V) {
	if el, ok := c.items[key]; ok {
		el.Value.(*entry[V]).val = val
		c.queue.MoveToFront(el)
		return
	}

	c.items[key] = c.queue.PushFront(&entry[V]{key: key, val: val})
	for c.queue.Len() > c.capacity {
		c.evictOldest()
	}
}

// Remove drops key without calling the eviction callback.
func (c *LRU[V]) Remove(key string) bool {
	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.queue.Remove(el)
	delete(c.items, key)
	return true
}

// Clear evicts every entry, oldest first.
func (c *LRU[V]) Clear() {
	for c.queue.Len() > 0 {
		c.evictOldest()
	}
}

// Len returns the number of entries.
func (c *LRU[V]) Len() int {
	return c.queue.Len()
}

// Cap returns the configured capacity.
func (c *LRU[V]) Cap() int {
	return c.capacity
}

func (c *LRU[V]) evictOldest() {
	back := c.queue.Back()
	if back == nil {
		return
	}
	c.queue.Remove(back)
	e := back.Value.(*entry[V])
	delete(c.items, e.key)
	c.notify(e)
}

func (c *LRU[V]) notify(e *entry[V]) {
	if c.onEvict == nil {
		return
	}
	// a diagnostics callback must never break the cache
	defer func() { _ = recover() }()
	c.onEvict(e.key, e.val)
}
