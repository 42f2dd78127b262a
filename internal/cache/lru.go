package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/paperdex/resource"
)

// Key identifies a cached block: a blob name plus a block offset.
type Key struct {
	Path   string
	Offset uint64
}

// LRU is a byte-bounded least-recently-used cache. Values are treated as
// immutable by both the cache and its callers.
type LRU struct {
	mu        sync.Mutex
	capacity  int64
	size      int64
	items     map[Key]*list.Element
	evictList *list.List
	rc        *resource.Controller

	hits   atomic.Int64
	misses atomic.Int64
}

type entry struct {
	key   Key
	value []byte
}

// NewLRU creates a cache holding at most capacity bytes. When rc is non-nil,
// cached bytes are also reserved against its memory budget and entries that
// cannot be reserved are not admitted.
func NewLRU(capacity int64, rc *resource.Controller) *LRU {
	return &LRU{
		capacity:  capacity,
		items:     make(map[Key]*list.Element),
		evictList: list.New(),
		rc:        rc,
	}
}

// Get returns a cached block.
func (c *LRU) Get(key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.hits.Add(1)
		c.evictList.MoveToFront(el)
		return el.Value.(*entry).value, true
	}
	c.misses.Add(1)
	return nil, false
}

// Set caches a block. Blocks larger than the capacity are ignored.
func (c *LRU) Set(key Key, b []byte) {
	n := int64(len(b))
	if n > c.capacity {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.evictList.MoveToFront(el)
		return
	}

	for c.size+n > c.capacity {
		if !c.evictOldest() {
			break
		}
	}
	if !c.rc.TryAcquireMemory(n) {
		return
	}

	c.items[key] = c.evictList.PushFront(&entry{key: key, value: b})
	c.size += n
}

// Invalidate removes entries for which pred returns true.
func (c *LRU) Invalidate(pred func(Key) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, el := range c.items {
		if pred(key) {
			c.remove(el)
		}
	}
}

// Len returns the number of cached blocks.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Size returns the number of cached bytes.
func (c *LRU) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Stats returns cache statistics.
func (c *LRU) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *LRU) evictOldest() bool {
	el := c.evictList.Back()
	if el == nil {
		return false
	}
	c.remove(el)
	return true
}

func (c *LRU) remove(el *list.Element) {
	ent := el.Value.(*entry)
	c.evictList.Remove(el)
	delete(c.items, ent.key)
	n := int64(len(ent.value))
	c.size -= n
	c.rc.ReleaseMemory(n)
}
