// Package edgecache is the URL-keyed response cache fronting the
// sequencer tier. It stores materialized 200 responses plus short-TTL
// coalescer sentinels, evicting least-recently-used entries.
package edgecache

import (
	"container/list"
	"net/http"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
)

var mon = monkit.Package()

// DefaultMaxEntries bounds the cache when no capacity is configured.
const DefaultMaxEntries = 65536

// Entry is one cached response. A zero ExpiresAt never expires (the
// LRU still evicts it); sentinels carry a short TTL.
type Entry struct {
	Status    int
	Header    http.Header
	Body      []byte
	ETag      string
	ExpiresAt time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Cache is a thread-safe LRU response cache.
type Cache struct {
	mu      sync.Mutex
	max     int
	entries map[string]*list.Element
	order   *list.List // front is most recent
	now     func() time.Time
}

type cacheItem struct {
	key   string
	entry *Entry
}

// New creates a cache bounded to maxEntries (DefaultMaxEntries when
// zero).
func New(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		max:     maxEntries,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// Get returns the entry at key, promoting it. Expired entries are
// removed and reported as missing.
func (c *Cache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	item := el.Value.(*cacheItem)
	if item.entry.expired(c.now()) {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return item.entry, true
}

// Put stores or replaces the entry at key, evicting from the LRU tail
// when over capacity.
func (c *Cache) Put(key string, entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheItem).entry = entry
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&cacheItem{key: key, entry: entry})
	for c.order.Len() > c.max {
		tail := c.order.Back()
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(*cacheItem).key)
		mon.Counter("cache_evict").Inc(1)
	}
}

// Delete removes the entry at key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// Len reports the number of live entries, counting expired ones until
// their next Get.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
