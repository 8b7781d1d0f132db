// Package resultcache provides a bounded, time-limited cache of existence
// check results, so repeated lookups for the same content hash within the TTL
// window avoid a remote call.
package resultcache

import (
	"container/list"
	"sync"
	"time"

	sigcache "github.com/wolfeidau/sigcache"
)

const (
	defaultMaxEntries = 10_000
	defaultTTL        = 5 * time.Minute
)

// Config holds cache limits.
type Config struct {
	// MaxEntries bounds the cache size. When full, the least recently used
	// entry is evicted. Default 10,000.
	MaxEntries int

	// TTL is how long an entry stays valid (default 5 minutes). The TTL is
	// a tunable, deliberately independent of the backend's consistency
	// window.
	TTL time.Duration
}

type entry struct {
	hash      sigcache.ContentHash
	exists    bool
	expiresAt time.Time
}

// Cache is a mutex-guarded LRU with absolute entry expiry. Expired entries
// are evicted lazily on read. Safe for concurrent use; per-key updates are
// independent.
type Cache struct {
	maxEntries int
	ttl        time.Duration
	now        func() time.Time

	mu      sync.Mutex
	entries map[sigcache.ContentHash]*list.Element
	lru     *list.List // front = most recently used
}

// New creates a cache with the given limits.
func New(cfg Config) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	return &Cache{
		maxEntries: cfg.MaxEntries,
		ttl:        cfg.TTL,
		now:        time.Now,
		entries:    make(map[sigcache.ContentHash]*list.Element),
		lru:        list.New(),
	}
}

// Get returns the cached existence result for hash. The second return is
// false on miss or expiry; expired entries are removed on read.
func (c *Cache) Get(hash sigcache.ContentHash) (exists, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, found := c.entries[hash]
	if !found {
		return false, false
	}

	ent := elem.Value.(*entry)
	if !ent.expiresAt.After(c.now()) {
		c.removeLocked(elem)
		return false, false
	}

	c.lru.MoveToFront(elem)
	return ent.exists, true
}

// Put stores an existence result with expiry now+TTL, overwriting any
// previous entry for the hash.
func (c *Cache) Put(hash sigcache.ContentHash, exists bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)

	if elem, found := c.entries[hash]; found {
		ent := elem.Value.(*entry)
		ent.exists = exists
		ent.expiresAt = expiresAt
		c.lru.MoveToFront(elem)
		return
	}

	elem := c.lru.PushFront(&entry{hash: hash, exists: exists, expiresAt: expiresAt})
	c.entries[hash] = elem

	for c.lru.Len() > c.maxEntries {
		c.removeLocked(c.lru.Back())
	}
}

// Invalidate drops the entry for hash, if any.
func (c *Cache) Invalidate(hash sigcache.ContentHash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, found := c.entries[hash]; found {
		c.removeLocked(elem)
	}
}

// Clear drops everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[sigcache.ContentHash]*list.Element)
	c.lru.Init()
}

// Len returns the current entry count, including entries that have expired
// but not yet been read.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// removeLocked unlinks an element. Caller holds c.mu.
func (c *Cache) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	ent := elem.Value.(*entry)
	delete(c.entries, ent.hash)
	c.lru.Remove(elem)
}
