package whois

import (
	"maps"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultCacheCapacity bounds a run's cache.
const DefaultCacheCapacity = 500

// Cache is a bounded address to Result memo. When full, the oldest inserted
// key is evicted first; reads use Peek so they never refresh an entry's
// position, which turns the LRU list into insertion order.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  *simplelru.LRU[string, *Result]
}

// NewCache returns an empty cache. A non-positive capacity uses DefaultCacheCapacity.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &Cache{capacity: capacity, entries: newEntries(capacity)}
}

func newEntries(capacity int) *simplelru.LRU[string, *Result] {
	entries, err := simplelru.NewLRU[string, *Result](capacity, nil)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return entries
}

// Get returns a copy of the cached result for ip.
func (c *Cache) Get(ip string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries.Peek(ip)
	if !ok {
		return Result{}, false
	}
	return r.clone(), true
}

// Put stores a copy of r under ip. Re-putting an existing key overwrites the value
// without changing its eviction position.
func (c *Cache) Put(ip string, r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r = r.clone()
	if existing, ok := c.entries.Peek(ip); ok {
		*existing = r
		return
	}
	c.entries.Add(ip, &r)
}

func (r Result) clone() Result {
	r.Fields = maps.Clone(r.Fields)
	return r
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}
