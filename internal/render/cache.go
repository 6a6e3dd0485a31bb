package render

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sells-group/census-loader/internal/census"
)

// CacheKey identifies a rendered map response. Zoom levels that resolve to
// the same tier share /bins entries; Variant carries the remaining request
// parts (method, class count, map type, or zoom and bounding box).
type CacheKey struct {
	Route    string
	Boundary census.Resolution
	Table    string // census table code, without the boundary prefix
	Stat     string
	Variant  string
}

// ResponseCache holds rendered /bins and /boundaries bodies, bounded by entry
// count and by total body size. Entries expire after the TTL.
type ResponseCache struct {
	mu         sync.Mutex // serialises writers so size accounting follows the LRU
	lru        *expirable.LRU[CacheKey, []byte]
	maxEntries int
	maxBytes   int64 // 0 = no size bound
	bytes      atomic.Int64
	hits       atomic.Int64
	misses     atomic.Int64
}

// CacheStats contains cache performance statistics.
type CacheStats struct {
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"max_entries"`
	Bytes      int64   `json:"bytes"`
	MaxBytes   int64   `json:"max_bytes"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
}

// NewResponseCache creates a cache of up to maxEntries bodies totalling at
// most maxBytes, each kept for ttl. A maxEntries below one disables it.
func NewResponseCache(maxEntries int, maxBytes int64, ttl time.Duration) *ResponseCache {
	c := &ResponseCache{maxEntries: maxEntries, maxBytes: maxBytes}
	size := max(maxEntries, 1)
	c.lru = expirable.NewLRU[CacheKey, []byte](size, c.release, ttl)
	return c
}

// release runs whenever the LRU drops an entry: eviction, expiry or removal.
func (c *ResponseCache) release(_ CacheKey, data []byte) {
	c.bytes.Add(-int64(len(data)))
}

// Get returns the cached body for key, or nil.
func (c *ResponseCache) Get(key CacheKey) []byte {
	data, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil
	}
	c.hits.Add(1)
	return data
}

// Put stores data under key. Bodies larger than the whole byte budget are not
// cached; otherwise least recently used entries are dropped until both
// bounds hold.
func (c *ResponseCache) Put(key CacheKey, data []byte) {
	size := int64(len(data))
	if c.maxEntries < 1 || (c.maxBytes > 0 && size > c.maxBytes) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Remove(key)
	c.bytes.Add(size)
	c.lru.Add(key, data)
	for c.maxBytes > 0 && c.bytes.Load() > c.maxBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}

// Invalidate drops the entries of one boundary and census table code. An
// empty boundary or table matches every value. It returns the number of
// entries removed.
func (c *ResponseCache) Invalidate(boundary census.Resolution, table string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	for _, k := range c.lru.Keys() {
		if boundary != "" && k.Boundary != boundary {
			continue
		}
		if table != "" && k.Table != table {
			continue
		}
		if c.lru.Remove(k) {
			n++
		}
	}
	return n
}

// Stats returns cache performance statistics.
func (c *ResponseCache) Stats() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return CacheStats{
		Entries:    c.lru.Len(),
		MaxEntries: c.maxEntries,
		Bytes:      c.bytes.Load(),
		MaxBytes:   c.maxBytes,
		Hits:       hits,
		Misses:     misses,
		HitRate:    hitRate,
	}
}
