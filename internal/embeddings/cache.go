package embeddings

import (
	"container/list"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"
)

// Cache is an LRU embedding cache with TTL. Keys are SHA-256 digests of the
// input text so arbitrarily long inputs stay bounded.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	lru     *list.List
	maxSize int
	ttl     time.Duration

	hits      int64
	misses    int64
	evictions int64
}

type cacheEntry struct {
	key       string
	value     []float64
	element   *list.Element
	createdAt time.Time
}

// NewCache creates an LRU cache with the given capacity and entry TTL
func NewCache(maxSize int, ttl time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{
		entries: make(map[string]*cacheEntry),
		lru:     list.New(),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

func hashKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", sum)
}

// Get returns a copy of the cached vector for the text, if fresh
func (c *Cache) Get(text string) ([]float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[hashKey(text)]
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Since(entry.createdAt) > c.ttl {
		c.remove(entry)
		c.misses++
		return nil, false
	}

	c.lru.MoveToFront(entry.element)
	c.hits++

	out := make([]float64, len(entry.value))
	copy(out, entry.value)
	return out, true
}

// Set stores a vector for the text, evicting the oldest entries past capacity
func (c *Cache) Set(text string, vector []float64) {
	if len(vector) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := hashKey(text)
	if entry, ok := c.entries[key]; ok {
		entry.value = append([]float64(nil), vector...)
		entry.createdAt = time.Now()
		c.lru.MoveToFront(entry.element)
		return
	}

	entry := &cacheEntry{
		key:       key,
		value:     append([]float64(nil), vector...),
		createdAt: time.Now(),
	}
	entry.element = c.lru.PushFront(entry)
	c.entries[key] = entry

	for c.lru.Len() > c.maxSize {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest.Value.(*cacheEntry))
		c.evictions++
	}
}

func (c *Cache) remove(entry *cacheEntry) {
	delete(c.entries, entry.key)
	c.lru.Remove(entry.element)
}

// CacheStats reports cache performance counters.
type CacheStats struct {
	Size      int     `json:"size"`
	MaxSize   int     `json:"max_size"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// Stats returns a snapshot of the cache counters
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return CacheStats{
		Size:      c.lru.Len(),
		MaxSize:   c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		HitRate:   rate,
	}
}
