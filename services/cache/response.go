package cache

import (
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/upb/llm-resilience/services/providers"
)

// Key identifies a completed, non-streamed chat response
type Key uint64

// KeyFor hashes everything that influences the provider's answer
func KeyFor(providerID, model string, req *providers.ChatRequest) Key {
	d := xxhash.New()
	write := func(s string) {
		d.WriteString(s)
		d.Write([]byte{0})
	}
	write(providerID)
	write(model)
	write(strconv.Itoa(req.MaxTokens))
	write(strconv.FormatFloat(req.Temperature, 'g', -1, 64))
	for _, m := range req.Messages {
		write(m.Role)
		write(m.Content)
	}
	return Key(d.Sum64())
}

// entry is a single cached response with TTL
type entry struct {
	text       string
	provider   string
	insertedAt time.Time
}

// Hit is what Get returns on success
type Hit struct {
	Text     string
	Provider string
}

// Stats represents cache statistics
type Stats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// ResponseCache is an in-memory LRU cache with TTL for chat responses.
// A zero TTL or size disables it.
type ResponseCache struct {
	mu      sync.Mutex
	lru     *simplelru.LRU
	maxSize int
	ttl     time.Duration
	hits    uint64
	misses  uint64
	now     func() time.Time
}

// New creates a ResponseCache with the given capacity and TTL
func New(maxSize int, ttl time.Duration) *ResponseCache {
	c := &ResponseCache{
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
	if maxSize > 0 {
		// only fails for a non-positive size
		c.lru, _ = simplelru.NewLRU(maxSize, nil)
	}
	return c
}

// Enabled reports whether the cache stores anything
func (c *ResponseCache) Enabled() bool {
	return c != nil && c.ttl > 0 && c.lru != nil
}

// Get returns the cached response for key if present and fresh
func (c *ResponseCache) Get(key Key) (Hit, bool) {
	if !c.Enabled() {
		return Hit{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return Hit{}, false
	}
	e := v.(*entry)
	if c.expired(e, c.now()) {
		c.lru.Remove(key)
		c.misses++
		return Hit{}, false
	}

	c.hits++
	return Hit{Text: e.text, Provider: e.provider}, true
}

// Set stores a response, evicting the least recently used entry when full
func (c *ResponseCache) Set(key Key, provider, text string) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Add(key, &entry{text: text, provider: provider, insertedAt: c.now()})
}

// Clear removes all entries from the cache
func (c *ResponseCache) Clear() {
	if c == nil || c.lru == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Purge()
}

// Stats returns cache statistics
func (c *ResponseCache) Stats() Stats {
	if c == nil || c.lru == nil {
		return Stats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{Size: c.lru.Len(), MaxSize: c.maxSize, Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// CleanupExpired removes all expired entries and returns how many were dropped
func (c *ResponseCache) CleanupExpired() int {
	if !c.Enabled() {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, key := range c.lru.Keys() {
		// Peek leaves recency untouched
		if v, ok := c.lru.Peek(key); ok && c.expired(v.(*entry), now) {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// StartCleanupWorker periodically drops expired entries until stopCh closes
func (c *ResponseCache) StartCleanupWorker(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanupExpired()
		case <-stopCh:
			return
		}
	}
}

func (c *ResponseCache) expired(e *entry, now time.Time) bool {
	return now.Sub(e.insertedAt) > c.ttl
}
