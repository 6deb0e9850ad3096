package rag

import (
	"sync"
	"time"
)

// DefaultAnswerTTL bounds how long a cached answer stays servable.
const DefaultAnswerTTL = time.Hour

// CacheStats is the observable health of the answer cache.
type CacheStats struct {
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	Requests int64   `json:"requests"`
	HitRate  float64 `json:"hit_rate"`
	MissRate float64 `json:"miss_rate"`
	Size     int     `json:"size"`
}

type answerEntry struct {
	answer    Answer
	timestamp time.Time
}

// AnswerCache maps canonical query keys to deep-copied answers, counting
// hits and misses. Expired entries are pruned lazily on reads.
type AnswerCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]answerEntry
	hits    int64
	misses  int64
	clock   func() time.Time
}

// NewAnswerCache builds a cache with the given TTL; non-positive TTLs fall
// back to DefaultAnswerTTL.
func NewAnswerCache(ttl time.Duration) *AnswerCache {
	if ttl <= 0 {
		ttl = DefaultAnswerTTL
	}
	return &AnswerCache{
		ttl:     ttl,
		entries: make(map[string]answerEntry),
		clock:   time.Now,
	}
}

// WithClock overrides the time source, used in tests.
func (c *AnswerCache) WithClock(clock func() time.Time) *AnswerCache {
	c.clock = clock
	return c
}

// Put stores a deep copy of the answer under key.
func (c *AnswerCache) Put(key string, answer Answer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = answerEntry{answer: answer.Clone(), timestamp: c.clock()}
}

// Get returns a deep copy of the cached answer and counts the hit or miss.
func (c *AnswerCache) Get(key string) (Answer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return Answer{}, false
	}
	c.hits++
	return entry.answer.Clone(), true
}

// Stats returns the current counters and derived rates.
func (c *AnswerCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	stats := CacheStats{
		Hits:     c.hits,
		Misses:   c.misses,
		Requests: c.hits + c.misses,
		Size:     len(c.entries),
	}
	if stats.Requests > 0 {
		stats.HitRate = float64(stats.Hits) / float64(stats.Requests)
		stats.MissRate = float64(stats.Misses) / float64(stats.Requests)
	}
	return stats
}

func (c *AnswerCache) pruneLocked() {
	now := c.clock()
	for key, entry := range c.entries {
		if now.Sub(entry.timestamp) > c.ttl {
			delete(c.entries, key)
		}
	}
}
