package rag

import (
	"sync"
	"time"
)

// DefaultOfflineTTL bounds how long an offline response stays servable.
const DefaultOfflineTTL = time.Hour

type offlineEntry struct {
	value     map[string]any
	timestamp time.Time
}

// OfflineCache maps canonical request keys to serialized response payloads.
// Expired entries are pruned lazily on reads.
type OfflineCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]offlineEntry
	clock   func() time.Time
}

// NewOfflineCache builds a cache with the given TTL; non-positive TTLs fall
// back to DefaultOfflineTTL.
func NewOfflineCache(ttl time.Duration) *OfflineCache {
	if ttl <= 0 {
		ttl = DefaultOfflineTTL
	}
	return &OfflineCache{
		ttl:     ttl,
		entries: make(map[string]offlineEntry),
		clock:   time.Now,
	}
}

// WithClock overrides the time source, used in tests.
func (c *OfflineCache) WithClock(clock func() time.Time) *OfflineCache {
	c.clock = clock
	return c
}

// Put stores the payload under key with the current timestamp.
func (c *OfflineCache) Put(key string, value map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = offlineEntry{value: value, timestamp: c.clock()}
}

// Get returns the payload for key after pruning expired entries.
func (c *OfflineCache) Get(key string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return entry.value, true
}

// Size returns the live entry count.
func (c *OfflineCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	return len(c.entries)
}

func (c *OfflineCache) pruneLocked() {
	now := c.clock()
	for key, entry := range c.entries {
		if now.Sub(entry.timestamp) > c.ttl {
			delete(c.entries, key)
		}
	}
}
