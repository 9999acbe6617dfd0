package a2a

import (
	"sync"
	"time"
)

// ResponseCache remembers responses by correlation id so a reissued request
// (same correlation id) returns the previously computed result instead of
// being reprocessed. Entries age out after the retention window.
type ResponseCache struct {
	mu        sync.RWMutex
	entries   map[string]cacheEntry
	retention time.Duration
}

type cacheEntry struct {
	response Envelope
	storedAt time.Time
}

func NewResponseCache(retention time.Duration) *ResponseCache {
	if retention <= 0 {
		retention = 24 * time.Hour
	}

	return &ResponseCache{
		entries:   make(map[string]cacheEntry),
		retention: retention,
	}
}

// Get returns the cached response for a correlation id, if present.
func (c *ResponseCache) Get(correlationID string) (*Envelope, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[correlationID]
	if !ok {
		return nil, false
	}

	if time.Since(entry.storedAt) > c.retention {
		return nil, false
	}

	response := entry.response

	return &response, true
}

// Put stores a response and opportunistically evicts aged entries.
func (c *ResponseCache) Put(correlationID string, response Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	for id, entry := range c.entries {
		if now.Sub(entry.storedAt) > c.retention {
			delete(c.entries, id)
		}
	}

	c.entries[correlationID] = cacheEntry{response: response, storedAt: now}
}
