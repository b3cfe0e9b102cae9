package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pbulloch/swaprouter/internal/model"
)

// Compile-time interface satisfaction check.
var _ Cache = (*MemoryCache)(nil)

type cacheEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process Cache holding JSON-serialized order snapshots
// with per-entry TTLs. Expired entries are dropped lazily on read. It is safe
// for concurrent use.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the cached order for id, reporting whether a live entry was
// found. An expired entry is removed and treated as a miss.
func (c *MemoryCache) Get(_ context.Context, id string) (*model.Order, bool, error) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if ok && time.Now().After(e.expiresAt) {
		delete(c.entries, id)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		return nil, false, nil
	}

	o := &model.Order{}
	if err := json.Unmarshal(e.data, o); err != nil {
		return nil, false, fmt.Errorf("decode cached order: %w", err)
	}
	return o, true, nil
}

// Set stores a serialized snapshot of the order under id for ttl.
func (c *MemoryCache) Set(_ context.Context, id string, o *model.Order, ttl time.Duration) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode order for cache: %w", err)
	}

	c.mu.Lock()
	c.entries[id] = cacheEntry{data: data, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Delete removes the entry for id, if any.
func (c *MemoryCache) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries currently held, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
