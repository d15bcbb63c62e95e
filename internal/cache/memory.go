package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"
	"validation-backend/internal/core/types"
)

type memoryEntry struct {
	entry     types.CacheEntry
	expiresAt time.Time
}

type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Lookup(ctx context.Context, fingerprint string) (*types.CacheEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[fingerprint]
	if !ok || !c.now().Before(e.expiresAt) {
		return nil, nil
	}
	entry := e.entry
	return &entry, nil
}

func (c *MemoryCache) Store(ctx context.Context, fingerprint string, result json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[fingerprint] = memoryEntry{
		entry: types.CacheEntry{
			Fingerprint: fingerprint,
			Result:      append(json.RawMessage(nil), result...),
			CreatedAt:   now,
			TTL:         ttl,
		},
		expiresAt: now.Add(ttl),
	}
	return nil
}

func (c *MemoryCache) Invalidate(ctx context.Context, pattern string) (int, error) {
	pattern = normalizePattern(pattern)
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, fmt.Errorf("invalid cache pattern '%s': %w", pattern, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for fingerprint, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, fingerprint)
			continue
		}
		if ok, _ := path.Match(pattern, fingerprint); ok {
			delete(c.entries, fingerprint)
			removed++
		}
	}
	return removed, nil
}
