package cache

import (
	"context"
	"encoding/json"
	"time"
	"validation-backend/internal/core/types"
)

const DefaultTTL = 24 * time.Hour

// ResultCache maps request fingerprints to previously computed results. Entries
// are immutable: Store overwrites, it never merges.
type ResultCache interface {
	Lookup(ctx context.Context, fingerprint string) (*types.CacheEntry, error)

	Store(ctx context.Context, fingerprint string, result json.RawMessage, ttl time.Duration) error

	// Invalidate removes every entry whose fingerprint matches the glob pattern
	// and returns how many were removed.
	Invalidate(ctx context.Context, pattern string) (int, error)
}

func normalizePattern(pattern string) string {
	if pattern == "" {
		return "*"
	}
	return pattern
}
