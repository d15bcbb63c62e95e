package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"validation-backend/internal/core/types"

	"github.com/redis/go-redis/v9"
)

const (
	resultKeyPrefix = "result:"
	scanBatchSize   = 500
)

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func resultKey(fingerprint string) string {
	return resultKeyPrefix + fingerprint
}

func (c *RedisCache) Lookup(ctx context.Context, fingerprint string) (*types.CacheEntry, error) {
	data, err := c.client.Get(ctx, resultKey(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading cache entry: %w", err)
	}

	var entry types.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		slog.Error("corrupt cache entry, ignoring", "fingerprint", fingerprint, "error", err)
		return nil, nil
	}
	return &entry, nil
}

func (c *RedisCache) Store(ctx context.Context, fingerprint string, result json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	data, err := json.Marshal(types.CacheEntry{
		Fingerprint: fingerprint,
		Result:      result,
		CreatedAt:   time.Now().UTC(),
		TTL:         ttl,
	})
	if err != nil {
		return fmt.Errorf("error encoding cache entry: %w", err)
	}

	if err := c.client.Set(ctx, resultKey(fingerprint), data, ttl).Err(); err != nil {
		return fmt.Errorf("error writing cache entry: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, pattern string) (int, error) {
	match := resultKeyPrefix + normalizePattern(pattern)

	removed := 0
	batch := make([]string, 0, scanBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.client.Del(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("error deleting cache entries: %w", err)
		}
		removed += int(n)
		batch = batch[:0]
		return nil
	}

	iter := c.client.Scan(ctx, 0, match, scanBatchSize).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatchSize {
			if err := flush(); err != nil {
				return removed, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("error scanning cache entries: %w", err)
	}
	if err := flush(); err != nil {
		return removed, err
	}

	slog.Info("invalidated cache entries", "pattern", pattern, "removed", removed)
	return removed, nil
}
