package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	RetryDelay      = 2 * time.Second
	MaxConnectRetry = 5
)

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

func (cfg RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
}

// NewRedisClient connects to the given logical database. The progress store and
// the result cache each get their own index so their keys cannot collide.
func NewRedisClient(ctx context.Context, cfg RedisConfig, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       db,
	})

	var err error
	for i := 0; i < MaxConnectRetry; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			slog.Info("connected to redis", "addr", cfg.Addr(), "db", db)
			return client, nil
		}
		slog.Warn("failed to connect to redis", "addr", cfg.Addr(), "db", db, "attempt", i+1, "max_attempts", MaxConnectRetry, "error", err)

		select {
		case <-ctx.Done():
			client.Close()
			return nil, ctx.Err()
		case <-time.After(RetryDelay):
		}
	}

	client.Close()
	return nil, fmt.Errorf("failed to connect to redis at %s after %d attempts: %w", cfg.Addr(), MaxConnectRetry, err)
}
