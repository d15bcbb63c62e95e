package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
	"validation-backend/internal/core/types"

	"github.com/redis/go-redis/v9"
)

const (
	progressKeyPrefix     = "progress:"
	progressChannelPrefix = "progress-events:"
)

// Compare-and-replace on the update timestamp (microseconds, which fit a Lua
// number exactly). Returns 1 if the snapshot was written.
var writeScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur and tonumber(cur) > tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'ts', ARGV[2], 'data', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func progressKey(taskId string) string {
	return progressKeyPrefix + taskId
}

func progressChannel(taskId string) string {
	return progressChannelPrefix + taskId
}

func (r *RedisStore) Write(ctx context.Context, snapshot types.ProgressSnapshot) error {
	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("error encoding progress snapshot: %w", err)
	}

	ts := strconv.FormatInt(snapshot.UpdatedAt.UnixMicro(), 10)
	written, err := writeScript.Run(ctx, r.client, []string{progressKey(snapshot.TaskId)}, data, ts, r.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("error writing progress snapshot: %w", err)
	}
	if written == 0 {
		slog.Debug("ignoring stale progress write", "task_id", snapshot.TaskId, "progress", snapshot.Progress)
		return nil
	}

	if err := r.client.Publish(ctx, progressChannel(snapshot.TaskId), data).Err(); err != nil {
		slog.Warn("error publishing progress event", "task_id", snapshot.TaskId, "error", err)
	}
	return nil
}

func (r *RedisStore) Read(ctx context.Context, taskId string) (*types.ProgressSnapshot, error) {
	data, err := r.client.HGet(ctx, progressKey(taskId), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading progress snapshot: %w", err)
	}

	var snapshot types.ProgressSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("error decoding progress snapshot: %w", err)
	}
	return &snapshot, nil
}

func (r *RedisStore) Clear(ctx context.Context, taskId string) error {
	if err := r.client.Del(ctx, progressKey(taskId)).Err(); err != nil {
		return fmt.Errorf("error clearing progress snapshot: %w", err)
	}
	return nil
}

func (r *RedisStore) Subscribe(ctx context.Context, taskId string) (<-chan types.ProgressSnapshot, error) {
	sub := r.client.Subscribe(ctx, progressChannel(taskId))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("error subscribing to progress events: %w", err)
	}

	box := newMailbox()

	// Subscribed before reading so no write between the two is lost.
	current, err := r.Read(ctx, taskId)
	if err != nil {
		sub.Close()
		return nil, err
	}
	if current != nil {
		box.push(*current)
	}

	go func() {
		for msg := range sub.Channel() {
			var snapshot types.ProgressSnapshot
			if err := json.Unmarshal([]byte(msg.Payload), &snapshot); err != nil {
				slog.Error("error decoding progress event", "task_id", taskId, "error", err)
				continue
			}
			box.push(snapshot)
		}
		box.close()
	}()

	out := make(chan types.ProgressSnapshot)
	go box.pump(ctx, out, func() {
		if err := sub.Close(); err != nil {
			slog.Warn("error closing progress subscription", "task_id", taskId, "error", err)
		}
	})

	return out, nil
}
