package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
	"validation-backend/internal/core/types"
	"validation-backend/internal/health"
	"validation-backend/internal/progress"
)

const progressWriteTimeout = 5 * time.Second

// progressTracker writes a task's snapshots in order. Progress never regresses,
// timestamps strictly increase, and once sealed every later write is dropped.
type progressTracker struct {
	mu       sync.Mutex
	store    progress.Store
	metrics  *health.Metrics
	taskId   string
	metadata map[string]any
	last     int
	lastAt   time.Time
	sealed   bool
}

func newProgressTracker(store progress.Store, metrics *health.Metrics, taskId string, metadata map[string]any) *progressTracker {
	return &progressTracker{store: store, metrics: metrics, taskId: taskId, metadata: metadata}
}

func (t *progressTracker) nextTimestamp() time.Time {
	now := time.Now().UTC()
	if !now.After(t.lastAt) {
		now = t.lastAt.Add(time.Microsecond)
	}
	t.lastAt = now
	return now
}

func (t *progressTracker) put(snapshot types.ProgressSnapshot) {
	snapshot.TaskId = t.taskId
	snapshot.UpdatedAt = t.nextTimestamp()
	snapshot.Metadata = t.metadata

	// Progress writes are best effort and must not fail the task.
	ctx, cancel := context.WithTimeout(context.Background(), progressWriteTimeout)
	defer cancel()
	if err := t.store.Write(ctx, snapshot); err != nil {
		t.metrics.Inc(health.ProgressErrors)
		slog.Warn("unable to write progress", "task_id", t.taskId, "progress", snapshot.Progress, "stage", snapshot.Stage, "error", err)
	}
}

func (t *progressTracker) write(value int, stage, message, status string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed {
		return
	}
	value = max(t.last, types.ClampProgress(value))
	t.last = value
	t.put(types.ProgressSnapshot{Progress: value, Stage: stage, Message: message, Status: status})
}

func (t *progressTracker) complete(result json.RawMessage, cached bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed {
		return
	}
	t.last = progressCompleted
	message := "validation completed"
	if cached {
		message = "result served from cache"
	}
	t.put(types.ProgressSnapshot{
		Progress: progressCompleted,
		Stage:    types.StageCompleted,
		Message:  message,
		Status:   types.ProgressStatusCompleted,
		Cached:   cached,
		Result:   result,
	})
}

// fail writes the terminal error snapshot at the last progress value and seals
// the tracker.
func (t *progressTracker) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed {
		return
	}
	t.sealed = true
	t.put(types.ProgressSnapshot{
		Progress: t.last,
		Stage:    types.StageError,
		Message:  err.Error(),
		Status:   types.ProgressStatusFailed,
	})
}

func (t *progressTracker) seal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sealed = true
}
