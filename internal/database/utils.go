package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"validation-backend/internal/core/types"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func CreateTaskRecord(ctx context.Context, db *gorm.DB, desc types.TaskDescriptor) error {
	record := TaskRecord{
		Id:           desc.TaskId,
		TaskClass:    string(desc.TaskClass),
		QueueName:    desc.QueueName,
		Fingerprint:  desc.Fingerprint,
		Payload:      datatypes.JSON(desc.Payload),
		Status:       TaskQueued,
		CreationTime: desc.CreatedAt.UTC(),
	}
	if err := db.WithContext(ctx).Create(&record).Error; err != nil {
		slog.Error("error creating task record", "task_id", desc.TaskId, "error", err)
		return fmt.Errorf("error creating task record: %w", err)
	}
	return nil
}

func GetTaskRecord(ctx context.Context, db *gorm.DB, taskId string) (TaskRecord, error) {
	var record TaskRecord
	if err := db.WithContext(ctx).First(&record, "id = ?", taskId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return TaskRecord{}, fmt.Errorf("task %s: %w", taskId, types.ErrNotFound)
		}
		return TaskRecord{}, fmt.Errorf("error retrieving task record: %w", err)
	}
	return record, nil
}

// ReserveTask claims a delivered task for a worker. A queued task is always
// claimable. A failed task is claimable only by a redelivery the broker
// republished after that failure: attempt must be positive and no smaller than
// the number of runs already recorded. A crashed worker's message that the
// broker hands out again keeps its old attempt and is refused. It returns false
// when the worker must not execute the task.
func ReserveTask(ctx context.Context, db *gorm.DB, taskId, worker string, attempt int) (bool, error) {
	claimable := db.Where("status = ?", TaskQueued)
	if attempt > 0 {
		claimable = claimable.Or("status = ? AND attempts <= ?", TaskFailed, attempt)
	}

	result := db.WithContext(ctx).Model(&TaskRecord{}).
		Where("id = ?", taskId).
		Where(claimable).
		Updates(map[string]any{
			"status":   TaskReserved,
			"worker":   worker,
			"attempts": gorm.Expr("attempts + 1"),
		})
	if result.Error != nil {
		slog.Error("error reserving task", "task_id", taskId, "worker", worker, "error", result.Error)
		return false, fmt.Errorf("error reserving task: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func StartTask(ctx context.Context, db *gorm.DB, taskId string) error {
	result := db.WithContext(ctx).Model(&TaskRecord{}).
		Where("id = ? AND status = ?", taskId, TaskReserved).
		Updates(map[string]any{"status": TaskRunning, "start_time": time.Now().UTC()})
	if result.Error != nil {
		slog.Error("error starting task", "task_id", taskId, "error", result.Error)
		return fmt.Errorf("error starting task: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("task %s is no longer reserved: %w", taskId, types.ErrTaskRevoked)
	}
	return nil
}

// CompleteTask records the final outcome of a task. A revoked task stays revoked.
func CompleteTask(ctx context.Context, db *gorm.DB, taskId string, status string, taskErr error) error {
	updates := map[string]any{"status": status, "completion_time": time.Now().UTC()}
	if taskErr != nil {
		updates["error"] = taskErr.Error()
	}

	if err := db.WithContext(ctx).Model(&TaskRecord{}).
		Where("id = ? AND status <> ?", taskId, TaskRevoked).
		Updates(updates).Error; err != nil {
		slog.Error("error completing task", "task_id", taskId, "status", status, "error", err)
		return fmt.Errorf("error completing task: %w", err)
	}
	return nil
}

// RevokeTask marks a task revoked unless it already reached a terminal state.
// It returns true if the task was revoked by this call.
func RevokeTask(ctx context.Context, db *gorm.DB, taskId string) (bool, error) {
	result := db.WithContext(ctx).Model(&TaskRecord{}).
		Where("id = ? AND status IN ?", taskId, []string{TaskQueued, TaskReserved, TaskRunning}).
		Updates(map[string]any{"status": TaskRevoked, "completion_time": time.Now().UTC()})
	if result.Error != nil {
		slog.Error("error revoking task", "task_id", taskId, "error", result.Error)
		return false, fmt.Errorf("error revoking task: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func IsTaskRevoked(ctx context.Context, db *gorm.DB, taskId string) (bool, error) {
	var count int64
	if err := db.WithContext(ctx).Model(&TaskRecord{}).
		Where("id = ? AND status = ?", taskId, TaskRevoked).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("error checking task revocation: %w", err)
	}
	return count > 0, nil
}

func ListTasksByStatus(ctx context.Context, db *gorm.DB, status string) ([]TaskRecord, error) {
	var records []TaskRecord
	if err := db.WithContext(ctx).
		Where("status = ?", status).
		Order("creation_time").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("error listing %s tasks: %w", status, err)
	}
	return records, nil
}

func CountTasksByStatus(ctx context.Context, db *gorm.DB) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	if err := db.WithContext(ctx).Model(&TaskRecord{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("error counting tasks: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// AverageDuration returns the mean run time of successful tasks of the given
// class, sampled from the most recent completions. ok is false when there are
// no samples.
func AverageDuration(ctx context.Context, db *gorm.DB, taskClass string, samples int) (time.Duration, bool, error) {
	var records []TaskRecord
	if err := db.WithContext(ctx).
		Where("task_class = ? AND status = ? AND start_time IS NOT NULL AND completion_time IS NOT NULL", taskClass, TaskSucceeded).
		Order("completion_time DESC").
		Limit(samples).
		Find(&records).Error; err != nil {
		return 0, false, fmt.Errorf("error loading task durations: %w", err)
	}
	if len(records) == 0 {
		return 0, false, nil
	}

	var total time.Duration
	for _, r := range records {
		total += r.CompletionTime.Time.Sub(r.StartTime.Time)
	}
	return total / time.Duration(len(records)), true, nil
}

// FailWorkerTasks marks the unfinished tasks held by a worker as failed. It is
// used when the worker died; the tasks are not resubmitted.
func FailWorkerTasks(ctx context.Context, db *gorm.DB, worker string, reason error) (int64, error) {
	result := db.WithContext(ctx).Model(&TaskRecord{}).
		Where("worker = ? AND status IN ?", worker, []string{TaskReserved, TaskRunning}).
		Updates(map[string]any{"status": TaskFailed, "error": reason.Error(), "completion_time": time.Now().UTC()})
	if result.Error != nil {
		slog.Error("error failing worker tasks", "worker", worker, "error", result.Error)
		return 0, fmt.Errorf("error failing worker tasks: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func PurgeFinishedTasks(ctx context.Context, db *gorm.DB, olderThan time.Time) (int64, error) {
	result := db.WithContext(ctx).
		Where("status IN ? AND completion_time < ?", []string{TaskSucceeded, TaskFailed, TaskRevoked}, olderThan.UTC()).
		Delete(&TaskRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("error purging finished tasks: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func RegisterWorker(ctx context.Context, db *gorm.DB, name string, pid int, queues []string, concurrency int, heartbeat bool) error {
	now := time.Now().UTC()
	worker := Worker{
		Name:        name,
		Pid:         pid,
		Queues:      strings.Join(queues, ","),
		Concurrency: concurrency,
		Status:      WorkerOnline,
		Heartbeat:   heartbeat,
		StartTime:   now,
		LastSeen:    now,
	}
	// Save upserts on the primary key so a restarted worker reuses its row.
	if err := db.WithContext(ctx).Save(&worker).Error; err != nil {
		slog.Error("error registering worker", "worker", name, "error", err)
		return fmt.Errorf("error registering worker: %w", err)
	}
	return nil
}

func TouchWorker(ctx context.Context, db *gorm.DB, name string) error {
	if err := db.WithContext(ctx).Model(&Worker{Name: name}).
		Updates(map[string]any{"last_seen": time.Now().UTC(), "status": WorkerOnline}).Error; err != nil {
		return fmt.Errorf("error updating worker heartbeat: %w", err)
	}
	return nil
}

func MarkWorkerOffline(ctx context.Context, db *gorm.DB, name string) error {
	if err := db.WithContext(ctx).Model(&Worker{Name: name}).
		Update("status", WorkerOffline).Error; err != nil {
		slog.Error("error marking worker offline", "worker", name, "error", err)
		return fmt.Errorf("error marking worker offline: %w", err)
	}
	return nil
}

// ListOnlineWorkers returns workers that are online and, if they heartbeat,
// have been seen within staleAfter. Workers running without heartbeats are
// trusted until they mark themselves offline.
func ListOnlineWorkers(ctx context.Context, db *gorm.DB, staleAfter time.Duration) ([]Worker, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)

	var workers []Worker
	if err := db.WithContext(ctx).
		Where("status = ? AND (heartbeat = ? OR last_seen >= ?)", WorkerOnline, false, cutoff).
		Order("name").
		Find(&workers).Error; err != nil {
		return nil, fmt.Errorf("error listing workers: %w", err)
	}
	return workers, nil
}
