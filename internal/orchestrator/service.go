package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"validation-backend/internal/cache"
	"validation-backend/internal/core/types"
	"validation-backend/internal/database"
	"validation-backend/internal/health"
	"validation-backend/internal/messaging"
	"validation-backend/internal/progress"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	cachedIdPrefix    = "cached-"
	cachedIdHashChars = 32

	DefaultStatusTimeout    = 2 * time.Second
	DefaultWorkerStaleAfter = 30 * time.Second
	DefaultRecheckInterval  = 2 * time.Second
)

type Config struct {
	// StatusTimeout bounds every status, cancel and stats query.
	StatusTimeout time.Duration
	// WorkerStaleAfter is how long a heartbeating worker may be silent before
	// it no longer counts as online.
	WorkerStaleAfter time.Duration
	// RecheckInterval is how often a subscription consults the task record for
	// terminal states that never reach the progress store.
	RecheckInterval time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = DefaultStatusTimeout
	}
	if cfg.WorkerStaleAfter <= 0 {
		cfg.WorkerStaleAfter = DefaultWorkerStaleAfter
	}
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = DefaultRecheckInterval
	}
}

// Service is the stateless entry point for clients. All state lives in the
// task records, the broker, the progress store and the result cache.
type Service struct {
	db        *gorm.DB
	publisher messaging.Publisher
	progress  progress.Store
	cache     cache.ResultCache
	metrics   *health.Metrics
	cfg       Config
}

func NewService(db *gorm.DB, publisher messaging.Publisher, progressStore progress.Store, resultCache cache.ResultCache, metrics *health.Metrics, cfg Config) *Service {
	cfg.applyDefaults()
	return &Service{
		db:        db,
		publisher: publisher,
		progress:  progressStore,
		cache:     resultCache,
		metrics:   metrics,
		cfg:       cfg,
	}
}

type SubmitRequest struct {
	TaskClass string
	Payload   json.RawMessage
	// Priority routes the task to the priority queue instead of its class queue.
	Priority bool
	// Scope is an advisory hint for the duration estimate.
	Scope string
}

type SubmitResult struct {
	TaskId            string
	State             types.TaskState
	QueueName         string
	Fingerprint       string
	Cached            bool
	Result            json.RawMessage
	EstimatedDuration time.Duration
}

type TaskStatus struct {
	TaskId    string
	State     types.TaskState
	Progress  int
	Stage     string
	Message   string
	Cached    bool
	Error     string
	UpdatedAt time.Time
	Result    json.RawMessage
}

// IsCachedId reports whether the id was synthesized for a cache hit.
func IsCachedId(taskId string) bool {
	return strings.HasPrefix(taskId, cachedIdPrefix)
}

func cachedId(fingerprint string) string {
	return cachedIdPrefix + fingerprint[:min(cachedIdHashChars, len(fingerprint))]
}

func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	class, err := types.ParseTaskClass(req.TaskClass)
	if err != nil {
		return SubmitResult{}, err
	}

	fingerprint, err := cache.Fingerprint(class, req.Payload)
	if err != nil {
		return SubmitResult{}, err
	}

	estimate := s.EstimateDuration(ctx, class, len(req.Payload), req.Scope)

	entry, err := s.cache.Lookup(ctx, fingerprint)
	if err != nil {
		s.metrics.Inc(health.CacheErrors)
		slog.Warn("cache lookup failed, treating as miss", "fingerprint", fingerprint, "error", err)
	}
	if entry != nil {
		return s.submitCached(ctx, class, fingerprint, entry), nil
	}

	queue, err := types.QueueFor(class)
	if err != nil {
		return SubmitResult{}, err
	}
	if req.Priority {
		queue = types.PriorityQueue
	}

	desc := types.TaskDescriptor{
		TaskId:      uuid.NewString(),
		TaskClass:   class,
		Payload:     req.Payload,
		QueueName:   queue,
		Fingerprint: fingerprint,
		CreatedAt:   time.Now().UTC(),
	}

	if err := database.CreateTaskRecord(ctx, s.db, desc); err != nil {
		s.metrics.Inc(health.BrokerErrors)
		return SubmitResult{}, fmt.Errorf("%w: %w", types.ErrBrokerUnavailable, err)
	}

	s.writeProgress(ctx, types.ProgressSnapshot{
		TaskId:    desc.TaskId,
		Progress:  0,
		Stage:     types.StageQueued,
		Message:   "task queued",
		Status:    types.ProgressStatusPending,
		UpdatedAt: desc.CreatedAt,
		Metadata:  map[string]any{"queue": queue},
	})

	if err := s.publisher.Publish(ctx, desc); err != nil {
		s.metrics.Inc(health.BrokerErrors)
		slog.Error("unable to enqueue task", "task_id", desc.TaskId, "queue", queue, "error", err)

		if err := database.CompleteTask(context.Background(), s.db, desc.TaskId, database.TaskFailed, err); err != nil {
			slog.Error("unable to record failed submission", "task_id", desc.TaskId, "error", err)
		}
		if err := s.progress.Clear(context.Background(), desc.TaskId); err != nil {
			slog.Warn("unable to clear progress", "task_id", desc.TaskId, "error", err)
		}

		if !errors.Is(err, types.ErrBrokerUnavailable) {
			err = fmt.Errorf("%w: %w", types.ErrBrokerUnavailable, err)
		}
		return SubmitResult{}, err
	}

	s.metrics.Inc(health.TasksSubmitted, "task_class", string(class))
	slog.Info("task submitted", "task_id", desc.TaskId, "task_class", class, "queue", queue)

	return SubmitResult{
		TaskId:            desc.TaskId,
		State:             types.StateQueued,
		QueueName:         queue,
		Fingerprint:       fingerprint,
		EstimatedDuration: estimate,
	}, nil
}

func (s *Service) submitCached(ctx context.Context, class types.TaskClass, fingerprint string, entry *types.CacheEntry) SubmitResult {
	taskId := cachedId(fingerprint)

	s.metrics.Inc(health.TasksCached, "source", "submit")
	slog.Info("serving task from cache", "task_id", taskId, "task_class", class)

	// Lets status and subscribe calls serve the result for the progress TTL.
	s.writeProgress(ctx, cachedSnapshot(taskId, entry.Result))

	return SubmitResult{
		TaskId:      taskId,
		State:       types.StateSucceeded,
		Fingerprint: fingerprint,
		Cached:      true,
		Result:      entry.Result,
	}
}

func cachedSnapshot(taskId string, result json.RawMessage) types.ProgressSnapshot {
	return types.ProgressSnapshot{
		TaskId:    taskId,
		Progress:  100,
		Stage:     types.StageCompleted,
		Message:   "result served from cache",
		Status:    types.ProgressStatusCompleted,
		UpdatedAt: time.Now().UTC(),
		Cached:    true,
		Result:    result,
	}
}

func (s *Service) writeProgress(ctx context.Context, snapshot types.ProgressSnapshot) {
	if err := s.progress.Write(ctx, snapshot); err != nil {
		s.metrics.Inc(health.ProgressErrors)
		slog.Warn("unable to write progress", "task_id", snapshot.TaskId, "stage", snapshot.Stage, "error", err)
	}
}

func (s *Service) readProgress(ctx context.Context, taskId string) *types.ProgressSnapshot {
	snapshot, err := s.progress.Read(ctx, taskId)
	if err != nil {
		s.metrics.Inc(health.ProgressErrors)
		slog.Warn("unable to read progress", "task_id", taskId, "error", err)
		return nil
	}
	return snapshot
}

func (s *Service) readRecord(ctx context.Context, taskId string) (*database.TaskRecord, error) {
	record, err := database.GetTaskRecord(ctx, s.db, taskId)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func recordState(status string) types.TaskState {
	switch status {
	case database.TaskRunning:
		return types.StateRunning
	case database.TaskSucceeded:
		return types.StateSucceeded
	case database.TaskFailed:
		return types.StateFailed
	case database.TaskRevoked:
		return types.StateCancelled
	default:
		return types.StateQueued
	}
}

func snapshotState(snapshot types.ProgressSnapshot) types.TaskState {
	switch snapshot.Stage {
	case types.StageCompleted:
		return types.StateSucceeded
	case types.StageError:
		return types.StateFailed
	case types.StageCancelled:
		return types.StateCancelled
	case types.StageQueued:
		return types.StateQueued
	default:
		return types.StateRunning
	}
}

// mergeStatus combines the progress snapshot with the task record. A failed or
// revoked record wins over any snapshot since the worker may have died before
// writing its final progress.
func mergeStatus(taskId string, snapshot *types.ProgressSnapshot, record *database.TaskRecord) TaskStatus {
	status := TaskStatus{TaskId: taskId, State: types.StateQueued}

	if snapshot != nil {
		status.State = snapshotState(*snapshot)
		status.Progress = snapshot.Progress
		status.Stage = snapshot.Stage
		status.Message = snapshot.Message
		status.Cached = snapshot.Cached
		status.UpdatedAt = snapshot.UpdatedAt
		status.Result = snapshot.Result
		if snapshot.Stage == types.StageError {
			status.Error = snapshot.Message
		}
	}

	if record == nil {
		return status
	}

	switch record.Status {
	case database.TaskFailed, database.TaskRevoked:
		status.State = recordState(record.Status)
		if record.Status == database.TaskFailed {
			status.Stage = types.StageError
			status.Error = record.Error.String
			status.Message = record.Error.String
		} else {
			status.Stage = types.StageCancelled
			status.Message = "task cancelled"
		}
		if record.CompletionTime.Valid {
			status.UpdatedAt = record.CompletionTime.Time
		}
	default:
		if snapshot == nil || !snapshot.Terminal() {
			state := recordState(record.Status)
			if snapshot == nil || state == types.StateSucceeded || state == types.StateRunning {
				status.State = state
			}
		}
		if snapshot == nil {
			status.Stage = types.StageQueued
			if status.State == types.StateSucceeded {
				status.Progress = 100
				status.Stage = types.StageCompleted
			}
		}
		if status.UpdatedAt.IsZero() {
			status.UpdatedAt = record.CreationTime
			if record.CompletionTime.Valid {
				status.UpdatedAt = record.CompletionTime.Time
			}
		}
	}

	return status
}

func (s *Service) Status(ctx context.Context, taskId string) (TaskStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StatusTimeout)
	defer cancel()

	if IsCachedId(taskId) {
		if snapshot := s.readProgress(ctx, taskId); snapshot != nil {
			return mergeStatus(taskId, snapshot, nil), nil
		}
		return TaskStatus{
			TaskId:   taskId,
			State:    types.StateSucceeded,
			Progress: 100,
			Stage:    types.StageCompleted,
			Message:  "result served from cache",
			Cached:   true,
		}, nil
	}

	snapshot := s.readProgress(ctx, taskId)
	record, err := s.readRecord(ctx, taskId)
	if err != nil {
		slog.Warn("unable to read task record", "task_id", taskId, "error", err)
		if snapshot == nil {
			return TaskStatus{}, fmt.Errorf("unable to determine status of task %s: %w", taskId, err)
		}
	}

	if snapshot == nil && record == nil {
		return TaskStatus{}, fmt.Errorf("task %s: %w", taskId, types.ErrNotFound)
	}

	return mergeStatus(taskId, snapshot, record), nil
}

// Cancel revokes a task. It is advisory: a running worker stops at its next
// checkpoint, or finishes and its result is only cached.
func (s *Service) Cancel(ctx context.Context, taskId string) error {
	if IsCachedId(taskId) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StatusTimeout)
	defer cancel()

	record, err := s.readRecord(ctx, taskId)
	if err != nil {
		return fmt.Errorf("unable to cancel task %s: %w", taskId, err)
	}
	snapshot := s.readProgress(ctx, taskId)

	if record == nil {
		if snapshot != nil {
			return nil
		}
		return fmt.Errorf("task %s: %w", taskId, types.ErrNotFound)
	}

	if record.Status == database.TaskSucceeded || record.Status == database.TaskFailed || record.Status == database.TaskRevoked {
		return nil
	}

	revoked, err := database.RevokeTask(ctx, s.db, taskId)
	if err != nil {
		return fmt.Errorf("unable to cancel task %s: %w", taskId, err)
	}
	if !revoked {
		// The task reached a terminal state in the meantime.
		return nil
	}

	s.metrics.Inc(health.TasksRevoked, "queue", record.QueueName)
	slog.Info("task cancelled", "task_id", taskId)

	last := 0
	if snapshot != nil {
		last = snapshot.Progress
	}
	s.writeProgress(ctx, types.ProgressSnapshot{
		TaskId:    taskId,
		Progress:  last,
		Stage:     types.StageCancelled,
		Message:   "task cancelled",
		Status:    types.ProgressStatusCancelled,
		UpdatedAt: time.Now().UTC(),
	})
	if err := s.progress.Clear(ctx, taskId); err != nil {
		slog.Warn("unable to clear progress", "task_id", taskId, "error", err)
	}
	return nil
}

func statusSnapshot(status TaskStatus) types.ProgressSnapshot {
	snapshot := types.ProgressSnapshot{
		TaskId:    status.TaskId,
		Progress:  status.Progress,
		Stage:     status.Stage,
		Message:   status.Message,
		UpdatedAt: status.UpdatedAt,
		Cached:    status.Cached,
		Result:    status.Result,
	}
	switch status.State {
	case types.StateSucceeded:
		snapshot.Status = types.ProgressStatusCompleted
		snapshot.Stage = types.StageCompleted
	case types.StateFailed:
		snapshot.Status = types.ProgressStatusFailed
		snapshot.Stage = types.StageError
	case types.StateCancelled:
		snapshot.Status = types.ProgressStatusCancelled
		snapshot.Stage = types.StageCancelled
	case types.StateRunning:
		snapshot.Status = types.ProgressStatusRunning
	default:
		snapshot.Status = types.ProgressStatusPending
	}
	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = time.Now().UTC()
	}
	return snapshot
}

// Subscribe streams progress snapshots until the task is terminal or ctx ends.
// Terminal states that only the task record knows about, such as a crashed
// worker, are synthesized into a final snapshot.
func (s *Service) Subscribe(ctx context.Context, taskId string) (<-chan types.ProgressSnapshot, error) {
	status, err := s.Status(ctx, taskId)
	if err != nil {
		return nil, err
	}

	if IsCachedId(taskId) || status.State.Terminal() {
		out := make(chan types.ProgressSnapshot, 1)
		out <- statusSnapshot(status)
		close(out)
		return out, nil
	}

	updates, err := s.progress.Subscribe(ctx, taskId)
	if err != nil {
		return nil, fmt.Errorf("unable to subscribe to task %s: %w", taskId, err)
	}

	out := make(chan types.ProgressSnapshot)
	go s.forward(ctx, taskId, updates, out)
	return out, nil
}

func (s *Service) forward(ctx context.Context, taskId string, updates <-chan types.ProgressSnapshot, out chan<- types.ProgressSnapshot) {
	defer close(out)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ticker := time.NewTicker(s.cfg.RecheckInterval)
	defer ticker.Stop()

	var last time.Time
	send := func(snapshot types.ProgressSnapshot) bool {
		select {
		case out <- snapshot:
			last = snapshot.UpdatedAt
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case snapshot, ok := <-updates:
			if !ok {
				return
			}
			if !send(snapshot) || snapshot.Terminal() {
				return
			}

		case <-ticker.C:
			status, err := s.Status(ctx, taskId)
			if err != nil || !status.State.Terminal() {
				continue
			}
			// Give a terminal snapshot already in flight a chance to arrive first.
			select {
			case snapshot, ok := <-updates:
				if ok {
					if !send(snapshot) || snapshot.Terminal() {
						return
					}
				}
			default:
			}
			final := statusSnapshot(status)
			if final.UpdatedAt.Before(last) {
				final.UpdatedAt = last
			}
			send(final)
			return

		case <-ctx.Done():
			return
		}
	}
}

// QueueStats never fails; when the backend cannot be inspected the stats are
// zeroed.
func (s *Service) QueueStats(ctx context.Context) types.QueueStats {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StatusTimeout)
	defer cancel()

	stats := types.QueueStats{Workers: []string{}}

	counts, err := database.CountTasksByStatus(ctx, s.db)
	if err != nil {
		slog.Warn("unable to inspect task counts", "error", err)
		stats.QueueHealth = types.ClassifyQueueHealth(0, 0, 0)
		return stats
	}
	workers, err := database.ListOnlineWorkers(ctx, s.db, s.cfg.WorkerStaleAfter)
	if err != nil {
		slog.Warn("unable to inspect workers", "error", err)
		stats.QueueHealth = types.ClassifyQueueHealth(0, 0, 0)
		return stats
	}

	stats.ActiveTasks = int(counts[database.TaskRunning])
	stats.ScheduledTasks = int(counts[database.TaskQueued])
	stats.ReservedTasks = int(counts[database.TaskReserved])
	for _, w := range workers {
		stats.Workers = append(stats.Workers, w.Name)
	}
	stats.QueueHealth = types.ClassifyQueueHealth(stats.ActiveTasks, stats.ScheduledTasks, len(stats.Workers))
	return stats
}

func (s *Service) InvalidateCache(ctx context.Context, pattern string) (int, error) {
	removed, err := s.cache.Invalidate(ctx, pattern)
	if err != nil {
		s.metrics.Inc(health.CacheErrors)
		return 0, fmt.Errorf("unable to invalidate cache: %w", err)
	}
	slog.Info("cache invalidated", "pattern", pattern, "removed", removed)
	return removed, nil
}
