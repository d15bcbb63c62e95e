package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
	"validation-backend/internal/cache"
	"validation-backend/internal/core/types"
	"validation-backend/internal/core/utils"
	"validation-backend/internal/database"
	"validation-backend/internal/health"
	"validation-backend/internal/messaging"
	"validation-backend/internal/progress"
	"validation-backend/internal/validator"

	"gorm.io/gorm"
)

const (
	DefaultRevokePollInterval = 2 * time.Second
	DefaultHeartbeatInterval  = 10 * time.Second
	maxTrackedFingerprints    = 10000
)

// Progress checkpoints. Validator progress is mapped into the analysis span.
const (
	progressStarted      = 0
	progressCacheCheck   = 5
	progressInitializing = 10
	progressAnalysis     = 20
	progressFinalizing   = 90
	progressCompleted    = 100
)

type ProcessorConfig struct {
	WorkerName         string
	Queues             []string
	Concurrency        int
	SoftTimeLimit      time.Duration
	HardTimeLimit      time.Duration
	RevokePollInterval time.Duration
	Heartbeat          bool
	HeartbeatInterval  time.Duration
	CacheTTL           time.Duration
}

func (cfg *ProcessorConfig) applyDefaults() {
	if cfg.WorkerName == "" {
		host, _ := os.Hostname()
		cfg.WorkerName = fmt.Sprintf("worker-%d@%s", os.Getpid(), host)
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = types.AllQueues
	}
	cfg.Concurrency = max(cfg.Concurrency, 1)
	if cfg.HardTimeLimit <= 0 {
		cfg.HardTimeLimit = types.DefaultHardTimeLimit
	}
	if cfg.SoftTimeLimit <= 0 {
		cfg.SoftTimeLimit = types.DefaultSoftTimeLimit
	}
	cfg.SoftTimeLimit = min(cfg.SoftTimeLimit, cfg.HardTimeLimit)
	if cfg.RevokePollInterval <= 0 {
		cfg.RevokePollInterval = DefaultRevokePollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cache.DefaultTTL
	}
}

type TaskProcessor struct {
	db        *gorm.DB
	reciever  messaging.Reciever
	progress  progress.Store
	cache     cache.ResultCache
	validator validator.Validator
	metrics   *health.Metrics

	cfg   ProcessorConfig
	locks *utils.MutexMap
	slots chan struct{}

	inflight sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

func NewTaskProcessor(db *gorm.DB, reciever messaging.Reciever, progressStore progress.Store, resultCache cache.ResultCache, v validator.Validator, metrics *health.Metrics, cfg ProcessorConfig) *TaskProcessor {
	cfg.applyDefaults()
	return &TaskProcessor{
		db:        db,
		reciever:  reciever,
		progress:  progressStore,
		cache:     resultCache,
		validator: v,
		metrics:   metrics,
		cfg:       cfg,
		locks:     utils.NewMutexMap(maxTrackedFingerprints),
		slots:     make(chan struct{}, cfg.Concurrency),
		stop:      make(chan struct{}),
	}
}

func (proc *TaskProcessor) Name() string {
	return proc.cfg.WorkerName
}

// Start consumes tasks until Stop is called or the receiver is exhausted, running
// at most Concurrency tasks at once. It returns after in-flight tasks finish.
func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor", "worker", proc.cfg.WorkerName, "queues", proc.cfg.Queues, "concurrency", proc.cfg.Concurrency, "heartbeat", proc.cfg.Heartbeat)

	ctx := context.Background()
	if err := database.RegisterWorker(ctx, proc.db, proc.cfg.WorkerName, os.Getpid(), proc.cfg.Queues, proc.cfg.Concurrency, proc.cfg.Heartbeat); err != nil {
		slog.Error("unable to register worker", "worker", proc.cfg.WorkerName, "error", err)
	}
	if proc.cfg.Heartbeat {
		go proc.heartbeat()
	}

	defer func() {
		proc.inflight.Wait()
		proc.reciever.Shutdown()
		if err := database.MarkWorkerOffline(context.Background(), proc.db, proc.cfg.WorkerName); err != nil {
			slog.Error("unable to mark worker offline", "worker", proc.cfg.WorkerName, "error", err)
		}
		slog.Info("task processor stopped", "worker", proc.cfg.WorkerName)
	}()

	for {
		select {
		case proc.slots <- struct{}{}:
		case <-proc.stop:
			return
		}

		var task messaging.Task
		var ok bool
		select {
		case task, ok = <-proc.reciever.Tasks():
		case <-proc.stop:
			<-proc.slots
			return
		}
		if !ok {
			<-proc.slots
			return
		}

		desc, claimed := proc.claim(task)
		if !claimed {
			<-proc.slots
			continue
		}

		proc.inflight.Add(1)
		go func() {
			defer proc.inflight.Done()
			defer func() { <-proc.slots }()
			proc.execute(desc, task)
		}()
	}
}

func (proc *TaskProcessor) Stop() {
	proc.stopOnce.Do(func() {
		slog.Info("stopping task processor", "worker", proc.cfg.WorkerName)
		close(proc.stop)
		proc.reciever.Close()
	})
}

// ProcessTask claims and runs a single task on the calling goroutine.
func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	desc, ok := proc.claim(task)
	if !ok {
		return
	}
	proc.execute(desc, task)
}

func (proc *TaskProcessor) heartbeat() {
	ticker := time.NewTicker(proc.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := database.TouchWorker(context.Background(), proc.db, proc.cfg.WorkerName); err != nil {
				slog.Warn("worker heartbeat failed", "worker", proc.cfg.WorkerName, "error", err)
			}
		case <-proc.stop:
			return
		}
	}
}

// claim decodes a delivery and reserves its task record. It settles the
// delivery itself when the task must not run.
func (proc *TaskProcessor) claim(task messaging.Task) (types.TaskDescriptor, bool) {
	desc, err := task.Descriptor()
	if err != nil {
		slog.Error("error decoding task", "queue", task.Type(), "error", err)
		if err := task.Reject(); err != nil { // Discard malformed message
			slog.Error("error rejecting message from queue", "error", err)
		}
		return types.TaskDescriptor{}, false
	}

	if !types.IsKnownQueue(task.Type()) {
		slog.Error("received task from unknown queue", "queue", task.Type(), "task_id", desc.TaskId)
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
		return types.TaskDescriptor{}, false
	}

	reserved, err := database.ReserveTask(context.Background(), proc.db, desc.TaskId, proc.cfg.WorkerName, task.Attempt())
	if err != nil {
		slog.Error("error reserving task", "task_id", desc.TaskId, "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
		return types.TaskDescriptor{}, false
	}
	if !reserved {
		slog.Info("skipping task that is revoked or no longer pending", "task_id", desc.TaskId, "queue", task.Type())
		proc.metrics.Inc(health.TasksRevoked, "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
		return types.TaskDescriptor{}, false
	}

	return desc, true
}

func (proc *TaskProcessor) execute(desc types.TaskDescriptor, task messaging.Task) {
	logger := slog.With("task_id", desc.TaskId, "queue", task.Type(), "attempt", task.Attempt())

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	if err := database.StartTask(ctx, proc.db, desc.TaskId); err != nil {
		if errors.Is(err, types.ErrTaskRevoked) {
			logger.Info("task revoked before start")
			proc.metrics.Inc(health.TasksRevoked, "queue", task.Type())
			if err := task.Ack(); err != nil {
				logger.Error("error acknowledging message from queue", "error", err)
			}
			return
		}
		logger.Error("error marking task running", "error", err)
	}

	proc.metrics.AddGauge(health.TasksRunning, 1)
	defer proc.metrics.AddGauge(health.TasksRunning, -1)

	tracker := newProgressTracker(proc.progress, proc.metrics, desc.TaskId, map[string]any{
		"worker": proc.cfg.WorkerName,
		"queue":  task.Type(),
	})

	go proc.watchRevocation(ctx, cancel, tracker, desc.TaskId)

	softCtx, softCancel := context.WithTimeoutCause(ctx, proc.cfg.SoftTimeLimit,
		fmt.Errorf("%w: soft limit of %s exceeded", types.ErrTaskTimeout, proc.cfg.SoftTimeLimit))
	defer softCancel()

	done := make(chan error, 1)
	go func() {
		done <- proc.run(softCtx, desc, tracker)
	}()

	hardLimit := time.NewTimer(proc.cfg.HardTimeLimit)
	defer hardLimit.Stop()

	var err error
	select {
	case err = <-done:
	case <-hardLimit.C:
		// The run goroutine is abandoned and its slot is freed. Sealing the
		// tracker keeps its late writes from overwriting the terminal snapshot.
		cancel(types.ErrTaskTimeout)
		err = fmt.Errorf("%w: hard limit of %s exceeded", types.ErrTaskTimeout, proc.cfg.HardTimeLimit)

		proc.metrics.AddGauge(health.TasksAbandoned, 1)
		go func() {
			<-done
			proc.metrics.AddGauge(health.TasksAbandoned, -1)
			logger.Info("abandoned task run returned")
		}()
	}

	switch {
	case err == nil:
		if err := database.CompleteTask(context.Background(), proc.db, desc.TaskId, database.TaskSucceeded, nil); err != nil {
			logger.Error("error recording task success", "error", err)
		}
		proc.metrics.Inc(health.TasksSucceeded, "queue", task.Type())
		logger.Info("successfully processed task")
		if err := task.Ack(); err != nil {
			logger.Error("error acknowledging message from queue", "error", err)
		}

	case errors.Is(err, types.ErrTaskRevoked):
		// Cancel already published the cancelled snapshot and cleared progress.
		tracker.seal()
		proc.metrics.Inc(health.TasksRevoked, "queue", task.Type())
		logger.Info("task revoked during execution")
		if err := task.Ack(); err != nil {
			logger.Error("error acknowledging message from queue", "error", err)
		}

	default:
		if errors.Is(err, types.ErrTaskTimeout) {
			proc.metrics.Inc(health.TasksTimedOut, "queue", task.Type())
		}
		proc.metrics.Inc(health.TasksFailed, "queue", task.Type())
		logger.Error("error processing task", "error", err)

		tracker.fail(err)
		if err := database.CompleteTask(context.Background(), proc.db, desc.TaskId, database.TaskFailed, err); err != nil {
			logger.Error("error recording task failure", "error", err)
		}
		if err := task.Nack(); err != nil {
			logger.Error("error reporting processing failure on message from queue", "error", err)
		}
	}
}

func (proc *TaskProcessor) watchRevocation(ctx context.Context, cancel context.CancelCauseFunc, tracker *progressTracker, taskId string) {
	ticker := time.NewTicker(proc.cfg.RevokePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			revoked, err := database.IsTaskRevoked(ctx, proc.db, taskId)
			if err != nil {
				slog.Warn("unable to check task revocation", "task_id", taskId, "error", err)
				continue
			}
			if revoked {
				slog.Info("revocation observed, cancelling task", "task_id", taskId)
				tracker.seal()
				cancel(types.ErrTaskRevoked)
				return
			}
		}
	}
}

// checkpoint stops the task if it was revoked or timed out, then records progress.
// A revoked task's tracker is sealed so no running snapshot outlives the cancel.
func (proc *TaskProcessor) checkpoint(ctx context.Context, tracker *progressTracker, taskId string, value int, stage, message string) error {
	if err := interruption(ctx); err != nil {
		if errors.Is(err, types.ErrTaskRevoked) {
			tracker.seal()
		}
		return err
	}
	revoked, err := database.IsTaskRevoked(ctx, proc.db, taskId)
	if err != nil {
		slog.Warn("unable to check task revocation", "task_id", taskId, "error", err)
	} else if revoked {
		tracker.seal()
		return types.ErrTaskRevoked
	}
	tracker.write(value, stage, message, types.ProgressStatusRunning)
	return nil
}

// interruption reports why ctx ended: revocation, a time limit, or nothing.
func interruption(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return context.Cause(ctx)
}

func (proc *TaskProcessor) run(ctx context.Context, desc types.TaskDescriptor, tracker *progressTracker) error {
	if err := proc.checkpoint(ctx, tracker, desc.TaskId, progressStarted, types.StageStarted, "task started"); err != nil {
		return err
	}

	fingerprint := desc.Fingerprint
	if fingerprint == "" {
		fp, err := cache.Fingerprint(desc.TaskClass, desc.Payload)
		if err != nil {
			return fmt.Errorf("%w: invalid payload: %w", types.ErrValidatorFailure, err)
		}
		fingerprint = fp
	}

	if err := proc.locks.Lock(ctx, fingerprint); err != nil {
		if cause := interruption(ctx); cause != nil {
			return cause
		}
		slog.Warn("running without fingerprint lock", "task_id", desc.TaskId, "error", err)
	} else {
		defer proc.locks.Unlock(fingerprint)
	}

	if err := proc.checkpoint(ctx, tracker, desc.TaskId, progressCacheCheck, types.StageCacheCheck, "checking result cache"); err != nil {
		return err
	}

	if entry, err := proc.cache.Lookup(ctx, fingerprint); err != nil {
		proc.metrics.Inc(health.CacheErrors)
		slog.Warn("cache lookup failed, continuing without cache", "task_id", desc.TaskId, "error", err)
	} else if entry != nil {
		slog.Info("result already cached, skipping validation", "task_id", desc.TaskId, "fingerprint", fingerprint)
		proc.metrics.Inc(health.TasksCached, "source", "worker")
		tracker.complete(entry.Result, true)
		return nil
	}

	if err := proc.checkpoint(ctx, tracker, desc.TaskId, progressInitializing, types.StageInitializing, "initializing validator"); err != nil {
		return err
	}
	if err := proc.checkpoint(ctx, tracker, desc.TaskId, progressAnalysis, types.StageAnalysis, "running validation"); err != nil {
		return err
	}

	req := validator.Request{TaskId: desc.TaskId, TaskClass: desc.TaskClass, Payload: desc.Payload}
	session, err := proc.validator.Validate(ctx, req, func(p int, message string) {
		span := progressFinalizing - progressAnalysis
		value := progressAnalysis + types.ClampProgress(p)*span/100
		// The validator may keep reporting after a revocation or time limit.
		_ = proc.checkpoint(ctx, tracker, desc.TaskId, value, types.StageAnalysis, message)
	})
	if err != nil {
		if cause := interruption(ctx); cause != nil {
			return cause
		}
		if errors.Is(err, types.ErrValidatorFailure) {
			return err
		}
		return fmt.Errorf("%w: %w", types.ErrValidatorFailure, err)
	}

	if err := proc.checkpoint(ctx, tracker, desc.TaskId, progressFinalizing, types.StageFinalizing, "storing result"); err != nil {
		return err
	}

	result, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("error encoding validation session: %w", err)
	}
	if err := proc.cache.Store(ctx, fingerprint, result, proc.cfg.CacheTTL); err != nil {
		proc.metrics.Inc(health.CacheErrors)
		slog.Warn("unable to cache result", "task_id", desc.TaskId, "error", err)
	}

	tracker.complete(result, false)
	return nil
}
