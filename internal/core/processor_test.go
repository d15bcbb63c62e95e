package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"validation-backend/internal/cache"
	"validation-backend/internal/core/types"
	"validation-backend/internal/database"
	"validation-backend/internal/health"
	"validation-backend/internal/messaging"
	"validation-backend/internal/progress"
	"validation-backend/internal/validator"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeTask struct {
	queue    string
	payload  []byte
	attempt  int
	acked    atomic.Int32
	nacked   atomic.Int32
	rejected atomic.Int32
}

func (t *fakeTask) Type() string    { return t.queue }
func (t *fakeTask) Payload() []byte { return t.payload }
func (t *fakeTask) Attempt() int    { return t.attempt }
func (t *fakeTask) Ack() error      { t.acked.Add(1); return nil }
func (t *fakeTask) Nack() error     { t.nacked.Add(1); return nil }
func (t *fakeTask) Reject() error   { t.rejected.Add(1); return nil }

func (t *fakeTask) Descriptor() (types.TaskDescriptor, error) {
	return messaging.DecodeDescriptor(t.payload)
}

type testEnv struct {
	db       *gorm.DB
	progress *progress.MemoryStore
	cache    *cache.MemoryCache
	metrics  *health.Metrics
}

func setupEnv(t *testing.T) *testEnv {
	db, err := database.NewDatabase("file::memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	return &testEnv{
		db:       db,
		progress: progress.NewMemoryStore(time.Hour),
		cache:    cache.NewMemoryCache(),
		metrics:  health.NewMetrics(),
	}
}

func (env *testEnv) processor(v validator.Validator, cfg ProcessorConfig, reciever messaging.Reciever) *TaskProcessor {
	if cfg.WorkerName == "" {
		cfg.WorkerName = "test-worker@localhost"
	}
	return NewTaskProcessor(env.db, reciever, env.progress, env.cache, v, env.metrics, cfg)
}

// submit records a task the way the orchestration service does and returns
// the delivery a worker would receive.
func (env *testEnv) submit(t *testing.T, payload string) (types.TaskDescriptor, *fakeTask) {
	fingerprint, err := cache.Fingerprint(types.TaskValidate, []byte(payload))
	require.NoError(t, err)

	desc := types.TaskDescriptor{
		TaskId:      uuid.NewString(),
		TaskClass:   types.TaskValidate,
		Payload:     json.RawMessage(payload),
		QueueName:   types.ValidationQueue,
		Fingerprint: fingerprint,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, database.CreateTaskRecord(context.Background(), env.db, desc))

	data, err := messaging.EncodeDescriptor(desc)
	require.NoError(t, err)
	return desc, &fakeTask{queue: types.ValidationQueue, payload: data}
}

func (env *testEnv) recordStatus(t *testing.T, taskId string) database.TaskRecord {
	record, err := database.GetTaskRecord(context.Background(), env.db, taskId)
	require.NoError(t, err)
	return record
}

func collect(t *testing.T, updates <-chan types.ProgressSnapshot) <-chan []types.ProgressSnapshot {
	out := make(chan []types.ProgressSnapshot, 1)
	go func() {
		var seen []types.ProgressSnapshot
		for s := range updates {
			seen = append(seen, s)
		}
		out <- seen
	}()
	return out
}

func progressValues(snapshots []types.ProgressSnapshot) []int {
	values := make([]int, len(snapshots))
	for i, s := range snapshots {
		values[i] = s.Progress
	}
	return values
}

func TestProcessTaskSuccess(t *testing.T) {
	env := setupEnv(t)
	desc, task := env.submit(t, `{"source":"A","target":"B"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	updates, err := env.progress.Subscribe(ctx, desc.TaskId)
	require.NoError(t, err)
	seen := collect(t, updates)

	proc := env.processor(validator.StaticValidator{Steps: 2}, ProcessorConfig{}, nil)
	proc.ProcessTask(task)

	snapshots := <-seen
	assert.Equal(t, []int{0, 5, 10, 20, 55, 90, 90, 100}, progressValues(snapshots))

	final := snapshots[len(snapshots)-1]
	assert.Equal(t, types.StageCompleted, final.Stage)
	assert.Equal(t, types.ProgressStatusCompleted, final.Status)
	assert.False(t, final.Cached)
	assert.Equal(t, "test-worker@localhost", final.Metadata["worker"])

	var session validator.Session
	require.NoError(t, json.Unmarshal(final.Result, &session))
	assert.Equal(t, desc.TaskId, session.SessionId)

	entry, err := env.cache.Lookup(context.Background(), desc.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.JSONEq(t, string(final.Result), string(entry.Result))

	record := env.recordStatus(t, desc.TaskId)
	assert.Equal(t, database.TaskSucceeded, record.Status)
	assert.Equal(t, "test-worker@localhost", record.Worker.String)

	assert.Equal(t, int32(1), task.acked.Load())
	assert.Equal(t, int64(1), env.metrics.Counter(health.TasksSucceeded, "queue", types.ValidationQueue))
}

func TestProcessTaskCacheHit(t *testing.T) {
	env := setupEnv(t)
	desc, task := env.submit(t, `{"source":"A","target":"B"}`)
	require.NoError(t, env.cache.Store(context.Background(), desc.Fingerprint, json.RawMessage(`{"passed":true}`), time.Hour))

	var calls atomic.Int32
	v := validator.ValidatorFunc(func(ctx context.Context, req validator.Request, progress validator.ProgressFunc) (*validator.Session, error) {
		calls.Add(1)
		return &validator.Session{}, nil
	})

	env.processor(v, ProcessorConfig{}, nil).ProcessTask(task)

	assert.Equal(t, int32(0), calls.Load())

	snapshot, err := env.progress.Read(context.Background(), desc.TaskId)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, 100, snapshot.Progress)
	assert.True(t, snapshot.Cached)
	assert.JSONEq(t, `{"passed":true}`, string(snapshot.Result))

	assert.Equal(t, database.TaskSucceeded, env.recordStatus(t, desc.TaskId).Status)
	assert.Equal(t, int32(1), task.acked.Load())
}

func TestProcessTaskValidatorFailure(t *testing.T) {
	env := setupEnv(t)
	desc, task := env.submit(t, `{"source":"A"}`)

	v := validator.ValidatorFunc(func(ctx context.Context, req validator.Request, progress validator.ProgressFunc) (*validator.Session, error) {
		progress(50, "halfway")
		return nil, errors.New("reference document unreadable")
	})

	env.processor(v, ProcessorConfig{}, nil).ProcessTask(task)

	snapshot, err := env.progress.Read(context.Background(), desc.TaskId)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, types.StageError, snapshot.Stage)
	assert.Equal(t, types.ProgressStatusFailed, snapshot.Status)
	assert.Equal(t, 55, snapshot.Progress)
	assert.Contains(t, snapshot.Message, "reference document unreadable")

	record := env.recordStatus(t, desc.TaskId)
	assert.Equal(t, database.TaskFailed, record.Status)
	assert.Contains(t, record.Error.String, "reference document unreadable")

	assert.Equal(t, int32(1), task.nacked.Load())
	assert.Equal(t, int32(0), task.acked.Load())

	entry, err := env.cache.Lookup(context.Background(), desc.Fingerprint)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestProcessTaskRejectsMalformed(t *testing.T) {
	env := setupEnv(t)
	proc := env.processor(validator.StaticValidator{}, ProcessorConfig{}, nil)

	garbage := &fakeTask{queue: types.ValidationQueue, payload: []byte("not json")}
	proc.ProcessTask(garbage)
	assert.Equal(t, int32(1), garbage.rejected.Load())

	_, task := env.submit(t, `{}`)
	task.queue = "unknown_queue"
	proc.ProcessTask(task)
	assert.Equal(t, int32(1), task.rejected.Load())
}

func TestProcessTaskSkipsRevoked(t *testing.T) {
	env := setupEnv(t)
	desc, task := env.submit(t, `{"source":"A"}`)

	_, err := database.RevokeTask(context.Background(), env.db, desc.TaskId)
	require.NoError(t, err)

	var calls atomic.Int32
	v := validator.ValidatorFunc(func(ctx context.Context, req validator.Request, progress validator.ProgressFunc) (*validator.Session, error) {
		calls.Add(1)
		return &validator.Session{}, nil
	})
	env.processor(v, ProcessorConfig{}, nil).ProcessTask(task)

	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, int32(1), task.acked.Load())
	assert.Equal(t, database.TaskRevoked, env.recordStatus(t, desc.TaskId).Status)

	snapshot, err := env.progress.Read(context.Background(), desc.TaskId)
	require.NoError(t, err)
	assert.Nil(t, snapshot)
}

func TestProcessTaskRevokedWhileRunning(t *testing.T) {
	env := setupEnv(t)
	desc, task := env.submit(t, `{"source":"A"}`)

	started := make(chan struct{})
	v := validator.ValidatorFunc(func(ctx context.Context, req validator.Request, progress validator.ProgressFunc) (*validator.Session, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	go func() {
		<-started
		_, err := database.RevokeTask(context.Background(), env.db, desc.TaskId)
		assert.NoError(t, err)
	}()

	env.processor(v, ProcessorConfig{RevokePollInterval: 10 * time.Millisecond}, nil).ProcessTask(task)

	assert.Equal(t, database.TaskRevoked, env.recordStatus(t, desc.TaskId).Status)
	assert.Equal(t, int32(1), task.acked.Load())
	assert.Equal(t, int32(0), task.nacked.Load())

	snapshot, err := env.progress.Read(context.Background(), desc.TaskId)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.NotEqual(t, types.StageError, snapshot.Stage)
}

func TestProcessTaskSoftTimeLimit(t *testing.T) {
	env := setupEnv(t)
	desc, task := env.submit(t, `{"source":"A"}`)

	v := validator.ValidatorFunc(func(ctx context.Context, req validator.Request, progress validator.ProgressFunc) (*validator.Session, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	env.processor(v, ProcessorConfig{SoftTimeLimit: 50 * time.Millisecond, HardTimeLimit: 5 * time.Second}, nil).ProcessTask(task)

	record := env.recordStatus(t, desc.TaskId)
	assert.Equal(t, database.TaskFailed, record.Status)
	assert.Contains(t, record.Error.String, "soft limit")

	snapshot, err := env.progress.Read(context.Background(), desc.TaskId)
	require.NoError(t, err)
	assert.Equal(t, types.StageError, snapshot.Stage)
	assert.Equal(t, 20, snapshot.Progress)
	assert.Equal(t, int64(1), env.metrics.Counter(health.TasksTimedOut, "queue", types.ValidationQueue))
}

func TestProcessTaskHardTimeLimit(t *testing.T) {
	env := setupEnv(t)
	desc, task := env.submit(t, `{"source":"A"}`)

	release := make(chan struct{})
	finished := make(chan struct{})
	v := validator.ValidatorFunc(func(ctx context.Context, req validator.Request, progress validator.ProgressFunc) (*validator.Session, error) {
		defer close(finished)
		<-release
		progress(100, "ignored the deadline")
		return &validator.Session{Passed: true}, nil
	})

	start := time.Now()
	env.processor(v, ProcessorConfig{SoftTimeLimit: 50 * time.Millisecond, HardTimeLimit: 100 * time.Millisecond}, nil).ProcessTask(task)
	assert.Less(t, time.Since(start), 2*time.Second)

	record := env.recordStatus(t, desc.TaskId)
	assert.Equal(t, database.TaskFailed, record.Status)
	assert.Contains(t, record.Error.String, "hard limit")

	assert.Equal(t, float64(1), env.metrics.Gauge(health.TasksAbandoned))

	close(release)
	<-finished

	// Writes from the abandoned execution never replace the terminal snapshot.
	snapshot, err := env.progress.Read(context.Background(), desc.TaskId)
	require.NoError(t, err)
	assert.Equal(t, types.StageError, snapshot.Stage)
	assert.Equal(t, 20, snapshot.Progress)

	assert.Eventually(t, func() bool {
		return env.metrics.Gauge(health.TasksAbandoned) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProcessTaskIgnoresProgressAfterCancel(t *testing.T) {
	env := setupEnv(t)
	desc, task := env.submit(t, `{"source":"A"}`)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	v := validator.ValidatorFunc(func(ctx context.Context, req validator.Request, progress validator.ProgressFunc) (*validator.Session, error) {
		progress(10, "reading documents")
		close(started)
		<-cancelled
		progress(80, "still comparing")
		return &validator.Session{Passed: true}, nil
	})

	go func() {
		defer close(cancelled)
		<-started
		// Mirrors the service cancel: revoke the record, then drop its progress.
		_, err := database.RevokeTask(context.Background(), env.db, desc.TaskId)
		assert.NoError(t, err)
		assert.NoError(t, env.progress.Clear(context.Background(), desc.TaskId))
	}()

	env.processor(v, ProcessorConfig{RevokePollInterval: time.Hour}, nil).ProcessTask(task)

	assert.Equal(t, database.TaskRevoked, env.recordStatus(t, desc.TaskId).Status)
	assert.Equal(t, int32(1), task.acked.Load())

	snapshot, err := env.progress.Read(context.Background(), desc.TaskId)
	require.NoError(t, err)
	assert.Nil(t, snapshot)

	entry, err := env.cache.Lookup(context.Background(), desc.Fingerprint)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestProcessTaskNotRerunAfterWorkerCrash(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	desc, task := env.submit(t, `{"source":"A"}`)

	// A previous worker took the delivery and died mid-run.
	reserved, err := database.ReserveTask(ctx, env.db, desc.TaskId, "crashed@host", task.Attempt())
	require.NoError(t, err)
	require.True(t, reserved)
	require.NoError(t, database.StartTask(ctx, env.db, desc.TaskId))
	_, err = database.FailWorkerTasks(ctx, env.db, "crashed@host", types.ErrWorkerCrashed)
	require.NoError(t, err)

	var calls atomic.Int32
	v := validator.ValidatorFunc(func(ctx context.Context, req validator.Request, progress validator.ProgressFunc) (*validator.Session, error) {
		calls.Add(1)
		return &validator.Session{Passed: true}, nil
	})

	// The broker hands the unacked message out again with its attempt unchanged.
	env.processor(v, ProcessorConfig{}, nil).ProcessTask(task)

	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, int32(1), task.acked.Load())
	assert.Equal(t, int32(0), task.nacked.Load())

	record := env.recordStatus(t, desc.TaskId)
	assert.Equal(t, database.TaskFailed, record.Status)
	assert.Equal(t, 1, record.Attempts)
}

func TestProcessTaskRetriesAfterFailure(t *testing.T) {
	env := setupEnv(t)
	desc, task := env.submit(t, `{"source":"A"}`)

	var calls atomic.Int32
	v := validator.ValidatorFunc(func(ctx context.Context, req validator.Request, progress validator.ProgressFunc) (*validator.Session, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient failure")
		}
		return &validator.Session{SessionId: req.TaskId, Passed: true}, nil
	})
	proc := env.processor(v, ProcessorConfig{}, nil)

	proc.ProcessTask(task)
	require.Equal(t, int32(1), task.nacked.Load())
	require.Equal(t, database.TaskFailed, env.recordStatus(t, desc.TaskId).Status)

	// The nack republished the message with the next attempt number.
	retry := &fakeTask{queue: task.queue, payload: task.payload, attempt: 1}
	proc.ProcessTask(retry)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), retry.acked.Load())

	record := env.recordStatus(t, desc.TaskId)
	assert.Equal(t, database.TaskSucceeded, record.Status)
	assert.Equal(t, 2, record.Attempts)
}

func TestTaskProcessorConcurrency(t *testing.T) {
	env := setupEnv(t)
	queue := messaging.NewInMemoryQueue(0)

	var running, peak atomic.Int32
	v := validator.ValidatorFunc(func(ctx context.Context, req validator.Request, progress validator.ProgressFunc) (*validator.Session, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		return &validator.Session{SessionId: req.TaskId, Passed: true}, nil
	})

	proc := env.processor(v, ProcessorConfig{Concurrency: 2, Heartbeat: true, HeartbeatInterval: 10 * time.Millisecond}, queue.Receiver(types.AllQueues))

	var ids []string
	for i := range 6 {
		desc, _ := env.submit(t, `{"n":`+string(rune('0'+i))+`}`)
		require.NoError(t, queue.Publish(context.Background(), desc))
		ids = append(ids, desc.TaskId)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		proc.Start()
	}()

	require.Eventually(t, func() bool {
		counts, err := database.CountTasksByStatus(context.Background(), env.db)
		return err == nil && counts[database.TaskSucceeded] == int64(len(ids))
	}, 10*time.Second, 20*time.Millisecond)

	workers, err := database.ListOnlineWorkers(context.Background(), env.db, time.Minute)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "test-worker@localhost", workers[0].Name)

	proc.Stop()
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))

	workers, err = database.ListOnlineWorkers(context.Background(), env.db, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, workers)
}

type recordingReciever struct {
	tasks           chan messaging.Task
	closeOnce       sync.Once
	closed          atomic.Bool
	shutdown        atomic.Bool
	ackedAtShutdown atomic.Int32
	task            *fakeTask
}

func (r *recordingReciever) Tasks() <-chan messaging.Task { return r.tasks }

func (r *recordingReciever) Close() {
	r.closeOnce.Do(func() { r.closed.Store(true) })
}

func (r *recordingReciever) Shutdown() {
	r.ackedAtShutdown.Store(r.task.acked.Load())
	r.shutdown.Store(true)
}

func TestTaskProcessorStopSettlesInflightBeforeShutdown(t *testing.T) {
	env := setupEnv(t)
	desc, task := env.submit(t, `{"source":"A"}`)
	reciever := &recordingReciever{tasks: make(chan messaging.Task, 1), task: task}
	reciever.tasks <- task

	started := make(chan struct{})
	release := make(chan struct{})
	v := validator.ValidatorFunc(func(ctx context.Context, req validator.Request, progress validator.ProgressFunc) (*validator.Session, error) {
		close(started)
		<-release
		return &validator.Session{SessionId: req.TaskId, Passed: true}, nil
	})

	proc := env.processor(v, ProcessorConfig{Concurrency: 1}, reciever)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		proc.Start()
	}()

	<-started
	proc.Stop()
	assert.True(t, reciever.closed.Load())
	assert.False(t, reciever.shutdown.Load())

	close(release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not stop")
	}

	assert.True(t, reciever.shutdown.Load())
	assert.Equal(t, int32(1), reciever.ackedAtShutdown.Load())
	assert.Equal(t, database.TaskSucceeded, env.recordStatus(t, desc.TaskId).Status)
}
