package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
	"validation-backend/internal/core/types"
	"validation-backend/internal/database"
	"validation-backend/internal/health"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeProcess struct {
	pid        int
	done       chan struct{}
	once       sync.Once
	mu         sync.Mutex
	code       int
	terminated bool
	ignoreTerm bool
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	ignore := p.ignoreTerm
	p.mu.Unlock()
	if !ignore {
		p.exit(0)
	}
	return nil
}

func (p *fakeProcess) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

func (p *fakeProcess) Kill() error {
	p.exit(-9)
	return nil
}

type launch struct {
	name string
	spec WorkerSpec
	proc *fakeProcess
}

type fakeLauncher struct {
	mu         sync.Mutex
	launches   []launch
	nextPid    int
	ignoreTerm bool
	fail       bool
}

func (l *fakeLauncher) Launch(name string, spec WorkerSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return nil, errors.New("exec: worker binary not found")
	}
	l.nextPid++
	proc := &fakeProcess{pid: 1000 + l.nextPid, done: make(chan struct{}), ignoreTerm: l.ignoreTerm}
	l.launches = append(l.launches, launch{name: name, spec: spec, proc: proc})
	return proc, nil
}

func (l *fakeLauncher) all() []launch {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]launch{}, l.launches...)
}

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := database.NewDatabase("file::memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func TestStartLaunchesWorkers(t *testing.T) {
	launcher := &fakeLauncher{}
	s := New(launcher, nil, health.NewMetrics(), Config{Hostname: "host-a", PollInterval: time.Hour})

	queues := []string{types.ValidationQueue, types.PriorityQueue}
	require.NoError(t, s.Start(context.Background(), 3, 2, queues))
	defer s.Stop(time.Second)

	launches := launcher.all()
	require.Len(t, launches, 3)
	assert.Equal(t, "worker1@host-a", launches[0].name)
	assert.Equal(t, "worker3@host-a", launches[2].name)

	records := s.Records()
	require.Len(t, records, 3)
	for _, r := range records {
		assert.True(t, r.Running)
		assert.Equal(t, queues, r.Queues)
		assert.Equal(t, 2, r.Concurrency)
		assert.Nil(t, r.ReturnCode)
	}

	assert.Error(t, s.Start(context.Background(), 1, 1, queues))
}

func TestStartValidation(t *testing.T) {
	s := New(&fakeLauncher{}, nil, nil, Config{})
	assert.Error(t, s.Start(context.Background(), 0, 1, types.AllQueues))
	assert.Error(t, s.Start(context.Background(), 1, 1, []string{"unknown_queue"}))

	failing := New(&fakeLauncher{fail: true}, nil, nil, Config{})
	assert.Error(t, failing.Start(context.Background(), 1, 1, types.AllQueues))
}

func TestRestartsCrashedWorker(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	metrics := health.NewMetrics()
	launcher := &fakeLauncher{}
	s := New(launcher, db, metrics, Config{Hostname: "host-a", PollInterval: 20 * time.Millisecond})

	require.NoError(t, s.StartFleet(ctx, []WorkerSpec{
		{Name: "validation", Queues: []string{types.ValidationQueue}, Concurrency: 2},
		{Name: "analysis", Queues: []string{types.AnalysisQueue}, Concurrency: 1},
	}))
	defer s.Stop(time.Second)

	// The worker holds a running task when it dies.
	desc := types.TaskDescriptor{
		TaskId:      "task-1",
		TaskClass:   types.TaskValidate,
		Payload:     json.RawMessage(`{"source":"A"}`),
		QueueName:   types.ValidationQueue,
		Fingerprint: "fp",
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, database.CreateTaskRecord(ctx, db, desc))
	require.NoError(t, database.RegisterWorker(ctx, db, "validation@host-a", 1001, []string{desc.QueueName}, 2, false))
	reserved, err := database.ReserveTask(ctx, db, desc.TaskId, "validation@host-a", 0)
	require.NoError(t, err)
	require.True(t, reserved)
	require.NoError(t, database.StartTask(ctx, db, desc.TaskId))

	launcher.all()[0].proc.exit(137)

	require.Eventually(t, func() bool {
		return s.Records()[0].Restarts == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, launcher.all(), 3)

	relaunched := launcher.all()[2]
	assert.Equal(t, "validation@host-a", relaunched.name)
	assert.Equal(t, []string{types.ValidationQueue}, relaunched.spec.Queues)
	assert.Equal(t, 2, relaunched.spec.Concurrency)

	records := s.Records()
	assert.Equal(t, 1, records[0].Restarts)
	assert.Equal(t, relaunched.proc.Pid(), records[0].Pid)
	assert.True(t, records[0].Running)
	assert.Equal(t, 0, records[1].Restarts)

	assert.Equal(t, int64(1), metrics.Counter(health.WorkersCrashed))
	assert.Equal(t, int64(1), metrics.Counter(health.WorkersRestarted))

	record, err := database.GetTaskRecord(ctx, db, desc.TaskId)
	require.NoError(t, err)
	assert.Equal(t, database.TaskFailed, record.Status)
	assert.Equal(t, types.ErrWorkerCrashed.Error(), record.Error.String)

	workers, err := database.ListOnlineWorkers(ctx, db, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, workers)
}

func TestRestartsEveryDeadWorker(t *testing.T) {
	launcher := &fakeLauncher{}
	s := New(launcher, nil, health.NewMetrics(), Config{PollInterval: 20 * time.Millisecond})
	require.NoError(t, s.Start(context.Background(), 3, 1, types.AllQueues))
	defer s.Stop(time.Second)

	for _, l := range launcher.all() {
		l.proc.exit(1)
	}

	require.Eventually(t, func() bool {
		for _, r := range s.Records() {
			if r.Restarts != 1 || !r.Running {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, launcher.all(), 6)
}

func TestStop(t *testing.T) {
	launcher := &fakeLauncher{}
	s := New(launcher, nil, health.NewMetrics(), Config{PollInterval: 10 * time.Millisecond})
	require.NoError(t, s.Start(context.Background(), 2, 1, types.AllQueues))

	s.Stop(time.Second)
	s.Stop(time.Second)

	for _, l := range launcher.all() {
		assert.True(t, l.proc.wasTerminated())
		assert.Equal(t, 0, l.proc.ExitCode())
	}

	// Exits caused by Stop are never treated as crashes.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, launcher.all(), 2)

	select {
	case <-s.Done():
	default:
		t.Fatal("supervisor not marked stopped")
	}
}

func TestStopKillsSurvivors(t *testing.T) {
	launcher := &fakeLauncher{ignoreTerm: true}
	s := New(launcher, nil, health.NewMetrics(), Config{PollInterval: time.Hour})
	require.NoError(t, s.Start(context.Background(), 2, 1, types.AllQueues))

	start := time.Now()
	s.Stop(100 * time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)

	for _, l := range launcher.all() {
		assert.Equal(t, -9, l.proc.ExitCode())
	}
	for _, r := range s.Records() {
		assert.False(t, r.Running)
	}
}

func TestHandleSignalsStopsOnContext(t *testing.T) {
	launcher := &fakeLauncher{}
	s := New(launcher, nil, nil, Config{PollInterval: time.Hour, StopTimeout: time.Second})
	require.NoError(t, s.Start(context.Background(), 1, 1, types.AllQueues))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.HandleSignals(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleSignals did not return")
	}
	assert.True(t, launcher.all()[0].proc.wasTerminated())
}

func TestWorkerArgs(t *testing.T) {
	spec := WorkerSpec{Name: "validation", Queues: []string{"validation_queue", "priority_queue"}, Concurrency: 4}
	assert.Equal(t, []string{
		"--hostname", "validation@host-a",
		"--queues", "validation_queue,priority_queue",
		"--concurrency", "4",
		"--without-gossip",
		"--without-mingle",
		"--without-heartbeat",
		"--env", "/etc/worker.env",
	}, WorkerArgs("validation@host-a", spec, "/etc/worker.env"))
}

func TestParseFleet(t *testing.T) {
	specs, err := ParseFleet([]byte(`
workers:
  - name: validation
    queues: [validation_queue, priority_queue]
    concurrency: 2
  - name: analysis
    queues: [analysis_queue]
`))
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, 2, specs[0].Concurrency)
	assert.Equal(t, 1, specs[1].Concurrency)

	_, err = ParseFleet([]byte(`workers: []`))
	assert.Error(t, err)

	_, err = ParseFleet([]byte("workers:\n  - name: a\n    queues: [nope]\n"))
	assert.Error(t, err)

	_, err = ParseFleet([]byte("workers:\n  - name: a\n    queues: [analysis_queue]\n  - name: a\n    queues: [analysis_queue]\n"))
	assert.Error(t, err)

	_, err = ParseFleet([]byte("workers:\n  - name: a\n    queue: [analysis_queue]\n"))
	assert.Error(t, err)
}

func TestJanitor(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	desc := types.TaskDescriptor{
		TaskId:    "old-task",
		TaskClass: types.TaskValidate,
		Payload:   json.RawMessage(`{}`),
		QueueName: types.ValidationQueue,
		CreatedAt: time.Now().Add(-48 * time.Hour),
	}
	require.NoError(t, database.CreateTaskRecord(ctx, db, desc))
	require.NoError(t, database.CompleteTask(ctx, db, desc.TaskId, database.TaskSucceeded, nil))

	desc.TaskId = "queued-task"
	require.NoError(t, database.CreateTaskRecord(ctx, db, desc))

	janitor := NewJanitor(db, time.Millisecond, time.Hour)
	time.Sleep(5 * time.Millisecond)

	removed, err := janitor.PurgeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = database.GetTaskRecord(ctx, db, "old-task")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = database.GetTaskRecord(ctx, db, "queued-task")
	assert.NoError(t, err)
}
