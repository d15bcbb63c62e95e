package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	"validation-backend/internal/core/types"
	"validation-backend/internal/core/utils"
	"validation-backend/internal/database"
	"validation-backend/internal/health"

	"gorm.io/gorm"
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultStopTimeout  = 30 * time.Second
	maxParallelRestarts = 4
)

type Config struct {
	// Hostname is appended to every worker name as name@hostname.
	Hostname     string
	PollInterval time.Duration
	StopTimeout  time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
		if cfg.Hostname == "" {
			cfg.Hostname = "localhost"
		}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
}

type managedWorker struct {
	name     string
	spec     WorkerSpec
	proc     Process
	lastSeen time.Time
	exitCode *int
	restarts int
}

func (w *managedWorker) alive() bool {
	select {
	case <-w.proc.Done():
		return false
	default:
		return true
	}
}

// Supervisor keeps a fleet of worker processes running, restarting any that
// exit until Stop is called.
type Supervisor struct {
	launcher Launcher
	db       *gorm.DB
	metrics  *health.Metrics
	cfg      Config

	mu      sync.Mutex
	workers []*managedWorker
	started bool

	stop     chan struct{}
	stopOnce sync.Once
	loop     sync.WaitGroup
}

// New creates a supervisor. db may be nil, in which case the worker registry is
// not updated when workers crash.
func New(launcher Launcher, db *gorm.DB, metrics *health.Metrics, cfg Config) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		launcher: launcher,
		db:       db,
		metrics:  metrics,
		cfg:      cfg,
		stop:     make(chan struct{}),
	}
}

// Start launches n identical workers named worker1..workerN.
func (s *Supervisor) Start(ctx context.Context, n, concurrency int, queues []string) error {
	if n < 1 {
		return fmt.Errorf("worker count must be positive, got %d", n)
	}
	specs := make([]WorkerSpec, 0, n)
	for i := 1; i <= n; i++ {
		specs = append(specs, WorkerSpec{Name: fmt.Sprintf("worker%d", i), Queues: queues, Concurrency: concurrency})
	}
	return s.StartFleet(ctx, specs)
}

func (s *Supervisor) StartFleet(ctx context.Context, specs []WorkerSpec) error {
	for _, spec := range specs {
		if err := spec.validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already started")
	}
	s.started = true
	s.mu.Unlock()

	for _, spec := range specs {
		name := fmt.Sprintf("%s@%s", spec.Name, s.cfg.Hostname)
		proc, err := s.launcher.Launch(name, spec)
		if err != nil {
			s.Stop(s.cfg.StopTimeout)
			return err
		}
		slog.Info("worker started", "worker", name, "pid", proc.Pid(), "queues", spec.Queues, "concurrency", spec.Concurrency)

		s.mu.Lock()
		s.workers = append(s.workers, &managedWorker{name: name, spec: spec, proc: proc, lastSeen: time.Now().UTC()})
		s.mu.Unlock()
	}
	s.metrics.SetGauge(health.WorkersAlive, float64(len(specs)))

	s.loop.Add(1)
	go s.monitor(ctx)
	return nil
}

func (s *Supervisor) monitor(ctx context.Context) {
	defer s.loop.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.poll()
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
	}
}

func (s *Supervisor) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// poll collects every exited worker first, then restarts each one.
func (s *Supervisor) poll() {
	if s.stopping() {
		return
	}

	now := time.Now().UTC()
	var dead []*managedWorker

	s.mu.Lock()
	for _, w := range s.workers {
		if w.alive() {
			w.lastSeen = now
			continue
		}
		code := w.proc.ExitCode()
		w.exitCode = &code
		dead = append(dead, w)
	}
	alive := len(s.workers) - len(dead)
	s.mu.Unlock()

	s.metrics.SetGauge(health.WorkersAlive, float64(alive))
	if len(dead) == 0 {
		return
	}

	results := utils.RunInPool(dead, maxParallelRestarts, func(w *managedWorker) (Process, error) {
		return s.restart(w)
	})
	for _, res := range results {
		if res.Error != nil {
			slog.Error("unable to restart worker", "worker", res.Input.name, "error", res.Error)
		}
	}
}

func (s *Supervisor) restart(w *managedWorker) (Process, error) {
	s.mu.Lock()
	name, spec, old := w.name, w.spec, w.proc
	code := *w.exitCode
	s.mu.Unlock()

	s.metrics.Inc(health.WorkersCrashed)
	slog.Error("worker exited", "worker", name, "pid", old.Pid(), "return_code", code, "error", types.ErrWorkerCrashed)

	s.releaseWorker(name)

	// Children of the dead worker may still hold its process group.
	if err := old.Kill(); err != nil {
		slog.Warn("unable to kill worker process group", "worker", name, "error", err)
	}

	if s.stopping() {
		return nil, nil
	}

	proc, err := s.launcher.Launch(name, spec)
	if err != nil {
		return nil, err
	}

	s.metrics.Inc(health.WorkersRestarted)
	s.metrics.AddGauge(health.WorkersAlive, 1)

	s.mu.Lock()
	w.proc = proc
	w.exitCode = nil
	w.restarts++
	w.lastSeen = time.Now().UTC()
	restarts := w.restarts
	s.mu.Unlock()

	slog.Info("worker restarted", "worker", name, "pid", proc.Pid(), "restarts", restarts)
	return proc, nil
}

// releaseWorker fails the tasks a dead worker still held and takes it out of the
// registry. The tasks are not resubmitted.
func (s *Supervisor) releaseWorker(name string) {
	if s.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	failed, err := database.FailWorkerTasks(ctx, s.db, name, types.ErrWorkerCrashed)
	if err != nil {
		slog.Error("unable to fail tasks of crashed worker", "worker", name, "error", err)
	} else if failed > 0 {
		slog.Warn("tasks lost with crashed worker", "worker", name, "tasks", failed)
	}
	if err := database.MarkWorkerOffline(ctx, s.db, name); err != nil {
		slog.Error("unable to mark crashed worker offline", "worker", name, "error", err)
	}
}

// Stop sends SIGTERM to every worker, waits up to timeout for them to exit and
// then kills the survivors. Only the first call has any effect.
func (s *Supervisor) Stop(timeout time.Duration) {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.loop.Wait()

		s.mu.Lock()
		workers := make([]*managedWorker, len(s.workers))
		copy(workers, s.workers)
		s.mu.Unlock()

		slog.Info("stopping workers", "workers", len(workers), "timeout", timeout)
		for _, w := range workers {
			if err := w.proc.Terminate(); err != nil {
				slog.Warn("unable to terminate worker", "worker", w.name, "error", err)
			}
		}

		deadline := time.After(timeout)
		for _, w := range workers {
			select {
			case <-w.proc.Done():
			case <-deadline:
				deadline = closedChan
			}
		}

		for _, w := range workers {
			if w.alive() {
				slog.Warn("worker did not exit in time, killing", "worker", w.name, "pid", w.proc.Pid())
				if err := w.proc.Kill(); err != nil {
					slog.Warn("unable to kill worker", "worker", w.name, "error", err)
				}
				<-w.proc.Done()
			}
		}

		s.metrics.SetGauge(health.WorkersAlive, 0)
		slog.Info("all workers stopped")
	})
}

var closedChan = func() chan time.Time {
	c := make(chan time.Time)
	close(c)
	return c
}()

// HandleSignals blocks until SIGINT or SIGTERM arrives or ctx is done, then
// stops the fleet.
func (s *Supervisor) HandleSignals(ctx context.Context) {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	<-ctx.Done()
	slog.Info("shutdown requested", "reason", context.Cause(ctx))
	s.Stop(s.cfg.StopTimeout)
}

// Done is closed once Stop has been called.
func (s *Supervisor) Done() <-chan struct{} {
	return s.stop
}

func (s *Supervisor) Records() []types.WorkerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]types.WorkerRecord, 0, len(s.workers))
	for _, w := range s.workers {
		record := types.WorkerRecord{
			Name:        w.name,
			Pid:         w.proc.Pid(),
			Queues:      append([]string{}, w.spec.Queues...),
			Concurrency: w.spec.Concurrency,
			Running:     w.alive(),
			LastSeen:    w.lastSeen,
			Restarts:    w.restarts,
		}
		if w.exitCode != nil {
			code := *w.exitCode
			record.ReturnCode = &code
		}
		records = append(records, record)
	}
	return records
}
