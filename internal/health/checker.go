package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Probe func(ctx context.Context) error

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

type ProbeResult struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency"`
}

type Report struct {
	Status    string                 `json:"status"`
	Checks    map[string]ProbeResult `json:"checks"`
	Timestamp time.Time              `json:"timestamp"`
}

func (r Report) Healthy() bool {
	return r.Status == StatusHealthy
}

// Checker runs named liveness probes concurrently, each bounded by timeout.
type Checker struct {
	mu      sync.RWMutex
	probes  map[string]Probe
	timeout time.Duration
}

func NewChecker(timeout time.Duration) *Checker {
	return &Checker{probes: make(map[string]Probe), timeout: timeout}
}

func (c *Checker) Register(name string, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = probe
}

func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.probes))
	for name := range c.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	probes := make(map[string]Probe, len(c.probes))
	for name, probe := range c.probes {
		probes[name] = probe
	}
	c.mu.RUnlock()

	report := Report{Status: StatusHealthy, Checks: make(map[string]ProbeResult, len(probes)), Timestamp: time.Now().UTC()}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, probe := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			start := time.Now()
			err := runProbe(probeCtx, probe)
			result := ProbeResult{Status: StatusHealthy, Latency: time.Since(start).String()}
			if err != nil {
				slog.Warn("health probe failed", "probe", name, "error", err)
				result.Status = StatusUnhealthy
				result.Error = err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			report.Checks[name] = result
			if err != nil {
				report.Status = StatusUnhealthy
			}
		}()
	}
	wg.Wait()

	return report
}

// runProbe returns when the probe does or the context expires, whichever is first.
func runProbe(ctx context.Context, probe Probe) error {
	done := make(chan error, 1)
	go func() { done <- probe(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
