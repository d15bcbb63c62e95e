package health

import (
	"sort"
	"strings"
	"sync"
)

const (
	TasksSubmitted   = "tasks_submitted_total"
	TasksCached      = "tasks_cache_hits_total"
	TasksSucceeded   = "tasks_succeeded_total"
	TasksFailed      = "tasks_failed_total"
	TasksRevoked     = "tasks_revoked_total"
	TasksTimedOut    = "tasks_timed_out_total"
	TasksRunning     = "tasks_running"
	TasksAbandoned   = "tasks_abandoned"
	WorkersAlive     = "workers_alive"
	WorkersCrashed   = "workers_crashed_total"
	WorkersRestarted = "workers_restarted_total"
	BrokerErrors     = "broker_errors_total"
	CacheErrors      = "cache_errors_total"
	ProgressErrors   = "progress_errors_total"
)

// Metrics keeps counters and gauges in memory. Labels are folded into the
// metric name so the snapshot stays a flat map.
type Metrics struct {
	mu       sync.RWMutex
	counters map[string]int64
	gauges   map[string]float64
}

func NewMetrics() *Metrics {
	return &Metrics{
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
	}
}

func metricName(name string, labels []string) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		pairs = append(pairs, labels[i]+"="+labels[i+1])
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}

// Inc increments a counter. labels are key/value pairs.
func (m *Metrics) Inc(name string, labels ...string) {
	m.Add(name, 1, labels...)
}

func (m *Metrics) Add(name string, delta int64, labels ...string) {
	if m == nil {
		return
	}
	key := metricName(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key] += delta
}

func (m *Metrics) SetGauge(name string, value float64, labels ...string) {
	if m == nil {
		return
	}
	key := metricName(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[key] = value
}

func (m *Metrics) AddGauge(name string, delta float64, labels ...string) {
	if m == nil {
		return
	}
	key := metricName(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[key] += delta
}

func (m *Metrics) Counter(name string, labels ...string) int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[metricName(name, labels)]
}

func (m *Metrics) Gauge(name string, labels ...string) float64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gauges[metricName(name, labels)]
}

type MetricsSnapshot struct {
	Counters map[string]int64   `json:"counters"`
	Gauges   map[string]float64 `json:"gauges"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	snapshot := MetricsSnapshot{Counters: map[string]int64{}, Gauges: map[string]float64{}}
	if m == nil {
		return snapshot
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, v := range m.counters {
		snapshot.Counters[k] = v
	}
	for k, v := range m.gauges {
		snapshot.Gauges[k] = v
	}
	return snapshot
}
