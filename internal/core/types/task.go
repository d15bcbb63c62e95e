package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type TaskClass string

const (
	TaskValidate TaskClass = "validate"
	TaskAnalyze  TaskClass = "analyze"
	TaskCompare  TaskClass = "compare"
)

const (
	ValidationQueue = "validation_queue"
	AnalysisQueue   = "analysis_queue"
	ComparisonQueue = "comparison_queue"
	// PriorityQueue is consumed by workers but never selected by default routing.
	PriorityQueue = "priority_queue"
)

var defaultRoutes = map[TaskClass]string{
	TaskValidate: ValidationQueue,
	TaskAnalyze:  AnalysisQueue,
	TaskCompare:  ComparisonQueue,
}

// AllQueues lists every queue a worker may subscribe to, in declaration order.
var AllQueues = []string{ValidationQueue, AnalysisQueue, ComparisonQueue, PriorityQueue}

func ParseTaskClass(s string) (TaskClass, error) {
	class := TaskClass(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := defaultRoutes[class]; !ok {
		return "", fmt.Errorf("%w: '%s'", ErrInvalidTaskClass, s)
	}
	return class, nil
}

// QueueFor returns the default queue for a task class.
func QueueFor(class TaskClass) (string, error) {
	queue, ok := defaultRoutes[class]
	if !ok {
		return "", fmt.Errorf("%w: '%s'", ErrInvalidTaskClass, class)
	}
	return queue, nil
}

func IsKnownQueue(queue string) bool {
	for _, q := range AllQueues {
		if q == queue {
			return true
		}
	}
	return false
}

// ParseQueueList splits a comma-joined queue list, dropping blanks.
func ParseQueueList(s string) []string {
	var queues []string
	for _, q := range strings.Split(s, ",") {
		q = strings.TrimSpace(q)
		if q != "" {
			queues = append(queues, q)
		}
	}
	return queues
}

type TaskDescriptor struct {
	TaskId      string
	TaskClass   TaskClass
	Payload     json.RawMessage
	QueueName   string
	Fingerprint string
	CreatedAt   time.Time
}

type TaskState string

const (
	StateSubmitted TaskState = "SUBMITTED"
	StateQueued    TaskState = "QUEUED"
	StateRunning   TaskState = "RUNNING"
	StateSucceeded TaskState = "SUCCEEDED"
	StateFailed    TaskState = "FAILED"
	StateCancelled TaskState = "CANCELLED"
)

func (s TaskState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

const (
	DefaultHardTimeLimit = 1800 * time.Second
	DefaultSoftTimeLimit = 1500 * time.Second
)

type WorkerRecord struct {
	Name        string
	Pid         int
	Queues      []string
	Concurrency int
	Running     bool
	LastSeen    time.Time
	ReturnCode  *int
	Restarts    int
}

type QueueHealth string

const (
	QueueHealthy    QueueHealth = "healthy"
	QueueBusy       QueueHealth = "busy"
	QueueOverloaded QueueHealth = "overloaded"
	QueueNoWorkers  QueueHealth = "no_workers"
)

const (
	overloadedThreshold = 50
	busyThreshold       = 20
)

type QueueStats struct {
	ActiveTasks    int
	ScheduledTasks int
	ReservedTasks  int
	Workers        []string
	QueueHealth    QueueHealth
}

// ClassifyQueueHealth derives the backpressure hint from broker load.
func ClassifyQueueHealth(active, scheduled, workers int) QueueHealth {
	load := active + scheduled
	switch {
	case load > overloadedThreshold:
		return QueueOverloaded
	case load > busyThreshold:
		return QueueBusy
	case workers == 0:
		return QueueNoWorkers
	default:
		return QueueHealthy
	}
}
