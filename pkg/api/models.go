package api

import (
	"encoding/json"
	"time"
)

type SubmitTaskRequest struct {
	TaskClass string          `json:"task_class"`
	Payload   json.RawMessage `json:"payload"`
	Priority  bool            `json:"priority,omitempty"`
	Scope     string          `json:"scope,omitempty"`
}

type SubmitTaskResponse struct {
	TaskId           string          `json:"task_id"`
	Status           string          `json:"status"`
	QueueName        string          `json:"queue_name,omitempty"`
	Fingerprint      string          `json:"fingerprint"`
	Cached           bool            `json:"cached"`
	EstimatedSeconds float64         `json:"estimated_seconds,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
}

type TaskStatusResponse struct {
	TaskId    string          `json:"task_id"`
	Status    string          `json:"status"`
	Progress  int             `json:"progress"`
	Stage     string          `json:"stage"`
	Message   string          `json:"message"`
	Cached    bool            `json:"cached"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// ProgressSnapshot is one line of a task's progress stream.
type ProgressSnapshot struct {
	TaskId    string          `json:"task_id"`
	Progress  int             `json:"progress"`
	Stage     string          `json:"stage"`
	Message   string          `json:"message"`
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Cached    bool            `json:"cached"`
	Result    json.RawMessage `json:"result,omitempty"`
}

type QueueStats struct {
	ActiveTasks    int      `json:"active_tasks"`
	ScheduledTasks int      `json:"scheduled_tasks"`
	ReservedTasks  int      `json:"reserved_tasks"`
	Workers        []string `json:"workers"`
	QueueHealth    string   `json:"queue_health"`
}

type EstimateRequest struct {
	TaskClass   string `schema:"task_class,required"`
	PayloadSize int    `schema:"payload_size"`
	Scope       string `schema:"scope"`
}

type EstimateResponse struct {
	TaskClass        string  `json:"task_class"`
	EstimatedSeconds float64 `json:"estimated_seconds"`
}

type InvalidateCacheRequest struct {
	Pattern string `json:"pattern"`
}

type InvalidateCacheResponse struct {
	Removed int `json:"removed"`
}
