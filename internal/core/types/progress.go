package types

import (
	"encoding/json"
	"time"
)

const (
	StageQueued       = "queued"
	StageStarted      = "started"
	StageCacheCheck   = "cache_check"
	StageInitializing = "initializing"
	StageAnalysis     = "analysis"
	StageFinalizing   = "finalizing"
	StageCompleted    = "completed"
	StageError        = "error"
	StageCancelled    = "cancelled"
)

const (
	ProgressStatusPending   = "pending"
	ProgressStatusRunning   = "running"
	ProgressStatusCompleted = "completed"
	ProgressStatusFailed    = "failed"
	ProgressStatusCancelled = "cancelled"
)

type ProgressSnapshot struct {
	TaskId    string          `json:"task_id"`
	Progress  int             `json:"progress"`
	Stage     string          `json:"stage"`
	Message   string          `json:"message"`
	Status    string          `json:"status"`
	UpdatedAt time.Time       `json:"updated_at"`
	Cached    bool            `json:"cached"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

func (s ProgressSnapshot) Terminal() bool {
	return s.Stage == StageCompleted || s.Stage == StageError || s.Stage == StageCancelled
}

// ClampProgress keeps a progress value inside [0,100].
func ClampProgress(p int) int {
	return max(0, min(100, p))
}

type CacheEntry struct {
	Fingerprint string          `json:"fingerprint"`
	Result      json.RawMessage `json:"result"`
	CreatedAt   time.Time       `json:"created_at"`
	TTL         time.Duration   `json:"ttl"`
}
