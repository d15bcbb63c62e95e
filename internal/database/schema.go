package database

import (
	"database/sql"
	"encoding/json"
	"time"
	"validation-backend/internal/core/types"

	"gorm.io/datatypes"
)

const (
	TaskQueued    string = "QUEUED"
	TaskReserved  string = "RESERVED"
	TaskRunning   string = "RUNNING"
	TaskSucceeded string = "SUCCEEDED"
	TaskFailed    string = "FAILED"
	TaskRevoked   string = "REVOKED"
)

// TaskRecord is the broker-side view of a task: the authoritative source for
// whether a task was revoked or failed, even if it never wrote progress.
type TaskRecord struct {
	Id          string `gorm:"size:64;primaryKey"`
	TaskClass   string `gorm:"size:20;not null"`
	QueueName   string `gorm:"size:64;not null;index"`
	Fingerprint string `gorm:"size:64;index"`
	Payload     datatypes.JSON

	Status   string `gorm:"size:20;not null;index"`
	Worker   sql.NullString
	Error    sql.NullString
	Attempts int `gorm:"default:0"`

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime
}

func (r TaskRecord) Descriptor() types.TaskDescriptor {
	return types.TaskDescriptor{
		TaskId:      r.Id,
		TaskClass:   types.TaskClass(r.TaskClass),
		Payload:     json.RawMessage(r.Payload),
		QueueName:   r.QueueName,
		Fingerprint: r.Fingerprint,
		CreatedAt:   r.CreationTime,
	}
}

const (
	WorkerOnline  string = "ONLINE"
	WorkerOffline string = "OFFLINE"
)

type Worker struct {
	Name        string `gorm:"size:255;primaryKey"`
	Pid         int
	Queues      string
	Concurrency int
	Status      string `gorm:"size:20;not null"`
	Heartbeat   bool   `gorm:"default:true"`
	StartTime   time.Time
	LastSeen    time.Time
}
