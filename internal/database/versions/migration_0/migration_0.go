package migration_0

import (
	"database/sql"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

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

func Migration(db *gorm.DB) error {
	return db.AutoMigrate(&TaskRecord{}, &Worker{})
}

func Rollback(db *gorm.DB) error {
	return db.Migrator().DropTable(&Worker{}, &TaskRecord{})
}
