package supervisor

import (
	"context"
	"log/slog"
	"time"
	"validation-backend/internal/database"

	"gorm.io/gorm"
)

const (
	DefaultResultRetention = 24 * time.Hour
	DefaultJanitorInterval = time.Hour
)

// Janitor expires finished task records once they are older than the
// retention period.
type Janitor struct {
	db        *gorm.DB
	retention time.Duration
	interval  time.Duration
}

func NewJanitor(db *gorm.DB, retention, interval time.Duration) *Janitor {
	if retention <= 0 {
		retention = DefaultResultRetention
	}
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	return &Janitor{db: db, retention: retention, interval: interval}
}

func (j *Janitor) PurgeOnce(ctx context.Context) (int64, error) {
	removed, err := database.PurgeFinishedTasks(ctx, j.db, time.Now().Add(-j.retention))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		slog.Info("purged expired task records", "removed", removed, "retention", j.retention)
	}
	return removed, nil
}

func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := j.PurgeOnce(ctx); err != nil {
				slog.Error("unable to purge task records", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
