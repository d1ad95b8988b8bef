package queue

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/switchboard-io/switchboard/internal/models"
	"gorm.io/gorm"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration parses a 5-field cron expression and returns the duration
// until the next fire time. Returns 0 on parse error.
func nextCronDuration(expr string) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	next := sched.Next(time.Now())
	d := time.Until(next)
	if d < 0 {
		return 0
	}
	return d
}

// RequeueStale flips running jobs whose last update is older than staleAfter
// back to pending. A job stuck in running means a worker died mid-execution;
// handlers are idempotent, so re-running is safe.
func RequeueStale(db *gorm.DB, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleAfter)
	result := db.Model(&models.Job{}).
		Where("status = ? AND updated_at < ?", models.JobRunning, cutoff).
		Updates(map[string]interface{}{
			"status": models.JobPending,
			"run_at": time.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("queue: requeue stale: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// PurgeCompleted deletes completed jobs older than the retention window.
// Failed jobs are kept for operator inspection.
func PurgeCompleted(db *gorm.DB, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result := db.Where("status = ? AND completed_at < ?", models.JobCompleted, cutoff).
		Delete(&models.Job{})
	if result.Error != nil {
		return 0, fmt.Errorf("queue: purge completed: %w", result.Error)
	}
	return result.RowsAffected, nil
}
