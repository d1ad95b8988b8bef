package queue

import (
	"fmt"
	"time"

	"github.com/switchboard-io/switchboard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Claim atomically takes the oldest due pending job of the given types and
// flips it to running. It uses SELECT ... FOR UPDATE SKIP LOCKED so parallel
// workers never grab the same job. Returns gorm.ErrRecordNotFound (wrapped)
// when no job is due.
//
// Note: sqlite ignores the locking clause; correctness there is preserved by
// transaction serialization, just with lower concurrency.
func Claim(db *gorm.DB, types []string) (*models.Job, error) {
	if len(types) == 0 {
		return nil, fmt.Errorf("queue: at least one job type is required")
	}

	var claimed models.Job

	err := db.Transaction(func(tx *gorm.DB) error {
		result := tx.Where("status = ? AND type IN ? AND run_at <= ?", models.JobPending, types, time.Now()).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Order("run_at ASC, id ASC").
			Limit(1).
			Find(&claimed)

		if result.Error != nil {
			return fmt.Errorf("queue: find due job: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("queue: no due jobs: %w", gorm.ErrRecordNotFound)
		}

		if err := tx.Model(&models.Job{}).Where("id = ?", claimed.ID).Updates(map[string]interface{}{
			"status":   models.JobRunning,
			"attempts": claimed.Attempts + 1,
		}).Error; err != nil {
			return fmt.Errorf("queue: claim job %d: %w", claimed.ID, err)
		}
		claimed.Status = models.JobRunning
		claimed.Attempts++
		return nil
	})

	if err != nil {
		return nil, err
	}
	return &claimed, nil
}
