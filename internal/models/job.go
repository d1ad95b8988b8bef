package models

import "time"

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Default retry policy for queue jobs.
const DefaultMaxAttempts = 5

// Job is a durable follow-up work item. Jobs survive process restarts and are
// retried with exponential backoff; after MaxAttempts the job is recorded as
// failed for operator remediation, never silently dropped.
type Job struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	Type     string `gorm:"size:64;not null;index"`
	TenantID string `gorm:"size:36;index"`
	Payload  string `gorm:"type:json"`

	Status      string    `gorm:"size:16;default:pending;index"`
	Attempts    int       `gorm:"default:0"`
	MaxAttempts int       `gorm:"default:5"`
	RunAt       time.Time `gorm:"index"`
	LastError   string    `gorm:"type:text"`

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}
