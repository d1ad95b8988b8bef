package models

import "time"

// WebhookEvent statuses. Progression: pending → processing → processed,
// failed, skipped or retry_pending.
const (
	WebhookPending      = "pending"
	WebhookProcessing   = "processing"
	WebhookProcessed    = "processed"
	WebhookFailed       = "failed"
	WebhookSkipped      = "skipped"
	WebhookRetryPending = "retry_pending"
)

// WebhookEvent records one platform-originated webhook delivery. It shares
// the pipeline's idempotency discipline: IdempotencyKey is unique when
// present, so a replayed delivery claims the existing row instead of
// creating a second one.
type WebhookEvent struct {
	ID       string `gorm:"primaryKey;size:36"`
	TenantID string `gorm:"size:36;not null;index;uniqueIndex:idx_tenant_idem,priority:1"`
	Source   string `gorm:"size:64"`
	Topic    string `gorm:"size:128;index"`

	IdempotencyKey *string `gorm:"size:255;uniqueIndex:idx_tenant_idem,priority:2"`

	Status    string `gorm:"size:16;default:pending;index"`
	Attempts  int    `gorm:"default:0"`
	Payload   string `gorm:"type:json"`
	LastError string `gorm:"type:text"`

	ProcessedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
