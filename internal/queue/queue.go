// Package queue is the durable DB-backed job queue for follow-up work that
// must survive process restarts. Handlers are required to be idempotent:
// jobs are delivered at least once.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/switchboard-io/switchboard/internal/models"
	"gorm.io/gorm"
)

// Job types.
const (
	TypeProcessIncoming = "process-incoming"
	TypeSendMessage     = "send-message"
)

// ProcessIncomingPayload carries enough state to reprocess an accepted
// inbound message from scratch if the job is retried.
type ProcessIncomingPayload struct {
	MessageID         string `json:"message_id"`
	ConversationID    string `json:"conversation_id"`
	ChannelID         string `json:"channel_id"`
	TenantID          string `json:"tenant_id"`
	IsNewConversation bool   `json:"is_new_conversation"`
}

// SendMessagePayload identifies a pending outbound message to dispatch.
type SendMessagePayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	ChannelID      string `json:"channel_id"`
}

// Enqueue creates a pending job due immediately.
func Enqueue(db *gorm.DB, jobType, tenantID string, payload any) (*models.Job, error) {
	if jobType == "" {
		return nil, fmt.Errorf("queue: job type is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal %s payload: %w", jobType, err)
	}

	job := models.Job{
		Type:        jobType,
		TenantID:    tenantID,
		Payload:     string(body),
		Status:      models.JobPending,
		MaxAttempts: models.DefaultMaxAttempts,
		RunAt:       time.Now(),
	}
	if err := db.Create(&job).Error; err != nil {
		return nil, fmt.Errorf("queue: enqueue %s: %w", jobType, err)
	}
	return &job, nil
}
