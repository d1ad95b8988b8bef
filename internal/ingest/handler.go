package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/switchboard-io/switchboard/internal/events"
	"github.com/switchboard-io/switchboard/internal/models"
	"github.com/switchboard-io/switchboard/internal/queue"
	"gorm.io/gorm"
)

// ProcessIncomingHandler returns the queue handler for process-incoming
// jobs: the durable half of the fan-out. It re-publishes the message event
// with at-least-once delivery for external consumers. Idempotent — the
// correlation id lets consumers drop repeats.
func ProcessIncomingHandler(db *gorm.DB, publisher events.Publisher) queue.HandlerFunc {
	return func(ctx context.Context, job models.Job) error {
		var payload queue.ProcessIncomingPayload
		if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
			return fmt.Errorf("ingest: decode process-incoming payload: %w", err)
		}

		tx := db.WithContext(ctx)

		var msg models.Message
		err := tx.Where("id = ? AND tenant_id = ?", payload.MessageID, payload.TenantID).First(&msg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// The message is gone (operator delete between enqueue and run).
			// Retrying can never succeed; complete the job.
			log.Printf("ingest: process-incoming: message %s not found, skipping", payload.MessageID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("ingest: load message %s: %w", payload.MessageID, err)
		}

		var conv models.Conversation
		if err := tx.First(&conv, "id = ?", payload.ConversationID).Error; err != nil {
			return fmt.Errorf("ingest: load conversation %s: %w", payload.ConversationID, err)
		}
		var ch models.Channel
		if err := tx.First(&ch, "id = ?", payload.ChannelID).Error; err != nil {
			return fmt.Errorf("ingest: load channel %s: %w", payload.ChannelID, err)
		}

		return publisher.Publish(ctx, events.TopicMessageReceived, events.Envelope{
			Meta: events.Meta{
				TenantID:      payload.TenantID,
				CorrelationID: msg.ID,
				OccurredAt:    time.Now(),
			},
			Data: events.MessageReceived{
				Message:           msg,
				Conversation:      conv,
				Channel:           ch,
				IsNewConversation: payload.IsNewConversation,
			},
		})
	}
}
