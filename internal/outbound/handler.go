package outbound

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

// SendMessageHandler returns the queue handler for send-message jobs: the
// durable leg of gateway-dispatched sends. It re-drives a message row that
// is still pending, so a gateway crash between the pending insert and the
// delivery does not lose the reply. A row that is no longer pending means
// the gateway already resolved it and the job completes.
func SendMessageHandler(db *gorm.DB, bus *events.Bus, sender Sender) queue.HandlerFunc {
	return func(ctx context.Context, job models.Job) error {
		var payload queue.SendMessagePayload
		if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
			return fmt.Errorf("outbound: decode send-message payload: %w", err)
		}

		tx := db.WithContext(ctx)

		var msg models.Message
		err := tx.Where("id = ? AND tenant_id = ?", payload.MessageID, job.TenantID).First(&msg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("outbound: send-message: message %s not found, skipping", payload.MessageID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("outbound: load message %s: %w", payload.MessageID, err)
		}
		if msg.Status != models.StatusPending {
			return nil
		}

		var conv models.Conversation
		if err := tx.First(&conv, "id = ?", payload.ConversationID).Error; err != nil {
			return fmt.Errorf("outbound: load conversation %s: %w", payload.ConversationID, err)
		}
		var ch models.Channel
		if err := tx.First(&ch, "id = ?", payload.ChannelID).Error; err != nil {
			return fmt.Errorf("outbound: load channel %s: %w", payload.ChannelID, err)
		}

		if ch.IsWhatsApp() {
			return redriveWhatsApp(ctx, tx, job, msg, conv, ch, sender)
		}
		return redriveGateway(tx, job, msg, conv, ch, bus)
	}
}

// redriveWhatsApp sends a stuck pending row through the provider directly.
func redriveWhatsApp(ctx context.Context, tx *gorm.DB, job models.Job, msg models.Message, conv models.Conversation, ch models.Channel, sender Sender) error {
	providerID, err := sender.Send(ctx, Request{
		ChannelID: ch.ID,
		To:        recipientFor(conv),
		Type:      msg.Type,
		Content:   msg.Content,
		MediaURL:  msg.MediaURL,
	})
	if err != nil {
		if job.Attempts >= job.MaxAttempts {
			markFailed(tx, msg.ID, err.Error())
		}
		return fmt.Errorf("outbound: re-drive send %s: %w", msg.ID, err)
	}

	now := time.Now()
	if uerr := tx.Model(&models.Message{}).Where("id = ?", msg.ID).Updates(map[string]interface{}{
		"status":      models.StatusSent,
		"external_id": providerID,
		"sent_at":     now,
	}).Error; uerr != nil {
		return fmt.Errorf("outbound: mark %s sent: %w", msg.ID, uerr)
	}
	return nil
}

// redriveGateway re-emits the channel send event and checks whether a
// subscribed gateway resolved the row. Unconfirmed delivery is an error so
// the queue retries with backoff.
func redriveGateway(tx *gorm.DB, job models.Job, msg models.Message, conv models.Conversation, ch models.Channel, bus *events.Bus) error {
	bus.PublishChannelSend(events.ChannelSend{
		TenantID:       msg.TenantID,
		ChannelID:      ch.ID,
		ChannelType:    ch.Type,
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		Recipient:      recipientFor(conv),
		Content:        msg.Content,
	})

	var after models.Message
	if err := tx.First(&after, "id = ?", msg.ID).Error; err != nil {
		return fmt.Errorf("outbound: reload message %s: %w", msg.ID, err)
	}
	if after.Status == models.StatusPending {
		if job.Attempts >= job.MaxAttempts {
			markFailed(tx, msg.ID, "no gateway confirmed delivery")
		}
		return fmt.Errorf("outbound: delivery of %s not confirmed by %s gateway", msg.ID, ch.Type)
	}
	return nil
}

func markFailed(tx *gorm.DB, messageID, reason string) {
	if err := tx.Model(&models.Message{}).Where("id = ? AND status = ?", messageID, models.StatusPending).
		Updates(map[string]interface{}{"status": models.StatusFailed, "error_message": reason}).Error; err != nil {
		log.Printf("outbound: mark %s failed: %v", messageID, err)
	}
}
