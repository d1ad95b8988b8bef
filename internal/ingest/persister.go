package ingest

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/switchboard-io/switchboard/internal/channel"
	"github.com/switchboard-io/switchboard/internal/models"
	"gorm.io/gorm"
)

// errDuplicateMessage marks an insert that lost the (tenant, external id)
// race; the transaction is rolled back and the caller resolves the winner.
var errDuplicateMessage = errors.New("ingest: duplicate message insert")

// persistInbound applies the whole inbound write set in one transaction:
// message insert, conversation counters and reopen, identifier migration and
// back-fill, channel activity stamp. A crash leaves the system as if the
// operation never started.
func (p *Pipeline) persistInbound(db *gorm.DB, in channel.Inbound, conv *models.Conversation, ch *models.Channel) (models.Message, error) {
	createdAt := in.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	msg := models.Message{
		ID:             uuid.NewString(),
		TenantID:       in.TenantID,
		ConversationID: conv.ID,
		Direction:      models.DirectionInbound,
		Type:           in.Type,
		Status:         models.StatusDelivered,
		SenderRole:     models.RoleCustomer,
		SenderName:     in.SenderName,
		Content:        in.Content,
		MediaURL:       in.MediaURL,
		CreatedAt:      createdAt,
	}
	if in.ExternalMessageID != "" {
		ext := in.ExternalMessageID
		msg.ExternalID = &ext
	}

	now := time.Now()
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&msg).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errDuplicateMessage
			}
			return fmt.Errorf("ingest: insert message: %w", err)
		}

		// Counters use atomic increments: concurrent deliveries for the same
		// conversation must not read-modify-write each other's updates away.
		updates := map[string]interface{}{
			"message_count":   gorm.Expr("message_count + 1"),
			"unread_count":    gorm.Expr("unread_count + 1"),
			"last_message_at": now,
		}
		if conv.Status == models.ConversationResolved {
			// A customer writing again after resolution continues the same
			// thread rather than opening a sibling.
			updates["status"] = models.ConversationOpen
		}
		if migrated, ok := migratedIdentifier(conv, in.Sender); ok {
			updates["customer_external_id"] = migrated
		}
		// Back-fill only when previously empty: never clobber a verified
		// value with a noisier one.
		if conv.CustomerName == "" && in.SenderName != "" {
			updates["customer_name"] = in.SenderName
		}
		if conv.CustomerPhone == "" && in.Sender.Phone != "" {
			updates["customer_phone"] = in.Sender.Phone
		}
		if err := tx.Model(&models.Conversation{}).Where("id = ?", conv.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("ingest: update conversation %s: %w", conv.ID, err)
		}

		if err := tx.Model(&models.Channel{}).Where("id = ?", ch.ID).Updates(map[string]interface{}{
			"received_count":   gorm.Expr("received_count + 1"),
			"last_activity_at": now,
		}).Error; err != nil {
			return fmt.Errorf("ingest: stamp channel %s: %w", ch.ID, err)
		}
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// migratedIdentifier reports whether the stored customer identifier should
// move to the incoming form, i.e. when the stored value is the bare form of
// a fuller incoming identifier.
func migratedIdentifier(conv *models.Conversation, sender channel.Identity) (string, bool) {
	if sender.Raw == "" || conv.CustomerExternalID == sender.Raw {
		return "", false
	}
	if bare := sender.BareForm(); bare != "" && conv.CustomerExternalID == bare {
		return sender.Raw, true
	}
	return "", false
}

// PersistOutbound writes an outbound message row and its conversation and
// channel bookkeeping in one transaction. Called by the outbound dispatcher
// after the send outcome is known; the row id is generated here when unset.
func PersistOutbound(db *gorm.DB, msg *models.Message) error {
	if msg.ConversationID == "" {
		return fmt.Errorf("ingest: outbound message has no conversation")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Direction = models.DirectionOutbound

	now := time.Now()
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("ingest: insert outbound message: %w", err)
		}
		if err := tx.Model(&models.Conversation{}).Where("id = ?", msg.ConversationID).Updates(map[string]interface{}{
			"message_count":   gorm.Expr("message_count + 1"),
			"last_message_at": now,
		}).Error; err != nil {
			return fmt.Errorf("ingest: update conversation %s: %w", msg.ConversationID, err)
		}

		var conv models.Conversation
		if err := tx.Select("channel_id").First(&conv, "id = ?", msg.ConversationID).Error; err != nil {
			return fmt.Errorf("ingest: load conversation %s: %w", msg.ConversationID, err)
		}
		if err := tx.Model(&models.Channel{}).Where("id = ?", conv.ChannelID).
			Update("last_activity_at", now).Error; err != nil {
			return fmt.Errorf("ingest: stamp channel %s: %w", conv.ChannelID, err)
		}
		return nil
	})
}
