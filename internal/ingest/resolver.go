package ingest

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/switchboard-io/switchboard/internal/channel"
	"github.com/switchboard-io/switchboard/internal/models"
	"gorm.io/gorm"
)

// resolveConversation finds the active conversation for the sender or
// creates one. Returns the conversation and whether it was newly created.
func (p *Pipeline) resolveConversation(db *gorm.DB, in channel.Inbound) (models.Conversation, bool, error) {
	conv, found, err := findActiveConversation(db, in)
	if err != nil {
		return models.Conversation{}, false, err
	}
	if found {
		return conv, false, nil
	}

	active := true
	conv = models.Conversation{
		ID:                 uuid.NewString(),
		TenantID:           in.TenantID,
		ChannelID:          in.ChannelID,
		CustomerExternalID: in.Sender.Raw,
		CustomerPhone:      in.Sender.Phone,
		CustomerName:       in.SenderName,
		Status:             models.ConversationOpen,
		Handler:            models.HandlerAI,
		Priority:           "normal",
		Tags:               "[]",
		Active:             &active,
	}
	if err := db.Create(&conv).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost the claim race: a concurrent delivery created the thread
			// first. Its row is the conversation.
			conv, found, err = findActiveConversation(db, in)
			if err != nil {
				return models.Conversation{}, false, err
			}
			if found {
				return conv, false, nil
			}
			return models.Conversation{}, false, fmt.Errorf("ingest: conversation claim lost but winner not found for %q", in.Sender.Raw)
		}
		return models.Conversation{}, false, fmt.Errorf("ingest: create conversation: %w", err)
	}
	return conv, true, nil
}

// findActiveConversation searches the active-status set for the sender's
// thread, matching the full identifier or its bare digits-only form so
// records created before the identifier format changed still resolve.
// Most-recently-active wins when multiple candidates exist; that should not
// occur under the uniqueness invariant but tolerates replay races.
func findActiveConversation(db *gorm.DB, in channel.Inbound) (models.Conversation, bool, error) {
	candidates := []string{in.Sender.Raw}
	if bare := in.Sender.BareForm(); bare != "" && bare != in.Sender.Raw {
		candidates = append(candidates, bare)
	}

	var conv models.Conversation
	result := db.Where("tenant_id = ? AND channel_id = ? AND customer_external_id IN ? AND status IN ?",
		in.TenantID, in.ChannelID, candidates, models.ActiveStatuses).
		Order("last_message_at DESC").
		Limit(1).
		Find(&conv)
	if result.Error != nil {
		return models.Conversation{}, false, fmt.Errorf("ingest: find conversation for %q: %w", in.Sender.Raw, result.Error)
	}
	if result.RowsAffected == 0 {
		return models.Conversation{}, false, nil
	}
	return conv, true, nil
}
