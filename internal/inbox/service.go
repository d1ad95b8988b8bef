// Package inbox is the agent-facing query and action surface over
// conversations: listing, reading, replying and triage. Every operation is
// tenant-scoped; a conversation id from another tenant behaves as not found.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/switchboard-io/switchboard/internal/models"
	"github.com/switchboard-io/switchboard/internal/outbound"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a conversation does not exist in the tenant.
var ErrNotFound = errors.New("inbox: conversation not found")

// ErrActiveExists is returned when reopening a closed conversation would
// collide with another active thread for the same customer.
var ErrActiveExists = errors.New("inbox: another active conversation exists for this customer")

// Service exposes inbox operations over the message store.
type Service struct {
	db         *gorm.DB
	dispatcher *outbound.Dispatcher
}

// ServiceOpts holds parameters for creating a Service.
type ServiceOpts struct {
	DB         *gorm.DB
	Dispatcher *outbound.Dispatcher
}

// NewService creates a Service.
func NewService(opts ServiceOpts) (*Service, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("inbox: db is required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("inbox: dispatcher is required")
	}
	return &Service{db: opts.DB, dispatcher: opts.Dispatcher}, nil
}

// Filter narrows a conversation listing. Zero values mean "any".
type Filter struct {
	TenantID   string
	Status     string
	Handler    string
	AssigneeID string
	Tag        string
	Search     string // matches customer name, phone or identifier
	Limit      int
	Offset     int
}

const defaultListLimit = 50

// ListConversations returns conversations newest-activity first.
func (s *Service) ListConversations(ctx context.Context, f Filter) ([]models.Conversation, error) {
	if f.TenantID == "" {
		return nil, fmt.Errorf("inbox: tenant id is required")
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}

	q := s.db.WithContext(ctx).Where("tenant_id = ?", f.TenantID)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Handler != "" {
		q = q.Where("handler = ?", f.Handler)
	}
	if f.AssigneeID != "" {
		q = q.Where("assignee_id = ?", f.AssigneeID)
	}
	if f.Tag != "" {
		// Tags are stored as a JSON array of strings.
		q = q.Where("tags LIKE ?", "%\""+f.Tag+"\"%")
	}
	if f.Search != "" {
		like := "%" + f.Search + "%"
		q = q.Where("customer_name LIKE ? OR customer_phone LIKE ? OR customer_external_id LIKE ?", like, like, like)
	}

	var convs []models.Conversation
	err := q.Order("last_message_at DESC").Limit(f.Limit).Offset(f.Offset).Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("inbox: list conversations: %w", err)
	}
	return convs, nil
}

// Messages returns a conversation's messages oldest first. When before is
// non-zero only messages created before it are returned, for paging
// backwards through history.
func (s *Service) Messages(ctx context.Context, tenantID, conversationID string, limit int, before time.Time) ([]models.Message, error) {
	if _, err := s.conversation(ctx, tenantID, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	q := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if !before.IsZero() {
		q = q.Where("created_at < ?", before)
	}
	var msgs []models.Message
	if err := q.Order("created_at ASC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("inbox: list messages: %w", err)
	}
	return msgs, nil
}

// Reply is one outbound reply from the inbox.
type Reply struct {
	Content    string
	Type       string // defaults to text
	MediaURL   string
	SenderRole string // defaults to agent
	SenderID   string
	SenderName string
}

// SendReply dispatches a reply into the conversation's channel. An agent
// reply takes the conversation over from the AI handler.
func (s *Service) SendReply(ctx context.Context, tenantID, conversationID string, r Reply) (models.Message, error) {
	conv, err := s.conversation(ctx, tenantID, conversationID)
	if err != nil {
		return models.Message{}, err
	}
	if r.SenderRole == "" {
		r.SenderRole = models.RoleAgent
	}

	msg, err := s.dispatcher.Dispatch(ctx, outbound.Input{
		TenantID:       tenantID,
		ConversationID: conversationID,
		Type:           r.Type,
		Content:        r.Content,
		MediaURL:       r.MediaURL,
		SenderRole:     r.SenderRole,
		SenderID:       r.SenderID,
		SenderName:     r.SenderName,
	})
	if err != nil {
		return models.Message{}, err
	}

	if r.SenderRole == models.RoleAgent && conv.Handler != models.HandlerHuman {
		if err := s.db.WithContext(ctx).Model(&models.Conversation{}).
			Where("id = ?", conversationID).Update("handler", models.HandlerHuman).Error; err != nil {
			return models.Message{}, fmt.Errorf("inbox: hand conversation to human: %w", err)
		}
	}
	return msg, nil
}

// MarkRead zeroes the unread counter and stamps unread inbound messages.
func (s *Service) MarkRead(ctx context.Context, tenantID, conversationID string) error {
	if _, err := s.conversation(ctx, tenantID, conversationID); err != nil {
		return err
	}

	now := time.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Conversation{}).
			Where("id = ?", conversationID).Update("unread_count", 0).Error; err != nil {
			return fmt.Errorf("inbox: zero unread count: %w", err)
		}
		if err := tx.Model(&models.Message{}).
			Where("conversation_id = ? AND direction = ? AND read_at IS NULL", conversationID, models.DirectionInbound).
			Updates(map[string]interface{}{"read_at": now, "status": models.StatusRead}).Error; err != nil {
			return fmt.Errorf("inbox: stamp messages read: %w", err)
		}
		return nil
	})
}

// Assign hands the conversation to an agent and marks it assigned.
func (s *Service) Assign(ctx context.Context, tenantID, conversationID, assigneeID string) error {
	if assigneeID == "" {
		return fmt.Errorf("inbox: assignee id is required")
	}
	if _, err := s.conversation(ctx, tenantID, conversationID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Model(&models.Conversation{}).Where("id = ?", conversationID).
		Updates(map[string]interface{}{
			"assignee_id": assigneeID,
			"status":      models.ConversationAssigned,
			"handler":     models.HandlerHuman,
		}).Error
	if err != nil {
		return fmt.Errorf("inbox: assign conversation: %w", err)
	}
	return nil
}

// SetStatus moves the conversation to status. Closing releases the active
// thread slot; reopening a closed conversation reclaims it and fails with
// ErrActiveExists when another active thread holds it.
func (s *Service) SetStatus(ctx context.Context, tenantID, conversationID, status string) error {
	switch status {
	case models.ConversationOpen, models.ConversationPending, models.ConversationAssigned,
		models.ConversationResolved, models.ConversationClosed:
	default:
		return fmt.Errorf("inbox: unknown status %q", status)
	}
	if _, err := s.conversation(ctx, tenantID, conversationID); err != nil {
		return err
	}

	updates := map[string]interface{}{"status": status}
	if status == models.ConversationClosed {
		updates["active"] = nil
	} else {
		updates["active"] = true
	}

	err := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", conversationID).Updates(updates).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrActiveExists
	}
	if err != nil {
		return fmt.Errorf("inbox: set status: %w", err)
	}
	return nil
}

// AddTags appends tags not already present.
func (s *Service) AddTags(ctx context.Context, tenantID, conversationID string, tags ...string) error {
	conv, err := s.conversation(ctx, tenantID, conversationID)
	if err != nil {
		return err
	}

	var current []string
	if conv.Tags != "" {
		if err := json.Unmarshal([]byte(conv.Tags), &current); err != nil {
			return fmt.Errorf("inbox: decode tags for %s: %w", conversationID, err)
		}
	}
	seen := make(map[string]bool, len(current))
	for _, t := range current {
		seen[t] = true
	}
	for _, t := range tags {
		if t != "" && !seen[t] {
			current = append(current, t)
			seen[t] = true
		}
	}

	encoded, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("inbox: encode tags: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", conversationID).Update("tags", string(encoded)).Error; err != nil {
		return fmt.Errorf("inbox: save tags: %w", err)
	}
	return nil
}

// SetAIContext replaces the conversation's AI working context.
func (s *Service) SetAIContext(ctx context.Context, tenantID, conversationID, aiContext string) error {
	if _, err := s.conversation(ctx, tenantID, conversationID); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", conversationID).Update("ai_context", aiContext).Error; err != nil {
		return fmt.Errorf("inbox: set ai context: %w", err)
	}
	return nil
}

// conversation loads one tenant-scoped conversation.
func (s *Service) conversation(ctx context.Context, tenantID, conversationID string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", conversationID, tenantID).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Conversation{}, ErrNotFound
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("inbox: load conversation %s: %w", conversationID, err)
	}
	return conv, nil
}
