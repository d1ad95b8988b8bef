package models

import "time"

// Conversation statuses. The first four form the "active" set: at most one
// conversation with a status in that set may exist per
// (tenant, channel, customer identifier). Closed conversations do not block
// a new thread.
const (
	ConversationOpen     = "open"
	ConversationPending  = "pending"
	ConversationAssigned = "assigned"
	ConversationResolved = "resolved"
	ConversationClosed   = "closed"
)

// Conversation handlers.
const (
	HandlerAI         = "ai"
	HandlerHuman      = "human"
	HandlerUnassigned = "unassigned"
)

// ActiveStatuses is the set of statuses that make a conversation claim its
// (tenant, channel, customer identifier) slot.
var ActiveStatuses = []string{
	ConversationOpen, ConversationPending, ConversationAssigned, ConversationResolved,
}

// Conversation is one ongoing thread between a tenant's channel and one
// external customer identifier.
type Conversation struct {
	ID                 string     `gorm:"primaryKey;size:36"`
	TenantID           string     `gorm:"size:36;not null;index;uniqueIndex:idx_active_thread,priority:1"`
	ChannelID          string     `gorm:"size:36;not null;index;uniqueIndex:idx_active_thread,priority:2"`
	CustomerExternalID string     `gorm:"size:255;not null;uniqueIndex:idx_active_thread,priority:3"`
	CustomerPhone      string     `gorm:"size:32"`
	CustomerName       string     `gorm:"size:255"`
	CustomerID         *string    `gorm:"size:36;index"`
	Status             string     `gorm:"size:16;default:open;index"`
	Handler            string     `gorm:"size:16;default:ai"`
	Priority           string     `gorm:"size:8;default:normal"`
	AssigneeID         string     `gorm:"size:36;index"`
	MessageCount       int        `gorm:"default:0"`
	UnreadCount        int        `gorm:"default:0"`
	LastMessageAt      *time.Time `gorm:"index"`
	Tags               string     `gorm:"type:json"`
	AIContext          string     `gorm:"type:text"`

	// Active is true while Status is in the active set and NULL once the
	// conversation is closed. NULLs never collide on the unique index, so
	// the index enforces the one-active-thread invariant while permitting
	// any number of closed siblings.
	Active *bool `gorm:"uniqueIndex:idx_active_thread,priority:4"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Messages []Message `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE"`
}

// IsActive reports whether the conversation currently claims its thread slot.
func (c *Conversation) IsActive() bool {
	for _, s := range ActiveStatuses {
		if c.Status == s {
			return true
		}
	}
	return false
}
