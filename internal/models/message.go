package models

import "time"

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message delivery statuses.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Message sender roles.
const (
	RoleCustomer = "customer"
	RoleAgent    = "agent"
	RoleAI       = "ai"
	RoleSystem   = "system"
	RoleCampaign = "campaign"
)

// Message content types.
const (
	TypeText        = "text"
	TypeImage       = "image"
	TypeVideo       = "video"
	TypeAudio       = "audio"
	TypeDocument    = "document"
	TypeLocation    = "location"
	TypeInteractive = "interactive"
	TypeSystem      = "system"
)

// Message is one inbound or outbound unit of communication. Inbound rows are
// created once per accepted event and never mutated afterwards, aside from
// delivery/read stamps reported by the channel. Outbound rows are created
// only after the external send attempt has resolved.
type Message struct {
	ID             string `gorm:"primaryKey;size:36"`
	TenantID       string `gorm:"size:36;not null;index;uniqueIndex:idx_tenant_external,priority:1"`
	ConversationID string `gorm:"size:36;not null;index"`
	Direction      string `gorm:"size:8;not null"`
	Type           string `gorm:"size:16;default:text"`
	Status         string `gorm:"size:16;default:pending;index"`
	SenderRole     string `gorm:"size:16;default:customer"`
	SenderID       string `gorm:"size:36"`
	SenderName     string `gorm:"size:255"`

	// ExternalID is the channel-native message id, the dedup key for inbound
	// messages. Nullable so rows without one never collide on the index.
	ExternalID *string `gorm:"size:255;uniqueIndex:idx_tenant_external,priority:2"`

	Content      string `gorm:"type:text"`
	MediaURL     string `gorm:"size:1024"`
	Metadata     string `gorm:"type:json"`
	ErrorMessage string `gorm:"type:text"`

	SentAt      *time.Time
	DeliveredAt *time.Time
	ReadAt      *time.Time
	CreatedAt   time.Time `gorm:"index"`

	Conversation Conversation `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE"`
}
