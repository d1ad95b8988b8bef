package models

import "time"

// Channel types supported by the pipeline. The two WhatsApp variants differ
// in transport and identifier format: the Cloud API reports bare phone
// numbers, the socket transport reports JIDs that may be opaque linked ids.
const (
	ChannelWhatsAppCloud = "whatsapp_cloud"
	ChannelWhatsAppWeb   = "whatsapp_web"
	ChannelInstagram     = "instagram"
	ChannelDiscord       = "discord"
)

// Store owns channels within a tenant.
type Store struct {
	ID       string `gorm:"primaryKey;size:36"`
	TenantID string `gorm:"size:36;not null;index"`
	Name     string `gorm:"size:255;not null"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Channels []Channel `gorm:"foreignKey:StoreID;constraint:OnDelete:CASCADE"`
}

// Channel is a connected external messaging endpoint (one WhatsApp number,
// one Discord guild, ...) owned by exactly one store.
type Channel struct {
	ID         string `gorm:"primaryKey;size:36"`
	TenantID   string `gorm:"size:36;not null;index"`
	StoreID    string `gorm:"size:36;not null;index"`
	Type       string `gorm:"size:24;not null"`
	Name       string `gorm:"size:255"`
	Identifier string `gorm:"size:255"` // provider account id / phone number id
	Status     string `gorm:"size:16;default:connected"`

	ReceivedCount  int `gorm:"default:0"`
	LastActivityAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsWhatsApp reports whether messages to this channel are sent directly
// through a WhatsApp provider API rather than via a channel-typed send event.
func (c *Channel) IsWhatsApp() bool {
	return c.Type == ChannelWhatsAppCloud || c.Type == ChannelWhatsAppWeb
}
