package channel

import "time"

// Inbound is the canonical normalized form of one inbound channel event.
// Producing it has no side effects; everything downstream of the normalizer
// works from this record alone.
type Inbound struct {
	TenantID  string
	ChannelID string

	Sender     Identity
	SenderName string

	Content           string
	Type              string // models.Type* value
	ExternalMessageID string // provider message id; empty disables dedup
	MediaURL          string
	Timestamp         time.Time
}
