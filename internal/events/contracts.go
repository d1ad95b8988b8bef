// Package events carries domain events across two channels with different
// guarantees: a synchronous in-process bus for listeners that need to act
// immediately (AI auto-reply beats queue latency) and a durable AMQP
// publisher for external consumers. The two are deliberately separate; they
// serve different latency/durability needs.
package events

import (
	"time"

	"github.com/switchboard-io/switchboard/internal/models"
)

// Routing topics for published events.
const (
	TopicMessageReceived     = "message.received"
	TopicConversationCreated = "conversation.created"
)

// SendTopic returns the channel-typed routing topic for outbound send events,
// e.g. "channel.send.discord".
func SendTopic(channelType string) string {
	return "channel.send." + channelType
}

// MessageReceived fires after an inbound message has been committed.
type MessageReceived struct {
	Message           models.Message      `json:"message"`
	Conversation      models.Conversation `json:"conversation"`
	Channel           models.Channel      `json:"channel"`
	IsNewConversation bool                `json:"is_new_conversation"`
}

// ConversationCreated fires when an inbound message opened a new thread.
type ConversationCreated struct {
	Conversation models.Conversation `json:"conversation"`
	TenantID     string              `json:"tenant_id"`
	FirstMessage models.Message      `json:"first_message"`
}

// ChannelSend asks a channel's own adapter to deliver an outbound message.
// Emitted for channels the dispatcher does not call directly.
type ChannelSend struct {
	TenantID       string `json:"tenant_id"`
	ChannelID      string `json:"channel_id"`
	ChannelType    string `json:"channel_type"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Recipient      string `json:"recipient"`
	Content        string `json:"content"`
}

// Meta is the envelope header attached to every published event.
type Meta struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Envelope wraps an event for external publication.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}
