package channel

import (
	"fmt"
	"strconv"
	"time"

	"github.com/switchboard-io/switchboard/internal/models"
)

// CloudEvent is one message entry from a WhatsApp Cloud API webhook, already
// unwrapped from the entry/changes envelope by the transport adapter. The
// Cloud API always reports the sender as a bare wa_id phone number.
type CloudEvent struct {
	From      string `json:"from"` // wa_id, digits only
	Name      string `json:"name"` // contact profile name
	MessageID string `json:"id"`
	Timestamp string `json:"timestamp"` // unix seconds as a string, Graph API style
	Type      string `json:"type"`
	Body      string `json:"body"`
	MediaURL  string `json:"media_url"`
}

// Normalize converts a Cloud API event into the canonical inbound record.
func (e CloudEvent) Normalize(tenantID, channelID string) (Inbound, error) {
	if e.From == "" {
		return Inbound{}, fmt.Errorf("channel: cloud event has no sender")
	}
	return Inbound{
		TenantID:          tenantID,
		ChannelID:         channelID,
		Sender:            PhoneIdentity(e.From),
		SenderName:        e.Name,
		Content:           e.Body,
		Type:              normalizeType(e.Type),
		ExternalMessageID: e.MessageID,
		MediaURL:          e.MediaURL,
		Timestamp:         unixStringTime(e.Timestamp),
	}, nil
}

// SocketEvent is one message from the WhatsApp socket transport. The sender
// is a JID: either a user JID carrying the phone number or an opaque linked
// id with no recoverable number.
type SocketEvent struct {
	RemoteJID string `json:"remote_jid"`
	PushName  string `json:"push_name"`
	MessageID string `json:"message_id"`
	Timestamp int64  `json:"timestamp"` // unix seconds
	Type      string `json:"type"`
	Body      string `json:"body"`
	MediaURL  string `json:"media_url"`
}

// Normalize converts a socket-transport event into the canonical inbound
// record. Linked-id senders keep the phone field empty.
func (e SocketEvent) Normalize(tenantID, channelID string) (Inbound, error) {
	if e.RemoteJID == "" {
		return Inbound{}, fmt.Errorf("channel: socket event has no sender jid")
	}
	return Inbound{
		TenantID:          tenantID,
		ChannelID:         channelID,
		Sender:            ParseWhatsAppJID(e.RemoteJID),
		SenderName:        e.PushName,
		Content:           e.Body,
		Type:              normalizeType(e.Type),
		ExternalMessageID: e.MessageID,
		MediaURL:          e.MediaURL,
		Timestamp:         unixTime(e.Timestamp),
	}, nil
}

// InstagramEvent is one direct message from the Instagram messaging webhook.
// IGSIDs are scoped page ids with no phone number behind them.
type InstagramEvent struct {
	SenderID  string `json:"sender_id"` // IGSID
	Username  string `json:"username"`
	MessageID string `json:"mid"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Text      string `json:"text"`
	MediaURL  string `json:"media_url"`
}

// Normalize converts an Instagram event into the canonical inbound record.
func (e InstagramEvent) Normalize(tenantID, channelID string) (Inbound, error) {
	if e.SenderID == "" {
		return Inbound{}, fmt.Errorf("channel: instagram event has no sender")
	}
	msgType := models.TypeText
	if e.MediaURL != "" && e.Text == "" {
		msgType = models.TypeImage
	}
	return Inbound{
		TenantID:          tenantID,
		ChannelID:         channelID,
		Sender:            LinkedIdentity(e.SenderID),
		SenderName:        e.Username,
		Content:           e.Text,
		Type:              msgType,
		ExternalMessageID: e.MessageID,
		MediaURL:          e.MediaURL,
		Timestamp:         unixMilliTime(e.Timestamp),
	}, nil
}

// DiscordEvent is one message from a Discord guild channel.
type DiscordEvent struct {
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	MessageID  string    `json:"message_id"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// Normalize converts a Discord event into the canonical inbound record.
// Discord snowflake ids are opaque: they never map to a phone number.
func (e DiscordEvent) Normalize(tenantID, channelID string) (Inbound, error) {
	if e.AuthorID == "" {
		return Inbound{}, fmt.Errorf("channel: discord event has no author")
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Inbound{
		TenantID:          tenantID,
		ChannelID:         channelID,
		Sender:            LinkedIdentity(e.AuthorID),
		SenderName:        e.AuthorName,
		Content:           e.Content,
		Type:              models.TypeText,
		ExternalMessageID: e.MessageID,
		Timestamp:         ts,
	}, nil
}

// normalizeType maps provider message types onto the model's type set.
func normalizeType(t string) string {
	switch t {
	case models.TypeText, models.TypeImage, models.TypeVideo, models.TypeAudio,
		models.TypeDocument, models.TypeLocation, models.TypeInteractive, models.TypeSystem:
		return t
	case "voice", "ptt":
		return models.TypeAudio
	case "sticker":
		return models.TypeImage
	case "":
		return models.TypeText
	default:
		return models.TypeText
	}
}

func unixStringTime(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Now()
	}
	return time.Unix(sec, 0)
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Now()
	}
	return time.Unix(sec, 0)
}

func unixMilliTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
