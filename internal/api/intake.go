package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/switchboard-io/switchboard/internal/channel"
	"github.com/switchboard-io/switchboard/internal/models"
)

// maxEventBody caps the intake request body.
const maxEventBody = 1 << 20

// handleChannelEvent accepts one normalized transport payload for a channel
// and drives it through the ingestion pipeline. The delivery is recorded as
// a webhook event first; a replay of a finished delivery is acknowledged
// without reprocessing, while a replay of one that never finished runs the
// pipeline again. Always 2xx for well-formed payloads, so upstream transports
// do not retry what cannot succeed.
func handleChannelEvent(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		channelID := c.Param("id")
		transport := c.Param("transport")

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}

		in, err := decodeTransportEvent(transport, body, opts.Tenant, channelID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ev, claimed, err := opts.Webhooks.Record(c.Request.Context(),
			opts.Tenant, transport, "message", intakeKey(channelID, in.ExternalMessageID), string(body))
		if err != nil {
			writeError(c, err)
			return
		}
		switch {
		case claimed, ev.Status == models.WebhookPending, ev.Status == models.WebhookRetryPending:
			if err := opts.Webhooks.MarkProcessing(c.Request.Context(), opts.Tenant, ev.ID); err != nil {
				writeError(c, err)
				return
			}
		case ev.Status == models.WebhookProcessing:
			// A prior delivery claimed the event but never finished, e.g. the
			// process died before the pipeline committed. Reprocess under the
			// existing claim; the message-level dedup gate makes the second
			// pass a no-op when the first one did land.
		default:
			// Replayed delivery, already handled.
			c.JSON(http.StatusOK, gin.H{"duplicate": true})
			return
		}

		res, err := opts.Pipeline.Ingest(c.Request.Context(), in)
		if err != nil {
			if merr := opts.Webhooks.MarkRetryPending(c.Request.Context(), opts.Tenant, ev.ID, err.Error()); merr != nil {
				log.Printf("api: mark webhook %s retry_pending: %v", ev.ID, merr)
			}
			writeError(c, err)
			return
		}

		if res.Dropped {
			if merr := opts.Webhooks.MarkSkipped(c.Request.Context(), opts.Tenant, ev.ID); merr != nil {
				log.Printf("api: mark webhook %s skipped: %v", ev.ID, merr)
			}
			c.JSON(http.StatusOK, gin.H{"dropped": true})
			return
		}

		if merr := opts.Webhooks.MarkProcessed(c.Request.Context(), opts.Tenant, ev.ID); merr != nil {
			log.Printf("api: mark webhook %s processed: %v", ev.ID, merr)
		}
		c.JSON(http.StatusOK, gin.H{
			"message_id":          res.Message.ID,
			"conversation_id":     res.Conversation.ID,
			"is_new_conversation": res.IsNewConversation,
			"duplicate":           res.Duplicate,
		})
	}
}

// decodeTransportEvent parses the transport payload into a canonical inbound
// record.
func decodeTransportEvent(transport string, body []byte, tenantID, channelID string) (channel.Inbound, error) {
	switch transport {
	case models.ChannelWhatsAppCloud:
		var ev channel.CloudEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return channel.Inbound{}, fmt.Errorf("api: decode %s event: %w", transport, err)
		}
		return ev.Normalize(tenantID, channelID)
	case models.ChannelWhatsAppWeb:
		var ev channel.SocketEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return channel.Inbound{}, fmt.Errorf("api: decode %s event: %w", transport, err)
		}
		return ev.Normalize(tenantID, channelID)
	case models.ChannelInstagram:
		var ev channel.InstagramEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return channel.Inbound{}, fmt.Errorf("api: decode %s event: %w", transport, err)
		}
		return ev.Normalize(tenantID, channelID)
	case models.ChannelDiscord:
		var ev channel.DiscordEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return channel.Inbound{}, fmt.Errorf("api: decode %s event: %w", transport, err)
		}
		return ev.Normalize(tenantID, channelID)
	default:
		return channel.Inbound{}, fmt.Errorf("api: unknown transport %q", transport)
	}
}

// intakeKey builds the webhook idempotency key. Events with no provider
// message id get no key and are recorded unconditionally.
func intakeKey(channelID, externalMessageID string) string {
	if externalMessageID == "" {
		return ""
	}
	return channelID + ":" + externalMessageID
}
