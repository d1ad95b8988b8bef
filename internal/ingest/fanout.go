package ingest

import (
	"context"
	"log"
	"time"

	"github.com/switchboard-io/switchboard/internal/events"
	"github.com/switchboard-io/switchboard/internal/queue"
)

// fanOut runs after the transaction commits. Two deliberate channels with
// different guarantees: the synchronous bus for listeners that must react
// immediately (AI auto-reply beats queue latency) and a durable job for work
// that must survive restarts. External publication here is best-effort; the
// process-incoming job repeats it with at-least-once delivery.
func (p *Pipeline) fanOut(ctx context.Context, res Result) {
	ev := events.MessageReceived{
		Message:           res.Message,
		Conversation:      res.Conversation,
		Channel:           res.Channel,
		IsNewConversation: res.IsNewConversation,
	}
	p.bus.PublishMessageReceived(ev)

	if res.IsNewConversation {
		p.bus.PublishConversationCreated(events.ConversationCreated{
			Conversation: res.Conversation,
			TenantID:     res.Conversation.TenantID,
			FirstMessage: res.Message,
		})
	}

	meta := events.Meta{
		TenantID:      res.Message.TenantID,
		CorrelationID: res.Message.ID,
		OccurredAt:    time.Now(),
	}
	if err := p.publisher.Publish(ctx, events.TopicMessageReceived, events.Envelope{Meta: meta, Data: ev}); err != nil {
		log.Printf("ingest: publish %s: %v", events.TopicMessageReceived, err)
	}
	if res.IsNewConversation {
		if err := p.publisher.Publish(ctx, events.TopicConversationCreated, events.Envelope{
			Meta: meta,
			Data: events.ConversationCreated{
				Conversation: res.Conversation,
				TenantID:     res.Conversation.TenantID,
				FirstMessage: res.Message,
			},
		}); err != nil {
			log.Printf("ingest: publish %s: %v", events.TopicConversationCreated, err)
		}
	}

	// The job retries on failure; the message row is already committed, so
	// an enqueue failure is logged rather than unwinding ingestion.
	if _, err := queue.Enqueue(p.db, queue.TypeProcessIncoming, res.Message.TenantID, queue.ProcessIncomingPayload{
		MessageID:         res.Message.ID,
		ConversationID:    res.Conversation.ID,
		ChannelID:         res.Channel.ID,
		TenantID:          res.Message.TenantID,
		IsNewConversation: res.IsNewConversation,
	}); err != nil {
		log.Printf("ingest: enqueue process-incoming for %s: %v", res.Message.ID, err)
	}
}
