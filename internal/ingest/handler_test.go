package ingest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/switchboard-io/switchboard/internal/events"
	"github.com/switchboard-io/switchboard/internal/models"
	"github.com/switchboard-io/switchboard/internal/queue"
)

type capturingPublisher struct {
	topics    []string
	envelopes []events.Envelope
}

func (c *capturingPublisher) Publish(_ context.Context, topic string, env events.Envelope) error {
	c.topics = append(c.topics, topic)
	c.envelopes = append(c.envelopes, env)
	return nil
}

func (c *capturingPublisher) Close() error { return nil }

func TestProcessIncomingHandler(t *testing.T) {
	db := openIngestTestDB(t)
	seedChannel(t, db, models.ChannelWhatsAppWeb)
	p, _ := newTestPipeline(t, db)

	res, err := p.Ingest(context.Background(), socketInbound("m1", "966512345678@s.whatsapp.net", "Hi"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	payload, _ := json.Marshal(queue.ProcessIncomingPayload{
		MessageID:         res.Message.ID,
		ConversationID:    res.Conversation.ID,
		ChannelID:         testChannel,
		TenantID:          testTenant,
		IsNewConversation: true,
	})
	job := models.Job{Type: queue.TypeProcessIncoming, TenantID: testTenant, Payload: string(payload)}

	pub := &capturingPublisher{}
	if err := ProcessIncomingHandler(db, pub)(context.Background(), job); err != nil {
		t.Fatalf("handler: %v", err)
	}

	if len(pub.topics) != 1 || pub.topics[0] != events.TopicMessageReceived {
		t.Fatalf("topics = %v", pub.topics)
	}
	env := pub.envelopes[0]
	if env.Meta.CorrelationID != res.Message.ID {
		t.Errorf("correlation id = %q, want message id", env.Meta.CorrelationID)
	}
	ev, ok := env.Data.(events.MessageReceived)
	if !ok {
		t.Fatalf("data = %T", env.Data)
	}
	if ev.Message.ID != res.Message.ID || !ev.IsNewConversation {
		t.Errorf("event = %+v", ev)
	}
}

func TestProcessIncomingHandler_MissingMessageCompletes(t *testing.T) {
	db := openIngestTestDB(t)

	payload, _ := json.Marshal(queue.ProcessIncomingPayload{
		MessageID: "gone", ConversationID: "gone", ChannelID: "gone", TenantID: testTenant,
	})
	job := models.Job{Type: queue.TypeProcessIncoming, TenantID: testTenant, Payload: string(payload)}

	pub := &capturingPublisher{}
	if err := ProcessIncomingHandler(db, pub)(context.Background(), job); err != nil {
		t.Fatalf("handler should complete on a vanished message, got %v", err)
	}
	if len(pub.topics) != 0 {
		t.Errorf("published %v for a vanished message", pub.topics)
	}
}

func TestProcessIncomingHandler_BadPayload(t *testing.T) {
	db := openIngestTestDB(t)
	job := models.Job{Type: queue.TypeProcessIncoming, Payload: "{not json"}
	if err := ProcessIncomingHandler(db, &capturingPublisher{})(context.Background(), job); err == nil {
		t.Fatal("expected decode error")
	}
}
