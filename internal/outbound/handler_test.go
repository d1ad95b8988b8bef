package outbound

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/switchboard-io/switchboard/internal/events"
	"github.com/switchboard-io/switchboard/internal/models"
	"github.com/switchboard-io/switchboard/internal/queue"
	"gorm.io/gorm"
)

func seedPendingMessage(t *testing.T, db *gorm.DB) models.Message {
	t.Helper()
	msg := models.Message{
		ID:             "msg-1",
		TenantID:       testTenant,
		ConversationID: testConv,
		Direction:      models.DirectionOutbound,
		Type:           models.TypeText,
		Status:         models.StatusPending,
		SenderRole:     models.RoleAgent,
		Content:        "ping",
	}
	if err := db.Create(&msg).Error; err != nil {
		t.Fatalf("seed message: %v", err)
	}
	return msg
}

func sendJob(t *testing.T, msg models.Message, attempts int) models.Job {
	t.Helper()
	payload, _ := json.Marshal(queue.SendMessagePayload{
		MessageID: msg.ID, ConversationID: msg.ConversationID, ChannelID: testChannel,
	})
	return models.Job{
		Type: queue.TypeSendMessage, TenantID: testTenant, Payload: string(payload),
		Attempts: attempts, MaxAttempts: models.DefaultMaxAttempts,
	}
}

func TestSendMessageHandler_RedrivesWhatsAppPending(t *testing.T) {
	db := openOutboundTestDB(t)
	seedConversation(t, db, models.ChannelWhatsAppCloud)
	msg := seedPendingMessage(t, db)

	sender := &scriptedSender{results: []func() (string, error){ok("wamid.re")}}
	h := SendMessageHandler(db, events.NewBus(), sender)
	if err := h(context.Background(), sendJob(t, msg, 1)); err != nil {
		t.Fatalf("handler: %v", err)
	}

	var after models.Message
	db.First(&after, "id = ?", msg.ID)
	if after.Status != models.StatusSent || after.ExternalID == nil || *after.ExternalID != "wamid.re" {
		t.Errorf("row = %+v", after)
	}
	if after.SentAt == nil {
		t.Error("sent_at not stamped")
	}
}

func TestSendMessageHandler_NonPendingCompletes(t *testing.T) {
	db := openOutboundTestDB(t)
	seedConversation(t, db, models.ChannelWhatsAppCloud)
	msg := seedPendingMessage(t, db)
	db.Model(&models.Message{}).Where("id = ?", msg.ID).Update("status", models.StatusSent)

	sender := &scriptedSender{}
	h := SendMessageHandler(db, events.NewBus(), sender)
	if err := h(context.Background(), sendJob(t, msg, 1)); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(sender.calls) != 0 {
		t.Error("re-sent a message the gateway already resolved")
	}
}

func TestSendMessageHandler_MissingMessageCompletes(t *testing.T) {
	db := openOutboundTestDB(t)
	h := SendMessageHandler(db, events.NewBus(), &scriptedSender{})
	job := sendJob(t, models.Message{ID: "gone", ConversationID: testConv}, 1)
	if err := h(context.Background(), job); err != nil {
		t.Fatalf("handler should complete on a vanished message, got %v", err)
	}
}

func TestSendMessageHandler_GatewayConfirmed(t *testing.T) {
	db := openOutboundTestDB(t)
	seedConversation(t, db, models.ChannelDiscord)
	msg := seedPendingMessage(t, db)

	// Gateway subscriber resolves the row synchronously, the way the discord
	// gateway does.
	bus := events.NewBus()
	bus.SubscribeChannelSend(func(ev events.ChannelSend) {
		db.Model(&models.Message{}).Where("id = ?", ev.MessageID).Update("status", models.StatusSent)
	})

	h := SendMessageHandler(db, bus, &scriptedSender{})
	if err := h(context.Background(), sendJob(t, msg, 1)); err != nil {
		t.Fatalf("handler: %v", err)
	}
}

func TestSendMessageHandler_UnconfirmedRetries(t *testing.T) {
	db := openOutboundTestDB(t)
	seedConversation(t, db, models.ChannelDiscord)
	msg := seedPendingMessage(t, db)

	h := SendMessageHandler(db, events.NewBus(), &scriptedSender{})
	if err := h(context.Background(), sendJob(t, msg, 1)); err == nil {
		t.Fatal("expected error when no gateway confirms delivery")
	}

	var after models.Message
	db.First(&after, "id = ?", msg.ID)
	if after.Status != models.StatusPending {
		t.Errorf("status = %q, row must stay pending while retries remain", after.Status)
	}
}

func TestSendMessageHandler_ExhaustionMarksFailed(t *testing.T) {
	db := openOutboundTestDB(t)
	seedConversation(t, db, models.ChannelDiscord)
	msg := seedPendingMessage(t, db)

	h := SendMessageHandler(db, events.NewBus(), &scriptedSender{})
	if err := h(context.Background(), sendJob(t, msg, models.DefaultMaxAttempts)); err == nil {
		t.Fatal("expected error on the final attempt too")
	}

	var after models.Message
	db.First(&after, "id = ?", msg.ID)
	if after.Status != models.StatusFailed || after.ErrorMessage == "" {
		t.Errorf("row = %+v, exhausted delivery must be recorded failed", after)
	}
}
