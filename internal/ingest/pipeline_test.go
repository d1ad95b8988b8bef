package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/switchboard-io/switchboard/internal/channel"
	"github.com/switchboard-io/switchboard/internal/events"
	"github.com/switchboard-io/switchboard/internal/models"
	"github.com/switchboard-io/switchboard/internal/queue"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openIngestTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Store{},
		&models.Channel{},
		&models.Conversation{},
		&models.Message{},
		&models.Job{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

const (
	testTenant  = "tenant-1"
	testChannel = "chan-1"
)

func seedChannel(t *testing.T, db *gorm.DB, channelType string) {
	t.Helper()
	if err := db.Create(&models.Channel{
		ID:       testChannel,
		TenantID: testTenant,
		StoreID:  "store-1",
		Type:     channelType,
		Name:     "Main line",
	}).Error; err != nil {
		t.Fatalf("seed channel: %v", err)
	}
}

func newTestPipeline(t *testing.T, db *gorm.DB) (*Pipeline, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	p, err := NewPipeline(PipelineOpts{DB: db, Bus: bus})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p, bus
}

func socketInbound(externalID, jid, body string) channel.Inbound {
	ev := channel.SocketEvent{
		RemoteJID: jid,
		PushName:  "Sara",
		MessageID: externalID,
		Timestamp: time.Now().Unix(),
		Type:      "text",
		Body:      body,
	}
	in, _ := ev.Normalize(testTenant, testChannel)
	return in
}

func TestIngest_NewConversationScenario(t *testing.T) {
	db := openIngestTestDB(t)
	seedChannel(t, db, models.ChannelWhatsAppWeb)
	p, _ := newTestPipeline(t, db)

	res, err := p.Ingest(context.Background(), socketInbound("abc123", "966512345678@s.whatsapp.net", "Hi"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Duplicate || res.Dropped {
		t.Fatalf("res = %+v", res)
	}
	if !res.IsNewConversation {
		t.Error("expected a new conversation")
	}
	if res.Conversation.Status != models.ConversationOpen || res.Conversation.Handler != models.HandlerAI {
		t.Errorf("conversation = %s/%s", res.Conversation.Status, res.Conversation.Handler)
	}
	if res.Message.Direction != models.DirectionInbound || res.Message.Status != models.StatusDelivered {
		t.Errorf("message = %s/%s", res.Message.Direction, res.Message.Status)
	}
	if res.Conversation.MessageCount != 1 {
		t.Errorf("message count = %d", res.Conversation.MessageCount)
	}
	if res.Conversation.CustomerPhone != "966512345678" {
		t.Errorf("customer phone = %q", res.Conversation.CustomerPhone)
	}

	var ch models.Channel
	db.First(&ch, "id = ?", testChannel)
	if ch.ReceivedCount != 1 || ch.LastActivityAt == nil {
		t.Errorf("channel stamp = count %d, last activity %v", ch.ReceivedCount, ch.LastActivityAt)
	}
}

func TestIngest_DedupIdempotence(t *testing.T) {
	db := openIngestTestDB(t)
	seedChannel(t, db, models.ChannelWhatsAppWeb)
	p, _ := newTestPipeline(t, db)

	in := socketInbound("abc123", "966512345678@s.whatsapp.net", "Hi")
	first, err := p.Ingest(context.Background(), in)
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	second, err := p.Ingest(context.Background(), in)
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}

	if !second.Duplicate {
		t.Fatal("second delivery should be reported as duplicate")
	}
	if second.Message.ID != first.Message.ID {
		t.Errorf("message ids differ: %s vs %s", first.Message.ID, second.Message.ID)
	}
	if second.Conversation.ID != first.Conversation.ID {
		t.Errorf("conversation ids differ")
	}

	var msgCount int64
	db.Model(&models.Message{}).Count(&msgCount)
	if msgCount != 1 {
		t.Errorf("message rows = %d, want 1", msgCount)
	}

	var conv models.Conversation
	db.First(&conv, "id = ?", first.Conversation.ID)
	if conv.MessageCount != 1 {
		t.Errorf("counter incremented %d times, want exactly once", conv.MessageCount)
	}
}

func TestIngest_EmptyExternalIDAlwaysAccepted(t *testing.T) {
	db := openIngestTestDB(t)
	seedChannel(t, db, models.ChannelWhatsAppWeb)
	p, _ := newTestPipeline(t, db)

	in := socketInbound("", "966512345678@s.whatsapp.net", "no id")
	for i := 0; i < 2; i++ {
		if _, err := p.Ingest(context.Background(), in); err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
	}

	var msgCount int64
	db.Model(&models.Message{}).Count(&msgCount)
	if msgCount != 2 {
		t.Errorf("message rows = %d, want 2 (no dedup key, accepted risk window)", msgCount)
	}
}

func TestIngest_AtMostOneActiveConversation(t *testing.T) {
	db := openIngestTestDB(t)
	seedChannel(t, db, models.ChannelWhatsAppWeb)
	p, _ := newTestPipeline(t, db)

	for i, ext := range []string{"m1", "m2", "m3"} {
		res, err := p.Ingest(context.Background(), socketInbound(ext, "966512345678@s.whatsapp.net", "hello"))
		if err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
		if i > 0 && res.IsNewConversation {
			t.Errorf("event %d opened a second conversation", i)
		}
	}

	var count int64
	db.Model(&models.Conversation{}).
		Where("tenant_id = ? AND channel_id = ? AND status IN ?", testTenant, testChannel, models.ActiveStatuses).
		Count(&count)
	if count != 1 {
		t.Errorf("active conversations = %d, want 1", count)
	}
}

func TestIngest_ReopenNotDuplicate(t *testing.T) {
	db := openIngestTestDB(t)
	seedChannel(t, db, models.ChannelWhatsAppWeb)
	p, _ := newTestPipeline(t, db)

	first, err := p.Ingest(context.Background(), socketInbound("m1", "966512345678@s.whatsapp.net", "Hi"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	db.Model(&models.Conversation{}).Where("id = ?", first.Conversation.ID).
		Update("status", models.ConversationResolved)

	second, err := p.Ingest(context.Background(), socketInbound("m2", "966512345678@s.whatsapp.net", "one more thing"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if second.IsNewConversation {
		t.Error("resolved conversation must be reopened, not duplicated")
	}
	if second.Conversation.ID != first.Conversation.ID {
		t.Errorf("conversation id changed: %s vs %s", first.Conversation.ID, second.Conversation.ID)
	}
	if second.Conversation.Status != models.ConversationOpen {
		t.Errorf("status = %q, want open", second.Conversation.Status)
	}
}

func TestIngest_ClosedConversationDoesNotBlockNewThread(t *testing.T) {
	db := openIngestTestDB(t)
	seedChannel(t, db, models.ChannelWhatsAppWeb)
	p, _ := newTestPipeline(t, db)

	first, _ := p.Ingest(context.Background(), socketInbound("m1", "966512345678@s.whatsapp.net", "Hi"))
	db.Model(&models.Conversation{}).Where("id = ?", first.Conversation.ID).
		Updates(map[string]interface{}{"status": models.ConversationClosed, "active": nil})

	second, err := p.Ingest(context.Background(), socketInbound("m2", "966512345678@s.whatsapp.net", "Hi again"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !second.IsNewConversation {
		t.Error("closed conversation must not block a new thread")
	}
	if second.Conversation.ID == first.Conversation.ID {
		t.Error("expected a fresh conversation id")
	}
}

func TestIngest_IdentifierMigrationAndBackfill(t *testing.T) {
	db := openIngestTestDB(t)
	seedChannel(t, db, models.ChannelWhatsAppWeb)
	p, _ := newTestPipeline(t, db)

	// Legacy record created before the identifier format change: bare number,
	// no name, no phone.
	active := true
	legacy := models.Conversation{
		ID:                 "conv-legacy",
		TenantID:           testTenant,
		ChannelID:          testChannel,
		CustomerExternalID: "966512345678",
		Status:             models.ConversationOpen,
		Handler:            models.HandlerAI,
		Active:             &active,
	}
	if err := db.Create(&legacy).Error; err != nil {
		t.Fatalf("seed legacy conversation: %v", err)
	}

	res, err := p.Ingest(context.Background(), socketInbound("m1", "966512345678@s.whatsapp.net", "Hi"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.IsNewConversation {
		t.Fatal("legacy conversation should have been matched via bare form")
	}
	if res.Conversation.ID != "conv-legacy" {
		t.Fatalf("matched %s, want conv-legacy", res.Conversation.ID)
	}
	if res.Conversation.CustomerExternalID != "966512345678@s.whatsapp.net" {
		t.Errorf("identifier not migrated: %q", res.Conversation.CustomerExternalID)
	}
	if res.Conversation.CustomerName != "Sara" {
		t.Errorf("name not back-filled: %q", res.Conversation.CustomerName)
	}
	if res.Conversation.CustomerPhone != "966512345678" {
		t.Errorf("phone not back-filled: %q", res.Conversation.CustomerPhone)
	}
}

func TestIngest_BackfillNeverOverwrites(t *testing.T) {
	db := openIngestTestDB(t)
	seedChannel(t, db, models.ChannelWhatsAppWeb)
	p, _ := newTestPipeline(t, db)

	first, _ := p.Ingest(context.Background(), socketInbound("m1", "966512345678@s.whatsapp.net", "Hi"))
	if first.Conversation.CustomerName != "Sara" {
		t.Fatalf("name = %q", first.Conversation.CustomerName)
	}

	// Same sender, different push name: the stored value must win.
	ev := channel.SocketEvent{
		RemoteJID: "966512345678@s.whatsapp.net",
		PushName:  "S.",
		MessageID: "m2",
		Body:      "again",
	}
	in, _ := ev.Normalize(testTenant, testChannel)
	second, err := p.Ingest(context.Background(), in)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if second.Conversation.CustomerName != "Sara" {
		t.Errorf("name overwritten to %q", second.Conversation.CustomerName)
	}
}

func TestIngest_LinkedIdentityKeepsPhoneEmpty(t *testing.T) {
	db := openIngestTestDB(t)
	seedChannel(t, db, models.ChannelWhatsAppWeb)
	p, _ := newTestPipeline(t, db)

	res, err := p.Ingest(context.Background(), socketInbound("m1", "123456789012345@lid", "Hi"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Conversation.CustomerPhone != "" {
		t.Errorf("phone = %q, a linked identity must not fabricate one", res.Conversation.CustomerPhone)
	}
	if res.Conversation.CustomerExternalID != "123456789012345@lid" {
		t.Errorf("identifier = %q", res.Conversation.CustomerExternalID)
	}
}

func TestIngest_UnknownChannelDropped(t *testing.T) {
	db := openIngestTestDB(t)
	p, _ := newTestPipeline(t, db)

	res, err := p.Ingest(context.Background(), socketInbound("m1", "966512345678@s.whatsapp.net", "Hi"))
	if err != nil {
		t.Fatalf("Ingest must not error on unknown channel: %v", err)
	}
	if !res.Dropped {
		t.Error("expected the event to be dropped")
	}

	var count int64
	db.Model(&models.Message{}).Count(&count)
	if count != 0 {
		t.Errorf("message rows = %d, want 0", count)
	}
}

func TestIngest_MissingSenderRejected(t *testing.T) {
	db := openIngestTestDB(t)
	p, _ := newTestPipeline(t, db)

	_, err := p.Ingest(context.Background(), channel.Inbound{TenantID: testTenant, ChannelID: testChannel})
	if err == nil {
		t.Fatal("expected error for missing sender identity")
	}
}

func TestIngest_InsertRaceTreatedAsDuplicate(t *testing.T) {
	db := openIngestTestDB(t)
	seedChannel(t, db, models.ChannelWhatsAppWeb)
	p, _ := newTestPipeline(t, db)

	first, err := p.Ingest(context.Background(), socketInbound("race-1", "966512345678@s.whatsapp.net", "Hi"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// Drive the persister directly, simulating the second of two concurrent
	// deliveries that both missed the dedup gate. The insert must lose at
	// the unique index and roll back the whole transaction.
	var conv models.Conversation
	db.First(&conv, "id = ?", first.Conversation.ID)
	var ch models.Channel
	db.First(&ch, "id = ?", testChannel)

	_, err = p.persistInbound(db, socketInbound("race-1", "966512345678@s.whatsapp.net", "Hi"), &conv, &ch)
	if err != errDuplicateMessage {
		t.Fatalf("err = %v, want errDuplicateMessage", err)
	}

	// Atomicity: the losing transaction must not leave a counter increment.
	db.First(&conv, "id = ?", first.Conversation.ID)
	if conv.MessageCount != 1 {
		t.Errorf("counter = %d after rolled-back insert, want 1", conv.MessageCount)
	}
	var msgCount int64
	db.Model(&models.Message{}).Count(&msgCount)
	if msgCount != 1 {
		t.Errorf("message rows = %d, want 1", msgCount)
	}
}

func TestIngest_FanOut(t *testing.T) {
	db := openIngestTestDB(t)
	seedChannel(t, db, models.ChannelWhatsAppWeb)
	p, bus := newTestPipeline(t, db)

	var received []events.MessageReceived
	var created []events.ConversationCreated
	bus.SubscribeMessageReceived(func(ev events.MessageReceived) { received = append(received, ev) })
	bus.SubscribeConversationCreated(func(ev events.ConversationCreated) { created = append(created, ev) })

	p.Ingest(context.Background(), socketInbound("m1", "966512345678@s.whatsapp.net", "Hi"))
	p.Ingest(context.Background(), socketInbound("m2", "966512345678@s.whatsapp.net", "More"))

	if len(received) != 2 {
		t.Errorf("message.received fired %d times, want 2", len(received))
	}
	if len(created) != 1 {
		t.Errorf("conversation.created fired %d times, want 1 (only for the new thread)", len(created))
	}
	if len(received) > 0 && !received[0].IsNewConversation {
		t.Error("first event should carry isNewConversation")
	}

	// Duplicate delivery must not fan out again.
	p.Ingest(context.Background(), socketInbound("m1", "966512345678@s.whatsapp.net", "Hi"))
	if len(received) != 2 {
		t.Errorf("duplicate delivery fanned out: %d events", len(received))
	}

	var jobs []models.Job
	db.Where("type = ?", queue.TypeProcessIncoming).Find(&jobs)
	if len(jobs) != 2 {
		t.Errorf("process-incoming jobs = %d, want 2", len(jobs))
	}
}

func TestPersistOutbound(t *testing.T) {
	db := openIngestTestDB(t)
	seedChannel(t, db, models.ChannelWhatsAppWeb)
	p, _ := newTestPipeline(t, db)

	res, _ := p.Ingest(context.Background(), socketInbound("m1", "966512345678@s.whatsapp.net", "Hi"))

	ext := "wamid.out1"
	msg := models.Message{
		TenantID:       testTenant,
		ConversationID: res.Conversation.ID,
		Type:           models.TypeText,
		Status:         models.StatusSent,
		SenderRole:     models.RoleAgent,
		ExternalID:     &ext,
		Content:        "On it!",
	}
	if err := PersistOutbound(db, &msg); err != nil {
		t.Fatalf("PersistOutbound: %v", err)
	}
	if msg.ID == "" || msg.Direction != models.DirectionOutbound {
		t.Errorf("msg = %+v", msg)
	}

	var conv models.Conversation
	db.First(&conv, "id = ?", res.Conversation.ID)
	if conv.MessageCount != 2 {
		t.Errorf("message count = %d, want 2", conv.MessageCount)
	}
	if conv.UnreadCount != 1 {
		t.Errorf("unread count = %d, outbound must not bump it", conv.UnreadCount)
	}
}
