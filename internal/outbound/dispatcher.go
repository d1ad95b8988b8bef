package outbound

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/switchboard-io/switchboard/internal/events"
	"github.com/switchboard-io/switchboard/internal/ingest"
	"github.com/switchboard-io/switchboard/internal/models"
	"github.com/switchboard-io/switchboard/internal/queue"
	"gorm.io/gorm"
)

// retryDelay is the wait before the single send retry.
const retryDelay = 2 * time.Second

// Input is one reply to deliver.
type Input struct {
	TenantID       string
	ConversationID string
	Type           string // models.Type* content type, defaults to text
	Content        string
	MediaURL       string
	SenderRole     string // models.Role*, defaults to agent
	SenderID       string
	SenderName     string
}

// Dispatcher sends outbound messages. For WhatsApp channels the provider
// call happens first and the message row is written only once the outcome is
// known. For other channel types the row is written as pending and the
// channel's own gateway takes over through a ChannelSend event.
type Dispatcher struct {
	db        *gorm.DB
	bus       *events.Bus
	sender    Sender
	publisher events.Publisher
	sleep     func(time.Duration)
}

// DispatcherOpts holds parameters for creating a Dispatcher.
type DispatcherOpts struct {
	DB        *gorm.DB
	Bus       *events.Bus
	Sender    Sender           // WhatsApp provider sender
	Publisher events.Publisher // optional; defaults to NopPublisher
	Sleep     func(time.Duration)
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOpts) (*Dispatcher, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("outbound: db is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("outbound: bus is required")
	}
	if opts.Sender == nil {
		return nil, fmt.Errorf("outbound: sender is required")
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NopPublisher{}
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	return &Dispatcher{
		db:        opts.DB,
		bus:       opts.Bus,
		sender:    opts.Sender,
		publisher: opts.Publisher,
		sleep:     opts.Sleep,
	}, nil
}

// Dispatch delivers one reply and returns the persisted message row. A
// failed provider send is not an error from Dispatch: the failure is
// recorded on the row for the operator and the row is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, in Input) (models.Message, error) {
	if in.TenantID == "" || in.ConversationID == "" {
		return models.Message{}, fmt.Errorf("outbound: tenant and conversation ids are required")
	}
	if in.Type == "" {
		in.Type = models.TypeText
	}
	if in.SenderRole == "" {
		in.SenderRole = models.RoleAgent
	}

	db := d.db.WithContext(ctx)

	var conv models.Conversation
	err := db.Where("id = ? AND tenant_id = ?", in.ConversationID, in.TenantID).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Message{}, fmt.Errorf("outbound: conversation %s not found", in.ConversationID)
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("outbound: load conversation %s: %w", in.ConversationID, err)
	}

	var ch models.Channel
	if err := db.First(&ch, "id = ?", conv.ChannelID).Error; err != nil {
		return models.Message{}, fmt.Errorf("outbound: load channel %s: %w", conv.ChannelID, err)
	}

	msg := models.Message{
		TenantID:       in.TenantID,
		ConversationID: conv.ID,
		Type:           in.Type,
		SenderRole:     in.SenderRole,
		SenderID:       in.SenderID,
		SenderName:     in.SenderName,
		Content:        in.Content,
		MediaURL:       in.MediaURL,
	}

	// A text message with no body can never be delivered. Record the failure
	// without burning a provider attempt.
	if in.Type == models.TypeText && in.Content == "" {
		msg.Status = models.StatusFailed
		msg.ErrorMessage = "text message has no content"
		if err := ingest.PersistOutbound(db, &msg); err != nil {
			return models.Message{}, err
		}
		return msg, nil
	}

	if ch.IsWhatsApp() {
		return d.dispatchWhatsApp(ctx, db, conv, ch, msg)
	}
	return d.dispatchViaGateway(ctx, db, conv, ch, msg)
}

// dispatchWhatsApp sends through the provider API, retrying once, then
// persists whichever outcome was observed.
func (d *Dispatcher) dispatchWhatsApp(ctx context.Context, db *gorm.DB, conv models.Conversation, ch models.Channel, msg models.Message) (models.Message, error) {
	req := Request{
		ChannelID: ch.ID,
		To:        recipientFor(conv),
		Type:      msg.Type,
		Content:   msg.Content,
		MediaURL:  msg.MediaURL,
	}

	providerID, err := d.sender.Send(ctx, req)
	if err != nil || providerID == "" {
		log.Printf("outbound: send to %s failed, retrying once: %v", conv.ID, err)
		d.sleep(retryDelay)
		providerID, err = d.sender.Send(ctx, req)
	}

	now := time.Now()
	if err != nil || providerID == "" {
		msg.Status = models.StatusFailed
		if err != nil {
			msg.ErrorMessage = err.Error()
		} else {
			msg.ErrorMessage = "provider returned no message id"
		}
	} else {
		msg.Status = models.StatusSent
		msg.ExternalID = &providerID
		msg.SentAt = &now
	}

	if perr := ingest.PersistOutbound(db, &msg); perr != nil {
		return models.Message{}, perr
	}
	return msg, nil
}

// dispatchViaGateway persists a pending row, then hands delivery to the
// channel's gateway: synchronously on the bus, durably through a send-message
// job, and best effort to external consumers. The gateway owns the row's
// status from here.
func (d *Dispatcher) dispatchViaGateway(ctx context.Context, db *gorm.DB, conv models.Conversation, ch models.Channel, msg models.Message) (models.Message, error) {
	msg.Status = models.StatusPending
	if err := ingest.PersistOutbound(db, &msg); err != nil {
		return models.Message{}, err
	}

	ev := events.ChannelSend{
		TenantID:       msg.TenantID,
		ChannelID:      ch.ID,
		ChannelType:    ch.Type,
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		Recipient:      recipientFor(conv),
		Content:        msg.Content,
	}
	d.bus.PublishChannelSend(ev)

	if _, err := queue.Enqueue(db, queue.TypeSendMessage, msg.TenantID, queue.SendMessagePayload{
		MessageID:      msg.ID,
		ConversationID: conv.ID,
		ChannelID:      ch.ID,
	}); err != nil {
		log.Printf("outbound: enqueue send-message for %s: %v", msg.ID, err)
	}

	if err := d.publisher.Publish(ctx, events.SendTopic(ch.Type), events.Envelope{
		Meta: events.Meta{TenantID: msg.TenantID, CorrelationID: msg.ID, OccurredAt: time.Now()},
		Data: ev,
	}); err != nil {
		log.Printf("outbound: publish %s for %s: %v", events.SendTopic(ch.Type), msg.ID, err)
	}
	return msg, nil
}

// recipientFor picks the provider-native recipient identifier for a
// conversation. WhatsApp providers address by phone when one is known.
func recipientFor(conv models.Conversation) string {
	if conv.CustomerPhone != "" {
		return conv.CustomerPhone
	}
	return conv.CustomerExternalID
}
