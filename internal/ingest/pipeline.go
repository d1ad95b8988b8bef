// Package ingest is the message ingestion pipeline: it deduplicates
// normalized inbound events, resolves them onto conversations, persists
// state transactionally and fans out events to downstream consumers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/switchboard-io/switchboard/internal/channel"
	"github.com/switchboard-io/switchboard/internal/events"
	"github.com/switchboard-io/switchboard/internal/models"
	"gorm.io/gorm"
)

// Pipeline processes canonical inbound messages end to end.
type Pipeline struct {
	db        *gorm.DB
	bus       *events.Bus
	publisher events.Publisher
}

// PipelineOpts holds parameters for creating a Pipeline.
type PipelineOpts struct {
	DB        *gorm.DB
	Bus       *events.Bus
	Publisher events.Publisher // optional; defaults to NopPublisher
}

// NewPipeline creates a Pipeline.
func NewPipeline(opts PipelineOpts) (*Pipeline, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("ingest: db is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("ingest: bus is required")
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NopPublisher{}
	}
	return &Pipeline{db: opts.DB, bus: opts.Bus, publisher: opts.Publisher}, nil
}

// Result is the outcome of ingesting one inbound event.
type Result struct {
	Message           models.Message
	Conversation      models.Conversation
	Channel           models.Channel
	IsNewConversation bool

	// Duplicate is true when the event had already been processed; Message
	// and Conversation then hold the previously stored rows.
	Duplicate bool

	// Dropped is true when the event referenced an unknown channel and was
	// discarded. Dropping without an error keeps upstream transports from
	// retrying a delivery that can never succeed.
	Dropped bool
}

// Ingest runs one normalized inbound event through the dedup gate,
// conversation resolver, transactional persister and fan-out. Re-delivering
// the same event is invisible: the previously stored rows are returned and
// no side effects repeat.
func (p *Pipeline) Ingest(ctx context.Context, in channel.Inbound) (Result, error) {
	if in.Sender.IsZero() {
		return Result{}, fmt.Errorf("ingest: event has no sender identity")
	}
	if in.ChannelID == "" || in.TenantID == "" {
		return Result{}, fmt.Errorf("ingest: event missing tenant or channel id")
	}

	db := p.db.WithContext(ctx)

	var ch models.Channel
	err := db.Where("id = ? AND tenant_id = ?", in.ChannelID, in.TenantID).First(&ch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Printf("ingest: drop event %q: channel %s not found for tenant %s", in.ExternalMessageID, in.ChannelID, in.TenantID)
		return Result{Dropped: true}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("ingest: load channel %s: %w", in.ChannelID, err)
	}

	// Dedup gate: upstream transports deliver at least once. An empty
	// external id cannot be deduplicated and is always accepted; that
	// window is an accepted risk, not silently patched over.
	if in.ExternalMessageID != "" {
		if res, found, err := p.findProcessed(db, in, ch); err != nil {
			return Result{}, err
		} else if found {
			return res, nil
		}
	}

	conv, created, err := p.resolveConversation(db, in)
	if err != nil {
		return Result{}, err
	}

	msg, err := p.persistInbound(db, in, &conv, &ch)
	if errors.Is(err, errDuplicateMessage) {
		// Lost a concurrent-delivery race at the unique index: the winner's
		// row is the message. Not an error.
		if res, found, ferr := p.findProcessed(db, in, ch); ferr == nil && found {
			return res, nil
		}
		return Result{}, fmt.Errorf("ingest: duplicate insert for %q but prior row not found", in.ExternalMessageID)
	}
	if err != nil {
		return Result{}, err
	}

	// Return the post-commit conversation state (counters, reopened status).
	if err := db.First(&conv, "id = ?", conv.ID).Error; err != nil {
		return Result{}, fmt.Errorf("ingest: reload conversation %s: %w", conv.ID, err)
	}

	res := Result{
		Message:           msg,
		Conversation:      conv,
		Channel:           ch,
		IsNewConversation: created,
	}
	p.fanOut(ctx, res)
	return res, nil
}

// findProcessed looks up a previously stored message by (tenant, external id)
// and assembles the duplicate result for it.
func (p *Pipeline) findProcessed(db *gorm.DB, in channel.Inbound, ch models.Channel) (Result, bool, error) {
	var msg models.Message
	err := db.Where("tenant_id = ? AND external_id = ?", in.TenantID, in.ExternalMessageID).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("ingest: dedup lookup %q: %w", in.ExternalMessageID, err)
	}

	var conv models.Conversation
	if err := db.First(&conv, "id = ?", msg.ConversationID).Error; err != nil {
		return Result{}, false, fmt.Errorf("ingest: load conversation %s: %w", msg.ConversationID, err)
	}
	return Result{Message: msg, Conversation: conv, Channel: ch, Duplicate: true}, true, nil
}
