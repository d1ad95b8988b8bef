// Package discord is the send-side Discord gateway. It subscribes to channel
// send events for discord channels and delivers them over the Gateway
// WebSocket session, then resolves the pending message row with the outcome.
package discord

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/switchboard-io/switchboard/internal/events"
	"github.com/switchboard-io/switchboard/internal/models"
	"gorm.io/gorm"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the rate-limit backoff.
	maxBackoff = 2 * time.Minute
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Gateway delivers outbound messages to Discord.
type Gateway struct {
	db       *gorm.DB
	sess     session
	botToken string

	mu        sync.Mutex
	connected bool
	closed    bool

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// GatewayOpts holds parameters for creating a Gateway.
type GatewayOpts struct {
	DB       *gorm.DB
	Bus      *events.Bus
	BotToken string
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// New creates a Gateway and subscribes it to channel send events.
func New(opts GatewayOpts) (*Gateway, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("discord: db is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("discord: bus is required")
	}
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}

	g := &Gateway{
		db:          opts.DB,
		botToken:    opts.BotToken,
		sess:        opts.Session,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}
	opts.Bus.SubscribeChannelSend(g.handleSend)
	return g, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return fmt.Errorf("discord: gateway already closed")
	}
	if g.connected {
		return nil
	}

	if g.sess == nil {
		dg, err := discordgo.New("Bot " + g.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages
		g.sess = &realSession{s: dg}
	}

	g.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
	})
	g.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
	})

	if err := g.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	g.connected = true
	return nil
}

// Close shuts down the gateway connection. Send events arriving afterwards
// are left pending for the send-message job to retry.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	if !g.connected {
		return nil
	}
	g.connected = false
	return g.sess.Close()
}

// handleSend delivers one channel send event and resolves its message row.
// Only discord events are handled; anything else belongs to another gateway.
func (g *Gateway) handleSend(ev events.ChannelSend) {
	if ev.ChannelType != models.ChannelDiscord {
		return
	}

	g.mu.Lock()
	ready := g.connected && !g.closed
	g.mu.Unlock()
	if !ready {
		log.Printf("discord: not connected, leaving message %s pending", ev.MessageID)
		return
	}

	var ch models.Channel
	if err := g.db.First(&ch, "id = ?", ev.ChannelID).Error; err != nil {
		log.Printf("discord: load channel %s: %v", ev.ChannelID, err)
		return
	}
	// The channel's provider identifier is the Discord text channel to post to.
	target := ch.Identifier
	if target == "" {
		g.resolve(ev.MessageID, "", fmt.Errorf("discord: channel %s has no discord channel id", ch.ID))
		return
	}

	var sent *discordgo.Message
	err := g.retryOnRateLimit(context.Background(), func() error {
		var sendErr error
		sent, sendErr = g.sess.ChannelMessageSend(target, ev.Content)
		return sendErr
	})
	if err != nil {
		g.resolve(ev.MessageID, "", fmt.Errorf("discord: send message: %w", err))
		return
	}
	g.resolve(ev.MessageID, sent.ID, nil)
}

// resolve flips the pending message row to its final status. Guarded on
// pending so a racing re-drive cannot regress a resolved row.
func (g *Gateway) resolve(messageID, providerID string, sendErr error) {
	updates := map[string]interface{}{}
	if sendErr != nil {
		updates["status"] = models.StatusFailed
		updates["error_message"] = sendErr.Error()
		log.Printf("discord: message %s failed: %v", messageID, sendErr)
	} else {
		now := time.Now()
		updates["status"] = models.StatusSent
		updates["external_id"] = providerID
		updates["sent_at"] = now
	}

	if err := g.db.Model(&models.Message{}).
		Where("id = ? AND status = ?", messageID, models.StatusPending).
		Updates(updates).Error; err != nil {
		log.Printf("discord: resolve message %s: %v", messageID, err)
	}
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (g *Gateway) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err // not a rate limit error
		}

		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * g.baseBackoff
		if wait > g.maxBackoff {
			wait = g.maxBackoff
		}

		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v",
			attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
