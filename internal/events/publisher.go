package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// Publisher pushes domain events to external consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, env Envelope) error
	Close() error
}

// NopPublisher discards events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, Envelope) error { return nil }
func (NopPublisher) Close() error                                    { return nil }

// AMQPPublisher publishes envelopes to a durable topic exchange with
// persistent deliveries.
type AMQPPublisher struct {
	conn     *amqp091.Connection
	exchange string
	log      *slog.Logger
}

// DialOptions configures the broker connection.
type DialOptions struct {
	URL           string
	RetryAttempts int
	Delay         time.Duration
	Logger        *slog.Logger
}

const maxDialDelay = 60 * time.Second

// DialWithRetry connects to the broker with exponential backoff, respecting
// context cancellation for graceful shutdown.
func DialWithRetry(ctx context.Context, opts DialOptions) (*amqp091.Connection, error) {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 5
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var lastErr error
	for i := 1; i <= opts.RetryAttempts; i++ {
		conn, err := amqp091.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				opts.Logger.Info("broker connected", slog.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err

		sleep := opts.Delay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}
		opts.Logger.Warn("broker dial failed",
			slog.Int("attempt", i),
			slog.Duration("sleep", sleep),
			slog.Any("error", err),
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("events: dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("events: connect after %d attempts: %w", opts.RetryAttempts, lastErr)
}

// NewAMQPPublisher dials the broker and declares the topic exchange.
func NewAMQPPublisher(ctx context.Context, opts DialOptions, exchange string) (*AMQPPublisher, error) {
	conn, err := DialWithRetry(ctx, opts)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: declare exchange %s: %w", exchange, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPPublisher{conn: conn, exchange: exchange, log: logger}, nil
}

// Publish sends one envelope with the topic as routing key. Missing meta ids
// are filled in.
func (p *AMQPPublisher) Publish(ctx context.Context, topic string, env Envelope) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("events: open channel: %w", err)
	}
	defer ch.Close()

	if env.Meta.ID == "" {
		env.Meta.ID = uuid.NewString()
	}
	if env.Meta.CorrelationID == "" {
		env.Meta.CorrelationID = uuid.NewString()
	}
	if env.Meta.OccurredAt.IsZero() {
		env.Meta.OccurredAt = time.Now()
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("events: marshal envelope: %w", err)
	}

	err = ch.PublishWithContext(
		ctx, p.exchange, topic, false, false,
		amqp091.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp091.Persistent,
			MessageId:     env.Meta.ID,
			CorrelationId: env.Meta.CorrelationID,
			Timestamp:     time.Now(),
			Body:          body,
		},
	)
	if err == nil {
		p.log.Info("published", slog.String("topic", topic), slog.String("exchange", p.exchange))
	}
	return err
}

// Close tears down the broker connection.
func (p *AMQPPublisher) Close() error {
	return p.conn.Close()
}
