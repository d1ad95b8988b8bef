// Package webhooks records platform webhook deliveries and tracks their
// processing lifecycle. Recording is an idempotency claim: the first delivery
// with a key wins, replays get the winner's row back.
package webhooks

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/switchboard-io/switchboard/internal/models"
	"gorm.io/gorm"
)

// ErrBadTransition is returned for a lifecycle move the progression does not
// allow, e.g. marking a processed event failed.
var ErrBadTransition = errors.New("webhooks: illegal status transition")

// ErrNotFound is returned when the event does not exist in the tenant.
var ErrNotFound = errors.New("webhooks: event not found")

// Service persists webhook deliveries and their lifecycle.
type Service struct {
	db *gorm.DB
}

// NewService creates a Service.
func NewService(db *gorm.DB) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("webhooks: db is required")
	}
	return &Service{db: db}, nil
}

// Record stores one delivery. When idempotencyKey is non-empty and a prior
// delivery claimed it, the prior event is returned with claimed false.
// An empty key records unconditionally.
func (s *Service) Record(ctx context.Context, tenantID, source, topic, idempotencyKey, payload string) (models.WebhookEvent, bool, error) {
	if tenantID == "" {
		return models.WebhookEvent{}, false, fmt.Errorf("webhooks: tenant id is required")
	}

	ev := models.WebhookEvent{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Source:   source,
		Topic:    topic,
		Status:   models.WebhookPending,
		Payload:  payload,
	}
	if idempotencyKey != "" {
		ev.IdempotencyKey = &idempotencyKey
	}

	err := s.db.WithContext(ctx).Create(&ev).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		var prior models.WebhookEvent
		ferr := s.db.WithContext(ctx).
			Where("tenant_id = ? AND idempotency_key = ?", tenantID, idempotencyKey).
			First(&prior).Error
		if ferr != nil {
			return models.WebhookEvent{}, false, fmt.Errorf("webhooks: load prior event for key %q: %w", idempotencyKey, ferr)
		}
		return prior, false, nil
	}
	if err != nil {
		return models.WebhookEvent{}, false, fmt.Errorf("webhooks: record event: %w", err)
	}
	return ev, true, nil
}

// MarkProcessing moves a pending or retry_pending event to processing and
// counts the attempt.
func (s *Service) MarkProcessing(ctx context.Context, tenantID, eventID string) error {
	return s.transition(ctx, tenantID, eventID,
		[]string{models.WebhookPending, models.WebhookRetryPending},
		map[string]interface{}{
			"status":   models.WebhookProcessing,
			"attempts": gorm.Expr("attempts + 1"),
		})
}

// MarkProcessed finishes a processing event.
func (s *Service) MarkProcessed(ctx context.Context, tenantID, eventID string) error {
	return s.transition(ctx, tenantID, eventID,
		[]string{models.WebhookProcessing},
		map[string]interface{}{
			"status":       models.WebhookProcessed,
			"processed_at": gorm.Expr("CURRENT_TIMESTAMP"),
		})
}

// MarkFailed records a terminal failure with its reason.
func (s *Service) MarkFailed(ctx context.Context, tenantID, eventID, reason string) error {
	return s.transition(ctx, tenantID, eventID,
		[]string{models.WebhookProcessing},
		map[string]interface{}{
			"status":     models.WebhookFailed,
			"last_error": reason,
		})
}

// MarkSkipped records that the event was examined and deliberately ignored.
func (s *Service) MarkSkipped(ctx context.Context, tenantID, eventID string) error {
	return s.transition(ctx, tenantID, eventID,
		[]string{models.WebhookPending, models.WebhookProcessing},
		map[string]interface{}{"status": models.WebhookSkipped})
}

// MarkRetryPending sends a processing event back for another attempt.
func (s *Service) MarkRetryPending(ctx context.Context, tenantID, eventID, reason string) error {
	return s.transition(ctx, tenantID, eventID,
		[]string{models.WebhookProcessing},
		map[string]interface{}{
			"status":     models.WebhookRetryPending,
			"last_error": reason,
		})
}

// transition applies updates when the event's current status is in from.
// The status guard is part of the UPDATE so concurrent movers cannot both
// win.
func (s *Service) transition(ctx context.Context, tenantID, eventID string, from []string, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ? AND tenant_id = ? AND status IN ?", eventID, tenantID, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("webhooks: transition event %s: %w", eventID, res.Error)
	}
	if res.RowsAffected == 0 {
		var ev models.WebhookEvent
		err := s.db.WithContext(ctx).
			Where("id = ? AND tenant_id = ?", eventID, tenantID).First(&ev).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("webhooks: load event %s: %w", eventID, err)
		}
		return fmt.Errorf("%w: %s cannot leave %s", ErrBadTransition, eventID, ev.Status)
	}
	return nil
}
