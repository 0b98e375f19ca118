package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openlend/circ/internal/models"
)

// LogStore persists notification delivery records.
type LogStore interface {
	CreateNotificationLog(ctx context.Context, log *models.NotificationLog) error
	UpdateNotificationLog(ctx context.Context, log *models.NotificationLog) error
	HasNotificationSince(ctx context.Context, eventType models.NotificationEventType, patronID, poolID uuid.UUID, since time.Time) (bool, error)
}

// Sender delivers one payload to the sink.
type Sender interface {
	Send(ctx context.Context, url string, payload WebhookPayload, secret string) error
}

// Config holds the sink configuration.
type Config struct {
	// WebhookURL is the sink endpoint. Empty disables delivery; events
	// are still logged to the store.
	WebhookURL string
	// WebhookSecret, when set, signs payloads with HMAC-SHA256.
	WebhookSecret string
	// RequireHTTPS rejects plain HTTP sink URLs.
	RequireHTTPS bool
	// AllowPrivateSink permits sink URLs on private networks.
	AllowPrivateSink bool
	// ExpiryWarnDedupe suppresses repeat loan-expiring warnings for the
	// same loan within this window.
	ExpiryWarnDedupe time.Duration
}

// DefaultConfig returns the standard sink configuration.
func DefaultConfig() Config {
	return Config{
		ExpiryWarnDedupe: 24 * time.Hour,
	}
}

// Service delivers circulation events to the webhook sink and records
// each attempt. It satisfies the engine's notifier and the expiry job's
// warning interface.
type Service struct {
	store  LogStore
	sender Sender
	config Config
	logger zerolog.Logger
}

// NewService creates the notification service. The sink URL is
// validated up front so a bad configuration fails at startup instead of
// on the first event.
func NewService(store LogStore, sender Sender, config Config, logger zerolog.Logger) (*Service, error) {
	if config.WebhookURL != "" {
		if err := ValidateWebhookURL(config.WebhookURL, config.RequireHTTPS, config.AllowPrivateSink); err != nil {
			return nil, fmt.Errorf("validate webhook sink: %w", err)
		}
	}
	return &Service{
		store:  store,
		sender: sender,
		config: config,
		logger: logger.With().Str("component", "notifications").Logger(),
	}, nil
}

// HoldReady tells the patron their reservation window opened.
func (s *Service) HoldReady(ctx context.Context, hold *models.Hold, pool *models.LicensePool) {
	subject := fmt.Sprintf("Your hold on %s is ready", pool.TitleID)
	data := map[string]interface{}{
		"hold_id":   hold.ID.String(),
		"patron_id": hold.PatronID.String(),
		"pool_id":   pool.ID.String(),
		"title_id":  pool.TitleID,
	}
	if hold.ReservationDeadline != nil {
		data["reservation_deadline"] = hold.ReservationDeadline.Format(time.RFC3339)
	}

	s.deliver(ctx, models.EventHoldReady, &hold.PatronID, &pool.ID, subject, data)
}

// Inconsistency reports persistent reconciliation drift to operators.
func (s *Service) Inconsistency(ctx context.Context, pool *models.LicensePool, detail string) {
	subject := fmt.Sprintf("Persistent availability drift on %s", pool.TitleID)
	data := map[string]interface{}{
		"pool_id":      pool.ID.String(),
		"title_id":     pool.TitleID,
		"drift_streak": pool.DriftStreak,
		"detail":       detail,
	}

	s.deliver(ctx, models.EventInconsistency, nil, &pool.ID, subject, data)
}

// LoanExpiring warns the patron their loan ends soon. Repeat warnings
// for the same loan are suppressed within the dedupe window.
func (s *Service) LoanExpiring(ctx context.Context, loan *models.Loan) error {
	if s.config.ExpiryWarnDedupe > 0 {
		since := time.Now().UTC().Add(-s.config.ExpiryWarnDedupe)
		sent, err := s.store.HasNotificationSince(ctx, models.EventLoanExpiring, loan.PatronID, loan.PoolID, since)
		if err != nil {
			return fmt.Errorf("check expiry warning dedupe: %w", err)
		}
		if sent {
			return nil
		}
	}

	subject := "Your loan expires soon"
	data := map[string]interface{}{
		"loan_id":   loan.ID.String(),
		"patron_id": loan.PatronID.String(),
		"pool_id":   loan.PoolID.String(),
	}
	if loan.End != nil {
		data["end"] = loan.End.Format(time.RFC3339)
	}

	s.deliver(ctx, models.EventLoanExpiring, &loan.PatronID, &loan.PoolID, subject, data)
	return nil
}

// deliver logs the event and posts it to the sink. Failures are
// recorded on the log entry and never propagated.
func (s *Service) deliver(ctx context.Context, eventType models.NotificationEventType, patronID, poolID *uuid.UUID, subject string, data map[string]interface{}) {
	entry := models.NewNotificationLog(eventType, patronID, poolID, subject)
	if err := s.store.CreateNotificationLog(ctx, entry); err != nil {
		s.logger.Error().
			Err(err).
			Str("event_type", string(eventType)).
			Msg("failed to record notification")
		return
	}

	if s.config.WebhookURL == "" {
		entry.MarkSent()
		s.finish(ctx, entry)
		return
	}

	payload := WebhookPayload{
		EventType: string(eventType),
		Timestamp: time.Now().UTC(),
		Subject:   subject,
		Data:      data,
	}

	if err := s.sender.Send(ctx, s.config.WebhookURL, payload, s.config.WebhookSecret); err != nil {
		s.logger.Warn().
			Err(err).
			Str("event_type", string(eventType)).
			Msg("webhook delivery failed")
		entry.MarkFailed(err.Error())
	} else {
		entry.MarkSent()
	}
	s.finish(ctx, entry)
}

func (s *Service) finish(ctx context.Context, entry *models.NotificationLog) {
	if err := s.store.UpdateNotificationLog(ctx, entry); err != nil {
		s.logger.Error().
			Err(err).
			Str("notification_id", entry.ID.String()).
			Msg("failed to update notification log")
	}
}
