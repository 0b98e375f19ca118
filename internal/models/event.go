package models

import (
	"time"

	"github.com/google/uuid"
)

// NotificationEventType identifies a circulation event delivered to the
// notification sink.
type NotificationEventType string

const (
	// EventHoldReady fires when the sweep promotes a hold.
	EventHoldReady NotificationEventType = "hold_ready"
	// EventLoanExpiring fires when a loan ends within the configured lead time.
	EventLoanExpiring NotificationEventType = "loan_expiring"
	// EventInconsistency fires when reconciliation drift persists past the
	// configured streak. Operator-facing only.
	EventInconsistency NotificationEventType = "persistent_inconsistency"
)

// NotificationStatus tracks delivery of one notification.
type NotificationStatus string

const (
	// NotificationStatusPending means delivery has not been attempted yet.
	NotificationStatusPending NotificationStatus = "pending"
	// NotificationStatusSent means the sink accepted the notification.
	NotificationStatusSent NotificationStatus = "sent"
	// NotificationStatusFailed means delivery failed. Failures never roll
	// back the circulation transition that produced them.
	NotificationStatusFailed NotificationStatus = "failed"
)

// NotificationLog records one delivery attempt to the notification sink.
type NotificationLog struct {
	ID        uuid.UUID             `json:"id"`
	EventType NotificationEventType `json:"event_type"`
	PatronID  *uuid.UUID            `json:"patron_id,omitempty"`
	PoolID    *uuid.UUID            `json:"pool_id,omitempty"`
	Subject   string                `json:"subject"`
	Status    NotificationStatus    `json:"status"`
	Error     string                `json:"error,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
	SentAt    *time.Time            `json:"sent_at,omitempty"`
}

// NewNotificationLog creates a pending log entry for an event.
func NewNotificationLog(eventType NotificationEventType, patronID, poolID *uuid.UUID, subject string) *NotificationLog {
	return &NotificationLog{
		ID:        uuid.New(),
		EventType: eventType,
		PatronID:  patronID,
		PoolID:    poolID,
		Subject:   subject,
		Status:    NotificationStatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// MarkSent records a successful delivery.
func (n *NotificationLog) MarkSent() {
	now := time.Now().UTC()
	n.Status = NotificationStatusSent
	n.SentAt = &now
}

// MarkFailed records a failed delivery with the error detail.
func (n *NotificationLog) MarkFailed(errMsg string) {
	n.Status = NotificationStatusFailed
	n.Error = errMsg
}
