package models

import (
	"time"

	"github.com/google/uuid"
)

// Loan is one patron's active borrow of one license pool.
type Loan struct {
	ID       uuid.UUID `json:"id"`
	PatronID uuid.UUID `json:"patron_id"`
	PoolID   uuid.UUID `json:"pool_id"`

	Start time.Time `json:"start"`
	// End is nil for loans of indefinite duration (open-access content).
	End *time.Time `json:"end,omitempty"`

	// FulfillmentFormat is recorded on first fulfillment and locks the
	// loan to that format afterwards.
	FulfillmentFormat string `json:"fulfillment_format,omitempty"`
	// ExternalID is assigned by the distributor. May be empty until the
	// loan is fulfilled.
	ExternalID string `json:"external_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewLoan creates a loan starting now-ish per the distributor's grant.
func NewLoan(patronID, poolID uuid.UUID, start time.Time, end *time.Time) *Loan {
	now := time.Now().UTC()
	return &Loan{
		ID:        uuid.New(),
		PatronID:  patronID,
		PoolID:    poolID,
		Start:     start.UTC(),
		End:       end,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Expired reports whether the loan's term has passed.
func (l *Loan) Expired(now time.Time) bool {
	return l.End != nil && now.After(*l.End)
}

// ExpiringSoon reports whether the loan ends within the given lead time.
func (l *Loan) ExpiringSoon(now time.Time, lead time.Duration) bool {
	if l.End == nil {
		return false
	}
	return !l.Expired(now) && now.Add(lead).After(*l.End)
}

// Renew extends the loan to the new end date from a distributor grant.
func (l *Loan) Renew(end *time.Time) {
	l.End = end
	l.UpdatedAt = time.Now().UTC()
}

// RecordFulfillment stores the format and distributor identifier from a
// successful fulfillment.
func (l *Loan) RecordFulfillment(format, externalID string) {
	l.FulfillmentFormat = format
	if externalID != "" {
		l.ExternalID = externalID
	}
	l.UpdatedAt = time.Now().UTC()
}
