package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Patron is a library card holder. Loan and hold caps of zero mean the
// library-wide defaults apply.
type Patron struct {
	ID         uuid.UUID `json:"id"`
	Identifier string    `json:"identifier"`

	LoanLimit int `json:"loan_limit,omitempty"`
	HoldLimit int `json:"hold_limit,omitempty"`

	// OutstandingFines blocks borrowing once it crosses the library's
	// fine ceiling.
	OutstandingFines decimal.Decimal `json:"outstanding_fines"`
	Blocked          bool            `json:"blocked"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewPatron creates a patron with no fines and default limits.
func NewPatron(identifier string) *Patron {
	now := time.Now().UTC()
	return &Patron{
		ID:               uuid.New(),
		Identifier:       identifier,
		OutstandingFines: decimal.Zero,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// BorrowingBlocked reports whether the patron may transact at all, given
// the library's maximum outstanding fines.
func (p *Patron) BorrowingBlocked(maxFines decimal.Decimal) bool {
	if p.Blocked {
		return true
	}
	if maxFines.IsZero() {
		return false
	}
	return p.OutstandingFines.GreaterThanOrEqual(maxFines)
}

// EffectiveLoanLimit resolves the patron override against the default cap.
func (p *Patron) EffectiveLoanLimit(defaultLimit int) int {
	if p.LoanLimit > 0 {
		return p.LoanLimit
	}
	return defaultLimit
}

// EffectiveHoldLimit resolves the patron override against the default cap.
func (p *Patron) EffectiveHoldLimit(defaultLimit int) int {
	if p.HoldLimit > 0 {
		return p.HoldLimit
	}
	return defaultLimit
}
