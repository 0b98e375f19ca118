package models

import (
	"time"

	"github.com/google/uuid"
)

// Hold is a patron's queued position against a pool with no available
// copy. A promoted hold carries a reservation window: the time budget the
// patron has to convert it to a loan before the license goes back to the
// pool.
type Hold struct {
	ID       uuid.UUID `json:"id"`
	PatronID uuid.UUID `json:"patron_id"`
	PoolID   uuid.UUID `json:"pool_id"`

	// Position is 1-based, unique per pool, and strictly increasing over
	// the pool's lifetime.
	Position int64 `json:"position"`

	// ExpiresAt bounds the hold itself, independent of promotion.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	Ready bool `json:"ready"`
	// ReservedAt and ReservationDeadline delimit the reservation window.
	// Both are set together when the sweep promotes the hold.
	ReservedAt          *time.Time `json:"reserved_at,omitempty"`
	ReservationDeadline *time.Time `json:"reservation_deadline,omitempty"`

	// ExternalID is the distributor's identifier for the hold, when the
	// vendor assigns one.
	ExternalID string `json:"external_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewHold creates a queued hold at the given position.
func NewHold(patronID, poolID uuid.UUID, position int64, expiresAt *time.Time) *Hold {
	now := time.Now().UTC()
	return &Hold{
		ID:        uuid.New(),
		PatronID:  patronID,
		PoolID:    poolID,
		Position:  position,
		ExpiresAt: expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Promote marks the hold ready and opens its reservation window.
func (h *Hold) Promote(now time.Time, window time.Duration) {
	start := now.UTC()
	deadline := start.Add(window)
	h.Ready = true
	h.ReservedAt = &start
	h.ReservationDeadline = &deadline
	h.UpdatedAt = start
}

// ReservationLapsed reports whether a promoted hold's window has passed
// without the patron claiming it.
func (h *Hold) ReservationLapsed(now time.Time) bool {
	return h.Ready && h.ReservationDeadline != nil && now.After(*h.ReservationDeadline)
}

// Expired reports whether the hold itself has expired while queued.
func (h *Hold) Expired(now time.Time) bool {
	return h.ExpiresAt != nil && now.After(*h.ExpiresAt)
}
