// Package models defines the circulation domain entities shared across
// the engine, the store, and the background jobs.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DistributorType identifies which distributor integration owns a pool.
type DistributorType string

const (
	// DistributorVendorHTTP is the reference JSON-over-HTTP vendor integration.
	DistributorVendorHTTP DistributorType = "vendor_http"
	// DistributorMemory is the in-process distributor used in tests.
	DistributorMemory DistributorType = "memory"
)

// LicensePool is the authoritative availability record for one title at
// one distributor. Its counts are mutated only by the circulation engine
// and the reconciler, always under the pool's exclusive section.
type LicensePool struct {
	ID              uuid.UUID       `json:"id"`
	CollectionID    uuid.UUID       `json:"collection_id"`
	DistributorType DistributorType `json:"distributor_type"`
	TitleID         string          `json:"title_id"`

	LicensesOwned      int `json:"licenses_owned"`
	LicensesAvailable  int `json:"licenses_available"`
	LicensesReserved   int `json:"licenses_reserved"`
	PatronsInHoldQueue int `json:"patrons_in_hold_queue"`

	// NextHoldPosition is the monotonic queue-position counter. Positions
	// are never reused, even after cancellations.
	NextHoldPosition int64 `json:"next_hold_position"`

	UnlimitedAccess bool `json:"unlimited_access"`
	OpenAccess      bool `json:"open_access"`
	SupportsHolds   bool `json:"supports_holds"`

	// DriftStreak counts consecutive reconciliations whose drift exceeded
	// the configured tolerance.
	DriftStreak  int        `json:"drift_streak"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewLicensePool creates a pool for a title owned by one distributor.
func NewLicensePool(collectionID uuid.UUID, distributorType DistributorType, titleID string, owned int) *LicensePool {
	now := time.Now().UTC()
	return &LicensePool{
		ID:                uuid.New(),
		CollectionID:      collectionID,
		DistributorType:   distributorType,
		TitleID:           titleID,
		LicensesOwned:     owned,
		LicensesAvailable: owned,
		SupportsHolds:     true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// LicensesCheckedOut derives the number of licenses currently out on loan.
func (p *LicensePool) LicensesCheckedOut() int {
	if p.UnlimitedAccess || p.OpenAccess {
		return 0
	}
	out := p.LicensesOwned - p.LicensesAvailable - p.LicensesReserved
	if out < 0 {
		return 0
	}
	return out
}

// Metered reports whether checkouts against this pool consume counted
// licenses. Open-access and unlimited-access pools are not metered.
func (p *LicensePool) Metered() bool {
	return !p.UnlimitedAccess && !p.OpenAccess
}

// HasAvailable reports whether a checkout can proceed without queueing.
func (p *LicensePool) HasAvailable() bool {
	if !p.Metered() {
		return true
	}
	return p.LicensesAvailable > 0
}

// Validate checks the pool count invariants.
func (p *LicensePool) Validate() error {
	if !p.Metered() {
		return nil
	}
	if p.LicensesAvailable < 0 {
		return fmt.Errorf("pool %s: licenses_available %d is negative", p.ID, p.LicensesAvailable)
	}
	if p.LicensesReserved < 0 {
		return fmt.Errorf("pool %s: licenses_reserved %d is negative", p.ID, p.LicensesReserved)
	}
	if p.LicensesAvailable+p.LicensesReserved > p.LicensesOwned {
		return fmt.Errorf("pool %s: available %d + reserved %d exceeds owned %d",
			p.ID, p.LicensesAvailable, p.LicensesReserved, p.LicensesOwned)
	}
	return nil
}

// ClaimHoldPosition increments the monotonic counter and returns the
// position for a new hold. Must only be called under the pool's section.
func (p *LicensePool) ClaimHoldPosition() int64 {
	p.NextHoldPosition++
	return p.NextHoldPosition
}

// MarkSynced records a completed reconciliation and the resulting streak.
func (p *LicensePool) MarkSynced(at time.Time, withinTolerance bool) {
	t := at.UTC()
	p.LastSyncedAt = &t
	if withinTolerance {
		p.DriftStreak = 0
	} else {
		p.DriftStreak++
	}
}
