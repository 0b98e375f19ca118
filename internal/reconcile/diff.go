// Package reconcile computes and schedules drift correction between
// local license pools and their distributors' authoritative counts.
package reconcile

import (
	"github.com/google/uuid"

	"github.com/openlend/circ/internal/distributor"
	"github.com/openlend/circ/internal/models"
)

// Report describes what one reconciliation pass did to a pool.
type Report struct {
	PoolID uuid.UUID `json:"pool_id"`

	// Drift is the absolute availability disagreement found.
	Drift           int  `json:"drift"`
	WithinTolerance bool `json:"within_tolerance"`

	// Clamped means local availability was lowered to match the remote;
	// Raised means it was lifted, which frees copies for the sweep.
	Clamped bool `json:"clamped"`
	Raised  bool `json:"raised"`

	// Streak is the pool's consecutive over-tolerance count after this
	// pass. Inconsistent is set the moment the streak crosses the limit.
	Streak       int  `json:"streak"`
	Inconsistent bool `json:"inconsistent"`
}

// Apply folds a distributor snapshot into the pool. The remote is
// authoritative: counts are always adopted, immediately on clamps so
// patrons are never promised copies that do not exist. Tolerance only
// governs the inconsistency streak, not whether counts move. The caller
// persists the pool and runs the sweep when Raised is set.
func Apply(pool *models.LicensePool, snap *distributor.RemoteSnapshot, tolerance, streakLimit int) Report {
	report := Report{PoolID: pool.ID}

	pool.SupportsHolds = snap.SupportsHolds
	if snap.Total >= 0 {
		pool.LicensesOwned = snap.Total
	}

	remote := snap.Available
	if remote < 0 {
		remote = 0
	}
	// Reserved copies are held locally for promoted patrons; the remote
	// cannot hand them to anyone else, so availability is capped at what
	// is not already spoken for.
	if ceiling := pool.LicensesOwned - pool.LicensesReserved; remote > ceiling {
		remote = ceiling
	}
	if remote < 0 {
		remote = 0
	}

	local := pool.LicensesAvailable
	if remote > local {
		report.Drift = remote - local
		report.Raised = true
	} else if remote < local {
		report.Drift = local - remote
		report.Clamped = true
	}
	pool.LicensesAvailable = remote

	report.WithinTolerance = report.Drift <= tolerance
	pool.MarkSynced(snap.TakenAt, report.WithinTolerance)
	report.Streak = pool.DriftStreak
	report.Inconsistent = streakLimit > 0 && pool.DriftStreak >= streakLimit

	return report
}
