// Package distributor defines the abstract circulation operations every
// vendor integration must implement, and the outcome types the engine
// consumes. Each vendor is a variant behind the same interface, selected
// through a registry keyed by distributor type.
package distributor

import (
	"context"
	"time"

	"github.com/openlend/circ/internal/models"
)

// Availability is the result of a read-only remote probe.
type Availability struct {
	Total         int
	Available     int
	SupportsHolds bool
}

// LoanGrant is a distributor's confirmation of a checkout or renewal.
type LoanGrant struct {
	ExternalID string
	Start      time.Time
	// End is nil for loans of indefinite duration.
	End    *time.Time
	Format string
}

// HoldGrant is a distributor's confirmation of a hold placement.
type HoldGrant struct {
	ExternalID string
	// Position is the vendor's reported queue position, zero when the
	// vendor does not expose one. The local queue position is always
	// assigned by the engine.
	Position  int64
	ExpiresAt *time.Time
}

// FulfillmentToken carries what a patron needs to open borrowed content.
type FulfillmentToken struct {
	ContentLink string
	ContentType string
	Expires     *time.Time
}

// RemoteLoan is one loan in a distributor's authoritative view.
type RemoteLoan struct {
	PatronRef  string
	TitleID    string
	ExternalID string
	End        *time.Time
}

// RemoteHold is one hold in a distributor's authoritative view.
type RemoteHold struct {
	PatronRef string
	TitleID   string
	Position  int64
	Ready     bool
}

// RemoteSnapshot is the distributor's authoritative counts and queue,
// fetched for reconciliation. Loans and Holds are populated only for
// patron-scoped syncs.
type RemoteSnapshot struct {
	Total         int
	Available     int
	Reserved      int
	HoldQueueSize int
	SupportsHolds bool
	TakenAt       time.Time

	Loans []RemoteLoan
	Holds []RemoteHold
}

// SyncScope selects what a Sync call covers. Pool is always required;
// when Patron is set the snapshot additionally reports that patron's
// loans and holds.
type SyncScope struct {
	Pool   *models.LicensePool
	Patron *models.Patron
}

// Distributor is the capability set every vendor integration implements.
//
// Every operation must be safely retryable: implementations surface
// transient failures distinct from permanent ones so the engine knows
// whether a retry can help. Implementations must not assume call
// ordering; Sync may arrive at any time, including mid-checkout.
type Distributor interface {
	// Type identifies the integration for registry dispatch.
	Type() models.DistributorType

	// CheckAvailability probes remote availability without side effects.
	CheckAvailability(ctx context.Context, pool *models.LicensePool) (*Availability, error)

	// Checkout attempts to borrow. A Busy error signals no copies (the
	// caller should place a hold); Denied signals a policy or entitlement
	// failure.
	Checkout(ctx context.Context, patron *models.Patron, pool *models.LicensePool, format string) (*LoanGrant, error)

	// PlaceHold queues the patron at the vendor. NotHoldable signals the
	// vendor does not queue for this title.
	PlaceHold(ctx context.Context, patron *models.Patron, pool *models.LicensePool) (*HoldGrant, error)

	// Fulfill exchanges an active loan for content access in the
	// requested format. FormatUnavailable signals the title cannot be
	// delivered that way.
	Fulfill(ctx context.Context, patron *models.Patron, pool *models.LicensePool, loan *models.Loan, format string) (*FulfillmentToken, error)

	// Renew extends an active loan. RenewalDenied signals vendor policy
	// refused the extension.
	Renew(ctx context.Context, patron *models.Patron, pool *models.LicensePool, loan *models.Loan) (*LoanGrant, error)

	// Return checks a loan back in. Idempotent: returning an already
	// returned or expired loan succeeds.
	Return(ctx context.Context, patron *models.Patron, pool *models.LicensePool, loan *models.Loan) error

	// ReleaseHold removes the patron from the vendor queue. Idempotent
	// like Return.
	ReleaseHold(ctx context.Context, patron *models.Patron, pool *models.LicensePool, hold *models.Hold) error

	// Sync returns the distributor's authoritative view for the scope.
	Sync(ctx context.Context, scope SyncScope) (*RemoteSnapshot, error)

	// AllowsRenewalWithHolds reports whether vendor policy permits
	// renewing a loan while other patrons wait in the hold queue.
	AllowsRenewalWithHolds() bool
}
