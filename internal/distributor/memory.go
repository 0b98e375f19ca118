package distributor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openlend/circ/internal/models"
)

// Memory is an in-process distributor with deterministic behavior and
// scriptable failures. It backs engine and reconciler tests and the
// local development configuration.
type Memory struct {
	mu             sync.Mutex
	titles         map[string]*memoryTitle
	failNext       map[string][]error
	renewWithHolds bool
	loanPeriod     time.Duration
	seq            int
}

type memoryTitle struct {
	total         int
	available     int
	supportsHolds bool
	formats       map[string]bool
	loans         map[string]*RemoteLoan // keyed by patron identifier
	holds         []*RemoteHold
}

// NewMemory creates an empty in-memory distributor with a 21 day loan
// period.
func NewMemory() *Memory {
	return &Memory{
		titles:     make(map[string]*memoryTitle),
		failNext:   make(map[string][]error),
		loanPeriod: 21 * 24 * time.Hour,
	}
}

// AddTitle registers a title with the given license count.
func (m *Memory) AddTitle(titleID string, total int, supportsHolds bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.titles[titleID] = &memoryTitle{
		total:         total,
		available:     total,
		supportsHolds: supportsHolds,
		formats:       map[string]bool{"application/epub+zip": true},
		loans:         make(map[string]*RemoteLoan),
	}
}

// AddFormat offers an additional fulfillment format for a title.
func (m *Memory) AddFormat(titleID, format string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.titles[titleID]; ok {
		t.formats[format] = true
	}
}

// SetAvailable overrides a title's remote availability, simulating
// activity outside this system (revoked licenses, other consortium
// members returning copies).
func (m *Memory) SetAvailable(titleID string, available int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.titles[titleID]; ok {
		t.available = available
	}
}

// FailNext queues an error for the next call of the named operation
// ("checkout", "place_hold", "fulfill", "renew", "return", "sync",
// "check_availability").
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[op] = append(m.failNext[op], err)
}

// SetRenewWithHolds controls the vendor renewal-under-holds policy.
func (m *Memory) SetRenewWithHolds(allowed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renewWithHolds = allowed
}

// Type implements Distributor.
func (m *Memory) Type() models.DistributorType {
	return models.DistributorMemory
}

// AllowsRenewalWithHolds implements Distributor.
func (m *Memory) AllowsRenewalWithHolds() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renewWithHolds
}

func (m *Memory) popFailure(op string) error {
	queued := m.failNext[op]
	if len(queued) == 0 {
		return nil
	}
	err := queued[0]
	m.failNext[op] = queued[1:]
	return err
}

func (m *Memory) title(titleID string) (*memoryTitle, error) {
	t, ok := m.titles[titleID]
	if !ok {
		return nil, NewError(KindPermanent, fmt.Sprintf("unknown title %q", titleID))
	}
	return t, nil
}

// CheckAvailability implements Distributor.
func (m *Memory) CheckAvailability(_ context.Context, pool *models.LicensePool) (*Availability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure("check_availability"); err != nil {
		return nil, err
	}
	t, err := m.title(pool.TitleID)
	if err != nil {
		return nil, err
	}
	return &Availability{Total: t.total, Available: t.available, SupportsHolds: t.supportsHolds}, nil
}

// Checkout implements Distributor.
func (m *Memory) Checkout(_ context.Context, patron *models.Patron, pool *models.LicensePool, format string) (*LoanGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure("checkout"); err != nil {
		return nil, err
	}
	t, err := m.title(pool.TitleID)
	if err != nil {
		return nil, err
	}

	if existing, ok := t.loans[patron.Identifier]; ok {
		// Checking out a title the patron already has behaves like a
		// confirmation, not a failure.
		return &LoanGrant{ExternalID: existing.ExternalID, Start: time.Now().UTC(), End: existing.End, Format: format}, nil
	}

	if t.available <= 0 {
		return nil, NewError(KindBusy, "no copies available")
	}

	t.available--
	m.seq++
	end := time.Now().UTC().Add(m.loanPeriod)
	loan := &RemoteLoan{
		PatronRef:  patron.Identifier,
		TitleID:    pool.TitleID,
		ExternalID: fmt.Sprintf("mem-loan-%d", m.seq),
		End:        &end,
	}
	t.loans[patron.Identifier] = loan
	return &LoanGrant{ExternalID: loan.ExternalID, Start: time.Now().UTC(), End: &end, Format: format}, nil
}

// PlaceHold implements Distributor.
func (m *Memory) PlaceHold(_ context.Context, patron *models.Patron, pool *models.LicensePool) (*HoldGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure("place_hold"); err != nil {
		return nil, err
	}
	t, err := m.title(pool.TitleID)
	if err != nil {
		return nil, err
	}
	if !t.supportsHolds {
		return nil, NewError(KindNotHoldable, "title does not support holds")
	}

	for _, h := range t.holds {
		if h.PatronRef == patron.Identifier {
			return &HoldGrant{Position: h.Position}, nil
		}
	}

	hold := &RemoteHold{
		PatronRef: patron.Identifier,
		TitleID:   pool.TitleID,
		Position:  int64(len(t.holds) + 1),
	}
	t.holds = append(t.holds, hold)
	return &HoldGrant{Position: hold.Position}, nil
}

// Fulfill implements Distributor.
func (m *Memory) Fulfill(_ context.Context, patron *models.Patron, pool *models.LicensePool, loan *models.Loan, format string) (*FulfillmentToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure("fulfill"); err != nil {
		return nil, err
	}
	t, err := m.title(pool.TitleID)
	if err != nil {
		return nil, err
	}
	if !t.formats[format] {
		return nil, NewError(KindFormatUnavailable, fmt.Sprintf("format %q not offered", format))
	}
	remote, ok := t.loans[patron.Identifier]
	if !ok {
		return nil, NewError(KindDenied, "no active loan at distributor")
	}
	return &FulfillmentToken{
		ContentLink: fmt.Sprintf("memory://%s/%s", pool.TitleID, remote.ExternalID),
		ContentType: format,
		Expires:     remote.End,
	}, nil
}

// Renew implements Distributor.
func (m *Memory) Renew(_ context.Context, patron *models.Patron, pool *models.LicensePool, _ *models.Loan) (*LoanGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure("renew"); err != nil {
		return nil, err
	}
	t, err := m.title(pool.TitleID)
	if err != nil {
		return nil, err
	}
	remote, ok := t.loans[patron.Identifier]
	if !ok {
		return nil, NewError(KindDenied, "no active loan at distributor")
	}
	if len(t.holds) > 0 && !m.renewWithHolds {
		return nil, NewError(KindRenewalDenied, "other patrons are waiting for this title")
	}
	end := time.Now().UTC().Add(m.loanPeriod)
	remote.End = &end
	return &LoanGrant{ExternalID: remote.ExternalID, Start: time.Now().UTC(), End: &end}, nil
}

// Return implements Distributor. Idempotent.
func (m *Memory) Return(_ context.Context, patron *models.Patron, pool *models.LicensePool, _ *models.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure("return"); err != nil {
		return err
	}
	t, err := m.title(pool.TitleID)
	if err != nil {
		return err
	}
	if _, ok := t.loans[patron.Identifier]; ok {
		delete(t.loans, patron.Identifier)
		if t.available < t.total {
			t.available++
		}
	}
	return nil
}

// ReleaseHold implements Distributor. Idempotent.
func (m *Memory) ReleaseHold(_ context.Context, patron *models.Patron, pool *models.LicensePool, _ *models.Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure("release_hold"); err != nil {
		return err
	}
	t, err := m.title(pool.TitleID)
	if err != nil {
		return err
	}
	kept := t.holds[:0]
	for _, h := range t.holds {
		if h.PatronRef != patron.Identifier {
			kept = append(kept, h)
		}
	}
	t.holds = kept
	return nil
}

// Sync implements Distributor.
func (m *Memory) Sync(_ context.Context, scope SyncScope) (*RemoteSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure("sync"); err != nil {
		return nil, err
	}
	t, err := m.title(scope.Pool.TitleID)
	if err != nil {
		return nil, err
	}

	snap := &RemoteSnapshot{
		Total:         t.total,
		Available:     t.available,
		HoldQueueSize: len(t.holds),
		SupportsHolds: t.supportsHolds,
		TakenAt:       time.Now().UTC(),
	}

	if scope.Patron != nil {
		if loan, ok := t.loans[scope.Patron.Identifier]; ok {
			snap.Loans = append(snap.Loans, *loan)
		}
		for _, h := range t.holds {
			if h.PatronRef == scope.Patron.Identifier {
				snap.Holds = append(snap.Holds, *h)
			}
		}
	}

	return snap, nil
}
