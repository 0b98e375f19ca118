package circ

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/openlend/circ/internal/models"
)

// memStore is an in-memory Store with database-like copy semantics:
// reads return copies, writes replace rows, and the availability CAS is
// atomic under the store mutex.
type memStore struct {
	mu      sync.Mutex
	patrons map[uuid.UUID]*models.Patron
	pools   map[uuid.UUID]*models.LicensePool
	loans   map[uuid.UUID]*models.Loan
	holds   map[uuid.UUID]*models.Hold

	// Single-shot failure injection.
	holdUpdateErr error
	poolUpdateErr error
	dropPoolOnCAS bool
}

func newMemStore() *memStore {
	return &memStore{
		patrons: make(map[uuid.UUID]*models.Patron),
		pools:   make(map[uuid.UUID]*models.LicensePool),
		loans:   make(map[uuid.UUID]*models.Loan),
		holds:   make(map[uuid.UUID]*models.Hold),
	}
}

func (s *memStore) putPatron(p *models.Patron) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.patrons[p.ID] = &cp
}

func (s *memStore) putPool(p *models.LicensePool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.pools[p.ID] = &cp
}

func (s *memStore) GetPatronByID(_ context.Context, id uuid.UUID) (*models.Patron, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patrons[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) GetLicensePoolByID(_ context.Context, id uuid.UUID) (*models.LicensePool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// failNextPoolUpdate makes the next UpdateLicensePool call fail once.
func (s *memStore) failNextPoolUpdate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poolUpdateErr = err
}

// failNextHoldUpdate makes the next UpdateHold call fail once.
func (s *memStore) failNextHoldUpdate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdUpdateErr = err
}

// dropPoolOnNextCAS makes the next availability CAS miss and removes the
// pool row, simulating the pool disappearing under a concurrent writer.
func (s *memStore) dropPoolOnNextCAS() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropPoolOnCAS = true
}

func (s *memStore) UpdateLicensePool(_ context.Context, pool *models.LicensePool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.poolUpdateErr; err != nil {
		s.poolUpdateErr = nil
		return err
	}
	if _, ok := s.pools[pool.ID]; !ok {
		return fmt.Errorf("pool %s not found", pool.ID)
	}
	cp := *pool
	s.pools[pool.ID] = &cp
	return nil
}

func (s *memStore) CompareAndSetAvailability(_ context.Context, poolID uuid.UUID, from, to int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropPoolOnCAS {
		s.dropPoolOnCAS = false
		delete(s.pools, poolID)
		return false, nil
	}
	p, ok := s.pools[poolID]
	if !ok {
		return false, fmt.Errorf("pool %s not found", poolID)
	}
	if p.LicensesAvailable != from {
		return false, nil
	}
	p.LicensesAvailable = to
	return true, nil
}

func (s *memStore) CreateLoan(_ context.Context, loan *models.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.loans {
		if l.PatronID == loan.PatronID && l.PoolID == loan.PoolID {
			return fmt.Errorf("duplicate loan for patron %s pool %s", loan.PatronID, loan.PoolID)
		}
	}
	cp := *loan
	s.loans[loan.ID] = &cp
	return nil
}

func (s *memStore) GetLoan(_ context.Context, patronID, poolID uuid.UUID) (*models.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.loans {
		if l.PatronID == patronID && l.PoolID == poolID {
			cp := *l
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) UpdateLoan(_ context.Context, loan *models.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loans[loan.ID]; !ok {
		return fmt.Errorf("loan %s not found", loan.ID)
	}
	cp := *loan
	s.loans[loan.ID] = &cp
	return nil
}

func (s *memStore) DeleteLoan(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.loans, id)
	return nil
}

func (s *memStore) ListLoansByPatron(_ context.Context, patronID uuid.UUID) ([]*models.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Loan
	for _, l := range s.loans {
		if l.PatronID == patronID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) CountMeteredLoansByPatron(_ context.Context, patronID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, l := range s.loans {
		if l.PatronID != patronID || l.End == nil {
			continue
		}
		if pool, ok := s.pools[l.PoolID]; ok && pool.OpenAccess {
			continue
		}
		count++
	}
	return count, nil
}

func (s *memStore) CreateHold(_ context.Context, hold *models.Hold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.holds {
		if h.PatronID == hold.PatronID && h.PoolID == hold.PoolID {
			return fmt.Errorf("duplicate hold for patron %s pool %s", hold.PatronID, hold.PoolID)
		}
		if h.PoolID == hold.PoolID && h.Position == hold.Position {
			return fmt.Errorf("duplicate position %d in pool %s", hold.Position, hold.PoolID)
		}
	}
	cp := *hold
	s.holds[hold.ID] = &cp
	return nil
}

func (s *memStore) GetHold(_ context.Context, patronID, poolID uuid.UUID) (*models.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.holds {
		if h.PatronID == patronID && h.PoolID == poolID {
			cp := *h
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) UpdateHold(_ context.Context, hold *models.Hold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.holdUpdateErr; err != nil {
		s.holdUpdateErr = nil
		return err
	}
	if _, ok := s.holds[hold.ID]; !ok {
		return fmt.Errorf("hold %s not found", hold.ID)
	}
	cp := *hold
	s.holds[hold.ID] = &cp
	return nil
}

func (s *memStore) DeleteHold(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.holds, id)
	return nil
}

func (s *memStore) ListHoldsByPatron(_ context.Context, patronID uuid.UUID) ([]*models.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Hold
	for _, h := range s.holds {
		if h.PatronID == patronID {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) CountHoldsByPatron(_ context.Context, patronID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, h := range s.holds {
		if h.PatronID == patronID {
			count++
		}
	}
	return count, nil
}

func (s *memStore) GetNextQueuedHold(_ context.Context, poolID uuid.UUID) (*models.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var queued []*models.Hold
	for _, h := range s.holds {
		if h.PoolID == poolID && !h.Ready {
			queued = append(queued, h)
		}
	}
	if len(queued) == 0 {
		return nil, nil
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].Position < queued[j].Position })
	cp := *queued[0]
	return &cp, nil
}

func (s *memStore) CountQueuedHolds(_ context.Context, poolID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, h := range s.holds {
		if h.PoolID == poolID && !h.Ready {
			count++
		}
	}
	return count, nil
}
