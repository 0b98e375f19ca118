package circ

import (
	"context"

	"github.com/google/uuid"
)

// GetPatronActivity returns the patron's loans and holds, served from
// the activity cache when fresh.
func (e *Engine) GetPatronActivity(ctx context.Context, patronID uuid.UUID) (*PatronActivity, error) {
	if e.cache != nil {
		if activity, ok := e.cache.Get(ctx, patronID); ok {
			return activity, nil
		}
	}

	loans, err := e.store.ListLoansByPatron(ctx, patronID)
	if err != nil {
		return nil, err
	}
	holds, err := e.store.ListHoldsByPatron(ctx, patronID)
	if err != nil {
		return nil, err
	}

	activity := &PatronActivity{Loans: loans, Holds: holds}
	if e.cache != nil {
		e.cache.Set(ctx, patronID, activity)
	}
	return activity, nil
}
