package distributor

import (
	"fmt"
	"sync"

	"github.com/openlend/circ/internal/models"
)

// Registry maps distributor types to their integrations. The engine looks
// up the integration for a pool by the pool's distributor identity.
type Registry struct {
	mu           sync.RWMutex
	distributors map[models.DistributorType]Distributor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		distributors: make(map[models.DistributorType]Distributor),
	}
}

// Register adds an integration. Registering the same type twice replaces
// the earlier entry.
func (r *Registry) Register(d Distributor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.distributors[d.Type()] = d
}

// Lookup returns the integration for a distributor type.
func (r *Registry) Lookup(t models.DistributorType) (Distributor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.distributors[t]
	if !ok {
		return nil, NewError(KindPermanent, fmt.Sprintf("no distributor registered for type %q", t))
	}
	return d, nil
}

// ForPool returns the integration that owns the given pool.
func (r *Registry) ForPool(pool *models.LicensePool) (Distributor, error) {
	return r.Lookup(pool.DistributorType)
}
