package circ

import (
	"sync"

	"github.com/google/uuid"
)

// keyedLocks serializes work per key without holding a mutex per pool
// forever. Entries are reference counted and removed when the last
// holder unlocks.
type keyedLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	refs int
	mu   sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{entries: make(map[string]*lockEntry)}
}

// lock acquires the mutex for key and returns its unlock function.
func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

// lockPool enters a pool's exclusive section. All counter mutations on a
// pool happen under this lock.
func (k *keyedLocks) lockPool(poolID uuid.UUID) func() {
	return k.lock("pool:" + poolID.String())
}

// lockPatronPool enters the per-(patron, pool) section. Always acquired
// after the pool lock, never before, so lock order stays acyclic.
func (k *keyedLocks) lockPatronPool(patronID, poolID uuid.UUID) func() {
	return k.lock("pp:" + patronID.String() + ":" + poolID.String())
}
