// Package parttracker implements the query-wide part-UUID registry
// that backs the duplicate-UUID retry protocol (§4.6): every executor
// attempting the same distributed query shares one Tracker so that
// when two replicas claim the same data part, the second registration
// is reported back as a duplicate.
package parttracker

import (
	"sync"

	"github.com/oklog/ulid"
)

// Tracker registers which executor first claimed each part UUID for a
// query. It is safe for concurrent use by every executor in a query.
type Tracker struct {
	mu     sync.Mutex
	owners map[ulid.ULID]string
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{owners: make(map[ulid.ULID]string)}
}

// Register claims uuids on behalf of owner and returns the subset that
// were already claimed by a different owner (the duplicates).
func (t *Tracker) Register(owner string, uuids []ulid.ULID) (duplicates []ulid.ULID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, u := range uuids {
		existing, ok := t.owners[u]
		if ok && existing != owner {
			duplicates = append(duplicates, u)
			continue
		}
		t.owners[u] = owner
	}
	return duplicates
}

// Reset forgets every claim made by owner; used when an executor
// abandons an attempt for a retry, so the parts it had claimed are
// free again until the retried attempt claims them.
func (t *Tracker) Reset(owner string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for u, o := range t.owners {
		if o == owner {
			delete(t.owners, u)
		}
	}
}
