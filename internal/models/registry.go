// Package models holds the in-memory item registry that the rest of the
// application reads from.
//
// A recovery session takes exclusive ownership of the registry's items
// through a lease. While the lease is held, a second checkout and any remote
// merge are refused; the session writes its result back with Map.
package models

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/forest6511/keyrecover/pkg/corpus"
)

// Errors
var (
	ErrLeased      = errors.New("models: items are leased to a recovery session")
	ErrInvalidItem = errors.New("models: invalid item")
)

// Registry is the set of items keyed by ID. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	items   map[string]*corpus.Item
	lease   *Lease
	remotes int // items changed by Merge since creation
}

// NewRegistry returns a registry holding copies of items.
func NewRegistry(items []*corpus.Item) *Registry {
	r := &Registry{items: make(map[string]*corpus.Item, len(items))}
	for _, it := range items {
		if it == nil || it.ID == "" {
			continue
		}
		r.items[it.ID] = it.Clone()
	}
	return r
}

// Lease is exclusive ownership of the registry's items.
type Lease struct {
	r        *Registry
	released bool
}

// Release returns ownership to the registry. Releasing twice is a no-op.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.r.mu.Lock()
	defer l.r.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	if l.r.lease == l {
		l.r.lease = nil
	}
}

// Active reports whether the lease is still held.
func (l *Lease) Active() bool {
	if l == nil {
		return false
	}
	l.r.mu.RLock()
	defer l.r.mu.RUnlock()
	return !l.released
}

// Checkout leases the items and returns a snapshot of them. The snapshot is
// a deep copy: mutating it never changes the registry until it is written
// back with Map.
func (r *Registry) Checkout() (*corpus.Snapshot, *Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lease != nil {
		return nil, nil, ErrLeased
	}

	items := make([]*corpus.Item, 0, len(r.items))
	for _, id := range r.sortedIDs() {
		items = append(items, r.items[id].Clone())
	}
	r.lease = &Lease{r: r}
	return corpus.NewSnapshot(items), r.lease, nil
}

// Leased reports whether a session currently owns the items.
func (r *Registry) Leased() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lease != nil
}

// Map registers items under source, replacing any existing item with the same
// ID. Mapping the same items twice leaves the registry unchanged. Mapped
// items are local state and are not counted as remote changes.
func (r *Registry) Map(items []*corpus.Item, source corpus.Source) error {
	for _, it := range items {
		if it == nil || it.ID == "" {
			return fmt.Errorf("%w: missing identifier", ErrInvalidItem)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range items {
		c := it.Clone()
		c.Source = source
		r.items[c.ID] = c
	}
	return nil
}

// Merge applies items received from a remote sync. It is refused while the
// items are leased.
func (r *Registry) Merge(items []*corpus.Item) error {
	for _, it := range items {
		if it == nil || it.ID == "" {
			return fmt.Errorf("%w: missing identifier", ErrInvalidItem)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lease != nil {
		return ErrLeased
	}
	for _, it := range items {
		c := it.Clone()
		c.Source = corpus.SourceRemoteRetrieved
		r.items[c.ID] = c
		r.remotes++
	}
	return nil
}

// RemoteChanges returns the number of items changed by Merge.
func (r *Registry) RemoteChanges() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.remotes
}

// Get returns a copy of the item with id.
func (r *Registry) Get(id string) (*corpus.Item, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it, ok := r.items[id]
	if !ok {
		return nil, false
	}
	return it.Clone(), true
}

// Items returns copies of all items ordered by ID.
func (r *Registry) Items() []*corpus.Item {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*corpus.Item, 0, len(r.items))
	for _, id := range r.sortedIDs() {
		out = append(out, r.items[id].Clone())
	}
	return out
}

// Len returns the number of items.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// FailureCount returns the number of items flagged as undecryptable.
func (r *Registry) FailureCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, it := range r.items {
		if it.DecryptionFailed {
			n++
		}
	}
	return n
}

// sortedIDs must be called with r.mu held.
func (r *Registry) sortedIDs() []string {
	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
