package corpus

// Snapshot is the working set of items owned by one recovery session.
//
// The set of items is fixed at construction. The failure count is never
// cached: FailureCount walks the items every time it is called.
type Snapshot struct {
	items           []*Item
	decryptable     map[string]struct{} // IDs decryptable when the snapshot was taken
	initialFailures int
}

// NewSnapshot takes ownership of items and records which of them were
// already decryptable.
func NewSnapshot(items []*Item) *Snapshot {
	s := &Snapshot{
		items:       items,
		decryptable: make(map[string]struct{}, len(items)),
	}
	for _, it := range items {
		if it.DecryptionFailed {
			s.initialFailures++
			continue
		}
		s.decryptable[it.ID] = struct{}{}
	}
	return s
}

// Items returns the snapshot's items. The slice is shared with the snapshot.
func (s *Snapshot) Items() []*Item {
	return s.items
}

// Len returns the number of items.
func (s *Snapshot) Len() int {
	return len(s.items)
}

// FailureCount returns the number of items currently flagged as
// undecryptable.
func (s *Snapshot) FailureCount() int {
	n := 0
	for _, it := range s.items {
		if it.DecryptionFailed {
			n++
		}
	}
	return n
}

// InitialFailures returns the failure count at the time the snapshot was
// taken.
func (s *Snapshot) InitialFailures() int {
	return s.initialFailures
}

// Failing returns the items currently flagged as undecryptable.
func (s *Snapshot) Failing() []*Item {
	var out []*Item
	for _, it := range s.items {
		if it.DecryptionFailed {
			out = append(out, it)
		}
	}
	return out
}

// WasDecryptable reports whether the item with id was decryptable when the
// snapshot was taken.
func (s *Snapshot) WasDecryptable(id string) bool {
	_, ok := s.decryptable[id]
	return ok
}

// Clone returns a deep copy that shares no mutable state with s.
func (s *Snapshot) Clone() *Snapshot {
	items := make([]*Item, len(s.items))
	for i, it := range s.items {
		items[i] = it.Clone()
	}
	c := &Snapshot{
		items:           items,
		decryptable:     make(map[string]struct{}, len(s.decryptable)),
		initialFailures: s.initialFailures,
	}
	for id := range s.decryptable {
		c.decryptable[id] = struct{}{}
	}
	return c
}
