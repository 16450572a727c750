package mirror

import (
	"sync/atomic"
	"time"

	"github.com/keithlinneman/bucketserve/internal/xerrors"
)

// Store holds the published snapshot behind an atomic pointer. Readers are
// lock-free and always observe exactly one generation; an in-progress sync
// never blocks a request. Old snapshots stay valid for readers still
// holding them until the GC reclaims them.
type Store struct {
	active atomic.Pointer[Snapshot]
}

func NewStore() *Store {
	s := &Store{}
	s.active.Store(emptySnapshot())
	return s
}

// Current returns the published snapshot. Never nil.
func (s *Store) Current() *Snapshot {
	return s.active.Load()
}

// Get looks up a single entry in the published snapshot. Callers needing
// several reads from one consistent generation should use Current instead.
func (s *Store) Get(key string) (*Entry, bool) {
	e := s.active.Load().Lookup(key)
	return e, e != nil
}

// Publish swaps the active snapshot. The caller must not touch next after
// publishing it.
func (s *Store) Publish(next *Snapshot) {
	if next.CreatedAt.IsZero() {
		next.CreatedAt = time.Now().UTC()
	}
	s.active.Store(next)
}

// SnapshotGeneration reports the published generation for response
// headers. Zero before the first sync.
func (s *Store) SnapshotGeneration() uint64 {
	return s.active.Load().Generation
}

// SnapshotCreatedAt reports when the published snapshot was built.
func (s *Store) SnapshotCreatedAt() time.Time {
	return s.active.Load().CreatedAt
}

// ReadyErr reports readiness: nil once a first sync has published, an
// error before that. Wired into the /-/ready probe.
func (s *Store) ReadyErr() error {
	if s.active.Load().Generation == 0 {
		return xerrors.New("no snapshot published yet")
	}
	return nil
}
