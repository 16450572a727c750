// Package mirror holds the in-process copy of the bucket: an immutable
// snapshot of its objects, the atomic holder requests read from, and the
// synchronizer that reconciles the snapshot against the bucket.
package mirror

import (
	"sort"
	"time"
)

// Entry is one cached object. Immutable once constructed; a changed object
// gets a fresh Entry in the next snapshot, never an in-place update.
type Entry struct {
	Key          string
	Data         []byte
	ContentType  string
	ETag         string
	Size         int64
	LastModified time.Time
}

// Snapshot is a point-in-time view of the bucket. Entries are shared by
// reference across generations for unchanged objects, so a sync that
// touches k objects allocates k entries, not the whole set.
type Snapshot struct {
	Generation uint64
	CreatedAt  time.Time

	// entries must not be mutated after the snapshot is published.
	entries map[string]*Entry
}

// emptySnapshot is generation 0: the state before the first successful sync.
func emptySnapshot() *Snapshot {
	return &Snapshot{entries: map[string]*Entry{}}
}

// NewSnapshot builds a snapshot from entries, keyed by Entry.Key.
func NewSnapshot(generation uint64, entries ...*Entry) *Snapshot {
	m := make(map[string]*Entry, len(entries))
	for _, e := range entries {
		m[e.Key] = e
	}
	return &Snapshot{Generation: generation, CreatedAt: time.Now(), entries: m}
}

// Lookup returns the entry for key, or nil.
func (s *Snapshot) Lookup(key string) *Entry {
	return s.entries[key]
}

// Len returns the number of objects in the snapshot.
func (s *Snapshot) Len() int { return len(s.entries) }

// Bytes returns the total cached payload size.
func (s *Snapshot) Bytes() int64 {
	var n int64
	for _, e := range s.entries {
		n += int64(len(e.Data))
	}
	return n
}

// Keys returns the sorted object keys. Used by diagnostics and tests, not
// the request path.
func (s *Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
