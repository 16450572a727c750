package objstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/keithlinneman/bucketserve/internal/cryptoutil"
)

// Mem is an in-memory Client used by tests across packages. ETags are the
// SHA-256 of the object bytes, so rewriting identical data keeps the tag
// stable, the same way S3 behaves for simple puts.
type Mem struct {
	mu      sync.Mutex
	objects map[string]memObject

	fetchCounts map[string]int
	listCount   int

	// FailFetch makes Fetch return the given error for matching keys.
	failFetch map[string]error
	// failList makes the next List calls fail until the count runs out.
	failList    error
	failListFor int
}

type memObject struct {
	data        []byte
	contentType string
	etag        string
	modified    time.Time
}

var _ Client = (*Mem)(nil)

func NewMem() *Mem {
	return &Mem{
		objects:     make(map[string]memObject),
		fetchCounts: make(map[string]int),
		failFetch:   make(map[string]error),
	}
}

func (m *Mem) List(ctx context.Context) ([]Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listCount++
	if m.failListFor > 0 {
		m.failListFor--
		return nil, m.failList
	}

	out := make([]Object, 0, len(m.objects))
	for key, obj := range m.objects {
		out = append(out, Object{
			Key:          key,
			ETag:         obj.etag,
			Size:         int64(len(obj.data)),
			LastModified: obj.modified,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Mem) Fetch(ctx context.Context, key string) (*Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetchCounts[key]++
	if err, ok := m.failFetch[key]; ok {
		return nil, err
	}

	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return &Content{
		Data:         data,
		ContentType:  obj.contentType,
		ETag:         obj.etag,
		LastModified: obj.modified,
	}, nil
}

func (m *Mem) Put(ctx context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = memObject{
		data:        cp,
		contentType: contentType,
		etag:        cryptoutil.SHA256Hex(cp),
		modified:    time.Now().UTC(),
	}
	return nil
}

func (m *Mem) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// FailFetch injects an error for a key. A nil error clears the injection.
func (m *Mem) FailFetch(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failFetch, key)
		return
	}
	m.failFetch[key] = err
}

// FailList makes the next n List calls return err.
func (m *Mem) FailList(err error, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failList = err
	m.failListFor = n
}

// FetchCount returns how many times key has been fetched.
func (m *Mem) FetchCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCounts[key]
}

// TotalFetches returns the number of Fetch calls across all keys.
func (m *Mem) TotalFetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.fetchCounts {
		total += n
	}
	return total
}

// ListCount returns the number of List calls.
func (m *Mem) ListCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCount
}

// ResetCounts zeroes the fetch and list counters.
func (m *Mem) ResetCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCounts = make(map[string]int)
	m.listCount = 0
}

// Keys returns the sorted keys currently stored.
func (m *Mem) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
