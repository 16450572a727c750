// Package reload fans change notifications out to connected live-reload
// clients. The synchronizer hands it a changed-path batch; each subscriber
// drains its own bounded queue on its own connection goroutine, so a slow
// or stalled client can never back-pressure the sync loop or the other
// subscribers - it just gets dropped.
package reload

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/bucketserve/internal/log"
)

const (
	// DefaultQueueSize bounds each subscriber's delivery queue.
	DefaultQueueSize = 16

	// DefaultCoalesceWindow batches rapid successive changes into one
	// message per subscriber. Bounded so a change is never delayed more
	// than this; subscribers get at least one notification per batch.
	DefaultCoalesceWindow = 100 * time.Millisecond
)

// Message names the paths that changed. One message may cover several
// sync cycles when changes arrive faster than the coalesce window.
type Message struct {
	Paths []string `json:"paths"`
}

// Subscriber is one connected client. The serving layer drains C and
// closes the connection when C is closed.
type Subscriber struct {
	ID    string
	watch []string

	// C carries coalesced reload messages. Closed on unsubscribe/drop.
	C chan Message
}

// wants reports whether the subscriber's watch set intersects path.
// An empty watch set watches everything.
func (s *Subscriber) wants(path string) bool {
	if len(s.watch) == 0 {
		return true
	}
	for _, prefix := range s.watch {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Metrics is implemented by the metrics package to observe the broadcaster.
type Metrics interface {
	SetReloadSubscribers(n int)
	IncReloadDropped()
	IncReloadMessages()
}

// BroadcasterOptions configures a Broadcaster.
type BroadcasterOptions struct {
	Logger log.Logger
	// QueueSize bounds each subscriber queue. Zero uses DefaultQueueSize.
	QueueSize int
	// CoalesceWindow batches successive Notify calls. Zero uses the
	// default; negative flushes synchronously (tests).
	CoalesceWindow time.Duration
	// Metrics receives subscriber/drop counts. Optional.
	Metrics Metrics
}

// Broadcaster is the subscriber registry plus the pending change batch.
type Broadcaster struct {
	logger    log.Logger
	queueSize int
	window    time.Duration
	metrics   Metrics

	mu      sync.Mutex
	subs    map[string]*Subscriber
	pending map[string]struct{}
	timer   *time.Timer
	closed  bool
}

func NewBroadcaster(opts *BroadcasterOptions) *Broadcaster {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	window := opts.CoalesceWindow
	if window == 0 {
		window = DefaultCoalesceWindow
	}
	return &Broadcaster{
		logger:    logger,
		queueSize: queueSize,
		window:    window,
		metrics:   opts.Metrics,
		subs:      map[string]*Subscriber{},
		pending:   map[string]struct{}{},
	}
}

// Subscribe registers a new subscriber. watch entries are path prefixes
// (leading slash optional); empty watch means all paths.
func (b *Broadcaster) Subscribe(watch []string) *Subscriber {
	normalized := make([]string, 0, len(watch))
	for _, w := range watch {
		w = strings.TrimSpace(strings.TrimPrefix(w, "/"))
		if w != "" {
			normalized = append(normalized, w)
		}
	}

	sub := &Subscriber{
		ID:    uuid.NewString(),
		watch: normalized,
		C:     make(chan Message, b.queueSize),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.C)
		return sub
	}
	b.subs[sub.ID] = sub
	n := len(b.subs)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SetReloadSubscribers(n)
	}
	return sub
}

// Unsubscribe removes a subscriber and closes its queue. Idempotent.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	_, present := b.subs[sub.ID]
	if present {
		delete(b.subs, sub.ID)
	}
	n := len(b.subs)
	b.mu.Unlock()

	if present {
		close(sub.C)
		if b.metrics != nil {
			b.metrics.SetReloadSubscribers(n)
		}
	}
}

// Notify queues changed paths for delivery. Never blocks: paths land in
// the pending batch and the flush timer delivers them within the coalesce
// window.
func (b *Broadcaster) Notify(paths []string) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	for _, p := range paths {
		b.pending[strings.TrimPrefix(p, "/")] = struct{}{}
	}
	if b.window < 0 {
		b.deliverLocked()
		b.mu.Unlock()
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.flush)
	}
	b.mu.Unlock()
}

// flush delivers the pending batch. Runs on the timer goroutine.
func (b *Broadcaster) flush() {
	b.mu.Lock()
	b.timer = nil
	if !b.closed && len(b.pending) > 0 {
		b.deliverLocked()
	}
	b.mu.Unlock()
}

func (b *Broadcaster) takePendingLocked() []string {
	batch := make([]string, 0, len(b.pending))
	for p := range b.pending {
		batch = append(batch, p)
	}
	b.pending = map[string]struct{}{}
	sort.Strings(batch)
	return batch
}

func (b *Broadcaster) snapshotSubsLocked() []*Subscriber {
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	return subs
}

// deliverLocked enqueues the pending batch to every interested subscriber.
// Caller holds b.mu. Sends only ever happen here, under the lock, to subs
// still in the registry - so Unsubscribe can safely close a queue once it
// has removed the sub. Enqueue is non-blocking: a full queue means the
// consumer stopped draining, so that subscriber is dropped rather than
// stalling delivery to the rest.
func (b *Broadcaster) deliverLocked() {
	batch := b.takePendingLocked()

	var dropped []*Subscriber
	for _, sub := range b.subs {
		var matched []string
		for _, p := range batch {
			if sub.wants(p) {
				matched = append(matched, p)
			}
		}
		if len(matched) == 0 {
			continue
		}

		select {
		case sub.C <- Message{Paths: matched}:
			if b.metrics != nil {
				b.metrics.IncReloadMessages()
			}
		default:
			if b.metrics != nil {
				b.metrics.IncReloadDropped()
			}
			dropped = append(dropped, sub)
		}
	}

	for _, sub := range dropped {
		b.logger.Warn(context.Background(), "reload subscriber queue full, dropping subscriber",
			"subscriber_id", sub.ID,
		)
		delete(b.subs, sub.ID)
		close(sub.C)
	}
	if len(dropped) > 0 && b.metrics != nil {
		b.metrics.SetReloadSubscribers(len(b.subs))
	}
}

// SubscriberCount returns the registry size.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops every subscriber and rejects future work. Called once at
// shutdown.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	subs := b.snapshotSubsLocked()
	b.subs = map[string]*Subscriber{}
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.C)
	}
	if b.metrics != nil {
		b.metrics.SetReloadSubscribers(0)
	}
}
