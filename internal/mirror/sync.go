// internal/mirror/sync.go
//
// Synchronizer reconciles the published snapshot against the bucket. One
// goroutine owns the whole cycle: list, diff against the last known
// listing, fetch only what changed, publish atomically, notify reload
// subscribers. Triggers from the timer, the webhook, and the admin API all
// funnel into a single kick channel, so two syncs can never overlap and a
// burst of triggers collapses into at most one queued re-run.
package mirror

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keithlinneman/bucketserve/internal/log"
	"github.com/keithlinneman/bucketserve/internal/objstore"
)

const (
	// DefaultInterval is how often the synchronizer re-lists the bucket
	// without an external trigger.
	DefaultInterval = 60 * time.Second

	// DefaultFetchConcurrency bounds parallel object fetches per cycle.
	DefaultFetchConcurrency = 8

	// DefaultReservedPrefix marks bucket keys that belong to the server
	// itself (manifest, policy objects). They are never mirrored into a
	// snapshot.
	DefaultReservedPrefix = ".bucketserve/"

	// staleThreshold is how long since the last successful listing before
	// the synchronizer logs that served content can no longer be trusted
	// as fresh.
	staleThreshold = 30 * time.Minute
)

// Trigger identifies what asked for a sync. Label values on sync metrics.
type Trigger string

const (
	TriggerStartup   Trigger = "startup"
	TriggerScheduled Trigger = "scheduled"
	TriggerWebhook   Trigger = "webhook"
	TriggerAdmin     Trigger = "admin"
)

// syncResult describes what happened during a single cycle.
type syncResult int

const (
	syncNoChange  syncResult = iota // listing matches last known state
	syncPublished                   // new snapshot published
	syncListError                   // listing failed - previous state retained
	syncPartial                     // published, but some fetches failed
)

// Notifier receives the changed-path set after a publish. Implemented by
// the reload broadcaster.
type Notifier interface {
	Notify(paths []string)
}

// Metrics is implemented by the metrics package to observe sync behavior.
type Metrics interface {
	IncSyncRuns(trigger string)
	IncSyncErrors(kind string)
	ObserveSyncDuration(seconds float64)
	AddObjectFetches(n int)
	SetSnapshot(generation uint64, objects int, bytes int64)
	SetSyncLastSuccess(unixSeconds float64)
	SetSyncStale(stale bool)
}

// SynchronizerOptions configures the sync loop.
type SynchronizerOptions struct {
	Logger log.Logger
	Client objstore.Client
	Store  *Store

	// Notifier receives changed paths after each publish. Optional.
	Notifier Notifier

	// Metrics receives sync observability signals. Optional.
	Metrics Metrics

	// Interval between scheduled syncs. Zero uses DefaultInterval.
	Interval time.Duration

	// FetchConcurrency bounds parallel fetches. Zero uses the default.
	FetchConcurrency int

	// ReservedPrefix excludes server-owned keys from snapshots.
	// Zero value uses DefaultReservedPrefix.
	ReservedPrefix string
}

// Synchronizer owns the last known remote listing and the sync loop state.
// All fields besides the kick channel are touched only from Run's goroutine.
type Synchronizer struct {
	client   objstore.Client
	store    *Store
	notifier Notifier
	logger   log.Logger
	metrics  Metrics

	interval       time.Duration
	concurrency    int
	reservedPrefix string

	// kicks carries pending triggers. Capacity 1: a kick during an
	// in-flight sync queues exactly one re-run, further kicks are dropped.
	kicks chan Trigger

	// lastListing maps key to etag from the last successful listing.
	lastListing map[string]string

	consecutiveErrs int
	lastSuccessAt   time.Time
	staleLogged     bool

	runCount  int64
	syncCount int64
}

func NewSynchronizer(opts *SynchronizerOptions) *Synchronizer {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	concurrency := opts.FetchConcurrency
	if concurrency <= 0 {
		concurrency = DefaultFetchConcurrency
	}
	reserved := opts.ReservedPrefix
	if reserved == "" {
		reserved = DefaultReservedPrefix
	}

	return &Synchronizer{
		client:         opts.Client,
		store:          opts.Store,
		notifier:       opts.Notifier,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		interval:       interval,
		concurrency:    concurrency,
		reservedPrefix: reserved,
		kicks:          make(chan Trigger, 1),
		lastListing:    map[string]string{},
		lastSuccessAt:  time.Now(),
	}
}

// Kick requests an out-of-cycle sync. Never blocks: if a sync is running
// and a re-run is already queued, the kick is dropped - the queued run
// will observe any state this kick was about.
func (s *Synchronizer) Kick(trigger Trigger) {
	select {
	case s.kicks <- trigger:
	default:
	}
}

// Run executes the sync loop until ctx is cancelled. Intended to be
// launched as: go sync.Run(ctx)
func (s *Synchronizer) Run(ctx context.Context) error {
	s.logger.Info(ctx, "synchronizer starting",
		"interval", s.interval.String(),
		"fetch_concurrency", s.concurrency,
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "synchronizer stopping",
				"reason", ctx.Err(),
				"runs", s.runCount,
				"publishes", s.syncCount,
			)
			return ctx.Err()
		case trigger := <-s.kicks:
			s.cycle(ctx, trigger)
		case <-ticker.C:
			s.cycle(ctx, TriggerScheduled)
		}
	}
}

func (s *Synchronizer) cycle(ctx context.Context, trigger Trigger) {
	result := s.syncOnce(ctx, trigger)

	if result == syncListError {
		s.consecutiveErrs++
	} else if s.consecutiveErrs > 0 {
		s.logger.Info(ctx, "synchronizer recovered",
			"had_consecutive_errors", s.consecutiveErrs,
		)
		s.consecutiveErrs = 0
	}

	// staleness: emit once on transition, clear on recovery
	if result != syncListError {
		if s.staleLogged {
			s.logger.Info(ctx, "synchronizer: staleness recovered")
			s.staleLogged = false
			if s.metrics != nil {
				s.metrics.SetSyncStale(false)
			}
		}
	} else if time.Since(s.lastSuccessAt) > staleThreshold {
		if !s.staleLogged {
			s.logger.Error(ctx, fmt.Errorf("last successful listing was %s ago", time.Since(s.lastSuccessAt).Truncate(time.Second)),
				"synchronizer: serving stale content, unable to reach bucket",
			)
			s.staleLogged = true
			if s.metrics != nil {
				s.metrics.SetSyncStale(true)
			}
		}
	}
}

// syncOnce performs a single list-diff-fetch-publish cycle.
func (s *Synchronizer) syncOnce(ctx context.Context, trigger Trigger) syncResult {
	s.runCount++
	start := time.Now()
	if s.metrics != nil {
		s.metrics.IncSyncRuns(string(trigger))
	}

	listing, err := s.client.List(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "synchronizer: bucket listing failed, keeping previous snapshot",
			"trigger", trigger,
		)
		if s.metrics != nil {
			s.metrics.IncSyncErrors("list")
		}
		return syncListError
	}

	now := time.Now()
	s.lastSuccessAt = now
	if s.metrics != nil {
		s.metrics.SetSyncLastSuccess(float64(now.Unix()))
	}

	remote := make(map[string]string, len(listing))
	for _, obj := range listing {
		if strings.HasPrefix(obj.Key, s.reservedPrefix) {
			continue
		}
		remote[obj.Key] = obj.ETag
	}

	added, changed, removed := diffListings(s.lastListing, remote)

	current := s.store.Current()

	// nothing to do, and not the first sync (generation 0 must publish
	// once so readiness can flip even for an empty bucket)
	if len(added)+len(changed)+len(removed) == 0 && current.Generation > 0 {
		if s.metrics != nil {
			s.metrics.ObserveSyncDuration(time.Since(start).Seconds())
		}
		return syncNoChange
	}

	toFetch := append(append([]string{}, added...), changed...)
	fetched, failed := s.fetchAll(ctx, toFetch)
	if s.metrics != nil {
		s.metrics.AddObjectFetches(len(toFetch))
	}

	// next snapshot: survivors shared by reference, changed/added replaced
	next := &Snapshot{
		Generation: current.Generation + 1,
		CreatedAt:  time.Now().UTC(),
		entries:    make(map[string]*Entry, len(remote)),
	}
	nextListing := make(map[string]string, len(remote))

	for key, etag := range remote {
		if entry, ok := fetched[key]; ok {
			next.entries[key] = entry
			nextListing[key] = etag
			continue
		}
		if _, ok := failed[key]; ok {
			// fetch failed: keep the previous entry (and its old etag, so
			// the next cycle retries) rather than 404ing a page over a
			// transient error. A brand-new key that failed is simply
			// absent until it fetches.
			if old := current.Lookup(key); old != nil {
				next.entries[key] = old
				nextListing[key] = old.ETag
			}
			continue
		}
		// unchanged: reuse by reference
		if old := current.Lookup(key); old != nil {
			next.entries[key] = old
			nextListing[key] = etag
		}
	}

	s.store.Publish(next)
	s.lastListing = nextListing
	s.syncCount++

	if s.metrics != nil {
		s.metrics.SetSnapshot(next.Generation, next.Len(), next.Bytes())
		s.metrics.ObserveSyncDuration(time.Since(start).Seconds())
	}

	changedPaths := make([]string, 0, len(toFetch)+len(removed))
	for _, key := range toFetch {
		if _, ok := failed[key]; ok {
			continue
		}
		changedPaths = append(changedPaths, key)
	}
	changedPaths = append(changedPaths, removed...)
	sort.Strings(changedPaths)

	s.logger.Info(ctx, "synchronizer: snapshot published",
		"trigger", trigger,
		"generation", next.Generation,
		"objects", next.Len(),
		"added", len(added),
		"changed", len(changed),
		"removed", len(removed),
		"fetch_failures", len(failed),
		"duration", time.Since(start).String(),
	)

	if s.notifier != nil && len(changedPaths) > 0 {
		s.notifier.Notify(changedPaths)
	}

	if len(failed) > 0 {
		return syncPartial
	}
	return syncPublished
}

// fetchAll fetches the given keys with bounded concurrency. Individual
// failures are logged and collected, never fatal to the cycle.
func (s *Synchronizer) fetchAll(ctx context.Context, keys []string) (map[string]*Entry, map[string]error) {
	fetched := make(map[string]*Entry, len(keys))
	failed := map[string]error{}
	if len(keys) == 0 {
		return fetched, failed
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, key := range keys {
		g.Go(func() error {
			content, err := s.client.Fetch(gctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Warn(gctx, "synchronizer: object fetch failed, skipping key",
					"key", key,
					"error", err.Error(),
				)
				if s.metrics != nil {
					s.metrics.IncSyncErrors("fetch")
				}
				failed[key] = err
				return nil
			}
			fetched[key] = &Entry{
				Key:          key,
				Data:         content.Data,
				ContentType:  content.ContentType,
				ETag:         content.ETag,
				Size:         int64(len(content.Data)),
				LastModified: content.LastModified,
			}
			return nil
		})
	}
	_ = g.Wait() // workers only report via the maps

	return fetched, failed
}

// diffListings computes added, changed, and removed key sets between two
// key->etag listings.
func diffListings(last, remote map[string]string) (added, changed, removed []string) {
	for key, etag := range remote {
		old, ok := last[key]
		switch {
		case !ok:
			added = append(added, key)
		case old != etag:
			changed = append(changed, key)
		}
	}
	for key := range last {
		if _, ok := remote[key]; !ok {
			removed = append(removed, key)
		}
	}
	sort.Strings(added)
	sort.Strings(changed)
	sort.Strings(removed)
	return added, changed, removed
}

// SyncNow runs one synchronous cycle outside the loop. Used at startup so
// serve can come up warm before the background loop takes over.
func (s *Synchronizer) SyncNow(ctx context.Context, trigger Trigger) error {
	if res := s.syncOnce(ctx, trigger); res == syncListError {
		return fmt.Errorf("initial bucket listing failed")
	}
	return nil
}
