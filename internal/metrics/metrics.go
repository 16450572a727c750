package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/bucketserve/internal/version"
)

type ServerMetrics struct {
	reg                    *prometheus.Registry
	handler                http.Handler
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	httpPanicTotal         prometheus.Counter
	buildInfo              *prometheus.GaugeVec
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	errorsTotal *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// sync engine metrics
	syncRunsTotal     *prometheus.CounterVec
	syncErrorsTotal   *prometheus.CounterVec
	syncDuration      prometheus.Histogram
	objectFetchTotal  prometheus.Counter
	syncLastSuccessTs prometheus.Gauge
	syncStale         prometheus.Gauge

	// snapshot metrics
	snapshotGeneration prometheus.Gauge
	snapshotObjects    prometheus.Gauge
	snapshotBytes      prometheus.Gauge

	// live-reload metrics
	reloadSubscribers   prometheus.Gauge
	reloadMessagesTotal prometheus.Counter
	reloadDroppedTotal  prometheus.Counter

	// policy overlay metrics
	policyRules *prometheus.GaugeVec
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 52428800},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		syncRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Total sync cycles by trigger",
		}, []string{"trigger"}),
		syncErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_errors_total",
			Help: "Total sync errors by type",
		}, []string{"type"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sync_duration_seconds",
			Help:    "Time to list the bucket, fetch changed objects, and publish a snapshot",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		objectFetchTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_object_fetches_total",
			Help: "Total objects fetched from the bucket across sync cycles",
		}),
		syncLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sync_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful sync cycle",
		}),
		syncStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sync_stale",
			Help: "Whether the mirrored content is stale (1) or fresh (0)",
		}),
		snapshotGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snapshot_generation",
			Help: "Generation counter of the active snapshot",
		}),
		snapshotObjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snapshot_objects",
			Help: "Number of objects in the active snapshot",
		}),
		snapshotBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snapshot_bytes",
			Help: "Total body bytes held by the active snapshot",
		}),
		reloadSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reload_subscribers",
			Help: "Currently connected live-reload subscribers",
		}),
		reloadMessagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reload_messages_total",
			Help: "Total reload messages enqueued to subscribers",
		}),
		reloadDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reload_subscribers_dropped_total",
			Help: "Total subscribers dropped for not draining their queue",
		}),
		policyRules: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "policy_rules",
			Help: "Active policy rules by kind (protect, cache_control)",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.errorsTotal,
		m.profilingActive,
		m.syncRunsTotal,
		m.syncErrorsTotal,
		m.syncDuration,
		m.objectFetchTotal,
		m.syncLastSuccessTs,
		m.syncStale,
		m.snapshotGeneration,
		m.snapshotObjects,
		m.snapshotBytes,
		m.reloadSubscribers,
		m.reloadMessagesTotal,
		m.reloadDroppedTotal,
		m.policyRules,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// sync engine observer (mirror.Metrics)

func (m *ServerMetrics) IncSyncRuns(trigger string) {
	m.syncRunsTotal.WithLabelValues(trigger).Inc()
}

func (m *ServerMetrics) IncSyncErrors(kind string) {
	m.syncErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *ServerMetrics) ObserveSyncDuration(seconds float64) {
	m.syncDuration.Observe(seconds)
}

func (m *ServerMetrics) AddObjectFetches(n int) {
	m.objectFetchTotal.Add(float64(n))
}

func (m *ServerMetrics) SetSnapshot(generation uint64, objects int, bytes int64) {
	m.snapshotGeneration.Set(float64(generation))
	m.snapshotObjects.Set(float64(objects))
	m.snapshotBytes.Set(float64(bytes))
}

func (m *ServerMetrics) SetSyncLastSuccess(unixSeconds float64) {
	m.syncLastSuccessTs.Set(unixSeconds)
}

func (m *ServerMetrics) SetSyncStale(stale bool) {
	if stale {
		m.syncStale.Set(1)
	} else {
		m.syncStale.Set(0)
	}
}

// live-reload observer (reload.Metrics)

func (m *ServerMetrics) SetReloadSubscribers(n int) {
	m.reloadSubscribers.Set(float64(n))
}

func (m *ServerMetrics) IncReloadMessages() {
	m.reloadMessagesTotal.Inc()
}

func (m *ServerMetrics) IncReloadDropped() {
	m.reloadDroppedTotal.Inc()
}

// policy overlay observer

func (m *ServerMetrics) SetPolicyRules(protect, cacheControl int) {
	m.policyRules.WithLabelValues("protect").Set(float64(protect))
	m.policyRules.WithLabelValues("cache_control").Set(float64(cacheControl))
}
