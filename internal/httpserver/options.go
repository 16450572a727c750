package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/bucketserve/internal/health"
	"github.com/keithlinneman/bucketserve/internal/httpmw"
	"github.com/keithlinneman/bucketserve/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe
	SnapshotInfo httpmw.SnapshotInfo // For the X-Snapshot-Generation header
	ClientIPOpts httpmw.ClientIPOptions

	// SiteHandler serves mirrored content; mounted as the catch-all.
	SiteHandler http.Handler
	// LiveReload is the websocket endpoint, mounted at GET /-/livereload.
	LiveReload http.Handler
	// Webhook is the deploy hook, mounted at POST /reload.
	Webhook http.Handler
	// APIRoutes mounts any extra routes before the catch-all.
	APIRoutes func(chi.Router)
}
