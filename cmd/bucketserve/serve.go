package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/cobra"

	"github.com/keithlinneman/bucketserve/internal/cfg"
	"github.com/keithlinneman/bucketserve/internal/cryptoutil"
	"github.com/keithlinneman/bucketserve/internal/health"
	"github.com/keithlinneman/bucketserve/internal/httpserver"
	"github.com/keithlinneman/bucketserve/internal/log"
	"github.com/keithlinneman/bucketserve/internal/metrics"
	"github.com/keithlinneman/bucketserve/internal/mirror"
	"github.com/keithlinneman/bucketserve/internal/opshttp"
	"github.com/keithlinneman/bucketserve/internal/otelx"
	"github.com/keithlinneman/bucketserve/internal/policy"
	"github.com/keithlinneman/bucketserve/internal/policyhttp"
	"github.com/keithlinneman/bucketserve/internal/prof"
	"github.com/keithlinneman/bucketserve/internal/ratelimit"
	"github.com/keithlinneman/bucketserve/internal/reload"
	"github.com/keithlinneman/bucketserve/internal/sitehandler"
	v "github.com/keithlinneman/bucketserve/internal/version"
	"github.com/keithlinneman/bucketserve/internal/webassets"
	"github.com/keithlinneman/bucketserve/internal/webhookhttp"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "mirror the bucket and serve it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	vi := v.Get()

	if err := cfg.Validate(conf); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	L, err := newLogger("serve")
	if err != nil {
		return err
	}
	defer L.Sync()
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"bucket", conf.Bucket,
		"s3_prefix", conf.S3Prefix,
		"s3_endpoint", conf.S3Endpoint,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"sync_interval", conf.SyncInterval.String(),
		"fetch_concurrency", conf.FetchConcurrency,
		"enable_pprof", conf.EnablePprof,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_ratelimit", conf.EnableRateLimit,
	)

	// Pyroscope push profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "serve",
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// OTLP tracing. Insecure because the collector sits on localhost.
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "serve",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "serve", vi)
	m.SetProfilingActive(conf.EnablePyroscope)

	// bucket client + token/key material
	bucket, awsCfg, err := newBucketClient(ctx, L)
	if err != nil {
		return err
	}

	webhookToken := conf.WebhookToken
	adminToken := conf.AdminToken
	if conf.WebhookTokenSSMParam != "" || conf.AdminTokenSSMParam != "" {
		ssmClient := ssm.NewFromConfig(awsCfg)
		if conf.WebhookTokenSSMParam != "" {
			if webhookToken, err = fetchSSMParam(ctx, ssmClient, conf.WebhookTokenSSMParam); err != nil {
				return err
			}
		}
		if conf.AdminTokenSSMParam != "" {
			if adminToken, err = fetchSSMParam(ctx, ssmClient, conf.AdminTokenSSMParam); err != nil {
				return err
			}
		}
	}

	var sealer policy.Sealer
	if conf.PolicyKMSKeyARN != "" {
		sealer = cryptoutil.NewSealer(kms.NewFromConfig(awsCfg), conf.PolicyKMSKeyARN)
	}

	// policy overlay, loaded from the bucket before we take traffic so a
	// restart never serves protected paths unguarded
	overlay := policy.NewOverlay(policy.OverlayOptions{
		DefaultCacheControl: conf.DefaultCacheControl,
		OnChange:            m.SetPolicyRules,
	})
	if err := policy.Load(ctx, bucket, sealer, overlay); err != nil {
		return fmt.Errorf("load policy rules: %w", err)
	}

	// mirror: store + synchronizer + reload fan-out
	store := mirror.NewStore()
	broadcaster := reload.NewBroadcaster(&reload.BroadcasterOptions{
		Logger:  L,
		Metrics: m,
	})
	defer broadcaster.Close()

	syncer := mirror.NewSynchronizer(&mirror.SynchronizerOptions{
		Logger:           L,
		Client:           bucket,
		Store:            store,
		Notifier:         broadcaster,
		Metrics:          m,
		Interval:         conf.SyncInterval,
		FetchConcurrency: conf.FetchConcurrency,
	})

	// warm start: readiness stays down until a first listing succeeds, but
	// a bucket outage at boot should not stop the process - the loop
	// retries and the probes tell the orchestrator we are not ready yet
	if err := syncer.SyncNow(ctx, mirror.TriggerStartup); err != nil {
		L.Error(ctx, err, "startup sync failed, serving will begin after the next successful sync")
	}
	go func() { _ = syncer.Run(ctx) }()

	siteHandler, err := sitehandler.New(&sitehandler.Options{
		Logger:     L,
		Snapshots:  store,
		Policy:     overlay,
		FallbackFS: webassets.FallbackFS(),
	})
	if err != nil {
		return fmt.Errorf("create site handler: %w", err)
	}

	wsHandler := reload.NewWSHandler(broadcaster, L)
	webhook := webhookhttp.NewHandler(syncer, webhookToken, L)
	policyAPI := policyhttp.NewAPI(policyhttp.Options{
		Overlay: overlay,
		Store:   bucket,
		Sealer:  sealer,
		Kicker:  syncer,
		Token:   adminToken,
		Logger:  L,
	})

	var gate health.ShutdownGate
	readiness := health.All(
		gate.Probe(),
		health.CheckFunc(func(ctx context.Context) error {
			return store.ReadyErr()
		}),
	)

	serverOpts := &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		SnapshotInfo: store,
		SiteHandler:  siteHandler,
		LiveReload:   wsHandler,
		Webhook:      webhook,
	}

	if conf.EnableRateLimit {
		limiter := ratelimit.New(ctx,
			ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
			ratelimit.WithOnDenied(func(ip string) {
				m.IncRateLimitDenied()
			}),
			ratelimit.WithOnFirstDenied(func(ip string) {
				L.Warn(ctx, "rate limit triggered", "ip", ip)
			}),
		)
		serverOpts.RateLimitMW = limiter.Middleware
	}

	siteStop, err := httpserver.Start(ctx, serverOpts)
	if err != nil {
		return fmt.Errorf("start http listener: %w", err)
	}
	defer func() { _ = siteStop(context.Background()) }()

	// ops listener: metrics, probes, pprof, and the policy admin API.
	// The security group restricts it to internal networks; middleware
	// rejects public peers in case that is ever misconfigured.
	opsStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:           conf.AdminPort,
		Metrics:        m.Handler(),
		EnablePprof:    conf.EnablePprof,
		Health:         health.Fixed(true, ""),
		Readiness:      readiness,
		UseRecoverMW:   true,
		OnPanic:        m.IncHttpPanic,
		RegisterRoutes: policyAPI.RegisterRoutes,
	})
	if err != nil {
		return fmt.Errorf("start ops listener: %w", err)
	}
	defer func() { _ = opsStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "systemd notify skipped", "reason", err.Error())
	}

	<-ctx.Done()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	// fail readiness first so the load balancer drains us before the
	// listeners close
	gate.Set("draining")
	L.Info(bg, "shutdown gate closed, draining")

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	if err := siteStop(shutdownCtx); err != nil {
		L.Error(bg, err, "http server shutdown")
	}
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete")
	return nil
}

// drainPeriod is how long readiness stays failed before the listeners
// close, giving load balancers time to notice and in-flight requests time
// to finish. A second signal skips it.
const drainPeriod = 60 * time.Second

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when started with Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify dial: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify close: %w", err)
	}
	return nil
}
