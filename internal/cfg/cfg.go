package cfg

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/keithlinneman/bucketserve/internal/log"
)

type App struct {
	LogJSON  bool
	LogLevel string

	HTTPPort  int
	AdminPort int

	Bucket     string
	S3Prefix   string
	S3Endpoint string

	SyncInterval     time.Duration
	FetchConcurrency int

	WebhookToken         string
	WebhookTokenSSMParam string
	AdminToken           string
	AdminTokenSSMParam   string
	PolicyKMSKeyARN      string

	DefaultCacheControl string

	EnableRateLimit bool
	RateLimitRPS    float64
	RateLimitBurst  int

	EnablePprof     bool
	EnableTracing   bool
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	// ServerURL is where the protect/cache subcommands reach a running
	// server's admin listener.
	ServerURL string
}

// Register binds all config fields to the given FlagSet with defaults inline.
func Register(fs *pflag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.StringVar(&c.Bucket, "bucket", "", "object storage bucket to mirror")
	fs.StringVar(&c.S3Prefix, "s3-prefix", "", "key prefix inside the bucket (empty = whole bucket)")
	fs.StringVar(&c.S3Endpoint, "s3-endpoint", "", "custom S3 endpoint URL for S3-compatible providers (empty = AWS)")
	fs.DurationVar(&c.SyncInterval, "sync-interval", 60*time.Second, "periodic bucket sync interval")
	fs.IntVar(&c.FetchConcurrency, "fetch-concurrency", 8, "parallel object fetches per sync (1..64)")
	fs.StringVar(&c.WebhookToken, "webhook-token", "", "bearer token for POST /reload (empty disables the webhook)")
	fs.StringVar(&c.WebhookTokenSSMParam, "webhook-token-ssm-param", "", "SSM parameter name holding the webhook token (overrides --webhook-token)")
	fs.StringVar(&c.AdminToken, "admin-token", "", "bearer token for the admin policy API (empty disables it)")
	fs.StringVar(&c.AdminTokenSSMParam, "admin-token-ssm-param", "", "SSM parameter name holding the admin token (overrides --admin-token)")
	fs.StringVar(&c.PolicyKMSKeyARN, "policy-kms-key-arn", "", "KMS key ARN for sealing the protection-rule object (empty = plaintext)")
	fs.StringVar(&c.DefaultCacheControl, "default-cache-control", "public, max-age=300", "Cache-Control for paths without a matching rule")
	fs.BoolVar(&c.EnableRateLimit, "enable-ratelimit", false, "per-client-IP rate limiting on the public listener")
	fs.Float64Var(&c.RateLimitRPS, "ratelimit-rps", 50, "sustained requests/second per client IP")
	fs.IntVar(&c.RateLimitBurst, "ratelimit-burst", 100, "burst size per client IP")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "pprof handlers (admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "OTLP tracing, pushed to --otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "push profiles to --pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) for --pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.ServerURL, "server", "http://127.0.0.1:9000", "admin base URL of the running server (protect/cache commands)")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *pflag.FlagSet, prefix string, logf func(string, ...any)) {
	fs.VisitAll(func(f *pflag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if f.Changed {
			if logf != nil {
				logf("flag --%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		if err := fs.Set(f.Name, envVal); err != nil && logf != nil {
			logf("flag --%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
		}
	})
}

// Validate checks the fields the serve command depends on.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}

	if c.Bucket == "" {
		errs = append(errs, fmt.Errorf("BUCKET is required"))
	}
	if c.S3Endpoint != "" {
		if u, err := url.Parse(c.S3Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("S3_ENDPOINT must be a URL (got %q)", c.S3Endpoint))
		}
	}

	if c.SyncInterval < time.Second {
		errs = append(errs, fmt.Errorf("SYNC_INTERVAL %s too short (minimum 1s)", c.SyncInterval))
	}
	if c.FetchConcurrency < 1 || c.FetchConcurrency > 64 {
		errs = append(errs, fmt.Errorf("FETCH_CONCURRENCY must be 1..64 (got %d)", c.FetchConcurrency))
	}

	if c.DefaultCacheControl == "" {
		errs = append(errs, fmt.Errorf("DEFAULT_CACHE_CONTROL must not be empty"))
	}

	if c.EnableRateLimit {
		if c.RateLimitRPS <= 0 {
			errs = append(errs, fmt.Errorf("RATELIMIT_RPS must be > 0 (got %g)", c.RateLimitRPS))
		}
		if c.RateLimitBurst < 1 {
			errs = append(errs, fmt.Errorf("RATELIMIT_BURST must be >= 1 (got %d)", c.RateLimitBurst))
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
