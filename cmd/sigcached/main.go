// Command sigcached serves the content signature cache API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/sigcache/backend"
	"github.com/wolfeidau/sigcache/credentials"
	"github.com/wolfeidau/sigcache/credentials/opprovider"
	"github.com/wolfeidau/sigcache/importer"
	"github.com/wolfeidau/sigcache/resilience"
	"github.com/wolfeidau/sigcache/resultcache"
	"github.com/wolfeidau/sigcache/server"
	"github.com/wolfeidau/sigcache/signature"
	"github.com/wolfeidau/sigcache/telemetry"
)

var version = "dev"

type cli struct {
	Address string `help:"Address to listen on." default:":8080" env:"SIGCACHE_ADDRESS"`

	Backend        string `help:"Signature store backend." enum:"memory,redis,gateway" default:"memory" env:"SIGCACHE_BACKEND"`
	RedisAddress   string `help:"Redis server address." default:"localhost:6379" env:"SIGCACHE_REDIS_ADDRESS"`
	RedisDB        int    `help:"Redis database number." default:"0" env:"SIGCACHE_REDIS_DB"`
	RedisKeyPrefix string `help:"Prefix applied to every Redis key." default:"sig:" env:"SIGCACHE_REDIS_KEY_PREFIX"`
	GatewayURL     string `help:"Base URL of the HTTP key-value gateway." env:"SIGCACHE_GATEWAY_URL"`

	CredentialsFile string `help:"Credentials template file (JSON with env/file/op functions)." env:"SIGCACHE_CREDENTIALS_FILE"`

	CacheEntries int           `help:"Max entries in the result cache." default:"10000"`
	CacheTTL     time.Duration `help:"TTL for result cache entries." default:"5m"`
	StoreTTL     time.Duration `help:"Expiry applied to stored signatures (0 keeps them forever)." default:"0"`

	RetryBaseDelay   time.Duration `help:"Delay before the first retry." default:"1s"`
	RetryMaxDelay    time.Duration `help:"Cap on the retry backoff delay." default:"30s"`
	RetryMaxAttempts int           `help:"Total tries per operation including the first." default:"4"`
	OpTimeout        time.Duration `help:"Overall timeout for one operation including retries." default:"10s"`

	BreakerFailureThreshold int           `help:"Consecutive systemic failures that open the circuit." default:"5"`
	BreakerProbeThreshold   int           `help:"Consecutive probe successes that close the circuit." default:"2"`
	BreakerCoolDown         time.Duration `help:"How long the circuit stays open before probing." default:"30s"`

	JobStorePath string `help:"Path to the import job database. Empty keeps jobs in memory." env:"SIGCACHE_JOB_STORE_PATH"`
	ImportFile   string `help:"Hash list to import at startup (one Base64 hash per line, .zst supported)." env:"SIGCACHE_IMPORT_FILE"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	LogLevel  string           `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"SIGCACHE_LOG_LEVEL"`
	LogFormat string           `help:"Log format." enum:"text,json" default:"text" env:"SIGCACHE_LOG_FORMAT"`
	Version   kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("sigcached"),
		kong.Description("Resilient content signature cache service."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run(&flags))
}

func run(flags *cli) error {
	logger, err := buildLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "sigcached",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: true,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(shutdownCtx)
	}()

	creds, err := resolveCredentials(ctx, flags.CredentialsFile, logger)
	if err != nil {
		return err
	}

	store, err := buildBackend(flags, creds)
	if err != nil {
		return err
	}

	executor := resilience.NewExecutor(resilience.ExecutorConfig{
		Breaker: resilience.NewBreaker(resilience.BreakerConfig{
			FailureThreshold: flags.BreakerFailureThreshold,
			ProbeThreshold:   flags.BreakerProbeThreshold,
			CoolDown:         flags.BreakerCoolDown,
			Logger:           logger.With("component", "breaker"),
		}),
		Policy: &resilience.RetryPolicy{
			BaseDelay:   flags.RetryBaseDelay,
			MaxDelay:    flags.RetryMaxDelay,
			MaxAttempts: flags.RetryMaxAttempts,
		},
		OpTimeout: flags.OpTimeout,
		Logger:    logger.With("component", "executor"),
	})

	tracker, err := buildTracker(flags, logger)
	if err != nil {
		return err
	}

	svc, err := signature.New(signature.Config{
		Backend:  store,
		Executor: executor,
		Cache: resultcache.New(resultcache.Config{
			MaxEntries: flags.CacheEntries,
			TTL:        flags.CacheTTL,
		}),
		Tracker:  tracker,
		StoreTTL: flags.StoreTTL,
		Logger:   logger.With("component", "signature"),
	})
	if err != nil {
		return fmt.Errorf("creating signature service: %w", err)
	}
	defer svc.Close()

	if flags.ImportFile != "" {
		hashes, err := importer.ReadHashList(flags.ImportFile)
		if err != nil {
			return fmt.Errorf("reading import file: %w", err)
		}
		if id, ok := svc.BatchImport(ctx, hashes); ok {
			logger.Info("started import job", "job_id", id, "items", len(hashes))
		} else {
			return fmt.Errorf("import of %s rejected", flags.ImportFile)
		}
	}

	srv := server.New(svc, server.Config{
		Address:   flags.Address,
		AuthToken: creds.AuthToken,
		Logger:    logger.With("component", "server"),
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"version", version,
		"address", srv.Address(),
		"backend", flags.Backend,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildLogger sets up slog with tint for human-readable text output or the
// standard JSON handler for log shippers.
func buildLogger(logLevel, logFormat string) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}

	var handler slog.Handler
	switch logFormat {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", logFormat)
	}
	return slog.New(handler), nil
}

// resolveCredentials loads the credentials template, or returns empty
// credentials when no file is configured.
func resolveCredentials(ctx context.Context, path string, logger *slog.Logger) (*credentials.Credentials, error) {
	if path == "" {
		return &credentials.Credentials{}, nil
	}

	resolver := credentials.NewResolver(
		credentials.WithLogger(logger.With("component", "credentials")),
		opprovider.WithOnePassword(),
	)
	creds, err := resolver.ResolveFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("resolving credentials: %w", err)
	}
	return creds, nil
}

// buildBackend constructs the configured backend, wrapped for metrics.
func buildBackend(flags *cli, creds *credentials.Credentials) (backend.Backend, error) {
	switch flags.Backend {
	case "memory":
		return backend.NewInstrumented(backend.NewMemory(), "memory"), nil

	case "redis":
		var password string
		if creds.Redis != nil {
			password = creds.Redis.Password
		}
		store := backend.NewRedis(backend.RedisConfig{
			Address:   flags.RedisAddress,
			Password:  password,
			DB:        flags.RedisDB,
			KeyPrefix: flags.RedisKeyPrefix,
		})
		return backend.NewInstrumented(store, "redis"), nil

	case "gateway":
		if flags.GatewayURL == "" {
			return nil, fmt.Errorf("--gateway-url is required for the gateway backend")
		}
		var token string
		if creds.Gateway != nil {
			token = creds.Gateway.Token
		}
		store := backend.NewHTTPKV(backend.HTTPKVConfig{
			BaseURL:   flags.GatewayURL,
			AuthToken: token,
			Client: &http.Client{
				Transport: telemetry.NewInstrumentedTransport(nil, "gateway"),
				Timeout:   30 * time.Second,
			},
		})
		return store, nil

	default:
		return nil, fmt.Errorf("unknown backend: %s", flags.Backend)
	}
}

// buildTracker constructs the import job tracker, durable when a job store
// path is configured.
func buildTracker(flags *cli, logger *slog.Logger) (*importer.Tracker, error) {
	cfg := importer.Config{Logger: logger.With("component", "importer")}

	if flags.JobStorePath != "" {
		store := importer.NewBoltStore(importer.WithLogger(logger.With("component", "jobstore")))
		if err := store.Open(flags.JobStorePath); err != nil {
			return nil, fmt.Errorf("opening job store: %w", err)
		}
		cfg.Store = store
	}

	tracker, err := importer.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating import tracker: %w", err)
	}
	return tracker, nil
}
