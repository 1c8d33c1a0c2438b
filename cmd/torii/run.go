package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/torii-gw/torii/internal/app"
	"github.com/torii-gw/torii/internal/auth"
	"github.com/torii-gw/torii/internal/blob"
	"github.com/torii-gw/torii/internal/catalog"
	"github.com/torii-gw/torii/internal/circuitbreaker"
	"github.com/torii-gw/torii/internal/config"
	"github.com/torii-gw/torii/internal/kv"
	"github.com/torii-gw/torii/internal/ratelimit"
	"github.com/torii-gw/torii/internal/router"
	"github.com/torii-gw/torii/internal/server"
	"github.com/torii-gw/torii/internal/settings"
	"github.com/torii-gw/torii/internal/storage/sqlite"
	"github.com/torii-gw/torii/internal/telemetry"
	"github.com/torii-gw/torii/internal/tokencount"
	"github.com/torii-gw/torii/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting torii", "version", version, "addr", cfg.Server.Addr)

	ctx := context.Background()

	// Tracing first so every later component picks up the global provider.
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	// Persistence.
	store, err := sqlite.New(cfg.Store.URL)
	if err != nil {
		return err
	}
	defer store.Close()

	// Shared cache and rate-limit window. Redis when configured, in-process
	// otherwise; single-replica deployments need no external cache.
	var (
		cache  kv.Store
		window ratelimit.Window
	)
	if cfg.Cache.URL != "" {
		rds, err := kv.NewRedis(cfg.Cache.URL)
		if err != nil {
			return err
		}
		defer rds.Close()
		cache = rds
		window = ratelimit.NewRedisWindow(rds.Client())
	} else {
		mem, err := kv.NewMemory()
		if err != nil {
			return err
		}
		cache = mem
		window = ratelimit.NewMemoryWindow()
	}

	// Router upstream.
	resolver := &dnscache.Resolver{}
	httpClient := &http.Client{
		Timeout:   cfg.Router.Timeout,
		Transport: router.NewTransport(resolver),
	}
	upstream := router.New(cfg.Router.URL, cfg.Router.APIKey, httpClient)
	cat := catalog.New(upstream, cfg.Catalog.TTL)
	guarded := circuitbreaker.NewGuard(upstream, circuitbreaker.DefaultConfig())

	// Auth.
	var verifier auth.Verifier
	if cfg.IdP.PublicKey != "" {
		verifier, err = auth.NewIdPVerifier([]byte(cfg.IdP.PublicKey), cfg.IdP.URL)
		if err != nil {
			return err
		}
	}
	snapshots := auth.NewSnapshotCache(cache, store, cfg.Cache.SnapshotTTL)
	flags := auth.NewFlagBuilder(cat)
	authResolver := auth.NewResolver(verifier, snapshots, flags, store, cfg.IdP.CookieName, cfg.RateLimits.IPSalt)

	limiter := ratelimit.New(window, cfg.RateLimits.Limits, cfg.RateLimits.Window)

	// Blob store.
	blobs, bucket, err := openBlobs(ctx, cfg)
	if err != nil {
		return err
	}

	// Chat pipeline.
	counter := tokencount.NewCounter()
	streamFlags := settings.NewStore(settings.Flags{
		MarkersEnabled:   cfg.Stream.MarkersEnabled,
		ReasoningEnabled: cfg.Stream.ReasoningEnabled,
		Debug:            cfg.Stream.Debug,
	})
	usage := worker.NewUsageRecorder(store)
	chat := app.NewChatService(
		app.NewValidator(cat, counter),
		app.NewAttachmentResolver(store, blobs, cfg.Blob.SigningTTL),
		guarded,
		usage,
		streamFlags,
	)

	// Background workers.
	reaper := worker.NewAttachmentReaper(store, blobs, 24*time.Hour, time.Hour)
	runner := worker.NewRunner(
		usage,
		worker.NewCatalogRefresher(cat, cfg.Catalog.TTL),
		reaper,
	)
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workerDone := make(chan error, 1)
	go func() { workerDone <- runner.Run(workerCtx) }()

	// Metrics.
	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	handler := server.New(server.Deps{
		Resolver:         authResolver,
		Chat:             chat,
		Catalog:          cat,
		Store:            store,
		Blobs:            blobs,
		Limiter:          limiter,
		Counter:          counter,
		Metrics:          metrics,
		MetricsHandler:   metricsHandler,
		ReadyCheck:       readyCheck(store, cache),
		Reaper:           reaper,
		InternalSecret:   cfg.Internal.SharedSecret,
		AttachmentBucket: bucket,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("torii ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		stopWorkers()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Workers stop after the server so in-flight requests can still record
	// usage; the recorder drains its queue on cancel.
	stopWorkers()
	<-workerDone

	slog.Info("torii stopped")
	return nil
}

// readyCheck pings the store and the cache backend.
func readyCheck(store *sqlite.Store, cache kv.Store) server.ReadyChecker {
	return func(ctx context.Context) error {
		if err := store.Ping(ctx); err != nil {
			return err
		}
		return cache.Ping(ctx)
	}
}

// openBlobs selects the blob backend from the configured URL: "gs://bucket"
// for GCS, anything else is a local directory served by the HMAC signer.
func openBlobs(ctx context.Context, cfg *config.Config) (blob.Store, string, error) {
	url := cfg.Blob.URL
	if bucket, ok := strings.CutPrefix(url, "gs://"); ok && bucket != "" {
		gcs, err := blob.NewGCS(ctx)
		if err != nil {
			return nil, "", err
		}
		return gcs, bucket, nil
	}
	if url == "" {
		url = "blobs"
	}
	secret := cfg.Internal.SharedSecret
	if secret == "" {
		secret = cfg.RateLimits.IPSalt
	}
	base := "http://localhost" + cfg.Server.Addr
	return blob.NewLocal(url, base, []byte(secret)), "attachments", nil
}
