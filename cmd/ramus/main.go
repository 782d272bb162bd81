package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ramus-io/ramus/internal/audit"
	"github.com/ramus-io/ramus/internal/auth"
	"github.com/ramus-io/ramus/internal/config"
	"github.com/ramus-io/ramus/internal/freeze"
	"github.com/ramus-io/ramus/internal/indexer"
	"github.com/ramus-io/ramus/internal/lockmgr"
	"github.com/ramus-io/ramus/internal/merge"
	"github.com/ramus-io/ramus/internal/outbox"
	"github.com/ramus-io/ramus/internal/server"
	"github.com/ramus-io/ramus/internal/shadow"
	"github.com/ramus-io/ramus/internal/storage"
	"github.com/ramus-io/ramus/internal/telemetry"
	"github.com/ramus-io/ramus/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("RAMUS_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("ramus starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)
	db.RegisterPoolMetrics()

	// Migrations are embedded; RunMigrations skips already-applied files, so
	// errors here indicate real failures.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Token verification: interactive tokens via JWKS or an Ed25519 PEM,
	// service accounts via hashed API keys in the store.
	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		Issuer:        cfg.JWTIssuer,
		Audience:      cfg.JWTAudience,
		JWKSURL:       cfg.JWKSURL,
		PublicKeyPath: cfg.JWTPublicKeyPath,
		CacheTTL:      cfg.AuthTokenCacheTTL,
	}, logger)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	apiKeys := auth.NewAPIKeyAuthenticator(db, logger)

	sanitizer, err := outbox.NewSanitizer(cfg.PIIHandling, cfg.PIIEncryptionKeyID, cfg.PIIEncryptionKey, logger)
	if err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	events := outbox.NewEmitter(db, sanitizer, cfg.EventSourceURI, cfg.TenantID, cfg.OutboxMaxRetries, logger)

	// Event transport: Redis streams when configured, the structured log
	// otherwise.
	var transport outbox.Transport = &outbox.LogTransport{Logger: logger}
	if cfg.RedisURL != "" {
		redisTransport, err := outbox.NewRedisTransport(ctx, cfg.RedisURL, "ramus:events")
		if err != nil {
			return fmt.Errorf("outbox: %w", err)
		}
		defer func() { _ = redisTransport.Close() }()
		transport = redisTransport
	}
	logger.Info("event transport", "name", transport.Name())

	dispatcher := outbox.NewDispatcher(db, transport, outbox.DispatcherConfig{
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
		BackoffBase:  cfg.OutboxBackoffBase,
		BackoffMax:   cfg.OutboxBackoffMax,
		MaxEventAge:  cfg.OutboxMaxEventAge,
	}, logger)

	locks := lockmgr.New(db, events, lockmgr.Config{
		DefaultTimeout:       cfg.LockDefaultTimeout,
		HeartbeatGraceFactor: cfg.LockHeartbeatGraceFactor,
		TTLSweepInterval:     cfg.LockSweepTTL,
		HeartbeatSweep:       cfg.LockSweepHeartbeat,
	}, logger)
	gate := freeze.New(locks, logger)

	auditor := audit.NewRecorder(db, logger)
	merger := merge.New(db, events, auditor, cfg.MergeWorkers, logger)
	compactor := merge.NewCompactor(db, logger)

	shadows := shadow.New(db, locks, events, shadow.Config{
		IndexRoot:          cfg.IndexRoot,
		SwitchTimeout:      cfg.ShadowSwitchTimeout,
		BackupBeforeSwitch: cfg.ShadowBackupBeforeSwitch,
	}, logger)

	// External index builder. Without a URL the shadow lifecycle is driven
	// entirely by API callers.
	var idx *indexer.Client
	if cfg.IndexerURL != "" {
		idx = indexer.New(indexer.Config{
			BaseURL:        cfg.IndexerURL,
			FailThreshold:  cfg.CircuitBreakerFailThreshold,
			OpenWindow:     cfg.CircuitBreakerOpen,
			HalfOpenProbes: cfg.CircuitBreakerHalfOpenProbes,
		}, logger)
	}

	srv := server.New(server.Config{
		DB:                  db,
		Locks:               locks,
		Gate:                gate,
		Events:              events,
		Merger:              merger,
		Compactor:           compactor,
		Shadows:             shadows,
		Auditor:             auditor,
		Verifier:            verifier,
		APIKeys:             apiKeys,
		Indexer:             idx,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		Version:             version,
	})

	// Background workers. Every Run* loop exits with ctx.Err() on shutdown,
	// which the group treats as a clean stop.
	workers, workerCtx := errgroup.WithContext(ctx)
	runLoop := func(name string, fn func(context.Context) error) {
		workers.Go(func() error {
			err := fn(workerCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}

	runLoop("outbox dispatcher", dispatcher.Run)
	runLoop("lock ttl sweeper", locks.RunTTLSweeper)
	runLoop("lock heartbeat sweeper", locks.RunHeartbeatSweeper)
	runLoop("audit sealer", func(ctx context.Context) error {
		return auditor.RunSealer(ctx, cfg.IntegrityProofInterval)
	})
	runLoop("audit retention", func(ctx context.Context) error {
		return auditor.RunRetention(ctx, cfg.RetentionSweepInterval, nil)
	})
	if cfg.JWKSURL != "" {
		runLoop("jwks refresher", func(ctx context.Context) error {
			return verifier.JWKS().RunRefresher(ctx, 15*time.Minute)
		})
	}
	runLoop("housekeeping", func(ctx context.Context) error {
		return housekeeping(ctx, db, verifier, logger)
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("ramus shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if err := workers.Wait(); err != nil {
		return err
	}

	slog.Info("ramus stopped")
	return nil
}

// housekeeping prunes expired verifier cache entries, idempotency keys and
// consumer tracking rows on an hourly cadence.
func housekeeping(ctx context.Context, db *storage.DB, verifier *auth.Verifier, logger *slog.Logger) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		verifier.PruneCache()
		if n, err := db.PurgeIdempotencyKeys(ctx, 7); err != nil {
			logger.Error("idempotency purge failed", "error", err)
		} else if n > 0 {
			logger.Info("purged idempotency keys", "count", n)
		}
		if n, err := db.PurgeConsumedEvents(ctx, 30); err != nil {
			logger.Error("consumer tracking purge failed", "error", err)
		} else if n > 0 {
			logger.Info("purged consumer tracking rows", "count", n)
		}
		if n, err := db.PurgePublishedOutbox(ctx, 72*time.Hour); err != nil {
			logger.Error("outbox purge failed", "error", err)
		} else if n > 0 {
			logger.Info("purged published outbox events", "count", n)
		}
	}
}
