// Command vaultd serves the document vault API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kenneth/document-vault/internal/access"
	"github.com/kenneth/document-vault/internal/api"
	"github.com/kenneth/document-vault/internal/audit"
	"github.com/kenneth/document-vault/internal/blobstore"
	"github.com/kenneth/document-vault/internal/config"
	"github.com/kenneth/document-vault/internal/crypto"
	"github.com/kenneth/document-vault/internal/kms"
	"github.com/kenneth/document-vault/internal/lockcheck"
	"github.com/kenneth/document-vault/internal/logging"
	"github.com/kenneth/document-vault/internal/metrics"
	"github.com/kenneth/document-vault/internal/middleware"
	"github.com/kenneth/document-vault/internal/quota"
	"github.com/kenneth/document-vault/internal/store/memstore"
	"github.com/kenneth/document-vault/internal/store/pgstore"
	"github.com/kenneth/document-vault/internal/store/redisstore"
	"github.com/kenneth/document-vault/internal/tracing"
	"github.com/kenneth/document-vault/internal/vault"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", envOr("VAULT_CONFIG", "config.yaml"), "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the configuration")
	flag.Parse()

	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "vaultd: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// closer is run on shutdown in reverse registration order.
type closer struct {
	name string
	fn   func(context.Context) error
}

func run(configPath, envFile string) error {
	// 1. Environment and configuration.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// 2. Logging.
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	metrics.SetVersion(version)
	logger.WithFields(logrus.Fields{
		"version": version,
		"config":  configPath,
	}).Info("Starting document vault")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []closer
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].fn(shutdownCtx); err != nil {
				logger.WithError(err).WithField("component", closers[i].name).Warn("Shutdown step failed")
			}
		}
	}()
	onClose := func(name string, fn func(context.Context) error) {
		closers = append(closers, closer{name: name, fn: fn})
	}

	// 3. Tracing and metrics.
	tp, err := tracing.Setup(ctx, cfg.Tracing, nil)
	if err != nil {
		return err
	}
	onClose("tracing", tp.Shutdown)
	m := metrics.NewMetrics()

	// 4. Redis, shared by every component configured to use it.
	var redisClient *redis.Client
	if needsRedis(cfg) {
		redisClient, err = redisstore.Connect(ctx, cfg.Store.Redis)
		if err != nil {
			return err
		}
		onClose("redis", func(context.Context) error { return redisClient.Close() })
		logger.WithField("addr", cfg.Store.Redis.Addr).Info("Connected to Redis")
	}

	// 5. Item and grant storage.
	items, grantRepo, err := openStores(ctx, cfg, logger, redisClient, onClose)
	if err != nil {
		return err
	}
	grants := access.NewStore(grantRepo, access.Options{
		MaxLivePerItem: cfg.Limits.MaxSharesPerItem,
		Observer:       m,
		Logger:         logger,
	})

	// 6. Key service.
	km, err := newKeyManager(ctx, cfg.KMS)
	if err != nil {
		return err
	}
	keys := kms.NewClient(km, kms.ClientOptions{
		Timeout:     cfg.KMS.Timeout,
		MaxInFlight: cfg.KMS.MaxInFlight,
		Observer:    m,
		Logger:      logger,
	})
	onClose("kms", keys.Close)
	logger.WithField("provider", km.Provider()).Info("Key service configured")

	// 7. Blob storage.
	blobs, err := newBlobStore(ctx, cfg.Blob)
	if err != nil {
		return err
	}
	logger.WithField("backend", cfg.Blob.Backend).Info("Blob store configured")

	// 8. Lock status, quotas and audit.
	lock, closeLock, err := lockcheck.New(cfg.Lock, logger)
	if err != nil {
		return err
	}
	onClose("lockcheck", func(context.Context) error { return closeLock() })

	var universal redis.UniversalClient
	if redisClient != nil {
		universal = redisClient
	}
	limiter, err := quota.New(cfg.Quota, universal, cfg.Store.Redis.KeyPrefix)
	if err != nil {
		return err
	}

	auditLogger, err := newAuditLogger(cfg.Audit, universal)
	if err != nil {
		return err
	}
	onClose("audit", func(context.Context) error { return auditLogger.Close() })

	// 9. Vault service.
	settings, err := vault.SettingsFromConfig(cfg)
	if err != nil {
		return err
	}
	svc, err := vault.New(vault.Deps{
		Items:   items,
		Grants:  grants,
		Keys:    keys,
		Blobs:   blobs,
		Lock:    lock,
		Quota:   limiter,
		Audit:   auditLogger,
		Metrics: m,
		Tracer:  tp.Tracer(),
		Logger:  logger,
	}, settings)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields(crypto.GetHardwareAccelerationInfo(&cfg.Crypto))).Debug("Crypto hardware support")
	logger.WithField("algorithm", settings.Algorithm).Info("Vault service ready")

	// 10. HTTP server.
	checks := make(map[string]metrics.Check)
	for name, check := range svc.HealthChecks() {
		checks[name] = check
	}
	router := mux.NewRouter()
	api.NewHandler(svc, logger, m, checks, api.OptionsFromConfig(cfg)).RegisterRoutes(router)

	var handler http.Handler = router
	handler = middleware.LoggingMiddleware(logger, m)(handler)
	handler = middleware.TracingMiddleware(tp.Tracer())(handler)
	handler = middleware.RecoveryMiddleware(logger)(handler)
	srv := api.NewServer(cfg.Server, handler)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.Server.ListenAddr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Document vault stopped")
	return nil
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Store.Backend == "redis" ||
		cfg.Quota.Backend == "redis" ||
		cfg.Audit.Sink.Type == "redis"
}

func openStores(ctx context.Context, cfg *config.Config, logger *logrus.Logger, client *redis.Client, onClose func(string, func(context.Context) error)) (vault.ItemRepository, access.GrantRepository, error) {
	switch cfg.Store.Backend {
	case "redis":
		prefix := cfg.Store.Redis.KeyPrefix
		return redisstore.NewItems(client, prefix, cfg.Store.Timeout),
			redisstore.NewGrants(client, prefix, cfg.Store.Timeout), nil
	case "postgres":
		if cfg.Store.Postgres.AutoMigrate {
			if err := pgstore.Migrate(cfg.Store.Postgres.DSN, logger); err != nil {
				return nil, nil, err
			}
		}
		pool, err := pgstore.Connect(ctx, cfg.Store.Postgres, logger)
		if err != nil {
			return nil, nil, err
		}
		onClose("postgres", func(context.Context) error {
			pool.Close()
			return nil
		})
		return pgstore.NewItems(pool), pgstore.NewGrants(pool), nil
	default:
		logger.Warn("Using in-memory item storage; data is lost on restart")
		return memstore.NewItems(), memstore.NewGrants(), nil
	}
}

func newKeyManager(ctx context.Context, cfg config.KMSConfig) (kms.KeyManager, error) {
	switch cfg.Provider {
	case "kmip":
		km, err := kms.NewKMIPManagerFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		return km, nil
	case "aws":
		km, err := kms.NewAWSKMSManagerFromConfig(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		return km, nil
	default:
		return nil, fmt.Errorf("unsupported kms provider %q", cfg.Provider)
	}
}

func newBlobStore(ctx context.Context, cfg config.BlobConfig) (blobstore.Store, error) {
	if cfg.Backend == "memory" {
		prefix := cfg.Prefix
		if prefix == "" {
			prefix = "vault"
		}
		return blobstore.NewMemoryStore(prefix, cfg.RetrievalURLTTL), nil
	}
	s, err := blobstore.NewS3Store(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newAuditLogger(cfg config.AuditConfig, client redis.UniversalClient) (audit.Logger, error) {
	if !cfg.Enabled {
		return audit.NewLogger(cfg.MaxEvents, audit.NewStdoutSink(io.Discard)), nil
	}
	return audit.NewLoggerFromConfig(cfg, client)
}
