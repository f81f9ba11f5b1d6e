// Package app wires configuration into a running custodian: database,
// content store, locks, signer, ledger, retention engine, registry and
// similarity index. Both binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/custodian/pkg/api"
	"github.com/platinummonkey/custodian/pkg/async"
	"github.com/platinummonkey/custodian/pkg/config"
	"github.com/platinummonkey/custodian/pkg/ledger"
	"github.com/platinummonkey/custodian/pkg/middleware"
	"github.com/platinummonkey/custodian/pkg/observability"
	"github.com/platinummonkey/custodian/pkg/purge"
	"github.com/platinummonkey/custodian/pkg/registry"
	"github.com/platinummonkey/custodian/pkg/retention"
	"github.com/platinummonkey/custodian/pkg/signing"
	"github.com/platinummonkey/custodian/pkg/similarity"
	"github.com/platinummonkey/custodian/pkg/storage"
	"github.com/platinummonkey/custodian/pkg/storage/sqlstore"
)

// Version is set at build time with -ldflags.
var Version = "dev"

const replicaCheckInterval = 30 * time.Second

// App holds every long lived component.
type App struct {
	Config          *config.Config
	Log             logrus.FieldLogger
	DB              *sqlstore.DB
	Redis           *redis.Client
	Content         storage.ContentStore
	Signer          signing.Signer
	Ledger          *ledger.Ledger
	Engine          *retention.Engine
	Registry        *registry.Registry
	Index           *similarity.Index
	Metrics         *observability.Metrics
	MetricsRegistry *prometheus.Registry
	Health          *observability.HealthChecker

	watcher *retention.TemplateWatcher
	limiter middleware.Limiter
	closers []func() error
}

// New builds the application. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (a *App, err error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	a = &App{Config: cfg, Log: log, MetricsRegistry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if cfg.Observability.MetricsEnabled {
		a.Metrics = observability.NewMetrics(a.MetricsRegistry)
	}

	if err := a.openDatabase(ctx); err != nil {
		return a, err
	}
	if err := a.openContent(ctx); err != nil {
		return a, err
	}

	var locker ledger.Locker = ledger.NewKeyedLocker()
	if cfg.Ledger.DistributedLocks {
		client, err := storage.NewRedisClient(ctx, cfg.Storage)
		if err != nil {
			return a, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.Redis = client
		a.closers = append(a.closers, client.Close)
		locker = ledger.NewRedisLocker(client, cfg.Ledger.LockPrefix, cfg.Ledger.LockTTL)
		log.Info("using redis for distributed locks")
	}

	a.limiter = a.newLimiter()

	seed, err := signing.LoadEd25519SeedFile(cfg.Ledger.SigningKeyFile)
	if err != nil {
		return a, fmt.Errorf("failed to load signing key: %w", err)
	}
	a.Signer = signing.WithTimeout(seed, cfg.Ledger.SignerTimeout)
	log.WithField("key_id", a.Signer.KeyID()).Info("audit signer loaded")
	retired, err := signing.LoadVerifiers(cfg.Ledger.RetiredKeyFiles)
	if err != nil {
		return a, fmt.Errorf("failed to load retired signing keys: %w", err)
	}

	a.Ledger = ledger.New(sqlstore.NewLedgerStore(a.DB), a.Signer,
		ledger.WithVerifiers(retired...),
		ledger.WithLocker(locker),
		ledger.WithLogger(log),
		ledger.WithMetrics(a.Metrics),
	)

	regStore := sqlstore.NewRegistryStore(a.DB)
	a.Engine = retention.NewEngine(regStore, a.Ledger,
		retention.WithLocker(locker),
		retention.WithLogger(log),
		retention.WithMetrics(a.Metrics),
		retention.WithCache(cfg.Retention.CacheSize, cfg.Retention.CacheTTL),
	)
	if err := a.loadTemplates(); err != nil {
		return a, err
	}

	a.Index = similarity.NewIndex(cfg.Similarity.Metric,
		similarity.WithStore(sqlstore.NewEmbeddingStore(a.DB)),
		similarity.WithLiveness(registry.NewLiveness(regStore)),
		similarity.WithLogger(log),
		similarity.WithMetrics(a.Metrics),
	)
	n, err := a.Index.Load(ctx)
	if err != nil {
		return a, fmt.Errorf("failed to load embeddings: %w", err)
	}
	log.WithField("embeddings", n).Info("similarity index loaded")

	a.Registry = registry.New(regStore, a.Ledger,
		registry.WithContentStore(a.Content),
		registry.WithLocker(locker),
		registry.WithEmbeddings(a.Index),
		registry.WithLogger(log),
		registry.WithMetrics(a.Metrics),
	)

	a.Health = observability.NewHealthChecker(Version, a.DB.SQL(), a.Redis)
	a.Health.Register("content_store", true, a.Content.HealthCheck)
	a.Health.Register("signer", true, func(ctx context.Context) error {
		_, err := a.Signer.Sign(ctx, []byte("health"))
		return err
	})
	return a, nil
}

func (a *App) openDatabase(ctx context.Context) error {
	db, err := sqlstore.Open(a.Config.Storage, a.Log)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	a.Log.WithField("dialect", db.Dialect()).Info("database ready")
	return nil
}

func (a *App) openContent(ctx context.Context) error {
	cs, err := storage.NewContentStore(ctx, a.Config.Storage)
	if err != nil {
		return fmt.Errorf("failed to open content store: %w", err)
	}
	a.Content = storage.Instrument(cs, a.Config.Storage.ContentBackend, a.Metrics)
	a.Log.WithField("backend", a.Config.Storage.ContentBackend).Info("content store ready")
	return nil
}

func (a *App) loadTemplates() error {
	path := a.Config.Retention.TemplatesFile
	if path == "" {
		return nil
	}
	if !a.Config.Retention.WatchTemplates {
		set, err := retention.LoadTemplates(path)
		if err != nil {
			return err
		}
		a.Engine.SetTemplates(set)
		a.Log.WithField("templates", set.Len()).Info("retention templates loaded")
		return nil
	}
	w, err := retention.NewTemplateWatcher(path, a.Engine.SetTemplates, a.Log)
	if err != nil {
		return err
	}
	a.watcher = w
	a.Log.WithFields(logrus.Fields{
		"path":      path,
		"templates": a.Engine.Templates().Len(),
	}).Info("watching retention templates")
	return nil
}

// Start launches background loops in g: the template watcher, replica
// health checks and, when metrics are enabled, pool statistics.
func (a *App) Start(ctx context.Context, g *async.Group) {
	if a.watcher != nil {
		g.Go("template watcher", a.watcher.Run)
	}
	if rl, ok := a.limiter.(*middleware.RateLimiter); ok {
		g.Go("rate limit cleanup", rl.Run)
	}
	a.DB.StartReplicaHealthChecks(ctx, replicaCheckInterval)
	if a.Metrics != nil {
		g.Go("db stats", func(ctx context.Context) error {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					a.Metrics.RecordDBStats(a.DB.Stats())
				}
			}
		})
	}
}

// newLimiter shares limits through Redis when a client is configured.
func (a *App) newLimiter() middleware.Limiter {
	if a.Config.Server.RateLimitPerMinute <= 0 {
		return nil
	}
	cfg := middleware.RateLimitConfig{
		RequestsPerWindow: a.Config.Server.RateLimitPerMinute,
		WindowDuration:    time.Minute,
		BurstSize:         a.Config.Server.RateLimitBurst,
	}
	if a.Redis != nil {
		return middleware.NewDistributedRateLimiter(a.Redis, cfg, "")
	}
	return middleware.NewRateLimiter(cfg)
}

// Server builds the HTTP API over the application's components.
func (a *App) Server() *api.Server {
	opts := []api.Option{
		api.WithLogger(a.Log),
		api.WithMetrics(a.Metrics),
		api.WithMaxUploadSize(a.Config.Storage.MaxObjectSize),
	}
	if a.limiter != nil {
		opts = append(opts, api.WithRateLimiter(a.limiter))
	}
	return api.NewServer(a.Ledger, a.Engine, a.Registry, a.Index, opts...)
}

// PurgeRunner builds a purge runner from the purge configuration.
func (a *App) PurgeRunner(opts ...purge.Option) *purge.Runner {
	cfg := purge.DefaultConfig()
	cfg.PageSize = a.Config.Purge.PageSize
	cfg.Concurrency = a.Config.Purge.Concurrency
	cfg.DryRun = a.Config.Purge.DryRun
	opts = append([]purge.Option{purge.WithLogger(a.Log), purge.WithMetrics(a.Metrics)}, opts...)
	return purge.NewRunner(a.Registry, a.Ledger, cfg, opts...)
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
