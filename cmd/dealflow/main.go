// Package main is the entry point for the dealflow server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/dealflow/internal/activity"
	"github.com/pitabwire/dealflow/internal/capability"
	"github.com/pitabwire/dealflow/internal/catalog"
	"github.com/pitabwire/dealflow/internal/config"
	"github.com/pitabwire/dealflow/internal/deal"
	"github.com/pitabwire/dealflow/internal/observability"
	"github.com/pitabwire/dealflow/internal/timeline"
	"github.com/pitabwire/dealflow/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "dealflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(observability.NewRegistry())

	// Step 4: Open the shared Postgres pool when any component needs it.
	var pool *pgxpool.Pool
	if needsPostgres(cfg) {
		pool, err = openPool(ctx, cfg.Store)
		if err != nil {
			logger.Error("postgres initialization failed", zap.Error(err))
			return 1
		}
		defer pool.Close()

		if cfg.Store.AutoMigrate {
			if err := migrate(ctx, pool); err != nil {
				logger.Error("schema migration failed", zap.Error(err))
				return 1
			}
		}
	}

	// Step 5: Redis clients, one per configured address variable.
	redisClients := map[string]*redis.Client{}
	defer func() {
		for _, c := range redisClients {
			_ = c.Close()
		}
	}()
	redisFor := func(addrEnv string, db int) (*redis.Client, error) {
		key := fmt.Sprintf("%s/%d", addrEnv, db)
		if c, ok := redisClients[key]; ok {
			return c, nil
		}
		addr := os.Getenv(addrEnv)
		if addr == "" {
			return nil, fmt.Errorf("%s environment variable not set", addrEnv)
		}
		c := redis.NewClient(&redis.Options{Addr: addr, DB: db})
		redisClients[key] = c
		return c, nil
	}

	// Step 6: Load catalogs and build the cache chain.
	cats, err := buildCatalogs(ctx, cfg.Catalog, pool, redisFor, logger, metrics)
	if err != nil {
		logger.Error("catalog initialization failed", zap.Error(err))
		return 1
	}

	// Step 7: Initialize capability resolver.
	policy, capResolver, err := buildCapabilityResolver(cfg.Capability)
	if err != nil {
		logger.Error("capability resolver initialization failed", zap.Error(err))
		return 1
	}

	// Step 8: Deal store, activity log and timeline.
	var (
		store   deal.Store
		actions activity.Log
	)
	switch cfg.Store.Driver {
	case "postgres":
		store = deal.NewPgStore(pool)
		actions = activity.NewPgLog(pool)
	default:
		logger.Info("using in-memory deal store")
		store = deal.NewMemoryStore()
		actions = activity.NewMemoryLog()
	}

	sink, sinkHealth, err := buildTimeline(cfg.Timeline, pool, redisFor, logger)
	if err != nil {
		logger.Error("timeline initialization failed", zap.Error(err))
		return 1
	}

	svc := deal.NewService(store, cats.source, actions, sink,
		deal.WithLogger(logger),
		deal.WithRedactor(observability.NewRedactor(cfg.Observability.RedactFields...)),
		deal.WithMetrics(metrics),
		deal.WithConflictRetries(cfg.Engine.ConflictRetries),
		deal.WithClosedDealGuard(cfg.Engine.GuardClosedDeals),
	)

	// Step 9: Build HTTP router.
	authenticate, err := buildAuthenticator(cfg.Identity, logger)
	if err != nil {
		logger.Error("identity initialization failed", zap.Error(err))
		return 1
	}

	readiness := observability.ReadinessChecks{
		CatalogLoaded: cats.loaded,
		CatalogCache:  cats.health,
		Timeline:      sinkHealth,
	}
	if hc, ok := store.(observability.HealthChecker); ok {
		readiness.DealStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Metrics:            metrics,
		Authenticate:       authenticate,
		CapabilityResolver: capResolver,
		Deals:              svc,
		Catalog:            cats.invalidator,
		Readiness:          readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 10: Start the server and background tasks.
	g, gctx := errgroup.WithContext(ctx)

	if cats.reloader != nil {
		interval := cfg.Catalog.ReloadInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		g.Go(func() error {
			cats.reloader.Run(gctx, interval)
			return nil
		})
	}

	if every := cfg.Capability.ReloadInterval; every > 0 {
		g.Go(func() error {
			capability.WatchPolicy(gctx, policy, capResolver, every, logger)
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("server started",
			zap.Int("port", cfg.Server.Port),
			zap.String("version", version),
			zap.String("commit", commit),
			zap.String("catalog_source", cfg.Catalog.Source),
			zap.String("store", cfg.Store.Driver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop accepting new connections and drain in-flight requests.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
		return 1
	}

	logger.Info("shutdown complete")
	return 0
}

func needsPostgres(cfg *config.Config) bool {
	return cfg.Store.Driver == "postgres" ||
		cfg.Catalog.Source == "postgres" ||
		slices.Contains(cfg.Timeline.Sinks, "postgres")
}

// openPool connects to the database named by the store DSN variable.
func openPool(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("%s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	schemas := []struct{ name, ddl string }{
		{"deals", deal.Schema},
		{"activity", activity.Schema},
		{"timeline", timeline.Schema},
		{"catalog", catalog.Schema},
	}
	for _, s := range schemas {
		if _, err := pool.Exec(ctx, s.ddl); err != nil {
			return fmt.Errorf("%s schema: %w", s.name, err)
		}
	}
	return nil
}

type redisFactory func(addrEnv string, db int) (*redis.Client, error)

// catalogStack is the catalog source chain with the hooks the rest of the
// server needs from it.
type catalogStack struct {
	source      deal.Catalogs
	invalidator catalog.Invalidator
	loaded      func() bool
	health      observability.HealthChecker
	reloader    *catalog.Reloader
}

// buildCatalogs assembles source, optional Redis cache and in-process cache.
func buildCatalogs(
	ctx context.Context,
	cfg config.CatalogConfig,
	pool *pgxpool.Pool,
	redisFor redisFactory,
	logger *zap.Logger,
	metrics *observability.Metrics,
) (*catalogStack, error) {
	stack := &catalogStack{}

	var (
		base     catalog.Source
		registry *catalog.Registry
	)
	switch cfg.Source {
	case "postgres":
		pg := catalog.NewPgSource(pool)
		n, err := pg.CountTenants(ctx)
		if err != nil {
			return nil, err
		}
		metrics.SetCatalogTenantsLoaded(float64(n))
		base = pg
		stack.health = pg
		stack.loaded = func() bool {
			cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			count, err := pg.CountTenants(cctx)
			return err == nil && count > 0
		}
	default:
		tenants, err := catalog.NewLoader().LoadAll(cfg.Directories)
		if err != nil {
			return nil, err
		}
		if verrs := catalog.NewValidator().Validate(tenants); len(verrs) > 0 {
			for _, ve := range verrs {
				logger.Error("catalog validation error", zap.String("error", ve.Error()))
			}
			return nil, fmt.Errorf("catalog validation failed with %d errors", len(verrs))
		}
		registry = catalog.NewRegistry(tenants)
		metrics.SetCatalogTenantsLoaded(float64(len(tenants)))
		base = registry
		stack.loaded = registry.Loaded
	}

	if cfg.Redis.Enabled {
		client, err := redisFor(cfg.Redis.AddrEnv, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("catalog redis: %w", err)
		}
		rc := catalog.NewRedisCache(client, base, cfg.Redis.KeyPrefix, cfg.Redis.TTL, logger, metrics)
		base = rc
		stack.health = rc
	}

	cached := catalog.NewCachedSource(base, cfg.Cache.TTL, cfg.Cache.MaxEntries, metrics)
	stack.source = cached
	stack.invalidator = cached

	if cfg.HotReload && registry != nil {
		stack.reloader = catalog.NewReloader(registry, cfg.Directories, cached, logger, metrics)
	}
	return stack, nil
}

// buildTimeline fans stage change events out to every configured sink.
func buildTimeline(
	cfg config.TimelineConfig,
	pool *pgxpool.Pool,
	redisFor redisFactory,
	logger *zap.Logger,
) (timeline.Sink, observability.HealthChecker, error) {
	multi := timeline.NewMultiSink()
	var health observability.HealthChecker

	for _, name := range cfg.Sinks {
		switch name {
		case "log":
			multi.Add(name, timeline.NewLogSink(logger))
		case "redis":
			client, err := redisFor(cfg.Redis.AddrEnv, cfg.Redis.DB)
			if err != nil {
				return nil, nil, fmt.Errorf("timeline redis: %w", err)
			}
			rs := timeline.NewRedisSink(client, cfg.Redis.Channel)
			multi.Add(name, rs)
			health = rs
		case "postgres":
			multi.Add(name, timeline.NewPgSink(pool))
		case "memory":
			multi.Add(name, timeline.NewMemorySink())
		default:
			return nil, nil, fmt.Errorf("unsupported timeline sink: %q", name)
		}
	}
	logger.Info("timeline sinks configured", zap.Strings("sinks", multi.Names()))
	return multi, health, nil
}

func buildCapabilityResolver(cfg config.CapabilityConfig) (*capability.FilePolicy, *capability.Resolver, error) {
	switch cfg.Evaluator {
	case "static", "":
		policy, err := capability.LoadFilePolicy(cfg.StaticPolicyFile)
		if err != nil {
			return nil, nil, err
		}
		resolver := capability.NewResolver(policy, cfg.Cache.TTL, capability.WithMaxEntries(cfg.Cache.MaxEntries))
		return policy, resolver, nil
	default:
		return nil, nil, fmt.Errorf("unsupported capability evaluator: %q", cfg.Evaluator)
	}
}

// buildAuthenticator verifies tokens against the JWKS endpoint when one is
// configured and against the shared HMAC secret otherwise.
func buildAuthenticator(cfg config.IdentityConfig, logger *zap.Logger) (func(http.Handler) http.Handler, error) {
	if cfg.JWKSURL != "" {
		jwks := transport.NewJWKSClient(cfg.JWKSURL, cfg.JWKSCacheTTL, logger)
		return transport.JWTAuthenticator(cfg, transport.JWKSKeys(jwks)), nil
	}
	secret := os.Getenv(cfg.HMACSecretEnv)
	if secret == "" {
		return nil, fmt.Errorf("neither jwks_url nor %s is set", cfg.HMACSecretEnv)
	}
	return transport.JWTAuthenticator(cfg, transport.HMACKeys([]byte(secret))), nil
}
