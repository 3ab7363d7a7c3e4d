package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/oidcaccount/pkg/accounts"
	"github.com/platinummonkey/oidcaccount/pkg/async"
	"github.com/platinummonkey/oidcaccount/pkg/authn"
	"github.com/platinummonkey/oidcaccount/pkg/authz"
	"github.com/platinummonkey/oidcaccount/pkg/cache"
	"github.com/platinummonkey/oidcaccount/pkg/config"
	"github.com/platinummonkey/oidcaccount/pkg/httpapi"
	"github.com/platinummonkey/oidcaccount/pkg/idp"
	"github.com/platinummonkey/oidcaccount/pkg/middleware"
	"github.com/platinummonkey/oidcaccount/pkg/nonce"
	"github.com/platinummonkey/oidcaccount/pkg/observability"
	"github.com/platinummonkey/oidcaccount/pkg/token"
)

func main() {
	migrateOnly := flag.Bool("migrate", false, "Apply database migrations and exit")
	checkIdP := flag.Bool("check-idp", false, "Validate the identity provider file and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	if *checkIdP {
		configs, err := idp.LoadFile(cfg.Auth.IdPConfigPath)
		if err != nil {
			logger.WithError(err).Error("Identity provider configuration is invalid")
			os.Exit(1)
		}
		logger.Infof("%d identity providers configured", len(configs))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *migrateOnly); err != nil {
		logger.WithError(err).Error("Server exited")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *observability.Logger, migrateOnly bool) error {
	dialect, err := accounts.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return err
	}
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if err := accounts.Migrate(ctx, db, dialect, logger); err != nil {
		return err
	}
	if migrateOnly {
		return nil
	}

	otelProviders, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	// Redis is optional. Without it every process keeps its own
	// provider metadata, nonces and sessions.
	var (
		redisClient *redis.Client
		shared      cache.Cache
		sessions    cache.Cache
		nonceStore  nonce.Store
	)
	if cfg.Redis.URL != "" {
		redisClient, err = cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		shared = cache.NewRedisCache(redisClient, cfg.Redis.Prefix)
		sessions = shared
		nonceStore = nonce.NewRedisStore(redisClient, cfg.Redis.Prefix)
	} else {
		logger.Warn("No redis configured, sessions and nonces are local to this process")
		sessions = cache.NewMemoryCache(cfg.Auth.LocalCacheSize, cfg.Auth.SessionTTL)
		nonceStore = nonce.NewMemoryStore(cfg.Auth.LocalCacheSize, cfg.Auth.NonceTTL)
	}

	idpConfigs, err := idp.LoadFile(cfg.Auth.IdPConfigPath)
	if err != nil {
		return err
	}
	providers, err := idp.NewRegistry(idpConfigs, idp.Options{
		Cache:   shared,
		Timeout: cfg.Auth.FetchTimeout,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}
	logger.Infof("Loaded %d identity providers", providers.Len())
	async.SafeGo(ctx, logger, 2*cfg.Auth.FetchTimeout, "warm identity providers", providers.Warm)

	store := accounts.NewStore(db)

	authzLog := logrus.New()
	authzLog.SetFormatter(&logrus.JSONFormatter{})
	authzLog.SetOutput(os.Stdout)
	if cfg.Auth.DebugAuthz {
		authzLog.SetLevel(logrus.DebugLevel)
	}
	manager := authz.NewManager(store, authz.Config{
		MasterUserID: cfg.Auth.MasterUserID,
		Debug:        cfg.Auth.DebugAuthz,
		Logger:       authzLog.WithField("component", "authz"),
		Metrics:      metrics,
	})
	authz.RegisterDefaults(manager)

	var loginLimiter middleware.Limiter
	if cfg.Auth.LoginRateLimit > 0 {
		limit := middleware.RateLimitConfig{
			RequestsPerWindow: cfg.Auth.LoginRateLimit,
			WindowDuration:    time.Minute,
			BurstSize:         cfg.Auth.LoginRateLimit / 3,
		}
		if redisClient != nil {
			loginLimiter = middleware.NewRedisLimiter(redisClient, limit, cfg.Redis.Prefix+"ratelimit")
		} else {
			loginLimiter = middleware.NewMemoryLimiter(limit, cfg.Auth.LocalCacheSize)
		}
	}

	api := httpapi.NewServer(httpapi.Config{
		Auth: authn.New(authn.Config{
			Registry:  providers,
			Nonces:    nonce.NewManager(nonceStore, cfg.Auth.NonceTTL, metrics),
			Validator: token.NewValidator(),
			Users:     store,
			Logger:    logger,
			Metrics:   metrics,
		}),
		Accounts:      store,
		Authz:         manager,
		Sessions:      sessions,
		SessionTTL:    cfg.Auth.SessionTTL,
		BaseURL:       cfg.Server.BaseURL,
		SecureCookies: cfg.Server.SecureCookies,
		TrustProxy:    cfg.Server.TrustProxy,
		LoginLimiter:  loginLimiter,
		Logger:        logger,
		Metrics:       metrics,
	})

	router := mux.NewRouter()
	api.RegisterRoutes(router)
	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      otelhttp.NewHandler(router, "oidcaccount"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	health := observability.NewHealthChecker(db, redisClient)
	opsMux := http.NewServeMux()
	opsMux.HandleFunc("/health", health.Liveness)
	opsMux.HandleFunc("/ready", health.Readiness)
	if cfg.Observability.MetricsEnabled {
		opsMux.Handle("/metrics", observability.MetricsHandler(registry))
	}
	opsServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: opsMux,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	}
	shutdown.Register("ops server", opsServer.Shutdown)

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("Ops server listening on %s", opsServer.Addr)
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("ops server: %w", err)
		}
	}()
	go func() {
		logger.Infof("Listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case serveErr = <-errCh:
		logger.WithError(serveErr).Error("Server failed")
	}
	return errors.Join(serveErr, shutdown.Shutdown(ctx))
}
