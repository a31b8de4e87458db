package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/strandlabs/chatstream/internal/chat"
	"github.com/strandlabs/chatstream/internal/circuitbreaker"
	"github.com/strandlabs/chatstream/internal/config"
	"github.com/strandlabs/chatstream/internal/db"
	"github.com/strandlabs/chatstream/internal/eventlog"
	"github.com/strandlabs/chatstream/internal/health"
	"github.com/strandlabs/chatstream/internal/httpapi"
	"github.com/strandlabs/chatstream/internal/modelcat"
	"github.com/strandlabs/chatstream/internal/producer"
	"github.com/strandlabs/chatstream/internal/provider"
	"github.com/strandlabs/chatstream/internal/ratelimit"
	"github.com/strandlabs/chatstream/internal/secrets"
	"github.com/strandlabs/chatstream/internal/stop"
	"github.com/strandlabs/chatstream/internal/subscriber"
	"github.com/strandlabs/chatstream/internal/tracing"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	circuitbreaker.StartMetricsCollection()

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	store, err := db.NewClient(&db.Config{
		Host:            cfg.Postgres.Host,
		Port:            cfg.Postgres.Port,
		User:            cfg.Postgres.User,
		Password:        cfg.Postgres.Password,
		Database:        cfg.Postgres.Database,
		SSLMode:         cfg.Postgres.SSLMode,
		MaxConnections:  cfg.Postgres.MaxConnections,
		IdleConnections: cfg.Postgres.IdleConnections,
		MaxLifetime:     cfg.Postgres.ConnMaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize message store", zap.Error(err))
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Event log appends and blocked reads ride separate pools so a slow
	// follower can never starve the write path. The wrapped shared pool
	// carries stop flags and rate-limit counters behind a circuit breaker.
	writer := redisClient(cfg.Redis)
	defer writer.Close()
	reader := redisClient(cfg.Redis)
	defer reader.Close()
	sharedClient := redisClient(cfg.Redis)
	defer sharedClient.Close()
	shared := circuitbreaker.NewRedisWrapper(sharedClient, logger)

	catalog, err := modelcat.Load(cfg.Models.Path, logger)
	if err != nil {
		logger.Fatal("Failed to load model catalog",
			zap.String("path", cfg.Models.Path),
			zap.Error(err))
	}
	defer catalog.Close()
	if err := catalog.Watch(); err != nil {
		logger.Warn("Model catalog hot reload unavailable", zap.Error(err))
	}

	sealer, err := secrets.NewSealer(cfg.Secrets.MasterKey)
	if err != nil {
		logger.Fatal("Failed to initialize credential sealer", zap.Error(err))
	}

	registry := provider.NewRegistry(logger)
	registry.Register(
		provider.NewOpenAIAdapter(cfg.Providers.OpenAI.BaseURL, nil, logger),
		cfg.Providers.OpenAI.RPS, cfg.Providers.OpenAI.Burst)
	registry.Register(
		provider.NewAnthropicAdapter(cfg.Providers.Anthropic.BaseURL, nil, logger),
		cfg.Providers.Anthropic.RPS, cfg.Providers.Anthropic.Burst)

	limits := make(map[string]ratelimit.Limit, len(cfg.RateLimit.PerProvider))
	for name, lc := range cfg.RateLimit.PerProvider {
		limits[name] = ratelimit.Limit{Requests: lc.Requests, Window: lc.Window}
	}
	limiter := ratelimit.NewLimiter(shared, limits, ratelimit.Limit{
		Requests: cfg.RateLimit.Default.Requests,
		Window:   cfg.RateLimit.Default.Window,
	}, logger)

	eventLog := eventlog.New(writer, reader, cfg.Stream.EventTTL, logger)
	stops := stop.NewRegistry(shared, cfg.Stream.StopFlagTTL, logger)

	serviceKeys := make(map[string]string)
	if k := cfg.Providers.OpenAI.ServiceKey; k != "" {
		serviceKeys["openai"] = k
	}
	if k := cfg.Providers.Anthropic.ServiceKey; k != "" {
		serviceKeys["anthropic"] = k
	}

	mgr := producer.NewManager(producer.Deps{
		Store:     store,
		Log:       eventLog,
		Stops:     stops,
		Limiter:   limiter,
		Catalog:   catalog,
		Providers: registry,
		Sealer:    sealer,
	}, producer.Config{
		HistoryLimit: cfg.Stream.HistoryLimit,
		SystemPrompt: cfg.Stream.SystemPrompt,
		Batcher: eventlog.BatcherOptions{
			FlushInterval: cfg.Stream.FlushInterval,
			MaxBatch:      cfg.Stream.MaxBatch,
		},
		ServiceKeys: serviceKeys,
	}, logger)

	sub := subscriber.New(eventLog, subscriber.Options{}, logger)

	svc := chat.New(chat.Deps{
		Store:      store,
		Producer:   mgr,
		Subscriber: sub,
		Stops:      stops,
		Catalog:    catalog,
		Sealer:     sealer,
	}, logger)

	mux := http.NewServeMux()
	httpapi.NewServer(svc, logger).RegisterRoutes(mux)
	apiServer := httpapi.NewHTTPServer(cfg.Server.Addr, mux)

	hm := health.NewManager(cfg.Health.CheckInterval, cfg.Health.Timeout, logger)
	hm.Register(health.NewDatabaseChecker(store.Wrapper()))
	hm.Register(health.NewRedisChecker("redis-shared", sharedClient, shared))
	hm.Register(health.NewRedisChecker("redis-stream", writer, nil))
	hm.Start()
	defer hm.Stop()

	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", promhttp.Handler())
	hm.RegisterRoutes(adminMux)
	adminServer := &http.Server{
		Addr:         cfg.Server.AdminAddr,
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Admin server listening", zap.String("addr", cfg.Server.AdminAddr))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin server failed", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("API server listening", zap.String("addr", cfg.Server.Addr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	<-ctx.Done()
	stopSignals()
	logger.Info("Shutting down")

	timeout := cfg.Server.GracefulTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Aborting producers first lets them finalize with an Aborted terminal
	// event, which in turn unblocks the SSE and WebSocket handlers that
	// Shutdown is about to wait on.
	stops.AbortAll()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown incomplete", zap.Error(err))
	}

	waitForProducers(shutdownCtx, stops, logger)

	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin server shutdown incomplete", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown incomplete", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}

func redisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// waitForProducers blocks until every producer has finalized its message or
// the shutdown deadline passes.
func waitForProducers(ctx context.Context, stops *stop.Registry, logger *zap.Logger) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if stops.ActiveCount() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			logger.Warn("Producers still active at shutdown deadline",
				zap.Int("count", stops.ActiveCount()))
			return
		case <-ticker.C:
		}
	}
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Environment == "development" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
