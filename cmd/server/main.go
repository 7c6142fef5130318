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
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apihttp "pkgscout/searchservice/internal/api/http"
	"pkgscout/searchservice/internal/app"
	"pkgscout/searchservice/internal/discovery"
	"pkgscout/searchservice/internal/history"
	"pkgscout/searchservice/internal/metrics"
	"pkgscout/searchservice/internal/registry"
	"pkgscout/searchservice/internal/settings"
	"pkgscout/searchservice/internal/telemetry"
)

const serviceVersion = "1.0.0"

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "package-search", serviceVersion)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "package-search"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("registryEndpoint", cfg.RegistryEndpoint),
		slog.Duration("registryTimeout", cfg.RegistryTimeout),
		slog.Bool("hasDiscovery", strings.TrimSpace(cfg.DiscoveryEndpoint) != ""),
		slog.Bool("hasRedis", strings.TrimSpace(cfg.RedisURL) != ""),
		slog.Int("enrichConcurrency", cfg.EnrichConcurrency),
		slog.Duration("debounce", cfg.Debounce),
		slog.Duration("sessionIdle", cfg.SessionIdleTimeout),
	)

	redisClient := connectRedis(cfg, logger)

	detailsCacheOpts := []registry.DetailsCacheOption{
		registry.WithDetailsTTL(cfg.DetailsCacheTTL),
	}
	if redisClient != nil {
		detailsCacheOpts = append(detailsCacheOpts, registry.WithRedisBackend(registry.NewRedisDetailsBackend(redisClient)))
	}
	registryClient := registry.NewClient(registry.Config{
		Endpoint:  cfg.RegistryEndpoint,
		UserAgent: cfg.UserAgent,
		Client: &http.Client{
			Timeout:   cfg.RegistryTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		RPS:   cfg.RegistryRPS,
		Burst: cfg.RegistryBurst,
		Cache: registry.NewDetailsCache(detailsCacheOpts...),
	})

	var discoveryClient *discovery.Client
	if strings.TrimSpace(cfg.DiscoveryEndpoint) != "" {
		discoveryClient = discovery.NewClient(discovery.Config{
			Endpoint: cfg.DiscoveryEndpoint,
			APIKey:   cfg.DiscoveryAPIKey,
			Client: &http.Client{
				Timeout:   20 * time.Second,
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			},
			Redis: redisClient,
		})
		logger.Info("discovery client initialized")
	} else {
		logger.Info("discovery endpoint not configured, discovery mode disabled")
	}

	var historyStore history.Store
	var settingsStore settings.Store
	if redisClient != nil {
		historyStore = history.NewRedisStore(redisClient, cfg.HistoryLimit)
		settingsStore = settings.NewRedisStore(redisClient)
	} else {
		historyStore = history.NewMemoryStore(cfg.HistoryLimit)
		settingsStore = settings.NewMemoryStore()
	}

	deps := app.SessionDeps{
		Registry:     registryClient,
		History:      historyStore,
		Settings:     settingsStore,
		Debounce:     cfg.Debounce,
		PageSize:     cfg.SearchPageSize,
		BulkPageSize: cfg.BulkPageSize,
		EnrichLimit:  int64(cfg.EnrichConcurrency),
		IdleTTL:      cfg.SessionIdleTimeout,
	}
	if discoveryClient != nil {
		deps.Discovery = discoveryClient
	}
	sessions := app.NewSessionManager(deps)
	defer sessions.Close()

	handler := apihttp.NewServer(sessions, historyStore, settingsStore,
		apihttp.WithLogger(logger),
	).Handler()
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// SSE streaming (/search/stream) can legitimately exceed short write
		// timeouts, so keep it disabled at the server level.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("package search service started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("package search service stopped")
}

func connectRedis(cfg app.Config, logger *slog.Logger) *redis.Client {
	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid redis url, falling back to in-memory stores", slog.String("error", err.Error()))
		return nil
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable, falling back to in-memory stores", slog.String("error", err.Error()))
		return nil
	}
	logger.Info("redis connected", slog.String("addr", opts.Addr))
	return client
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
