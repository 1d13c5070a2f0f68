package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"booklog/internal/auth"
	"booklog/internal/backend"
	"booklog/internal/cache"
	"booklog/internal/catalog"
	"booklog/internal/cli"
	"booklog/internal/core"
	"booklog/internal/diary"
	apphttp "booklog/internal/http"
	applog "booklog/internal/log"
	"booklog/internal/middleware/ratelimit"
	"booklog/internal/services"
)

const (
	catalogCacheSize   = 500
	catalogCachePrefix = "booklog:catalog:"
	cacheSweepEvery    = 5 * time.Minute
	shutdownTimeout    = 30 * time.Second
)

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadConfig()
	logger := cli.SetupLogger(cfg.LogLevel)
	cli.MustValidate(logger, cfg.Validate)

	ctx := context.Background()

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", applog.FieldError, err)
		os.Exit(1)
	}
	store, err := backend.NewFactory(logger).CreateBackend(ctx, backendCfg)
	if err != nil {
		logger.Error("Failed to initialize backend", applog.FieldError, err, "backend", cfg.DataBackend)
		os.Exit(1)
	}

	feed := diary.NewFeed()
	opts := []services.Option{
		services.WithImportConcurrency(cfg.ImportConcurrency),
		services.WithLogger(logger.WithComponent(applog.ComponentDiary)),
	}
	if store.Publisher != nil {
		opts = append(opts, services.WithPublisher(store.Publisher))
	}
	diarySvc := services.NewDiaryService(store.Backend, store.Backend, feed, opts...)

	// Catalog results are cached in Redis when configured so replicas share
	// lookups; otherwise an in-process LRU swept by the cache manager.
	cacheManager := cache.NewManager(logger.WithComponent(applog.ComponentCache).Logger)
	var (
		catalogCache cache.Cache[[]core.Book]
		redisClient  *redis.Client
	)
	if cfg.RedisURL != "" {
		redisClient, err = cache.NewRedisClient(ctx, cfg.RedisURL, logger.Logger)
		if err != nil {
			logger.Warn("Redis unavailable, falling back to in-memory catalog cache", applog.FieldError, err)
		}
	}
	if redisClient != nil {
		catalogCache = cache.NewRedisCache[[]core.Book](redisClient, catalogCachePrefix, cfg.CatalogCacheTTL, logger.Logger)
	} else {
		lru := cache.NewLRUCache[[]core.Book](catalogCacheSize, cfg.CatalogCacheTTL)
		cacheManager.Register(lru)
		catalogCache = lru
	}
	cacheManager.StartCleanup(cacheSweepEvery)

	catalogClient := catalog.New(logger.WithComponent(applog.ComponentCatalog).Logger,
		catalog.WithBaseURL(cfg.CatalogBaseURL),
		catalog.WithCache(catalogCache),
	)

	authOpts := []auth.Option{}
	if cfg.JWTIssuer != "" {
		authOpts = append(authOpts, auth.WithIssuer(cfg.JWTIssuer))
	}
	authn := auth.New(cfg.JWTSecret, authOpts...)
	if authn.DevMode() {
		logger.Warn("JWT_SECRET is empty, trusting the " + auth.DevUserHeader + " header")
	}

	rl := ratelimit.DefaultConfig()
	rl.RequestsPerSecond = cfg.RateLimitRPS
	rl.Burst = cfg.RateLimitBurst

	srv := apphttp.NewServer(apphttp.Config{
		Addr:            cfg.Addr(),
		CORSOrigins:     cfg.CORSOrigins,
		RateLimit:       rl,
		BlockSuspicious: cfg.BlockSuspicious,
	}, diarySvc, catalogClient, authn, logger)

	shutdownCtx, done := cli.GracefulShutdown(logger, shutdownTimeout, func(ctx context.Context) {
		// Closing the feed ends open streams so Shutdown does not wait on them.
		feed.Close()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", applog.FieldError, err)
		}
		catalogClient.Close()
		cacheManager.Stop()
		if redisClient != nil {
			_ = redisClient.Close()
		}
		if err := store.Close(); err != nil {
			logger.Error("Backend cleanup failed", applog.FieldError, err)
		}
	})

	logger.Info("Starting booklog server",
		"port", cfg.Port,
		"backend", cfg.DataBackend,
		"events", store.Publisher != nil,
		"redis", redisClient != nil)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", applog.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(shutdownCtx, done)
	logger.Info("Server stopped gracefully")
}
