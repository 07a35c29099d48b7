// Package main is the entrypoint for the click tracking API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/comparisonguide/clicktrack/internal/auth"
	"github.com/comparisonguide/clicktrack/internal/cache"
	"github.com/comparisonguide/clicktrack/internal/config"
	"github.com/comparisonguide/clicktrack/internal/content"
	"github.com/comparisonguide/clicktrack/internal/handler"
	"github.com/comparisonguide/clicktrack/internal/metrics"
	"github.com/comparisonguide/clicktrack/internal/middleware"
	"github.com/comparisonguide/clicktrack/internal/repository"
	"github.com/comparisonguide/clicktrack/internal/retention"
	"github.com/comparisonguide/clicktrack/internal/server"
	"github.com/comparisonguide/clicktrack/internal/service"
	"github.com/comparisonguide/clicktrack/internal/tracking"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const cacheWarmTimeout = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.LogLevel, cfg.LogFormat)

	if err := run(context.Background(), cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var tokenHash *auth.Hash
	if cfg.APITokenHash != "" {
		h, err := auth.ParseHash(cfg.APITokenHash)
		if err != nil {
			return fmt.Errorf("API_TOKEN_HASH: %w", err)
		}
		tokenHash = h
	} else {
		logger.Warn("API_TOKEN_HASH not set, /api is unauthenticated")
	}

	// Database
	repo, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error(
			"failed to connect to database",
			slog.String("error", sanitizeError(err, cfg.DatabaseURL)),
			slog.String("database_url", redactURL(cfg.DatabaseURL)),
		)
		return errors.New("database unavailable")
	}
	defer repo.Close()
	logger.Info("connected to database")
	clicks := repository.NewClickRepository(repo)

	// Redis (optional)
	var redisClient *cache.Redis
	if cfg.RedisEnabled() {
		redisClient, err = cache.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error(
				"failed to connect to Redis",
				slog.String("error", sanitizeError(err, cfg.RedisURL)),
				slog.String("redis_url", redactURL(cfg.RedisURL)),
			)
			return errors.New("redis unavailable")
		}
		defer redisClient.Close()
		logger.Info("connected to Redis")
	}

	recorder := metrics.NewInMemory()

	// Hooks run LIFO: register the click writers first so they drain after
	// the HTTP server and everything else has stopped.
	var hooks []hook

	// Click writes
	exec := tracking.NewExecutor(clicks, logger, recorder)
	var dispatcher tracking.Dispatcher
	switch cfg.TrackingMode {
	case config.TrackingModeStream:
		// Separate publishes can reach the stream out of order.
		exec.SetMissingClickGrace(tracking.DefaultMissingClickGrace)
		worker := tracking.NewWorker(redisClient.Client(), exec, logger, tracking.NewConsumerID(), recorder)
		worker.SetTaskTimeout(cfg.TrackingTaskTimeout)
		go func() {
			if err := worker.Run(ctx); err != nil {
				logger.Error("tracking worker stopped", "error", err)
			}
		}()
		publisher := tracking.NewPublisher(redisClient.Client(), logger, recorder)
		hooks = append(hooks,
			hook{"tracking-worker", worker.Shutdown},
			hook{"tracking-publisher", publisher.Shutdown},
		)
		dispatcher = publisher
	default:
		queue := tracking.NewQueue(exec, tracking.QueueConfig{
			Workers:     cfg.TrackingWorkers,
			Size:        cfg.TrackingQueueSize,
			TaskTimeout: cfg.TrackingTaskTimeout,
		}, logger, recorder)
		hooks = append(hooks, hook{"tracking-queue", queue.Shutdown})
		dispatcher = queue
	}
	logger.Info("click tracking ready", "mode", cfg.TrackingMode)

	// Content gateway and its response cache
	var storage cache.Storage = cache.NewMemoryStorage(cfg.ContentCacheQuota)
	if cfg.ContentCacheStorage == config.CacheStorageRedis {
		storage = cache.NewRedisStorage(redisClient.Client())
	}
	local := cache.NewLocal(storage, cache.Config{
		DefaultTTL:    cfg.ContentCacheTTL,
		SweepInterval: cfg.ContentCacheSweepInt,
		Logger:        logger,
	})
	if cfg.ContentCacheEnabled {
		local.Start(ctx)
		hooks = append(hooks, hook{"content-cache", local.Shutdown})
	}

	cms := content.NewClient(cfg.CMSURL, cfg.CMSToken, content.NewHTTPClient(cfg.CMSTimeout), logger)
	gateway := content.NewGateway(cms, local, content.GatewayConfig{
		CacheEnabled:  cfg.ContentCacheEnabled,
		DefaultTTL:    cfg.ContentCacheTTL,
		CategoriesTTL: cfg.CategoriesCacheTTL,
	}, recorder, logger)
	if cfg.ContentCacheWarm && gateway.CacheEnabled() {
		go func() {
			warmCtx, cancel := context.WithTimeout(ctx, cacheWarmTimeout)
			defer cancel()
			logger.Info("content cache warmed", "pages", gateway.Warm(warmCtx))
		}()
	}

	// Retention
	if cfg.RetentionDays > 0 {
		job := retention.NewJob(clicks, cfg.RetentionDays, cfg.RetentionInterval, logger)
		if err := job.Start(ctx); err != nil {
			return err
		}
		hooks = append(hooks, hook{"retention", job.Shutdown})
	}

	clickService := service.NewClickService(clicks, gateway, dispatcher, cfg.BaseURL, logger, recorder)

	// Health checks see an untyped nil when Redis is not configured.
	var redisHealth handler.HealthChecker
	var limiter middleware.IPRateLimiter
	if redisClient != nil {
		redisHealth = redisClient
		limiter = redisClient
	}

	r := setupRouter(routes{
		index:    handler.New(version),
		health:   handler.NewHealthHandler(repo, redisHealth),
		metrics:  handler.NewMetricsHandler(recorder),
		redirect: handler.NewRedirectHandler(clickService, recorder, logger),
		clicks:   handler.NewClickHandler(clickService, logger),
		content:  handler.NewContentHandler(gateway, logger),
		cache:    handler.NewCacheHandler(gateway, logger),
	}, routerConfig{
		IsDevelopment:  cfg.IsDevelopment(),
		CORSOrigins:    cfg.GetCORSAllowedOrigins(),
		MaxBodySize:    cfg.MaxRequestBodySize,
		Limiter:        limiter,
		RateLimitRPS:   cfg.RateLimitAPIRPS,
		RateLimitBurst: cfg.RateLimitAPIBurst,
		TokenHash:      tokenHash,
	}, logger)

	srv := server.New(r, server.Config{
		Port:            cfg.AppPort,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)
	for _, h := range hooks {
		srv.OnShutdown(h.name, h.fn)
	}

	logger.Info("starting server",
		"port", cfg.AppPort,
		"base_url", cfg.BaseURL,
		"env", cfg.AppEnv,
		"version", version,
	)

	return srv.Run(ctx)
}

type hook struct {
	name string
	fn   server.ShutdownFunc
}

// initLogger initializes the slog logger based on configuration.
func initLogger(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLogLevel(level),
	}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)

	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var passwordPattern = regexp.MustCompile(`(?i)password=[^\s]+`)

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "[redacted]"
	}

	if parsed.User != nil {
		username := parsed.User.Username()
		if username == "" {
			parsed.User = url.User("redacted")
		} else {
			parsed.User = url.User(username)
		}
	}

	return parsed.String()
}

func sanitizeError(err error, secrets ...string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		redacted := redactURL(secret)
		if redacted == "" {
			redacted = "[redacted]"
		}
		msg = strings.ReplaceAll(msg, secret, redacted)
	}

	return passwordPattern.ReplaceAllString(msg, "password=redacted")
}
