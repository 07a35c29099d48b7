package main

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/comparisonguide/clicktrack/internal/auth"
	"github.com/comparisonguide/clicktrack/internal/handler"
	"github.com/comparisonguide/clicktrack/internal/middleware"
)

type routes struct {
	index    *handler.Handler
	health   *handler.HealthHandler
	metrics  *handler.MetricsHandler
	redirect *handler.RedirectHandler
	clicks   *handler.ClickHandler
	content  *handler.ContentHandler
	cache    *handler.CacheHandler
}

type routerConfig struct {
	IsDevelopment  bool
	CORSOrigins    []string
	MaxBodySize    int64
	Limiter        middleware.IPRateLimiter
	RateLimitRPS   int
	RateLimitBurst int
	TokenHash      *auth.Hash
}

// setupRouter configures the chi router with all routes and middleware.
func setupRouter(h routes, cfg routerConfig, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Security(middleware.SecurityConfig{IsDevelopment: cfg.IsDevelopment}))

	// Probes
	r.Get("/healthz", h.health.Healthz)
	r.Get("/readyz", h.health.Readyz)
	r.Get("/metrics", h.metrics.Metrics)

	// Redirect pipeline. These pages carry an inline script, so the API
	// content security policy is not applied.
	r.Get("/c", h.redirect.Entry)
	r.Get("/c/i", h.redirect.Intermediate)

	cors := middleware.CORS(middleware.DefaultCORSConfig(cfg.CORSOrigins))

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIHeaders)
		r.Use(cors)
		r.Use(middleware.MaxBodySize(cfg.MaxBodySize))
		r.Use(middleware.RateLimitIP(middleware.RateLimitConfig{
			Logger:  logger,
			Limiter: cfg.Limiter,
			RPS:     cfg.RateLimitRPS,
			Burst:   cfg.RateLimitBurst,
		}))
		r.Use(middleware.Auth(middleware.AuthConfig{
			Logger: logger,
			Hash:   cfg.TokenHash,
		}))

		r.Get("/", h.index.Index)

		r.Route("/clicks", func(r chi.Router) {
			r.Post("/", h.clicks.Create)
			r.Get("/", h.clicks.Get)
			r.Put("/", h.clicks.Update)
			r.Get("/recent", h.clicks.Recent)
		})

		r.Delete("/cache", h.cache.Clear)
		r.Delete("/cache/{key}", h.cache.Invalidate)
		r.Get("/cache/stats", h.cache.Stats)
	})

	r.Route("/content", func(r chi.Router) {
		r.Use(middleware.APIHeaders)
		r.Use(cors)

		r.Get("/categories", h.content.Categories)
		r.Get("/categories/{slug}", h.content.Category)
		r.Get("/providers/{slug}", h.content.Provider)
		r.Get("/use-cases/{slug}", h.content.UseCase)
		r.Get("/articles/{slug}", h.content.Article)
		r.Get("/pages/{slug}", h.content.Page)
	})

	r.NotFound(h.index.NotFound)
	r.MethodNotAllowed(h.index.MethodNotAllowed)

	return r
}
