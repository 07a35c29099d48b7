package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/comparisonguide/clicktrack/internal/cache"
	"github.com/comparisonguide/clicktrack/internal/content"
	"github.com/comparisonguide/clicktrack/internal/handler/dto"
	"github.com/comparisonguide/clicktrack/internal/model"
)

// ContentSource is the read-through CMS view served to page renderers.
type ContentSource interface {
	Categories(ctx context.Context) (*model.Collection, error)
	Category(ctx context.Context, slug string) (*model.Collection, error)
	Provider(ctx context.Context, slug string) (*model.Collection, error)
	UseCase(ctx context.Context, slug string) (*model.Collection, error)
	Article(ctx context.Context, slug string) (*model.Collection, error)
	Page(ctx context.Context, slug string) (*model.Collection, error)
	CategoryWithRelated(ctx context.Context, slug string) (*content.CategoryBundle, error)
	ProviderWithRelated(ctx context.Context, slug string) (*content.ProviderBundle, error)
	UseCaseWithRelated(ctx context.Context, slug string) (*content.UseCaseBundle, error)
}

// ContentCache is the cache administration surface.
type ContentCache interface {
	Invalidate(ctx context.Context, key string)
	Clear(ctx context.Context) int
	CacheStats(ctx context.Context) cache.Stats
	CacheEnabled() bool
}

// ContentHandler passes CMS content through as JSON. Upstream failures
// answer 200 with an empty collection.
type ContentHandler struct {
	src    ContentSource
	logger *slog.Logger
}

// NewContentHandler creates a new ContentHandler.
func NewContentHandler(src ContentSource, logger *slog.Logger) *ContentHandler {
	return &ContentHandler{
		src:    src,
		logger: logger.With("component", "content_handler"),
	}
}

// Categories handles GET /content/categories.
func (h *ContentHandler) Categories(w http.ResponseWriter, r *http.Request) {
	coll, err := h.src.Categories(r.Context())
	h.writeCollection(w, r, "categories", coll, err)
}

// Category handles GET /content/categories/{slug}. With ?related=1 the
// category's providers and use cases are included.
func (h *ContentHandler) Category(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if wantsRelated(r) {
		bundle, err := h.src.CategoryWithRelated(r.Context(), slug)
		h.writeBundle(w, r, "category", bundle, err)
		return
	}
	coll, err := h.src.Category(r.Context(), slug)
	h.writeCollection(w, r, "category", coll, err)
}

// Provider handles GET /content/providers/{slug}.
func (h *ContentHandler) Provider(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if wantsRelated(r) {
		bundle, err := h.src.ProviderWithRelated(r.Context(), slug)
		h.writeBundle(w, r, "provider", bundle, err)
		return
	}
	coll, err := h.src.Provider(r.Context(), slug)
	h.writeCollection(w, r, "provider", coll, err)
}

// UseCase handles GET /content/use-cases/{slug}.
func (h *ContentHandler) UseCase(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if wantsRelated(r) {
		bundle, err := h.src.UseCaseWithRelated(r.Context(), slug)
		h.writeBundle(w, r, "use_case", bundle, err)
		return
	}
	coll, err := h.src.UseCase(r.Context(), slug)
	h.writeCollection(w, r, "use_case", coll, err)
}

// Article handles GET /content/articles/{slug}.
func (h *ContentHandler) Article(w http.ResponseWriter, r *http.Request) {
	coll, err := h.src.Article(r.Context(), chi.URLParam(r, "slug"))
	h.writeCollection(w, r, "article", coll, err)
}

// Page handles GET /content/pages/{slug}.
func (h *ContentHandler) Page(w http.ResponseWriter, r *http.Request) {
	coll, err := h.src.Page(r.Context(), chi.URLParam(r, "slug"))
	h.writeCollection(w, r, "page", coll, err)
}

func (h *ContentHandler) writeCollection(w http.ResponseWriter, r *http.Request, resource string, coll *model.Collection, err error) {
	if err != nil {
		h.logFailure(r, resource, err)
	}
	if err != nil || coll == nil || coll.Data == nil {
		coll = model.EmptyCollection()
	}
	writeJSON(w, http.StatusOK, coll)
}

func (h *ContentHandler) writeBundle(w http.ResponseWriter, r *http.Request, resource string, bundle any, err error) {
	if err != nil {
		h.logFailure(r, resource, err)
		writeJSON(w, http.StatusOK, model.EmptyCollection())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": bundle})
}

func (h *ContentHandler) logFailure(r *http.Request, resource string, err error) {
	level := slog.LevelWarn
	if errors.Is(err, content.ErrNotFound) {
		level = slog.LevelDebug
	}
	h.logger.Log(r.Context(), level, "content unavailable",
		"resource", resource,
		"path", r.URL.Path,
		"error", err,
	)
}

func wantsRelated(r *http.Request) bool {
	switch r.URL.Query().Get("related") {
	case "1", "true":
		return true
	}
	return false
}

// CacheHandler administers the content response cache.
type CacheHandler struct {
	cache  ContentCache
	logger *slog.Logger
}

// NewCacheHandler creates a new CacheHandler.
func NewCacheHandler(c ContentCache, logger *slog.Logger) *CacheHandler {
	return &CacheHandler{
		cache:  c,
		logger: logger.With("component", "cache_handler"),
	}
}

// CacheStatsResponse reports cache occupancy.
type CacheStatsResponse struct {
	Enabled bool `json:"enabled"`
	cache.Stats
}

// Clear handles DELETE /api/cache.
func (h *CacheHandler) Clear(w http.ResponseWriter, r *http.Request) {
	n := h.cache.Clear(r.Context())
	h.logger.Info("cache_cleared", "entries", n)
	writeJSON(w, http.StatusOK, dto.CacheClearResponse{Success: true, Cleared: n})
}

// Invalidate handles DELETE /api/cache/{key}. Removing a key that is not
// cached still succeeds.
func (h *CacheHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	h.cache.Invalidate(r.Context(), key)
	h.logger.Info("cache_invalidated", "key", key)
	writeJSON(w, http.StatusOK, dto.CacheInvalidateResponse{Success: true, Key: key})
}

// Stats handles GET /api/cache/stats.
func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CacheStatsResponse{
		Enabled: h.cache.CacheEnabled(),
		Stats:   h.cache.CacheStats(r.Context()),
	})
}
