package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/comparisonguide/clicktrack/internal/cache"
	"github.com/comparisonguide/clicktrack/internal/metrics"
	"github.com/comparisonguide/clicktrack/internal/model"
	"golang.org/x/sync/errgroup"
)

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	// CacheEnabled turns the response cache on. With it off every call goes
	// to the CMS.
	CacheEnabled  bool
	DefaultTTL    time.Duration
	CategoriesTTL time.Duration
}

// Gateway is a read-through view of the CMS. Successful responses are cached
// in a Local cache; failures are never cached.
type Gateway struct {
	fetcher       Fetcher
	cache         *cache.Local
	enabled       bool
	defaultTTL    time.Duration
	categoriesTTL time.Duration
	metrics       metrics.Recorder
	logger        *slog.Logger
}

// NewGateway creates a Gateway. local may be nil, which disables caching.
func NewGateway(fetcher Fetcher, local *cache.Local, cfg GatewayConfig, recorder metrics.Recorder, logger *slog.Logger) *Gateway {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = cache.DefaultTTL
	}
	if cfg.CategoriesTTL <= 0 {
		cfg.CategoriesTTL = cache.CategoriesTTL
	}
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		fetcher:       fetcher,
		cache:         local,
		enabled:       cfg.CacheEnabled && local != nil,
		defaultTTL:    cfg.DefaultTTL,
		categoriesTTL: cfg.CategoriesTTL,
		metrics:       recorder,
		logger:        logger.With("component", "content_gateway"),
	}
}

// CacheEnabled reports whether responses are being cached.
func (g *Gateway) CacheEnabled() bool {
	return g.enabled
}

// Categories returns the full category listing.
func (g *Gateway) Categories(ctx context.Context) (*model.Collection, error) {
	return g.collection(ctx, categoriesKey, categoriesPath(), g.categoriesTTL)
}

// Category returns the categories matching slug (zero or one).
func (g *Gateway) Category(ctx context.Context, slug string) (*model.Collection, error) {
	return g.collection(ctx, categoryKey(slug), categoryBySlugPath(slug), g.defaultTTL)
}

// Provider returns the providers matching slug (zero or one).
func (g *Gateway) Provider(ctx context.Context, slug string) (*model.Collection, error) {
	return g.collection(ctx, providerKey(slug), providerBySlugPath(slug), g.defaultTTL)
}

// UseCase returns the use cases matching slug (zero or one).
func (g *Gateway) UseCase(ctx context.Context, slug string) (*model.Collection, error) {
	return g.collection(ctx, useCaseKey(slug), useCaseBySlugPath(slug), g.defaultTTL)
}

// ProvidersByCategory returns the providers of a category document.
func (g *Gateway) ProvidersByCategory(ctx context.Context, categoryDocumentID string) (*model.Collection, error) {
	return g.collection(ctx, providersByCategoryKey(categoryDocumentID), providersByCategoryPath(categoryDocumentID), g.defaultTTL)
}

// UseCasesByCategory returns the use cases of a category document.
func (g *Gateway) UseCasesByCategory(ctx context.Context, categoryDocumentID string) (*model.Collection, error) {
	return g.collection(ctx, useCasesByCategoryKey(categoryDocumentID), useCasesByCategoryPath(categoryDocumentID), g.defaultTTL)
}

// Article returns the articles matching slug (zero or one).
func (g *Gateway) Article(ctx context.Context, slug string) (*model.Collection, error) {
	return g.collection(ctx, articleKey(slug), articleBySlugPath(slug), g.defaultTTL)
}

// Page returns the pages matching slug (zero or one).
func (g *Gateway) Page(ctx context.Context, slug string) (*model.Collection, error) {
	return g.collection(ctx, pageKey(slug), pageBySlugPath(slug), g.defaultTTL)
}

// CategoryByID returns one category by document id. The cached category
// listing is consulted before the CMS.
func (g *Gateway) CategoryByID(ctx context.Context, documentID string) (json.RawMessage, error) {
	if g.enabled {
		if raw, ok := g.cache.Get(ctx, categoriesKey); ok {
			var listing model.Collection
			if err := json.Unmarshal(raw, &listing); err == nil {
				for _, item := range listing.Data {
					var ref model.Ref
					if json.Unmarshal(item, &ref) == nil && ref.DocumentID == documentID {
						g.metrics.IncContentCacheHit()
						return item, nil
					}
				}
			}
		}
	}

	var doc model.Document
	if err := g.fetcher.Fetch(ctx, categoryByIDPath(documentID), &doc); err != nil {
		g.metrics.IncContentUpstreamError()
		return nil, err
	}
	if len(doc.Data) == 0 || string(doc.Data) == "null" {
		return nil, fmt.Errorf("category %s: %w", documentID, ErrNotFound)
	}
	return doc.Data, nil
}

// ResolveProvider returns the provider with the given slug. It returns
// ErrNotFound when the CMS has no such provider.
func (g *Gateway) ResolveProvider(ctx context.Context, slug string) (*model.Provider, error) {
	coll, err := g.Provider(ctx, slug)
	if err != nil {
		return nil, err
	}

	var p model.Provider
	found, err := coll.DecodeFirst(&p)
	if err != nil {
		return nil, fmt.Errorf("%w: provider %s: %v", ErrUpstream, slug, err)
	}
	if !found {
		return nil, fmt.Errorf("provider %s: %w", slug, ErrNotFound)
	}
	return &p, nil
}

// Invalidate drops one cache key.
func (g *Gateway) Invalidate(ctx context.Context, key string) {
	if g.cache != nil {
		g.cache.Delete(ctx, key)
	}
}

// Clear drops every cached response and returns how many were removed.
func (g *Gateway) Clear(ctx context.Context) int {
	if g.cache == nil {
		return 0
	}
	return g.cache.Clear(ctx)
}

// CacheStats reports the cache contents.
func (g *Gateway) CacheStats(ctx context.Context) cache.Stats {
	if g.cache == nil {
		return cache.Stats{}
	}
	return g.cache.Stats(ctx)
}

func (g *Gateway) collection(ctx context.Context, key, path string, ttl time.Duration) (*model.Collection, error) {
	if g.enabled {
		if raw, ok := g.cache.Get(ctx, key); ok {
			var coll model.Collection
			if err := json.Unmarshal(raw, &coll); err == nil {
				g.metrics.IncContentCacheHit()
				return &coll, nil
			}
			g.cache.Delete(ctx, key)
		}
		g.metrics.IncContentCacheMiss()
	}

	var coll model.Collection
	if err := g.fetcher.Fetch(ctx, path, &coll); err != nil {
		g.metrics.IncContentUpstreamError()
		return nil, err
	}
	if coll.Data == nil {
		coll.Data = []json.RawMessage{}
	}

	if g.enabled {
		g.cache.SetWithTTL(ctx, key, &coll, ttl)
	}
	return &coll, nil
}

// CategoryBundle is a category with its providers and use cases.
type CategoryBundle struct {
	Category  json.RawMessage   `json:"category"`
	Providers []json.RawMessage `json:"providers"`
	UseCases  []json.RawMessage `json:"useCases"`
}

// ProviderBundle is a provider with its category and the other providers in
// that category.
type ProviderBundle struct {
	Provider         json.RawMessage   `json:"provider"`
	Category         json.RawMessage   `json:"category"`
	RelatedProviders []json.RawMessage `json:"relatedProviders"`
}

// UseCaseBundle is a use case with its category and that category's providers.
type UseCaseBundle struct {
	UseCase          json.RawMessage   `json:"useCase"`
	Category         json.RawMessage   `json:"category"`
	RelatedProviders []json.RawMessage `json:"relatedProviders"`
}

// CategoryWithRelated loads a category and then its providers and use cases
// in parallel. A failed related fetch leaves that list empty.
func (g *Gateway) CategoryWithRelated(ctx context.Context, slug string) (*CategoryBundle, error) {
	coll, err := g.Category(ctx, slug)
	if err != nil {
		return nil, err
	}
	var cat model.Category
	found, err := coll.DecodeFirst(&cat)
	if err != nil {
		return nil, fmt.Errorf("%w: category %s: %v", ErrUpstream, slug, err)
	}
	if !found {
		return nil, fmt.Errorf("category %s: %w", slug, ErrNotFound)
	}

	bundle := &CategoryBundle{
		Category:  coll.Data[0],
		Providers: []json.RawMessage{},
		UseCases:  []json.RawMessage{},
	}

	var eg errgroup.Group
	eg.Go(func() error {
		providers, err := g.ProvidersByCategory(ctx, cat.DocumentID)
		if err != nil {
			g.logger.Warn("related providers unavailable", "category", slug, "error", err)
			return nil
		}
		bundle.Providers = providers.Data
		return nil
	})
	eg.Go(func() error {
		useCases, err := g.UseCasesByCategory(ctx, cat.DocumentID)
		if err != nil {
			g.logger.Warn("related use cases unavailable", "category", slug, "error", err)
			return nil
		}
		bundle.UseCases = useCases.Data
		return nil
	})
	_ = eg.Wait()

	return bundle, nil
}

// ProviderWithRelated loads a provider and then its category and sibling
// providers in parallel. The sibling list excludes the provider itself and is
// cached under its own key.
func (g *Gateway) ProviderWithRelated(ctx context.Context, slug string) (*ProviderBundle, error) {
	coll, err := g.Provider(ctx, slug)
	if err != nil {
		return nil, err
	}
	var p model.Provider
	found, err := coll.DecodeFirst(&p)
	if err != nil {
		return nil, fmt.Errorf("%w: provider %s: %v", ErrUpstream, slug, err)
	}
	if !found {
		return nil, fmt.Errorf("provider %s: %w", slug, ErrNotFound)
	}

	bundle := &ProviderBundle{
		Provider:         coll.Data[0],
		RelatedProviders: []json.RawMessage{},
	}
	if p.Category == nil || p.Category.DocumentID == "" {
		return bundle, nil
	}
	categoryID := p.Category.DocumentID

	var eg errgroup.Group
	eg.Go(func() error {
		category, err := g.CategoryByID(ctx, categoryID)
		if err != nil {
			g.logger.Warn("provider category unavailable", "provider", slug, "error", err)
			return nil
		}
		bundle.Category = category
		return nil
	})
	eg.Go(func() error {
		related, err := g.relatedProviders(ctx, categoryID, p.DocumentID)
		if err != nil {
			g.logger.Warn("related providers unavailable", "provider", slug, "error", err)
			return nil
		}
		bundle.RelatedProviders = related
		return nil
	})
	_ = eg.Wait()

	return bundle, nil
}

func (g *Gateway) relatedProviders(ctx context.Context, categoryID, excludeID string) ([]json.RawMessage, error) {
	key := relatedProvidersKey(categoryID, excludeID)
	if g.enabled {
		if raw, ok := g.cache.Get(ctx, key); ok {
			var related []json.RawMessage
			if err := json.Unmarshal(raw, &related); err == nil {
				g.metrics.IncContentCacheHit()
				return related, nil
			}
		}
	}

	all, err := g.ProvidersByCategory(ctx, categoryID)
	if err != nil {
		return nil, err
	}

	related := make([]json.RawMessage, 0, len(all.Data))
	for _, item := range all.Data {
		var ref model.Ref
		if err := json.Unmarshal(item, &ref); err != nil || ref.DocumentID == excludeID {
			continue
		}
		related = append(related, item)
	}

	if g.enabled {
		g.cache.SetWithTTL(ctx, key, related, g.defaultTTL)
	}
	return related, nil
}

// UseCaseWithRelated loads a use case and then its category and that
// category's providers in parallel.
func (g *Gateway) UseCaseWithRelated(ctx context.Context, slug string) (*UseCaseBundle, error) {
	coll, err := g.UseCase(ctx, slug)
	if err != nil {
		return nil, err
	}
	var uc model.UseCase
	found, err := coll.DecodeFirst(&uc)
	if err != nil {
		return nil, fmt.Errorf("%w: use case %s: %v", ErrUpstream, slug, err)
	}
	if !found {
		return nil, fmt.Errorf("use case %s: %w", slug, ErrNotFound)
	}

	bundle := &UseCaseBundle{
		UseCase:          coll.Data[0],
		RelatedProviders: []json.RawMessage{},
	}
	if uc.Category == nil || uc.Category.DocumentID == "" {
		return bundle, nil
	}
	categoryID := uc.Category.DocumentID

	var eg errgroup.Group
	eg.Go(func() error {
		category, err := g.CategoryByID(ctx, categoryID)
		if err != nil {
			g.logger.Warn("use case category unavailable", "use_case", slug, "error", err)
			return nil
		}
		bundle.Category = category
		return nil
	})
	eg.Go(func() error {
		providers, err := g.ProvidersByCategory(ctx, categoryID)
		if err != nil {
			g.logger.Warn("use case providers unavailable", "use_case", slug, "error", err)
			return nil
		}
		bundle.RelatedProviders = providers.Data
		return nil
	})
	_ = eg.Wait()

	return bundle, nil
}

// PreloadCategory warms the cache for a category page. Failures are logged.
func (g *Gateway) PreloadCategory(ctx context.Context, slug string) {
	g.preload(ctx, categoryKey(slug), func() error {
		_, err := g.CategoryWithRelated(ctx, slug)
		return err
	})
}

// PreloadProvider warms the cache for a provider page. Failures are logged.
func (g *Gateway) PreloadProvider(ctx context.Context, slug string) {
	g.preload(ctx, providerKey(slug), func() error {
		_, err := g.ProviderWithRelated(ctx, slug)
		return err
	})
}

// PreloadUseCase warms the cache for a use case page. Failures are logged.
func (g *Gateway) PreloadUseCase(ctx context.Context, slug string) {
	g.preload(ctx, useCaseKey(slug), func() error {
		_, err := g.UseCaseWithRelated(ctx, slug)
		return err
	})
}

// warmConcurrency caps how many categories Warm loads at once.
const warmConcurrency = 4

// Warm preloads every category page in the listing, then the provider and
// use case pages each category links to. It returns how many pages it
// visited. Pages already cached are not fetched again.
func (g *Gateway) Warm(ctx context.Context) int {
	if !g.enabled {
		return 0
	}
	listing, err := g.Categories(ctx)
	if err != nil {
		g.logger.Warn("cache warm-up skipped", "error", err)
		return 0
	}

	var visited atomic.Int64
	var eg errgroup.Group
	eg.SetLimit(warmConcurrency)
	for _, item := range listing.Data {
		var cat model.Ref
		if err := json.Unmarshal(item, &cat); err != nil || cat.Slug == "" {
			continue
		}
		eg.Go(func() error {
			g.PreloadCategory(ctx, cat.Slug)
			visited.Add(1)
			if cat.DocumentID == "" {
				return nil
			}
			if providers, err := g.ProvidersByCategory(ctx, cat.DocumentID); err == nil {
				for _, slug := range slugsOf(providers) {
					g.PreloadProvider(ctx, slug)
					visited.Add(1)
				}
			}
			if useCases, err := g.UseCasesByCategory(ctx, cat.DocumentID); err == nil {
				for _, slug := range slugsOf(useCases) {
					g.PreloadUseCase(ctx, slug)
					visited.Add(1)
				}
			}
			return nil
		})
	}
	_ = eg.Wait()
	return int(visited.Load())
}

func slugsOf(coll *model.Collection) []string {
	slugs := make([]string, 0, len(coll.Data))
	for _, item := range coll.Data {
		var ref model.Ref
		if json.Unmarshal(item, &ref) == nil && ref.Slug != "" {
			slugs = append(slugs, ref.Slug)
		}
	}
	return slugs
}

func (g *Gateway) preload(ctx context.Context, key string, load func() error) {
	if !g.enabled || g.cache.Has(ctx, key) {
		return
	}
	if err := load(); err != nil && !errors.Is(err, ErrNotFound) {
		g.logger.Warn("preload failed", "key", key, "error", err)
	}
}
