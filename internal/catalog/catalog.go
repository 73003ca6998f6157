// Package catalog resolves product references held by orders. Lookups are
// cache-aside over the Resource API, concurrent misses for one id share a
// single fetch, and a product that cannot be resolved renders as the
// deleted-product placeholder.
package catalog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"storefront/internal/domain"
)

// Source отдаёт товары из первичного хранилища (репозиторий или Resource API)
type Source interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
}

// Cache хранит копии товаров. Промах возвращает ok=false без ошибки.
type Cache interface {
	Get(ctx context.Context, id string) (domain.Product, bool, error)
	Set(ctx context.Context, p domain.Product, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

type Resolver struct {
	src   Source
	cache Cache
	ttl   time.Duration
	group singleflight.Group
	log   *slog.Logger
}

func NewResolver(src Source, cache Cache, ttl time.Duration, log *slog.Logger) *Resolver {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Resolver{src: src, cache: cache, ttl: ttl, log: log.With("component", "catalog")}
}

// Resolve returns the product and true, or the placeholder and false when the
// product is gone or unreachable.
func (r *Resolver) Resolve(ctx context.Context, id string) (domain.Product, bool) {
	if id == "" {
		return domain.UnknownProduct(id), false
	}
	if p, ok := r.cached(ctx, id); ok {
		return p, true
	}

	v, err, _ := r.group.Do(id, func() (interface{}, error) {
		if p, ok := r.cached(ctx, id); ok {
			return p, nil
		}
		p, err := r.src.GetProduct(ctx, id)
		if err != nil {
			return nil, err
		}
		r.store(ctx, *p)
		return p.Clone(), nil
	})
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			r.log.Warn("product lookup failed", "product_id", id, "error", err)
		}
		return domain.UnknownProduct(id), false
	}
	return v.(domain.Product).Clone(), true
}

// Title is a convenience for search predicates.
func (r *Resolver) Title(ctx context.Context, id string) string {
	p, _ := r.Resolve(ctx, id)
	return p.Title
}

// All lists the catalog from the source and refreshes the cache with it.
func (r *Resolver) All(ctx context.Context) ([]domain.Product, error) {
	list, err := r.src.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range list {
		r.store(ctx, p)
	}
	return list, nil
}

// Invalidate drops a cached product after it was updated or deleted.
func (r *Resolver) Invalidate(ctx context.Context, id string) {
	if err := r.cache.Delete(ctx, id); err != nil {
		r.log.Warn("cache delete failed", "product_id", id, "error", err)
	}
}

func (r *Resolver) cached(ctx context.Context, id string) (domain.Product, bool) {
	p, ok, err := r.cache.Get(ctx, id)
	if err != nil {
		r.log.Warn("cache get failed", "product_id", id, "error", err)
		return domain.Product{}, false
	}
	return p, ok
}

func (r *Resolver) store(ctx context.Context, p domain.Product) {
	if err := r.cache.Set(ctx, p, r.ttl); err != nil {
		r.log.Warn("cache set failed", "product_id", p.ID, "error", err)
	}
}
