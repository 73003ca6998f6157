package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/internal/domain"
)

type fakeSource struct {
	mu       sync.Mutex
	products map[string]domain.Product
	gets     atomic.Int32
	delay    time.Duration
	err      error
}

func newFakeSource(ps ...domain.Product) *fakeSource {
	s := &fakeSource{products: map[string]domain.Product{}}
	for _, p := range ps {
		s.products[p.ID] = p
	}
	return s
}

func (s *fakeSource) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.gets.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p, ok := s.products[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (s *fakeSource) ListProducts(context.Context) ([]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	return out, nil
}

func (s *fakeSource) put(p domain.Product) {
	s.mu.Lock()
	s.products[p.ID] = p
	s.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func latte() domain.Product {
	return domain.Product{
		ID:      "p1",
		Title:   "Latte",
		Price:   decimal.NewFromInt(50),
		Status:  domain.ProductAvailable,
		Options: domain.ProductOptions{Sizes: []string{"S", "L"}},
	}
}

func TestResolve_CachesHits(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(latte())
	r := NewResolver(src, NewMemoryCache(), time.Minute, discardLogger())

	p, ok := r.Resolve(ctx, "p1")
	require.True(t, ok)
	assert.Equal(t, "Latte", p.Title)

	p.Options.Sizes[0] = "mutated"
	p, ok = r.Resolve(ctx, "p1")
	require.True(t, ok)
	assert.Equal(t, "S", p.Options.Sizes[0], "callers must not share cached slices")
	assert.Equal(t, int32(1), src.gets.Load())
}

func TestResolve_MissingRendersPlaceholder(t *testing.T) {
	r := NewResolver(newFakeSource(), nil, 0, discardLogger())
	p, ok := r.Resolve(context.Background(), "gone")
	assert.False(t, ok)
	assert.Equal(t, domain.UnknownProductTitle, p.Title)
	assert.Equal(t, "gone", p.ID)
	assert.True(t, p.Price.IsZero())
}

func TestResolve_SourceErrorRendersPlaceholder(t *testing.T) {
	src := newFakeSource(latte())
	src.err = errors.New("connection refused")
	r := NewResolver(src, nil, 0, discardLogger())
	p, ok := r.Resolve(context.Background(), "p1")
	assert.False(t, ok)
	assert.Equal(t, domain.UnknownProductTitle, p.Title)
}

func TestResolve_CollapsesConcurrentMisses(t *testing.T) {
	src := newFakeSource(latte())
	src.delay = 50 * time.Millisecond
	r := NewResolver(src, NewMemoryCache(), time.Minute, discardLogger())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := r.Resolve(context.Background(), "p1")
			assert.True(t, ok)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), src.gets.Load())
}

func TestInvalidate_RefetchesChangedProduct(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(latte())
	r := NewResolver(src, NewMemoryCache(), time.Minute, discardLogger())
	_, _ = r.Resolve(ctx, "p1")

	changed := latte()
	changed.Title = "Iced Latte"
	src.put(changed)
	assert.Equal(t, "Latte", r.Title(ctx, "p1"), "still cached")

	r.Invalidate(ctx, "p1")
	assert.Equal(t, "Iced Latte", r.Title(ctx, "p1"))
}

func TestAll_PrimesCache(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(latte())
	r := NewResolver(src, NewMemoryCache(), time.Minute, discardLogger())

	list, err := r.All(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	_, ok := r.Resolve(ctx, "p1")
	assert.True(t, ok)
	assert.Equal(t, int32(0), src.gets.Load())
}

func TestMemoryCache_Expires(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	now := time.Now()
	c.now = func() time.Time { return now }
	require.NoError(t, c.Set(ctx, latte(), time.Second))

	_, ok, _ := c.Get(ctx, "p1")
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, _ = c.Get(ctx, "p1")
	assert.False(t, ok)
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := NewRedisCache(client, "storefront:")
	_, ok, err := c.Get(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, latte(), time.Minute))
	assert.True(t, mr.Exists("storefront:product:p1"))

	got, ok, err := c.Get(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Latte", got.Title)
	assert.True(t, decimal.NewFromInt(50).Equal(got.Price))
	assert.Equal(t, []string{"S", "L"}, got.Options.Sizes)

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok, "entry must expire with its ttl")

	require.NoError(t, c.Set(ctx, latte(), time.Minute))
	require.NoError(t, c.Delete(ctx, "p1"))
	_, ok, _ = c.Get(ctx, "p1")
	assert.False(t, ok)
}

func TestResolver_WithRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	src := newFakeSource(latte())
	r := NewResolver(src, NewRedisCache(client, ""), time.Minute, discardLogger())
	_, ok := r.Resolve(ctx, "p1")
	require.True(t, ok)

	// a second resolver sharing the redis cache never calls the source
	other := NewResolver(newFakeSource(), NewRedisCache(client, ""), time.Minute, discardLogger())
	p, ok := other.Resolve(ctx, "p1")
	assert.True(t, ok)
	assert.Equal(t, "Latte", p.Title)
}
