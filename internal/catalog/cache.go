package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"storefront/internal/domain"
)

type cacheItem struct {
	product   domain.Product
	expiresAt time.Time
}

// MemoryCache процесс-локальный кеш с TTL
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]cacheItem
	now   func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]cacheItem), now: time.Now}
}

var _ Cache = (*MemoryCache)(nil)

func (c *MemoryCache) Get(_ context.Context, id string) (domain.Product, bool, error) {
	c.mu.RLock()
	item, ok := c.items[id]
	c.mu.RUnlock()
	if !ok {
		return domain.Product{}, false, nil
	}
	if c.now().After(item.expiresAt) {
		c.mu.Lock()
		delete(c.items, id)
		c.mu.Unlock()
		return domain.Product{}, false, nil
	}
	return item.product.Clone(), true, nil
}

func (c *MemoryCache) Set(_ context.Context, p domain.Product, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[p.ID] = cacheItem{product: p.Clone(), expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
	return nil
}

// RedisCache shares product copies between processes. Values are JSON under
// "<prefix>product:<id>".
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

var _ Cache = (*RedisCache)(nil)

func (c *RedisCache) key(id string) string {
	return c.prefix + "product:" + id
}

func (c *RedisCache) Get(ctx context.Context, id string) (domain.Product, bool, error) {
	value, err := c.client.Get(ctx, c.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Product{}, false, nil
	}
	if err != nil {
		return domain.Product{}, false, err
	}
	var p domain.Product
	if err := json.Unmarshal(value, &p); err != nil {
		return domain.Product{}, false, err
	}
	return p, true, nil
}

func (c *RedisCache) Set(ctx context.Context, p domain.Product, ttl time.Duration) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(p.ID), payload, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, id string) error {
	return c.client.Del(ctx, c.key(id)).Err()
}
