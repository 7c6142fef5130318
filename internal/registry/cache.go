package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"pkgscout/searchservice/internal/domain"
)

const (
	defaultDetailsTTL        = 24 * time.Hour
	defaultDetailsMaxEntries = 2000
)

type cachedDetails struct {
	details   domain.PackageDetails
	updatedAt time.Time
	expiresAt time.Time
}

// DetailsCache keeps successful per-package detail lookups in memory, with an
// optional Redis backend shared between instances. Failed lookups are never
// cached so a flaky manifest fetch can succeed on the next enrichment pass.
type DetailsCache struct {
	mu         sync.Mutex
	entries    map[string]cachedDetails
	ttl        time.Duration
	maxEntries int
	redis      *RedisDetailsBackend
}

type DetailsCacheOption func(*DetailsCache)

func WithDetailsTTL(ttl time.Duration) DetailsCacheOption {
	return func(c *DetailsCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithDetailsMaxEntries(limit int) DetailsCacheOption {
	return func(c *DetailsCache) {
		if limit > 0 {
			c.maxEntries = limit
		}
	}
}

func WithRedisBackend(backend *RedisDetailsBackend) DetailsCacheOption {
	return func(c *DetailsCache) {
		c.redis = backend
	}
}

func NewDetailsCache(opts ...DetailsCacheOption) *DetailsCache {
	cache := &DetailsCache{
		entries:    make(map[string]cachedDetails),
		ttl:        defaultDetailsTTL,
		maxEntries: defaultDetailsMaxEntries,
	}
	for _, opt := range opts {
		opt(cache)
	}
	return cache
}

func (c *DetailsCache) Get(ctx context.Context, name string) (*domain.PackageDetails, bool) {
	now := time.Now()

	c.mu.Lock()
	entry, ok := c.entries[name]
	if ok && now.Before(entry.expiresAt) {
		details := entry.details
		c.mu.Unlock()
		return &details, true
	}
	if ok {
		delete(c.entries, name)
	}
	c.mu.Unlock()

	if c.redis == nil {
		return nil, false
	}
	details, found, err := c.redis.Get(ctx, name)
	if err != nil || !found {
		return nil, false
	}
	// Keep a local copy so repeat lookups stay off the network.
	c.storeMemory(name, details, now)
	return &details, true
}

func (c *DetailsCache) Set(ctx context.Context, name string, details *domain.PackageDetails) {
	if details == nil {
		return
	}
	now := time.Now()
	c.storeMemory(name, *details, now)
	if c.redis != nil {
		_ = c.redis.Set(ctx, name, *details, c.ttl)
	}
}

func (c *DetailsCache) storeMemory(name string, details domain.PackageDetails, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[name] = cachedDetails{
		details:   details,
		updatedAt: now,
		expiresAt: now.Add(c.ttl),
	}
	c.trimLocked(now)
}

func (c *DetailsCache) trimLocked(now time.Time) {
	for name, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, name)
		}
	}
	if len(c.entries) <= c.maxEntries {
		return
	}

	type pair struct {
		name  string
		entry cachedDetails
	}
	items := make([]pair, 0, len(c.entries))
	for name, entry := range c.entries {
		items = append(items, pair{name: name, entry: entry})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].entry.updatedAt.Before(items[j].entry.updatedAt)
	})
	for i := 0; i < len(items)-c.maxEntries; i++ {
		delete(c.entries, items[i].name)
	}
}
