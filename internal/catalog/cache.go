package catalog

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/dealflow/internal/observability"
	"github.com/pitabwire/dealflow/model"
)

// LayerMemory labels in-process cache metrics.
const LayerMemory = "memory"

type cacheEntry struct {
	catalog   *model.TenantCatalog
	expiresAt time.Time
}

// CachedSource keeps tenant catalogs from next in memory for ttl. Concurrent
// misses for the same tenant share one load.
type CachedSource struct {
	next       Source
	ttl        time.Duration
	maxEntries int
	metrics    *observability.Metrics
	now        func() time.Time

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewCachedSource wraps next with a TTL cache holding at most maxEntries
// tenants. A non-positive maxEntries means no limit.
func NewCachedSource(next Source, ttl time.Duration, maxEntries int, metrics *observability.Metrics) *CachedSource {
	return &CachedSource{
		next:       next,
		ttl:        ttl,
		maxEntries: maxEntries,
		metrics:    metrics,
		now:        time.Now,
		cache:      make(map[string]cacheEntry),
	}
}

// Load implements Source.
func (c *CachedSource) Load(ctx context.Context, tenantID string) (*model.TenantCatalog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cat, hit := c.get(tenantID); hit {
		c.metrics.RecordCatalogCacheHit(LayerMemory)
		return cat, nil
	}
	c.metrics.RecordCatalogCacheMiss(LayerMemory)

	ctx, span := observability.StartSpan(ctx, "catalog.load",
		observability.AttrTenantID.String(tenantID),
		observability.AttrCacheHit.Bool(false),
	)
	v, err, shared := c.group.Do(tenantID, func() (any, error) {
		// The shared load must not be cut short by the first caller leaving.
		cat, err := c.next.Load(context.WithoutCancel(ctx), tenantID)
		if err != nil {
			return nil, err
		}
		c.put(tenantID, cat)
		return cat, nil
	})
	span.SetAttributes(observability.AttrSharedLoad.Bool(shared))
	observability.EndSpanWithError(span, err)
	if err != nil {
		return nil, err
	}
	return v.(*model.TenantCatalog), nil
}

// Invalidate implements Invalidator. It also invalidates next when next is
// itself a cache.
func (c *CachedSource) Invalidate(ctx context.Context, tenantID string) error {
	c.mu.Lock()
	delete(c.cache, tenantID)
	c.mu.Unlock()
	c.group.Forget(tenantID)

	if inv, ok := c.next.(Invalidator); ok {
		return inv.Invalidate(ctx, tenantID)
	}
	return nil
}

// Len returns the number of cached tenants. For testing.
func (c *CachedSource) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

func (c *CachedSource) get(tenantID string) (*model.TenantCatalog, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.cache[tenantID]
	if !ok || c.now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.catalog, true
}

func (c *CachedSource) put(tenantID string, cat *model.TenantCatalog) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxEntries > 0 && len(c.cache) >= c.maxEntries {
		c.evict()
	}
	c.cache[tenantID] = cacheEntry{catalog: cat, expiresAt: c.now().Add(c.ttl)}
}

// evict removes expired entries, then the entry closest to expiry if the
// cache is still full. Must be called with mu held.
func (c *CachedSource) evict() {
	now := c.now()
	for k, v := range c.cache {
		if now.After(v.expiresAt) {
			delete(c.cache, k)
		}
	}
	if len(c.cache) < c.maxEntries {
		return
	}
	var oldest string
	var oldestAt time.Time
	for k, v := range c.cache {
		if oldest == "" || v.expiresAt.Before(oldestAt) {
			oldest, oldestAt = k, v.expiresAt
		}
	}
	delete(c.cache, oldest)
}
