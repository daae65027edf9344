package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/dealflow/internal/observability"
	"github.com/pitabwire/dealflow/model"
)

// LayerRedis labels shared cache metrics.
const LayerRedis = "redis"

// RedisCache shares tenant catalogs between instances through Redis. Redis
// failures degrade to loading from next.
type RedisCache struct {
	client    redis.Cmdable
	next      Source
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// NewRedisCache creates a RedisCache in front of next.
func NewRedisCache(
	client redis.Cmdable,
	next Source,
	keyPrefix string,
	ttl time.Duration,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{
		client:    client,
		next:      next,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		logger:    logger,
		metrics:   metrics,
	}
}

func (c *RedisCache) key(tenantID string) string {
	return c.keyPrefix + tenantID
}

// Load implements Source.
func (c *RedisCache) Load(ctx context.Context, tenantID string) (*model.TenantCatalog, error) {
	logger := observability.LoggerFrom(ctx, c.logger)

	raw, err := c.client.Get(ctx, c.key(tenantID)).Bytes()
	switch {
	case err == nil:
		var cat model.TenantCatalog
		uerr := json.Unmarshal(raw, &cat)
		if uerr == nil {
			c.metrics.RecordCatalogCacheHit(LayerRedis)
			return &cat, nil
		}
		logger.Warn("discarding undecodable cached catalog",
			zap.String("tenant_id", tenantID), zap.Error(uerr))
	case errors.Is(err, redis.Nil):
	default:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		logger.Warn("catalog cache read failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
	c.metrics.RecordCatalogCacheMiss(LayerRedis)

	cat, err := c.next.Load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := c.store(ctx, cat); err != nil {
		logger.Warn("catalog cache write failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
	return cat, nil
}

func (c *RedisCache) store(ctx context.Context, cat *model.TenantCatalog) error {
	data, err := json.Marshal(cat)
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}
	if err := c.client.Set(ctx, c.key(cat.TenantID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", c.key(cat.TenantID), err)
	}
	return nil
}

// Invalidate implements Invalidator.
func (c *RedisCache) Invalidate(ctx context.Context, tenantID string) error {
	if err := c.client.Del(ctx, c.key(tenantID)).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", c.key(tenantID), err)
	}
	if inv, ok := c.next.(Invalidator); ok {
		return inv.Invalidate(ctx, tenantID)
	}
	return nil
}

// HealthCheck pings Redis.
func (c *RedisCache) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
