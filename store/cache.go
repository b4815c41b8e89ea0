package store

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// SuppressionCache is a Redis read-through cache for suppression lookups.
// Redis errors degrade to cache misses; the durable table stays
// authoritative.
type SuppressionCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSuppressionCache(client *redis.Client, ttl time.Duration) *SuppressionCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &SuppressionCache{client: client, ttl: ttl}
}

func cacheKey(email string) string {
	return "suppressed:" + email
}

func (c *SuppressionCache) Get(ctx context.Context, email string) (suppressed, ok bool) {
	value, err := c.client.Get(ctx, cacheKey(email)).Result()
	if err != nil {
		return false, false
	}
	return value == "1", true
}

func (c *SuppressionCache) Set(ctx context.Context, email string, suppressed bool) {
	value := "0"
	if suppressed {
		value = "1"
	}
	c.client.Set(ctx, cacheKey(email), value, c.ttl)
}

func (c *SuppressionCache) Invalidate(ctx context.Context, email string) {
	c.client.Del(ctx, cacheKey(email))
}
