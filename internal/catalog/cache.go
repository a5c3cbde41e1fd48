package catalog

import (
	"context"
	"encoding/json"
	"time"

	"ms-fulfillment/internal/models"

	"github.com/go-redis/redis/v8"
)

const productCacheKey = "catalog:products"

// Cache keeps the active product list in Redis so the fallback matcher
// does not hit the database on every webhook line item. A miss or a
// Redis outage just means reading through to the store.
type Cache struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{Client: client, TTL: ttl}
}

func (c *Cache) GetProducts(ctx context.Context) ([]models.Product, bool) {
	if c == nil || c.Client == nil {
		return nil, false
	}

	raw, err := c.Client.Get(ctx, productCacheKey).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		return nil, false
	}

	var products []models.Product
	if err := json.Unmarshal([]byte(raw), &products); err != nil {
		return nil, false
	}
	return products, true
}

func (c *Cache) SetProducts(ctx context.Context, products []models.Product) {
	if c == nil || c.Client == nil {
		return
	}

	raw, err := json.Marshal(products)
	if err != nil {
		return
	}
	c.Client.Set(ctx, productCacheKey, raw, c.TTL)
}

func (c *Cache) Invalidate(ctx context.Context) {
	if c == nil || c.Client == nil {
		return
	}
	c.Client.Del(ctx, productCacheKey)
}
