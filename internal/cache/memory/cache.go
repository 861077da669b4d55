// Package memory is the in-process query embedding cache used when Redis is
// disabled.
package memory

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

const CacheType = "memory"

type EmbeddingCache struct {
	cache *cache.Cache
}

func NewEmbeddingCache(ttl, cleanupInterval time.Duration) *EmbeddingCache {
	return &EmbeddingCache{cache: cache.New(ttl, cleanupInterval)}
}

func (c *EmbeddingCache) GetEmbedding(_ context.Context, key string) ([]float32, bool, error) {
	if x, found := c.cache.Get(key); found {
		return x.([]float32), true, nil
	}
	return nil, false, nil
}

func (c *EmbeddingCache) SetEmbedding(_ context.Context, key string, vec []float32) error {
	c.cache.Set(key, append([]float32(nil), vec...), cache.DefaultExpiration)
	return nil
}

func (c *EmbeddingCache) Len() int {
	return c.cache.ItemCount()
}
