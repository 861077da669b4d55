package ranking

import (
	"context"

	"go.uber.org/zap"

	"github.com/course-advisor/backend/internal/metrics"
	"github.com/course-advisor/backend/pkg/logger"
	"github.com/course-advisor/backend/pkg/utils"
)

// Embedder turns query text into a vector in the catalog's embedding space.
// It must use the same model the catalog vectors were built with.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Cache stores query vectors. Misses are reported with ok=false, not an error.
type Cache interface {
	GetEmbedding(ctx context.Context, key string) (vec []float32, ok bool, err error)
	SetEmbedding(ctx context.Context, key string, vec []float32) error
}

// CachedEmbedder memoises query embeddings. Cache failures fall through to
// the wrapped embedder.
type CachedEmbedder struct {
	next      Embedder
	cache     Cache
	model     string
	cacheType string
}

func NewCachedEmbedder(next Embedder, cache Cache, model, cacheType string) *CachedEmbedder {
	return &CachedEmbedder{next: next, cache: cache, model: model, cacheType: cacheType}
}

func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := utils.HashKey(e.model, text)

	vec, ok, err := e.cache.GetEmbedding(ctx, key)
	if err != nil {
		logger.Warn("Embedding cache read failed", zap.String("cache", e.cacheType), zap.Error(err))
	}
	if ok {
		metrics.CacheHits.WithLabelValues(e.cacheType).Inc()
		return vec, nil
	}
	metrics.CacheMisses.WithLabelValues(e.cacheType).Inc()

	vec, err = e.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := e.cache.SetEmbedding(ctx, key, vec); err != nil {
		logger.Warn("Embedding cache write failed", zap.String("cache", e.cacheType), zap.Error(err))
	}
	return vec, nil
}
