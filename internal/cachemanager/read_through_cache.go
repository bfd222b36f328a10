package cachemanager

import (
	"context"
	"time"

	"github.com/simreg/regq/internal/log"
)

// ReadThroughCache serves hits from cache and loads misses with load. Errors
// are never cached, and a load that overlapped an invalidation is returned to
// its caller but not stored.
type ReadThroughCache[K comparable, V any, I any] struct {
	cache CacheManager[K, V]
	load  func(ctx context.Context, input I) (V, error)
	skip  bool
}

// NewReadThroughCache wraps cache. With skip set every Get goes to load.
func NewReadThroughCache[K comparable, V any, I any](
	cache CacheManager[K, V],
	load func(ctx context.Context, input I) (V, error),
	skip bool,
) *ReadThroughCache[K, V, I] {
	return &ReadThroughCache[K, V, I]{cache: cache, load: load, skip: skip}
}

func (r *ReadThroughCache[K, V, I]) Get(ctx context.Context, key K, input I, ttl time.Duration) (V, error) {
	if r.skip {
		return r.load(ctx, input)
	}
	if value, ok := r.cache.Get(ctx, key); ok {
		return value, nil
	}

	gen := r.cache.Generation()
	value, err := r.load(ctx, input)
	if err != nil {
		return value, err
	}
	if !r.cache.SetIfGeneration(ctx, key, value, ttl, gen) {
		log.Debug(log.CatCache, "Dropped load that raced an invalidation", "key", key)
	}
	return value, nil
}

// Invalidate removes keys from the underlying cache.
func (r *ReadThroughCache[K, V, I]) Invalidate(ctx context.Context, keys ...K) error {
	return r.cache.Delete(ctx, keys...)
}

// Reset drops every cached entry.
func (r *ReadThroughCache[K, V, I]) Reset(ctx context.Context) error {
	return r.cache.Flush(ctx)
}
