package cachemanager

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/simreg/regq/internal/log"
)

const DefaultExpiration = 30 * time.Second

const DefaultCleanupInterval = time.Minute

// InMemoryCacheManager is a CacheManager over go-cache.
type InMemoryCacheManager[K ~string, V any] struct {
	useCase string
	cache   *gocache.Cache

	// mu orders generation changes against conditional writes.
	mu  sync.Mutex
	gen uint64
}

// NewInMemoryCacheManager creates a go-cache backed manager. useCase names the
// cache in log lines. Non-positive durations fall back to the defaults.
func NewInMemoryCacheManager[K ~string, V any](useCase string, defaultExpiration, cleanupInterval time.Duration) *InMemoryCacheManager[K, V] {
	if defaultExpiration <= 0 {
		defaultExpiration = DefaultExpiration
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	return &InMemoryCacheManager[K, V]{
		useCase: useCase,
		cache:   gocache.New(defaultExpiration, cleanupInterval),
	}
}

func (c *InMemoryCacheManager[K, V]) Get(_ context.Context, key K) (V, bool) {
	var zero V
	value, found := c.cache.Get(string(key))
	if !found {
		return zero, false
	}
	v, ok := value.(V)
	if !ok {
		log.Error(log.CatCache, "Cached value has unexpected type", "cache", c.useCase, "key", key)
		return zero, false
	}
	return v, true
}

// Set stores value unconditionally.
func (c *InMemoryCacheManager[K, V]) Set(_ context.Context, key K, value V, ttl time.Duration) {
	c.cache.Set(string(key), value, ttl)
}

// SetIfGeneration stores value only if nothing was invalidated since gen was read.
func (c *InMemoryCacheManager[K, V]) SetIfGeneration(_ context.Context, key K, value V, ttl time.Duration, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.cache.Set(string(key), value, ttl)
	return true
}

// Generation returns the current invalidation count.
func (c *InMemoryCacheManager[K, V]) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *InMemoryCacheManager[K, V]) Delete(_ context.Context, keys ...K) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	for _, key := range keys {
		c.cache.Delete(string(key))
	}
	return nil
}

func (c *InMemoryCacheManager[K, V]) Flush(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.cache.Flush()
	log.Debug(log.CatCache, "Cache flushed", "cache", c.useCase)
	return nil
}

// Len reports the number of entries, including expired ones not yet cleaned up.
func (c *InMemoryCacheManager[K, V]) Len() int {
	return c.cache.ItemCount()
}
