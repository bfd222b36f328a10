// Package cachemanager provides a typed TTL cache and a read-through wrapper
// used for record point queries.
package cachemanager

import (
	"context"
	"time"
)

// CacheManager is a typed key/value cache with per-entry TTL.
//
// Every Delete or Flush advances the generation. SetIfGeneration refuses a
// write prepared against an older generation, so a load that overlapped an
// invalidation cannot put the value it read back into the cache.
type CacheManager[K comparable, V any] interface {
	Get(ctx context.Context, key K) (V, bool)
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	SetIfGeneration(ctx context.Context, key K, value V, ttl time.Duration, gen uint64) bool
	Generation() uint64
	Delete(ctx context.Context, keys ...K) error
	Flush(ctx context.Context) error
}
