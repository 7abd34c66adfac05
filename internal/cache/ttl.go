// Package cache provides a small TTL cache with a pluggable backing store.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Backend stores values until they expire. expirable.LRU satisfies it; a
// shared store (Redis, memcached) can be plugged in behind the same methods.
type Backend[K comparable, V any] interface {
	Get(key K) (V, bool)
	Add(key K, value V) bool
	Remove(key K) bool
}

// TTL caches loaded values and collapses concurrent loads per key.
type TTL[K comparable, V any] struct {
	backend Backend[K, V]
	loads   singleflight.Group
}

// New builds a TTL cache on an in-process LRU holding up to size entries.
func New[K comparable, V any](size int, ttl time.Duration) *TTL[K, V] {
	if size <= 0 {
		size = 128
	}
	return WithBackend[K, V](expirable.NewLRU[K, V](size, nil, ttl))
}

func WithBackend[K comparable, V any](b Backend[K, V]) *TTL[K, V] {
	return &TTL[K, V]{backend: b}
}

func (c *TTL[K, V]) Get(key K) (V, bool) { return c.backend.Get(key) }

func (c *TTL[K, V]) Set(key K, value V) { c.backend.Add(key, value) }

func (c *TTL[K, V]) Invalidate(key K) { c.backend.Remove(key) }

// GetOrLoad returns the cached value or calls load once for all concurrent
// callers of the same key. Load errors are not cached.
func (c *TTL[K, V]) GetOrLoad(ctx context.Context, key K, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.backend.Get(key); ok {
		return v, nil
	}

	ch := c.loads.DoChan(fmt.Sprint(key), func() (any, error) {
		v, err := load(ctx)
		if err == nil {
			c.backend.Add(key, v)
		}
		return v, err
	})
	var zero V
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
