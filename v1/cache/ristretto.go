package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
)

// RistrettoCache implements Cache using dgraph-io/ristretto. Admission is
// TinyLFU based, so a Set may be dropped under pressure; callers treat the
// next Get as an ordinary miss.
//
// Ristretto cannot enumerate keys, so it does not implement
// PatternInvalidator and pattern invalidation falls back to Clear.
type RistrettoCache[T any] struct {
	c    *ristretto.Cache
	cost func(T) int64
}

// RistrettoOption configures a RistrettoCache.
type RistrettoOption[T any] func(*ristrettoConfig[T])

type ristrettoConfig[T any] struct {
	cfg  ristretto.Config
	cost func(T) int64
}

// WithRistretto applies a custom ristretto configuration.
//
// If cfg is nil, defaults are used.
func WithRistretto[T any](cfg *ristretto.Config) RistrettoOption[T] {
	return func(c *ristrettoConfig[T]) {
		if cfg == nil {
			return
		}
		c.cfg = *cfg
	}
}

// WithCost sets how much of MaxCost a value uses. By default every entry
// costs 1, which makes MaxCost an entry count.
func WithCost[T any](fn func(T) int64) RistrettoOption[T] {
	return func(c *ristrettoConfig[T]) {
		if fn != nil {
			c.cost = fn
		}
	}
}

// NewRistretto returns a Cache backed by ristretto.
func NewRistretto[T any](opts ...RistrettoOption[T]) (*RistrettoCache[T], error) {
	rc := ristrettoConfig[T]{
		cfg: ristretto.Config{
			NumCounters:        1e5, // ten times the expected entry count
			MaxCost:            1e4,
			BufferItems:        64,
			IgnoreInternalCost: true,
		},
		cost: func(T) int64 { return 1 },
	}
	for _, opt := range opts {
		opt(&rc)
	}
	c, err := ristretto.NewCache(&rc.cfg)
	if err != nil {
		return nil, err
	}
	return &RistrettoCache[T]{c: c, cost: rc.cost}, nil
}

// Get implements Cache.Get.
func (r *RistrettoCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	v, ok := r.c.Get(key)
	if !ok {
		return zero, false, nil
	}
	val, ok := v.(T)
	if !ok {
		return zero, false, nil
	}
	return val, true, nil
}

// Set implements Cache.Set. It waits for ristretto's buffers to drain so the
// value is visible to the next Get when it was admitted.
func (r *RistrettoCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	r.c.SetWithTTL(key, value, r.cost(value), ttl)
	r.c.Wait()
	return nil
}

// Invalidate implements Cache.Invalidate.
func (r *RistrettoCache[T]) Invalidate(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.c.Del(key)
	r.c.Wait()
	return nil
}

// Clear implements Clearer.
func (r *RistrettoCache[T]) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.c.Clear()
	return nil
}

// Close releases resources held by the cache.
func (r *RistrettoCache[T]) Close() {
	r.c.Close()
}
