package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ResilientCache wraps a Cache and turns its errors into misses and skipped
// writes, logging them instead. A broken L1 then costs a trip to L2 rather
// than a failed request.
type ResilientCache[T any] struct {
	inner Cache[T]
	log   zerolog.Logger
}

// NewResilient creates a new ResilientCache wrapper logging to log.
func NewResilient[T any](inner Cache[T], log zerolog.Logger) *ResilientCache[T] {
	return &ResilientCache[T]{inner: inner, log: log}
}

// Get implements Cache.Get.
func (r *ResilientCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	val, ok, err := r.inner.Get(ctx, key)
	if err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("cache get failed, treating as miss")
		var zero T
		return zero, false, nil
	}
	return val, ok, nil
}

// Set implements Cache.Set.
func (r *ResilientCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if err := r.inner.Set(ctx, key, value, ttl); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("cache set failed, skipped")
	}
	return nil
}

// Invalidate implements Cache.Invalidate.
func (r *ResilientCache[T]) Invalidate(ctx context.Context, key string) error {
	if err := r.inner.Invalidate(ctx, key); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("cache invalidate failed")
	}
	return nil
}

// InvalidatePattern forwards to the wrapped cache, clearing it when it cannot
// match patterns.
func (r *ResilientCache[T]) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	n, err := InvalidatePattern(ctx, r.inner, pattern)
	if err != nil {
		r.log.Warn().Err(err).Str("pattern", pattern).Msg("cache pattern invalidate failed")
		return 0, nil
	}
	return n, nil
}

// InvalidatePattern drops every key of c matching pattern. Caches that cannot
// enumerate keys are cleared entirely; it returns -1 in that case. A cache
// supporting neither is left untouched.
func InvalidatePattern[T any](ctx context.Context, c Cache[T], pattern string) (int, error) {
	switch v := c.(type) {
	case PatternInvalidator:
		return v.InvalidatePattern(ctx, pattern)
	case Clearer:
		return -1, v.Clear(ctx)
	}
	return 0, nil
}
