package cache

import (
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// Strategy selects the L1 implementation built by New.
type Strategy int

const (
	// LRUStrategy builds an InMemoryCache.
	LRUStrategy Strategy = iota
	// LFUStrategy builds a RistrettoCache.
	LFUStrategy
)

// ParseStrategy maps "lru" and "lfu" to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", "lru":
		return LRUStrategy, nil
	case "lfu":
		return LFUStrategy, nil
	}
	return 0, fmt.Errorf("cache: unknown strategy %q", s)
}

// Option configures New.
type Option[T any] func(*factoryConfig[T])

type factoryConfig[T any] struct {
	strategy   Strategy
	maxEntries int
}

// WithStrategy selects the eviction strategy to use. The default is LRUStrategy.
func WithStrategy[T any](s Strategy) Option[T] {
	return func(cfg *factoryConfig[T]) {
		cfg.strategy = s
	}
}

// WithCapacity bounds the number of entries for either strategy.
func WithCapacity[T any](n int) Option[T] {
	return func(cfg *factoryConfig[T]) {
		cfg.maxEntries = n
	}
}

// New returns an L1 cache using the selected strategy. The result also
// implements Clearer and, for LRU, PatternInvalidator. Callers own it and
// should Close it through a type assertion on interface{ Close() }.
func New[T any](opts ...Option[T]) (Cache[T], error) {
	cfg := factoryConfig[T]{strategy: LRUStrategy}
	for _, opt := range opts {
		opt(&cfg)
	}
	switch cfg.strategy {
	case LRUStrategy:
		return NewInMemory[T](WithMaxEntries[T](cfg.maxEntries)), nil
	case LFUStrategy:
		var ropts []RistrettoOption[T]
		if n := int64(cfg.maxEntries); n > 0 {
			ropts = append(ropts, WithRistretto[T](&ristretto.Config{
				NumCounters:        10 * n,
				MaxCost:            n,
				BufferItems:        64,
				IgnoreInternalCost: true,
			}))
		}
		c, err := NewRistretto[T](ropts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("cache: unknown strategy %d", cfg.strategy)
}
