package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-warden/v1/adapter"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-warden/v1/cache")

// Cache defines the operations of a process-local cache tier.
//
// T represents the type of values stored in the cache.
type Cache[T any] interface {
	// Get retrieves a value for the given key. The boolean return
	// indicates whether the key was found.
	Get(ctx context.Context, key string) (T, bool, error)
	// Set stores the value for the given key for the specified TTL.
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	// Invalidate removes the key from the cache.
	Invalidate(ctx context.Context, key string) error
}

// PatternInvalidator is implemented by caches that can drop every key
// matching a Redis style glob.
type PatternInvalidator interface {
	InvalidatePattern(ctx context.Context, pattern string) (int, error)
}

// Clearer is implemented by caches that can drop everything at once.
type Clearer interface {
	Clear(ctx context.Context) error
}

// KeyLister is implemented by caches that can enumerate their keys.
type KeyLister interface {
	Keys(ctx context.Context) ([]string, error)
}

// InMemoryCache is an LRU cache with per-entry TTL.
type InMemoryCache[T any] struct {
	mu            sync.RWMutex
	items         map[string]item[T]
	order         *list.List
	hits          atomic.Uint64
	misses        atomic.Uint64
	sweepInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	maxEntries    int
	now           func() time.Time

	hitCounter      prometheus.Counter
	missCounter     prometheus.Counter
	evictionCounter prometheus.Counter
	latencyHist     prometheus.Histogram
	traceEnabled    bool
}

type item[T any] struct {
	value     T
	expiresAt time.Time
	element   *list.Element
}

// InMemoryOption configures an InMemoryCache.
type InMemoryOption[T any] func(*InMemoryCache[T])

// WithSweepInterval sets the interval at which expired items are removed.
// A zero or negative duration disables the background sweeper.
func WithSweepInterval[T any](d time.Duration) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.sweepInterval = d
	}
}

// WithMaxEntries sets the maximum number of entries the cache can hold.
// A non-positive value means the cache size is unbounded.
func WithMaxEntries[T any](n int) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.maxEntries = n
	}
}

// WithClock replaces the time source used for expiry.
func WithClock[T any](now func() time.Time) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.now = now
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics[T any](reg prometheus.Registerer) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.hitCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_l1_hits_total",
			Help: "Total number of L1 cache hits",
		})
		c.missCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_l1_misses_total",
			Help: "Total number of L1 cache misses",
		})
		c.evictionCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_l1_evictions_total",
			Help: "Total number of L1 cache evictions",
		})
		c.latencyHist = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_l1_latency_seconds",
			Help:    "Latency of L1 cache operations",
			Buckets: prometheus.DefBuckets,
		})
		reg.MustRegister(c.hitCounter, c.missCounter, c.evictionCounter, c.latencyHist)
	}
}

// WithTracing enables OpenTelemetry tracing for cache operations.
func WithTracing[T any]() InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.traceEnabled = true
	}
}

const defaultSweepInterval = time.Minute

// NewInMemory returns a new InMemoryCache instance.
//
// Unless disabled with WithSweepInterval, a background goroutine removes
// expired items every minute. Call Close to stop it.
func NewInMemory[T any](opts ...InMemoryOption[T]) *InMemoryCache[T] {
	ctx, cancel := context.WithCancel(context.Background())
	c := &InMemoryCache[T]{
		items:         make(map[string]item[T]),
		order:         list.New(),
		sweepInterval: defaultSweepInterval,
		ctx:           ctx,
		cancel:        cancel,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepInterval > 0 {
		c.wg.Add(1)
		go c.sweeper()
	}
	return c
}

// observe starts a span and latency measurement when enabled. The returned
// function ends both and records result on the span when non-empty.
func (c *InMemoryCache[T]) observe(ctx context.Context, op string) (context.Context, func(result string)) {
	if !c.traceEnabled && c.latencyHist == nil {
		return ctx, func(string) {}
	}
	var span trace.Span
	if c.traceEnabled {
		ctx, span = tracer.Start(ctx, op)
	}
	start := time.Now()
	return ctx, func(result string) {
		latency := time.Since(start)
		if c.latencyHist != nil {
			c.latencyHist.Observe(latency.Seconds())
		}
		if span != nil {
			if result != "" {
				span.SetAttributes(attribute.String("warden.cache.result", result))
			}
			span.SetAttributes(attribute.Int64("warden.cache.latency_ms", latency.Milliseconds()))
			span.End()
		}
	}
}

func inc(counter prometheus.Counter) {
	if counter != nil {
		counter.Inc()
	}
}

// Get implements Cache.Get.
func (c *InMemoryCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	ctx, done := c.observe(ctx, "Cache.Get")
	if err := ctx.Err(); err != nil {
		done("")
		return zero, false, err
	}
	c.mu.Lock()
	it, ok := c.items[key]
	if ok && c.expired(it, c.now()) {
		c.removeLocked(key, it)
		ok = false
	}
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		inc(c.missCounter)
		done("miss")
		return zero, false, nil
	}
	c.order.MoveToFront(it.element)
	c.mu.Unlock()
	c.hits.Add(1)
	inc(c.hitCounter)
	done("hit")
	return it.value, true, nil
}

func (c *InMemoryCache[T]) expired(it item[T], now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// removeLocked drops key. Callers must hold c.mu.
func (c *InMemoryCache[T]) removeLocked(key string, it item[T]) {
	c.order.Remove(it.element)
	delete(c.items, key)
	inc(c.evictionCounter)
}

// Set implements Cache.Set.
func (c *InMemoryCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	ctx, done := c.observe(ctx, "Cache.Set")
	defer done("")
	if err := ctx.Err(); err != nil {
		return err
	}
	var exp time.Time
	if ttl > 0 {
		exp = c.now().Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		it.value = value
		it.expiresAt = exp
		c.items[key] = it
		c.order.MoveToFront(it.element)
		return nil
	}
	elem := c.order.PushFront(key)
	c.items[key] = item[T]{value: value, expiresAt: exp, element: elem}
	if c.maxEntries > 0 && len(c.items) > c.maxEntries {
		if tail := c.order.Back(); tail != nil {
			k := tail.Value.(string)
			c.removeLocked(k, c.items[k])
		}
	}
	return nil
}

// Invalidate implements Cache.Invalidate.
func (c *InMemoryCache[T]) Invalidate(ctx context.Context, key string) error {
	ctx, done := c.observe(ctx, "Cache.Invalidate")
	defer done("")
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.removeLocked(key, it)
	}
	return nil
}

// InvalidatePattern implements PatternInvalidator.
func (c *InMemoryCache[T]) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	ctx, done := c.observe(ctx, "Cache.InvalidatePattern")
	defer done("")
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	re, err := adapter.CompilePattern(pattern)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, it := range c.items {
		if re.MatchString(k) {
			c.removeLocked(k, it)
			n++
		}
	}
	return n, nil
}

// Clear implements Clearer.
func (c *InMemoryCache[T]) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.items = make(map[string]item[T])
	c.order.Init()
	c.mu.Unlock()
	return nil
}

// Keys returns the keys of live entries.
func (c *InMemoryCache[T]) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.items))
	for k, it := range c.items {
		if !c.expired(it, now) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// sweeper periodically removes expired items. Like Redis it samples a few
// keys per round and only keeps going while a large share of them expired,
// so the map is never locked for a full scan.
func (c *InMemoryCache[T]) sweeper() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	const (
		sampleSize    = 20
		evictionRatio = 0.25
	)

	for {
		select {
		case <-ticker.C:
			for {
				expired, checked := 0, 0
				now := c.now()
				c.mu.Lock()
				for k, it := range c.items {
					checked++
					if c.expired(it, now) {
						c.removeLocked(k, it)
						expired++
					}
					if checked >= sampleSize {
						break
					}
				}
				c.mu.Unlock()
				if checked == 0 || float64(expired) < float64(sampleSize)*evictionRatio {
					break
				}
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Close terminates any background goroutines used by the cache.
func (c *InMemoryCache[T]) Close() {
	c.cancel()
	c.wg.Wait()
	_ = c.Clear(context.Background())
}

// Stats reports basic metrics about cache usage.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// Metrics returns current metrics for the cache.
func (c *InMemoryCache[T]) Metrics() Stats {
	c.mu.RLock()
	size := len(c.items)
	c.mu.RUnlock()
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   size,
	}
}
