package core

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mirkobrombin/go-warden/v1/cache"
	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/metrics"
	"github.com/mirkobrombin/go-warden/v1/syncbus"
)

const (
	// InvalidateTopic carries L1 invalidations between Tiered instances.
	InvalidateTopic = "warden:invalidate"

	DefaultLocalTTL          = time.Minute
	DefaultWarmupBatchSize   = 100
	DefaultWarmupConcurrency = 16
)

// Store is the shared tier behind a Tiered coordinator. Manager implements it.
type Store[T any] interface {
	Get(ctx context.Context, key string) (T, bool, error)
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
	GetOrSet(ctx context.Context, key string, factory Factory[T], ttl time.Duration) (T, bool, error)
	ClearByPattern(ctx context.Context, pattern string) (int64, error)
}

// BatchStore is implemented by stores able to write many entries at once.
type BatchStore[T any] interface {
	SetMany(ctx context.Context, items map[string]T, ttl time.Duration) error
}

// ExpiryStore is implemented by stores that report how long an entry has
// left. Tiered uses it so an L1 copy never outlives the L2 entry it came from.
type ExpiryStore interface {
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
}

var (
	_ Store[int]      = (*Manager[int])(nil)
	_ BatchStore[int] = (*Manager[int])(nil)
	_ ExpiryStore     = (*Manager[int])(nil)
)

// invalidation is the bus payload exchanged between instances.
type invalidation struct {
	Origin  string `json:"o"`
	Key     string `json:"k,omitempty"`
	Pattern string `json:"p,omitempty"`
}

// Tiered puts a process-local L1 in front of a shared L2.
//
// Writes always reach L2 before L1, so L1 never holds a value L2 was not
// given first. Fills from L2 reads are fenced: a fill whose read raced with a
// write or an invalidation of the same key is dropped. Concurrent GetOrSet
// calls for one key inside a process share a single L2 call.
type Tiered[T any] struct {
	l1 cache.Cache[T]
	l2 Store[T]

	localTTL    time.Duration
	batchSize   int
	concurrency int
	bus         syncbus.Bus
	id          string
	log         zerolog.Logger
	tracer      trace.Tracer

	group singleflight.Group
	fence fence

	sub    <-chan syncbus.Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// TieredOption configures a Tiered coordinator.
type TieredOption func(*tieredOptions)

type tieredOptions struct {
	localTTL    time.Duration
	batchSize   int
	concurrency int
	bus         syncbus.Bus
	log         zerolog.Logger
	tracer      trace.Tracer
}

// WithLocalTTL caps how long L1 keeps an entry.
func WithLocalTTL(d time.Duration) TieredOption {
	return func(o *tieredOptions) {
		if d > 0 {
			o.localTTL = d
		}
	}
}

// WithWarmupBatchSize sets how many items WarmupCache writes per batch.
func WithWarmupBatchSize(n int) TieredOption {
	return func(o *tieredOptions) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithWarmupConcurrency bounds the goroutines writing one warmup batch.
func WithWarmupConcurrency(n int) TieredOption {
	return func(o *tieredOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithInvalidationBus shares L1 invalidations with every Tiered on bus.
func WithInvalidationBus(bus syncbus.Bus) TieredOption {
	return func(o *tieredOptions) { o.bus = bus }
}

// WithTieredLogger sets the logger for degraded paths.
func WithTieredLogger(l zerolog.Logger) TieredOption {
	return func(o *tieredOptions) { o.log = l }
}

// WithTieredTracer sets the tracer used for spans.
func WithTieredTracer(t trace.Tracer) TieredOption {
	return func(o *tieredOptions) { o.tracer = t }
}

// NewTiered composes l1 and l2. With an invalidation bus it subscribes to
// InvalidateTopic right away; Close releases the subscription.
func NewTiered[T any](l1 cache.Cache[T], l2 Store[T], opts ...TieredOption) (*Tiered[T], error) {
	o := tieredOptions{
		localTTL:    DefaultLocalTTL,
		batchSize:   DefaultWarmupBatchSize,
		concurrency: DefaultWarmupConcurrency,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("github.com/mirkobrombin/go-warden/v1/core")
	}
	t := &Tiered[T]{
		l1:          l1,
		l2:          l2,
		localTTL:    o.localTTL,
		batchSize:   o.batchSize,
		concurrency: o.concurrency,
		bus:         o.bus,
		id:          uuid.NewString(),
		log:         o.log,
		tracer:      o.tracer,
	}
	if t.bus != nil {
		ctx, cancel := context.WithCancel(context.Background())
		sub, err := t.bus.Subscribe(ctx, InvalidateTopic)
		if err != nil {
			cancel()
			return nil, err
		}
		t.sub, t.cancel = sub, cancel
		t.wg.Add(1)
		go t.listen(sub)
	}
	return t, nil
}

func (t *Tiered[T]) listen(sub <-chan syncbus.Event) {
	defer t.wg.Done()
	for ev := range sub {
		var msg invalidation
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			t.log.Warn().Err(err).Msg("malformed invalidation")
			continue
		}
		if msg.Origin == t.id {
			continue
		}
		ctx := context.Background()
		switch {
		case msg.Pattern != "":
			t.fence.bumpAll()
			if _, err := cache.InvalidatePattern(ctx, t.l1, msg.Pattern); err != nil {
				t.log.Warn().Err(err).Str("pattern", msg.Pattern).Msg("remote pattern invalidation")
			}
		case msg.Key != "":
			t.written(msg.Key)
			if err := t.l1.Invalidate(ctx, msg.Key); err != nil {
				t.log.Warn().Err(err).Str("key", msg.Key).Msg("remote invalidation")
			}
		}
	}
}

func (t *Tiered[T]) publish(ctx context.Context, msg invalidation) {
	if t.bus == nil {
		return
	}
	msg.Origin = t.id
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := t.bus.Publish(ctx, InvalidateTopic, payload); err != nil {
		t.log.Warn().Err(err).Str("key", msg.Key).Str("pattern", msg.Pattern).Msg("publish invalidation")
	}
}

// localTTLFor keeps L1 entries from outliving the TTL requested for L2.
func (t *Tiered[T]) localTTLFor(ttl time.Duration) time.Duration {
	if ttl > 0 {
		return min(t.localTTL, ttl)
	}
	return t.localTTL
}

// fill copies an L2 read into L1 unless a write raced with the read.
func (t *Tiered[T]) fill(ctx context.Context, tk ticket, key string, v T, ttl time.Duration) {
	var err error
	if !t.fence.fill(tk, func() { err = t.l1.Set(ctx, key, v, t.localTTLFor(ttl)) }) {
		t.log.Debug().Str("key", key).Msg("skip stale local fill")
		return
	}
	if err != nil {
		t.log.Warn().Err(err).Str("key", key).Msg("fill local cache")
	}
}

// written is called by writers between the L2 write and the L1 update.
func (t *Tiered[T]) written(key string) {
	t.fence.bump(key)
	t.group.Forget(key)
}

// remaining returns the TTL left on the L2 entry for key, zero when it does
// not expire or the store cannot tell. ok is false when the entry is gone.
func (t *Tiered[T]) remaining(ctx context.Context, key string) (time.Duration, bool) {
	es, isExpiry := t.l2.(ExpiryStore)
	if !isExpiry {
		return 0, true
	}
	d, ok, err := es.TTL(ctx, key)
	if err != nil {
		t.log.Warn().Err(err).Str("key", key).Msg("read store ttl")
		return 0, true
	}
	return d, ok
}

// lookupL1 treats L1 errors as misses.
func (t *Tiered[T]) lookupL1(ctx context.Context, key string) (T, bool) {
	v, ok, err := t.l1.Get(ctx, key)
	if err != nil {
		t.log.Warn().Err(err).Str("key", key).Msg("local cache read failed")
		var zero T
		return zero, false
	}
	if ok {
		metrics.CacheLookupCounter.WithLabelValues(metrics.ResultL1Hit).Inc()
	}
	return v, ok
}

// Get returns the value for key from L1, falling back to L2 and filling L1
// on an L2 hit.
func (t *Tiered[T]) Get(ctx context.Context, key string) (T, bool, error) {
	ctx, span := t.tracer.Start(ctx, "Tiered.Get", trace.WithAttributes(attribute.String("warden.key", key)))
	defer span.End()
	var zero T
	if key == "" {
		return zero, false, wardenerrors.ErrInvalidKey
	}
	if v, ok := t.lookupL1(ctx, key); ok {
		span.SetAttributes(attribute.String("warden.result", metrics.ResultL1Hit))
		return v, true, nil
	}
	tk := t.fence.ticket(key)
	v, ok, err := t.l2.Get(ctx, key)
	if err != nil {
		return zero, false, fail(span, err)
	}
	if !ok {
		return zero, false, nil
	}
	if left, live := t.remaining(ctx, key); live {
		t.fill(ctx, tk, key, v, left)
	}
	return v, true, nil
}

type tieredResult[T any] struct {
	v  T
	ok bool
}

// GetOrSet returns the value for key from L1 or through L2's GetOrSet,
// collapsing concurrent callers for the same key into one L2 call. Each
// caller still honors its own context while waiting.
func (t *Tiered[T]) GetOrSet(ctx context.Context, key string, factory Factory[T], ttl time.Duration) (T, bool, error) {
	ctx, span := t.tracer.Start(ctx, "Tiered.GetOrSet", trace.WithAttributes(attribute.String("warden.key", key)))
	defer span.End()
	var zero T
	if key == "" {
		return zero, false, wardenerrors.ErrInvalidKey
	}
	if v, ok := t.lookupL1(ctx, key); ok {
		span.SetAttributes(attribute.String("warden.result", metrics.ResultL1Hit))
		return v, true, nil
	}

	shared := context.WithoutCancel(ctx)
	ch := t.group.DoChan(key, func() (any, error) {
		tk := t.fence.ticket(key)
		v, ok, err := t.l2.GetOrSet(shared, key, factory, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			t.fill(shared, tk, key, v, ttl)
		}
		return tieredResult[T]{v: v, ok: ok}, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, false, fail(span, res.Err)
		}
		r := res.Val.(tieredResult[T])
		span.SetAttributes(attribute.Bool("warden.shared", res.Shared))
		return r.v, r.ok, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Set writes L2 and then L1. When L1 cannot take the value its stale entry
// is dropped instead; the error is returned only if that fails too.
func (t *Tiered[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if key == "" {
		return wardenerrors.ErrInvalidKey
	}
	if err := t.l2.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	t.written(key)
	defer t.publish(ctx, invalidation{Key: key})
	if err := t.l1.Set(ctx, key, value, t.localTTLFor(ttl)); err != nil {
		t.log.Warn().Err(err).Str("key", key).Msg("local cache write failed, invalidating")
		if ierr := t.l1.Invalidate(ctx, key); ierr != nil {
			return errors.Join(err, ierr)
		}
	}
	return nil
}

// Remove deletes key from L2 and then from L1.
func (t *Tiered[T]) Remove(ctx context.Context, key string) error {
	if key == "" {
		return wardenerrors.ErrInvalidKey
	}
	if err := t.l2.Remove(ctx, key); err != nil {
		return err
	}
	t.written(key)
	defer t.publish(ctx, invalidation{Key: key})
	return t.l1.Invalidate(ctx, key)
}

// ClearByPattern deletes matching keys from L2 and then from L1. The count
// is the one reported by L2.
func (t *Tiered[T]) ClearByPattern(ctx context.Context, pattern string) (int64, error) {
	n, err := t.l2.ClearByPattern(ctx, pattern)
	if err != nil {
		return n, err
	}
	t.fence.bumpAll()
	defer t.publish(ctx, invalidation{Pattern: pattern})
	if _, err := cache.InvalidatePattern(ctx, t.l1, pattern); err != nil {
		return n, err
	}
	return n, nil
}

// WarmupCache preloads items into both tiers. Items are written in batches;
// the writes of one batch run concurrently and finish before the next batch
// starts. The first error stops the warmup.
func (t *Tiered[T]) WarmupCache(ctx context.Context, items map[string]T, ttl time.Duration) error {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	bs, batched := t.l2.(BatchStore[T])
	for start := 0; start < len(keys); start += t.batchSize {
		batch := keys[start:min(start+t.batchSize, len(keys))]
		if batched {
			part := make(map[string]T, len(batch))
			for _, k := range batch {
				part[k] = items[k]
			}
			if err := bs.SetMany(ctx, part, ttl); err != nil {
				return err
			}
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(t.concurrency)
		for _, k := range batch {
			k := k
			v := items[k]
			g.Go(func() error {
				if !batched {
					if err := t.l2.Set(gctx, k, v, ttl); err != nil {
						return err
					}
				}
				t.written(k)
				return t.l1.Set(gctx, k, v, t.localTTLFor(ttl))
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// Close stops listening for remote invalidations. It does not close the
// tiers or the bus.
func (t *Tiered[T]) Close() error {
	var err error
	t.once.Do(func() {
		if t.bus == nil {
			return
		}
		err = t.bus.Unsubscribe(context.Background(), InvalidateTopic, t.sub)
		t.cancel()
		t.wg.Wait()
	})
	return err
}
