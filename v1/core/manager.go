package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-warden/v1/adapter"
	"github.com/mirkobrombin/go-warden/v1/cache"
	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/metrics"
)

const (
	// DefaultPrefix namespaces every key the Manager writes.
	DefaultPrefix = "warden:"
	// DefaultNegativeTTL is how long a "known absent" marker lives.
	DefaultNegativeTTL = 5 * time.Minute
	// DefaultLockTTL bounds how long one population may hold its lock.
	DefaultLockTTL = 10 * time.Second
	// DefaultBackoff is the single wait of a caller that lost the lock race.
	DefaultBackoff = 100 * time.Millisecond

	valueSpace    = "v:"
	negativeSpace = "n:"
)

var negativeValue = []byte("1")

// Factory produces the value for a missing key. Returning false means the
// key has no value, which is cached as a negative entry.
type Factory[T any] func(ctx context.Context) (T, bool, error)

// Manager is a cache-aside layer over an adapter.KV that protects the data
// source behind the factory from stampedes and penetration.
//
// Positive entries live at <prefix>v:<key> with a jittered TTL, negative
// entries at <prefix>n:<key> with a fixed TTL and population locks at
// lock:<prefix><key>. The two entry spaces never overlap, whatever the key.
type Manager[T any] struct {
	kv          adapter.KV
	locker      lock.Locker
	codec       cache.Codec
	prefix      string
	negativeTTL time.Duration
	lockTTL     time.Duration
	backoff     time.Duration
	jitter      float64
	log         zerolog.Logger
	tracer      trace.Tracer
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerOptions)

type managerOptions struct {
	locker      lock.Locker
	codec       cache.Codec
	prefix      string
	negativeTTL time.Duration
	lockTTL     time.Duration
	backoff     time.Duration
	jitter      float64
	log         zerolog.Logger
	tracer      trace.Tracer
}

// WithLocker sets the lock used to guard population. The default is a
// lock.Store on the Manager's own KV.
func WithLocker(l lock.Locker) ManagerOption {
	return func(o *managerOptions) { o.locker = l }
}

// WithCodec sets the codec for positive entries. The default is JSON.
func WithCodec(c cache.Codec) ManagerOption {
	return func(o *managerOptions) { o.codec = c }
}

// WithPrefix sets the key namespace. An empty prefix is allowed.
func WithPrefix(p string) ManagerOption {
	return func(o *managerOptions) { o.prefix = p }
}

// WithNegativeTTL sets the lifetime of negative entries.
func WithNegativeTTL(d time.Duration) ManagerOption {
	return func(o *managerOptions) {
		if d > 0 {
			o.negativeTTL = d
		}
	}
}

// WithLockTTL sets the TTL of population locks.
func WithLockTTL(d time.Duration) ManagerOption {
	return func(o *managerOptions) {
		if d > 0 {
			o.lockTTL = d
		}
	}
}

// WithBackoff sets how long a caller that lost the lock race waits before
// reading again.
func WithBackoff(d time.Duration) ManagerOption {
	return func(o *managerOptions) {
		if d >= 0 {
			o.backoff = d
		}
	}
}

// WithJitter sets the fraction positive TTLs are spread by. Zero disables it.
func WithJitter(f float64) ManagerOption {
	return func(o *managerOptions) {
		if f >= 0 {
			o.jitter = f
		}
	}
}

// WithLogger sets the logger for degraded paths.
func WithLogger(l zerolog.Logger) ManagerOption {
	return func(o *managerOptions) { o.log = l }
}

// WithTracer sets the tracer used for spans.
func WithTracer(t trace.Tracer) ManagerOption {
	return func(o *managerOptions) { o.tracer = t }
}

// NewManager returns a Manager storing entries in kv.
func NewManager[T any](kv adapter.KV, opts ...ManagerOption) *Manager[T] {
	o := managerOptions{
		codec:       cache.JSONCodec{},
		prefix:      DefaultPrefix,
		negativeTTL: DefaultNegativeTTL,
		lockTTL:     DefaultLockTTL,
		backoff:     DefaultBackoff,
		jitter:      cache.DefaultJitter,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.locker == nil {
		o.locker = lock.NewStore(kv)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("github.com/mirkobrombin/go-warden/v1/core")
	}
	return &Manager[T]{
		kv:          kv,
		locker:      o.locker,
		codec:       o.codec,
		prefix:      o.prefix,
		negativeTTL: o.negativeTTL,
		lockTTL:     o.lockTTL,
		backoff:     o.backoff,
		jitter:      o.jitter,
		log:         o.log,
		tracer:      o.tracer,
	}
}

func (m *Manager[T]) dataKey(key string) string { return m.prefix + valueSpace + key }
func (m *Manager[T]) negKey(key string) string  { return m.prefix + negativeSpace + key }
func (m *Manager[T]) lockKey(key string) string { return "lock:" + m.prefix + key }

func (m *Manager[T]) start(ctx context.Context, op, key string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("warden.key", key)))
}

func fail(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Get returns the positive entry for key. A missing or negative entry is
// reported as not found.
func (m *Manager[T]) Get(ctx context.Context, key string) (T, bool, error) {
	ctx, span := m.start(ctx, "Manager.Get", key)
	defer span.End()
	var zero T
	if key == "" {
		return zero, false, wardenerrors.ErrInvalidKey
	}
	v, ok, err := m.readValue(ctx, key)
	if err != nil {
		return zero, false, fail(span, fmt.Errorf("%w: %w", wardenerrors.ErrUnavailable, err))
	}
	return v, ok, nil
}

// readValue reads and decodes the positive entry. Undecodable data is
// logged and reported as a miss so the next population overwrites it.
func (m *Manager[T]) readValue(ctx context.Context, key string) (T, bool, error) {
	var v T
	data, ok, err := m.kv.Get(ctx, m.dataKey(key))
	if err != nil || !ok {
		return v, false, err
	}
	if err := m.codec.Unmarshal(data, &v); err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("undecodable cache entry")
		var zero T
		return zero, false, nil
	}
	return v, true, nil
}

// lookup checks the negative marker, then the positive entry. Store errors
// are logged and read as a miss.
func (m *Manager[T]) lookup(ctx context.Context, key string) (v T, found, negative bool) {
	_, negative, err := m.kv.Get(ctx, m.negKey(key))
	if err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("negative marker read failed")
		negative = false
	}
	if negative {
		return v, false, true
	}
	v, found, err = m.readValue(ctx, key)
	if err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
		return v, false, false
	}
	return v, found, false
}

// Set stores value with a jittered ttl and drops any negative entry for key.
// A non-positive ttl stores the value without expiry.
func (m *Manager[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	ctx, span := m.start(ctx, "Manager.Set", key)
	defer span.End()
	if key == "" {
		return wardenerrors.ErrInvalidKey
	}
	return fail(span, m.set(ctx, key, value, ttl))
}

func (m *Manager[T]) set(ctx context.Context, key string, value T, ttl time.Duration) error {
	data, err := m.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	if err := m.kv.Set(ctx, m.dataKey(key), data, cache.Jitter(ttl, m.jitter)); err != nil {
		return err
	}
	metrics.SetCounter.Inc()
	if _, err := m.kv.Delete(ctx, m.negKey(key)); err != nil {
		return err
	}
	return nil
}

// SetNegative records key as known absent for the negative TTL and drops
// any positive entry.
func (m *Manager[T]) SetNegative(ctx context.Context, key string) error {
	ctx, span := m.start(ctx, "Manager.SetNegative", key)
	defer span.End()
	if key == "" {
		return wardenerrors.ErrInvalidKey
	}
	return fail(span, m.setNegative(ctx, key))
}

func (m *Manager[T]) setNegative(ctx context.Context, key string) error {
	if err := m.kv.Set(ctx, m.negKey(key), negativeValue, m.negativeTTL); err != nil {
		return err
	}
	_, err := m.kv.Delete(ctx, m.dataKey(key))
	return err
}

// SetMany stores every item like Set does. Stores implementing
// adapter.Batcher receive all writes in one batch.
func (m *Manager[T]) SetMany(ctx context.Context, items map[string]T, ttl time.Duration) error {
	b, ok := m.kv.(adapter.Batcher)
	if !ok {
		for k, v := range items {
			if err := m.set(ctx, k, v, ttl); err != nil {
				return err
			}
		}
		return nil
	}
	batch, err := b.Batch(ctx)
	if err != nil {
		return err
	}
	for k, v := range items {
		data, err := m.codec.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %q: %w", k, err)
		}
		if err := batch.Set(ctx, m.dataKey(k), data, cache.Jitter(ttl, m.jitter)); err != nil {
			return err
		}
		if err := batch.Delete(ctx, m.negKey(k)); err != nil {
			return err
		}
	}
	if err := batch.Commit(ctx); err != nil {
		return err
	}
	metrics.SetCounter.Add(float64(len(items)))
	return nil
}

// Remove drops both the positive and the negative entry for key.
func (m *Manager[T]) Remove(ctx context.Context, key string) error {
	ctx, span := m.start(ctx, "Manager.Remove", key)
	defer span.End()
	if key == "" {
		return wardenerrors.ErrInvalidKey
	}
	if _, err := m.kv.Delete(ctx, m.dataKey(key), m.negKey(key)); err != nil {
		return fail(span, err)
	}
	metrics.InvalidateCounter.Inc()
	return nil
}

// ClearByPattern removes positive and negative entries whose key matches
// the Redis style glob pattern and returns how many store keys went away.
// Population locks are never matched.
func (m *Manager[T]) ClearByPattern(ctx context.Context, pattern string) (int64, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.ClearByPattern", trace.WithAttributes(attribute.String("warden.pattern", pattern)))
	defer span.End()
	prefix := escapeGlob(m.prefix)
	n, err := m.kv.DeleteByPattern(ctx, prefix+valueSpace+pattern)
	if err != nil {
		return n, fail(span, err)
	}
	neg, err := m.kv.DeleteByPattern(ctx, prefix+negativeSpace+pattern)
	n += neg
	if err != nil {
		return n, fail(span, err)
	}
	metrics.InvalidateCounter.Add(float64(n))
	return n, nil
}

// Keys returns the keys with a positive entry matching pattern, without the
// prefix.
func (m *Manager[T]) Keys(ctx context.Context, pattern string) ([]string, error) {
	raw, err := m.kv.Keys(ctx, escapeGlob(m.prefix)+valueSpace+pattern)
	if err != nil {
		return nil, err
	}
	space := m.prefix + valueSpace
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, strings.TrimPrefix(k, space))
	}
	return keys, nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}

// TTL reports the time left on the positive entry for key; zero means it
// does not expire. The boolean is false when there is no positive entry.
func (m *Manager[T]) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	return m.kv.TTL(ctx, m.dataKey(key))
}

// GetOrSet returns the cached value for key or populates it from factory.
//
// A negative entry short-circuits to not found without calling factory. On a
// miss the caller that wins the population lock re-reads, runs factory and
// writes the result, positive with a jittered ttl or negative when factory
// reports no value. A caller that loses the race waits once for the backoff,
// re-reads and, if the entry is still missing, calls factory itself without
// writing anything.
//
// Factory errors are returned unchanged and leave the cache untouched. Store
// failures only cost caching: reads count as misses and failed writes are
// logged while the computed value is still returned.
func (m *Manager[T]) GetOrSet(ctx context.Context, key string, factory Factory[T], ttl time.Duration) (T, bool, error) {
	ctx, span := m.start(ctx, "Manager.GetOrSet", key)
	defer span.End()
	var zero T
	if key == "" {
		return zero, false, wardenerrors.ErrInvalidKey
	}

	if v, found, negative := m.lookup(ctx, key); negative || found {
		return m.hit(span, v, found)
	}

	owner, err := uuid.GenerateUUID()
	if err != nil {
		owner = lock.NewOwnerID()
	}
	lockKey := m.lockKey(key)
	acquired, err := m.locker.TryAcquire(ctx, lockKey, owner, m.lockTTL)
	if err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("population lock unavailable")
		acquired = false
	}

	if acquired {
		defer func() {
			if _, err := m.locker.Release(context.WithoutCancel(ctx), lockKey, owner); err != nil {
				m.log.Warn().Err(err).Str("key", key).Msg("release population lock")
			}
		}()
		if v, found, negative := m.lookup(ctx, key); negative || found {
			return m.hit(span, v, found)
		}
		span.SetAttributes(attribute.String("warden.result", metrics.ResultMiss))
		metrics.CacheLookupCounter.WithLabelValues(metrics.ResultMiss).Inc()
		return m.populate(ctx, span, key, factory, ttl)
	}

	if m.backoff > 0 {
		timer := time.NewTimer(m.backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, false, ctx.Err()
		}
	}
	if v, found, negative := m.lookup(ctx, key); negative || found {
		return m.hit(span, v, found)
	}
	span.SetAttributes(attribute.String("warden.result", metrics.ResultFallback))
	metrics.CacheLookupCounter.WithLabelValues(metrics.ResultFallback).Inc()
	metrics.FactoryCounter.Inc()
	v, ok, err := factory(ctx)
	if err != nil {
		return zero, false, fail(span, err)
	}
	if !ok {
		return zero, false, nil
	}
	return v, true, nil
}

func (m *Manager[T]) hit(span trace.Span, v T, found bool) (T, bool, error) {
	result := metrics.ResultNegativeHit
	if found {
		result = metrics.ResultL2Hit
	}
	span.SetAttributes(attribute.String("warden.result", result))
	metrics.CacheLookupCounter.WithLabelValues(result).Inc()
	if !found {
		var zero T
		return zero, false, nil
	}
	return v, true, nil
}

func (m *Manager[T]) populate(ctx context.Context, span trace.Span, key string, factory Factory[T], ttl time.Duration) (T, bool, error) {
	var zero T
	metrics.FactoryCounter.Inc()
	v, ok, err := factory(ctx)
	if err != nil {
		return zero, false, fail(span, err)
	}
	if !ok {
		if err := m.setNegative(ctx, key); err != nil {
			m.log.Warn().Err(err).Str("key", key).Msg("write negative entry")
		}
		return zero, false, nil
	}
	if err := m.set(ctx, key, v, ttl); err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("write cache entry")
	}
	return v, true, nil
}
