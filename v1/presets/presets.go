// Package presets assembles ready to use warden stacks: an L1 cache, the
// cache-aside Manager, a lock Guard and the bus that ties processes together.
package presets

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/mirkobrombin/go-warden/v1/adapter"
	"github.com/mirkobrombin/go-warden/v1/cache"
	"github.com/mirkobrombin/go-warden/v1/core"
	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/syncbus"
	"github.com/mirkobrombin/go-warden/v1/validator"
)

// Options are shared by every preset. Zero values select the defaults.
type Options struct {
	// Prefix namespaces cache keys. Empty means core.DefaultPrefix.
	Prefix string
	// Strategy is the L1 eviction strategy, "lru" or "lfu".
	Strategy string
	// Capacity bounds the L1 entry count. Zero means unbounded for LRU.
	Capacity int
	// Codec names the L2 codec, "json", "gob" or "bytes".
	Codec string
	// LocalTTL caps L1 entry lifetime.
	LocalTTL time.Duration
	// Logger receives degraded path warnings. Nil discards them.
	Logger *zerolog.Logger

	// ValidateInterval enables a background validator dropping L1 entries
	// that diverged from L2.
	ValidateInterval time.Duration
	// KeepAlive renews locks held by Guard.ExecuteWithLock while fn runs.
	KeepAlive bool
}

const (
	breakerThreshold     = 5
	breakerCooldown      = 10 * time.Second
	defaultPurgeInterval = time.Minute
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Options
}

// GormOptions configures a SQL backed stack.
type GormOptions struct {
	DB *gorm.DB
	// Table overrides the key-value table name.
	Table string
	// Bus carries unlock and invalidation events. Nil keeps them local.
	Bus syncbus.Bus
	// PurgeInterval is how often expired rows are deleted. Zero means every
	// minute, a negative value disables purging.
	PurgeInterval time.Duration
	Options
}

// Stack is a complete warden instance. The embedded Tiered serves cache
// calls; Guard serves locking.
type Stack[T any] struct {
	*core.Tiered[T]
	Manager *core.Manager[T]
	Guard   *lock.Guard
	KV      adapter.KV

	// Validator is set when Options.ValidateInterval is positive.
	Validator *validator.Validator[T]

	closers []func() error
}

// Close releases everything the preset created, in reverse order.
func (s *Stack[T]) Close() error {
	errs := []error{s.Tiered.Close()}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

func build[T any](kv adapter.KV, locker lock.Locker, bus syncbus.Bus, o Options, closers []func() error) (_ *Stack[T], err error) {
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()
	log := logger(o)
	codec, err := cache.CodecByName(o.Codec)
	if err != nil {
		return nil, err
	}
	strategy, err := cache.ParseStrategy(o.Strategy)
	if err != nil {
		return nil, err
	}
	l1, err := cache.New[T](cache.WithStrategy[T](strategy), cache.WithCapacity[T](o.Capacity))
	if err != nil {
		return nil, err
	}
	if c, ok := l1.(interface{ Close() }); ok {
		closers = append(closers, func() error { c.Close(); return nil })
	}

	mopts := []core.ManagerOption{
		core.WithLocker(locker),
		core.WithCodec(codec),
		core.WithLogger(log),
	}
	if o.Prefix != "" {
		mopts = append(mopts, core.WithPrefix(o.Prefix))
	}
	m := core.NewManager[T](kv, mopts...)

	topts := []core.TieredOption{core.WithTieredLogger(log), core.WithInvalidationBus(bus)}
	if o.LocalTTL > 0 {
		topts = append(topts, core.WithLocalTTL(o.LocalTTL))
	}
	tiered, err := core.NewTiered[T](cache.NewResilient(l1, log), m, topts...)
	if err != nil {
		return nil, err
	}
	gopts := []lock.GuardOption{lock.WithBus(bus), lock.WithGuardLogger(log)}
	if o.KeepAlive {
		gopts = append(gopts, lock.WithKeepAlive())
	}
	s := &Stack[T]{
		Tiered:  tiered,
		Manager: m,
		Guard:   lock.NewGuard(locker, gopts...),
		KV:      kv,
	}
	if o.ValidateInterval > 0 {
		s.Validator = validator.New[T](l1, m, validator.ModeAutoHeal, o.ValidateInterval, validator.WithLogger[T](log))
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			s.Validator.Run(ctx)
		}()
		closers = append(closers, func() error { cancel(); <-done; return nil })
	}
	s.closers = closers
	return s, nil
}

// every runs fn each interval until the returned stop function is called.
func every(interval time.Duration, fn func(context.Context)) (stop func() error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
	return func() error { cancel(); <-done; return nil }
}

func logger(o Options) zerolog.Logger {
	if o.Logger != nil {
		return *o.Logger
	}
	return zerolog.Nop()
}

// NewInMemoryStandalone returns a stack living entirely in this process,
// with actor serialized locks. Useful for local development and tests.
func NewInMemoryStandalone[T any](opts ...Options) (*Stack[T], error) {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	locker := lock.NewActor()
	closers := []func() error{func() error { locker.Close(); return nil }}
	return build[T](adapter.NewInMemoryKV(), locker, syncbus.NewInMemoryBus(), o, closers)
}

// NewRedis returns a stack using Redis as L2, lock store and bus.
func NewRedis[T any](opts RedisOptions) (*Stack[T], error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	kv := adapter.NewRedisKV(client)
	bus := syncbus.NewRedisBus(client)
	closers := []func() error{client.Close, bus.Close}
	return build[T](kv, lock.NewStore(kv), syncbus.NewBreaker(bus, breakerThreshold, breakerCooldown), opts.Options, closers)
}

// NewGorm returns a stack keeping L2 and locks in a SQL table through GORM.
func NewGorm[T any](opts GormOptions) (*Stack[T], error) {
	if opts.DB == nil {
		return nil, errors.New("presets: GormOptions.DB is required")
	}
	var gopts []adapter.GormOption
	if opts.Table != "" {
		gopts = append(gopts, adapter.WithGormTableName(opts.Table))
	}
	kv, err := adapter.NewGormKV(opts.DB, gopts...)
	if err != nil {
		return nil, err
	}
	var bus syncbus.Bus = syncbus.NewInMemoryBus()
	if opts.Bus != nil {
		bus = syncbus.NewBreaker(opts.Bus, breakerThreshold, breakerCooldown)
	}
	var closers []func() error
	if interval := opts.PurgeInterval; interval >= 0 {
		if interval == 0 {
			interval = defaultPurgeInterval
		}
		log := logger(opts.Options)
		closers = append(closers, every(interval, func(ctx context.Context) {
			n, err := kv.PurgeExpired(ctx)
			if err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("purge expired rows")
				return
			}
			if n > 0 {
				log.Debug().Int64("rows", n).Msg("purged expired rows")
			}
		}))
	}
	return build[T](kv, lock.NewStore(kv), bus, opts.Options, closers)
}
