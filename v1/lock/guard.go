package lock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/metrics"
	"github.com/mirkobrombin/go-warden/v1/syncbus"
)

const defaultPollInterval = 50 * time.Millisecond

// UnlockTopic returns the bus topic a Guard publishes on when key is released.
func UnlockTopic(key string) string {
	return "unlock:" + key
}

// NewOwnerID returns a random owner identifier.
func NewOwnerID() string {
	return uuid.NewString()
}

// Guard hands out scoped tokens for a Locker.
type Guard struct {
	locker Locker
	bus    syncbus.Bus
	log    zerolog.Logger
	poll   time.Duration
	keep   bool
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithBus publishes unlock events on bus and lets waiters in ExecuteWithLock
// wake up on them instead of waiting for the next poll.
func WithBus(bus syncbus.Bus) GuardOption {
	return func(g *Guard) {
		g.bus = bus
	}
}

// WithGuardLogger sets the logger for cleanup failures.
func WithGuardLogger(l zerolog.Logger) GuardOption {
	return func(g *Guard) {
		g.log = l
	}
}

// WithPollInterval sets the base interval between acquisition attempts in
// ExecuteWithLock. Each wait is jittered around it.
func WithPollInterval(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.poll = d
		}
	}
}

// WithKeepAlive makes ExecuteWithLock renew the lock while fn runs, so fn
// may outlive the ttl. If a renewal finds the lock gone, fn's context is
// cancelled with errors.ErrLockLost as its cause.
func WithKeepAlive() GuardOption {
	return func(g *Guard) {
		g.keep = true
	}
}

// NewGuard returns a Guard over locker.
func NewGuard(locker Locker, opts ...GuardOption) *Guard {
	g := &Guard{locker: locker, log: zerolog.Nop(), poll: defaultPollInterval}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Locker returns the wrapped Locker.
func (g *Guard) Locker() Locker {
	return g.locker
}

// Token is a held lock. It is released at most once no matter how many
// times Release is called.
type Token struct {
	g        *Guard
	key      string
	owner    string
	once     sync.Once
	released atomic.Bool
}

// Key returns the locked key.
func (t *Token) Key() string { return t.key }

// Owner returns the owner the lock was taken for.
func (t *Token) Owner() string { return t.owner }

// Valid reports whether Release has not been called yet. A valid token may
// still refer to a lock that expired in the store.
func (t *Token) Valid() bool { return !t.released.Load() }

// Release frees the lock. Only the first call does any work; later calls
// return nil.
func (t *Token) Release(ctx context.Context) error {
	var err error
	t.once.Do(func() {
		t.released.Store(true)
		err = t.g.release(ctx, t.key, t.owner)
	})
	return err
}

// Extend pushes the lock expiry to now+extra. It returns false once the
// token has been released or the lock has been lost.
func (t *Token) Extend(ctx context.Context, extra time.Duration) (bool, error) {
	if !t.Valid() {
		return false, nil
	}
	return t.g.locker.Extend(ctx, t.key, t.owner, extra)
}

// Acquire tries once to take key. On contention it returns a nil token and
// false. An empty owner is replaced by a random one.
func (g *Guard) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (*Token, bool, error) {
	if key == "" {
		return nil, false, wardenerrors.ErrInvalidKey
	}
	if owner == "" {
		owner = NewOwnerID()
	}
	ok, err := g.locker.TryAcquire(ctx, key, owner, ttl)
	if err != nil || !ok {
		return nil, false, err
	}
	return &Token{g: g, key: key, owner: owner}, true, nil
}

func (g *Guard) release(ctx context.Context, key, owner string) error {
	ok, err := g.locker.Release(ctx, key, owner)
	if err != nil {
		return err
	}
	if !ok {
		g.log.Debug().Str("key", key).Str("owner", owner).Msg("lock already gone at release")
		return nil
	}
	if g.bus != nil {
		if err := g.bus.Publish(ctx, UnlockTopic(key), []byte(owner)); err != nil {
			g.log.Warn().Err(err).Str("key", key).Msg("publish unlock")
		}
	}
	return nil
}

type heldKey struct{ key string }

// HeldToken returns the token ExecuteWithLock stored in ctx for key, if any.
func HeldToken(ctx context.Context, key string) (*Token, bool) {
	t, ok := ctx.Value(heldKey{key}).(*Token)
	if !ok || !t.Valid() {
		return nil, false
	}
	return t, true
}

// ExecuteWithLock waits up to ttl for key, runs fn while holding it and
// releases it afterwards. ttl is also the lock's own TTL.
//
// fn receives a context carrying the token. Calling ExecuteWithLock again
// on this Guard with that context, the same key and the same owner runs the
// inner fn directly instead of waiting on itself.
//
// It returns errors.ErrLockTimeout when the lock could not be taken in
// time. Failures to release are logged, fn's error is returned as is.
func (g *Guard) ExecuteWithLock(ctx context.Context, key, owner string, ttl time.Duration, fn func(context.Context) error) error {
	if key == "" {
		return wardenerrors.ErrInvalidKey
	}
	if owner == "" {
		owner = NewOwnerID()
	}
	if t, ok := HeldToken(ctx, key); ok && t.g == g && t.owner == owner {
		return fn(ctx)
	}
	ttl = normalizeTTL(ttl)
	tok, err := g.wait(ctx, key, owner, ttl)
	if err != nil {
		return err
	}
	defer func() {
		if err := tok.Release(context.WithoutCancel(ctx)); err != nil {
			g.log.Warn().Err(err).Str("key", key).Str("owner", owner).Msg("release lock")
		}
	}()
	ctx = context.WithValue(ctx, heldKey{key}, tok)
	if !g.keep {
		return fn(ctx)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	lease := tok.KeepAlive(ttl)
	defer lease.Stop()
	go func() {
		select {
		case <-lease.Lost():
			cancel(wardenerrors.ErrLockLost)
		case <-ctx.Done():
		}
	}()
	return fn(ctx)
}

func (g *Guard) wait(ctx context.Context, key, owner string, timeout time.Duration) (*Token, error) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// subscribe before the first attempt so an unlock in between is not missed
	var wake <-chan syncbus.Event
	if g.bus != nil {
		ch, err := g.bus.Subscribe(wctx, UnlockTopic(key))
		if err != nil {
			g.log.Debug().Err(err).Str("key", key).Msg("unlock subscription failed, polling only")
		} else {
			wake = ch
		}
	}

	timedOut := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		metrics.LockTimeoutCounter.Inc()
		return fmt.Errorf("%w: %s", wardenerrors.ErrLockTimeout, key)
	}

	for {
		tok, ok, err := g.Acquire(wctx, key, owner, timeout)
		if err != nil {
			if wctx.Err() != nil {
				return nil, timedOut()
			}
			return nil, err
		}
		if ok {
			return tok, nil
		}
		timer := time.NewTimer(g.jitter())
		select {
		case _, open := <-wake:
			if !open {
				wake = nil
			}
		case <-timer.C:
		case <-wctx.Done():
			timer.Stop()
			return nil, timedOut()
		}
		timer.Stop()
	}
}

// jitter returns a delay uniformly drawn from [poll/2, 3*poll/2).
func (g *Guard) jitter() time.Duration {
	return g.poll/2 + time.Duration(rand.Int63n(int64(g.poll)))
}
