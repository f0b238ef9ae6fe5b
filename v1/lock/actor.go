package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirkobrombin/go-warden/v1/actor"
	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/metrics"
)

const actorImpl = "actor"

// Actor implements Locker on an actor.System. Each key is owned by one unit
// whose goroutine runs every call for that key in order, so the lock state
// needs no synchronization of its own.
type Actor struct {
	sys *actor.System[State]
	now func() time.Time
}

// ActorOption configures an Actor.
type ActorOption func(*actorOptions)

type actorOptions struct {
	now         func() time.Time
	idleTimeout time.Duration
	mailboxSize int
	log         zerolog.Logger
}

// WithActorClock replaces the time source used for expiry.
func WithActorClock(now func() time.Time) ActorOption {
	return func(o *actorOptions) {
		o.now = now
	}
}

// WithActorIdleTimeout sets how long an unlocked key keeps its unit alive.
func WithActorIdleTimeout(d time.Duration) ActorOption {
	return func(o *actorOptions) {
		o.idleTimeout = d
	}
}

// WithActorMailboxSize sets the per-key mailbox capacity.
func WithActorMailboxSize(n int) ActorOption {
	return func(o *actorOptions) {
		o.mailboxSize = n
	}
}

// WithActorLogger sets the logger passed to the underlying actor system.
func WithActorLogger(l zerolog.Logger) ActorOption {
	return func(o *actorOptions) {
		o.log = l
	}
}

// NewActor returns an Actor with its own actor system. Call Close to stop it.
func NewActor(opts ...ActorOption) *Actor {
	o := actorOptions{
		now:         time.Now,
		idleTimeout: time.Minute,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	a := &Actor{now: o.now}
	sysOpts := []actor.Option[State]{
		actor.WithIdleTimeout[State](o.idleTimeout),
		actor.WithLogger[State](o.log),
		// a unit holding a live lock must survive idleness
		actor.WithPassivation(func(s *State) bool { return !s.Held(a.now()) }),
		actor.WithLifecycleHooks[State](
			func(string) { metrics.ActorGauge.Inc() },
			func(string) { metrics.ActorGauge.Dec() },
		),
	}
	if o.mailboxSize > 0 {
		sysOpts = append(sysOpts, actor.WithMailboxSize[State](o.mailboxSize))
	}
	a.sys = actor.NewSystem[State](sysOpts...)
	return a
}

func (a *Actor) ask(ctx context.Context, key string, fn func(*State) bool) (bool, error) {
	ok, err := actor.Ask(ctx, a.sys, key, fn)
	if errors.Is(err, actor.ErrStopped) {
		return false, fmt.Errorf("%w: %w", wardenerrors.ErrUnavailable, err)
	}
	return ok, err
}

// TryAcquire implements Locker.TryAcquire.
func (a *Actor) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if key == "" || owner == "" {
		return false, nil
	}
	ttl = normalizeTTL(ttl)
	ok, err := a.ask(ctx, key, func(s *State) bool {
		now := a.now()
		if s.Held(now) {
			return false
		}
		*s = State{Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
		return true
	})
	observeAcquire(actorImpl, ok, err)
	return ok, err
}

// Release implements Locker.Release.
func (a *Actor) Release(ctx context.Context, key, owner string) (bool, error) {
	if key == "" || owner == "" {
		return false, nil
	}
	ok, err := a.ask(ctx, key, func(s *State) bool {
		if !s.Held(a.now()) || s.Owner != owner {
			return false
		}
		*s = State{}
		return true
	})
	observeRelease(actorImpl, ok, err)
	return ok, err
}

// Extend implements Locker.Extend.
func (a *Actor) Extend(ctx context.Context, key, owner string, extra time.Duration) (bool, error) {
	if key == "" || owner == "" {
		return false, nil
	}
	extra = normalizeTTL(extra)
	return a.ask(ctx, key, func(s *State) bool {
		now := a.now()
		if !s.Held(now) || s.Owner != owner {
			return false
		}
		s.ExpiresAt = now.Add(extra)
		return true
	})
}

// ForceRelease implements Locker.ForceRelease.
func (a *Actor) ForceRelease(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	return a.ask(ctx, key, func(s *State) bool {
		held := s.Held(a.now())
		*s = State{}
		return held
	})
}

// IsLocked implements Locker.IsLocked.
func (a *Actor) IsLocked(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	return a.ask(ctx, key, func(s *State) bool {
		return s.Held(a.now())
	})
}

// GetOwner implements Locker.GetOwner.
func (a *Actor) GetOwner(ctx context.Context, key string) (string, bool, error) {
	st, ok, err := a.Inspect(ctx, key)
	return st.Owner, ok, err
}

// Inspect returns the full state of key when it is held.
func (a *Actor) Inspect(ctx context.Context, key string) (State, bool, error) {
	if key == "" {
		return State{}, false, nil
	}
	st, err := actor.Ask(ctx, a.sys, key, func(s *State) State {
		if !s.Held(a.now()) {
			return State{}
		}
		return *s
	})
	if errors.Is(err, actor.ErrStopped) {
		return State{}, false, fmt.Errorf("%w: %w", wardenerrors.ErrUnavailable, err)
	}
	if err != nil {
		return State{}, false, err
	}
	return st, st.Owner != "", nil
}

// Close stops every key unit. Later calls fail with errors.ErrUnavailable.
func (a *Actor) Close() {
	a.sys.Close()
}

func observeAcquire(impl string, ok bool, err error) {
	result := "contended"
	switch {
	case err != nil:
		result = "error"
	case ok:
		result = "acquired"
	}
	metrics.LockAcquireCounter.WithLabelValues(impl, result).Inc()
}

func observeRelease(impl string, ok bool, err error) {
	result := "not_owner"
	switch {
	case err != nil:
		result = "error"
	case ok:
		result = "released"
	}
	metrics.LockReleaseCounter.WithLabelValues(impl, result).Inc()
}
