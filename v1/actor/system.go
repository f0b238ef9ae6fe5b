package actor

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid"
	"github.com/rs/zerolog"
)

// ErrStopped is returned for calls made after Close or interrupted by it.
var ErrStopped = errors.New("actor: system stopped")

const (
	defaultMailboxSize = 64
	defaultIdleTimeout = time.Minute
)

type unit[S any] struct {
	id      ulid.ULID
	addr    string
	mailbox chan func(*S)
	state   S
	// refs counts callers currently routed to this unit. Guarded by System.mu.
	refs int
}

// System routes calls to units addressed by string keys.
//
// S is the per-unit state type. Its zero value is the initial state of a
// freshly started unit.
type System[S any] struct {
	mu      sync.Mutex
	units   map[string]*unit[S]
	stop    chan struct{}
	stopped bool
	wg      sync.WaitGroup
	entropy io.Reader // monotonic, guarded by mu

	mailboxSize  int
	idleTimeout  time.Duration
	canPassivate func(*S) bool
	onStart      func(addr string)
	onStop       func(addr string)
	log          zerolog.Logger
}

// Option configures a System.
type Option[S any] func(*System[S])

// WithMailboxSize sets how many pending calls a unit buffers before senders block.
func WithMailboxSize[S any](n int) Option[S] {
	return func(s *System[S]) {
		if n > 0 {
			s.mailboxSize = n
		}
	}
}

// WithIdleTimeout sets how long a unit may stay idle before it is considered
// for passivation. A non-positive duration keeps units alive until Close.
func WithIdleTimeout[S any](d time.Duration) Option[S] {
	return func(s *System[S]) {
		s.idleTimeout = d
	}
}

// WithPassivation sets the predicate deciding whether an idle unit's state
// can be dropped. Without it every idle unit is passivated.
func WithPassivation[S any](fn func(*S) bool) Option[S] {
	return func(s *System[S]) {
		s.canPassivate = fn
	}
}

// WithLifecycleHooks registers callbacks run when a unit starts and when its
// goroutine exits, whether by passivation or Close. Either may be nil.
func WithLifecycleHooks[S any](started, stopped func(addr string)) Option[S] {
	return func(s *System[S]) {
		s.onStart = started
		s.onStop = stopped
	}
}

// WithLogger sets the logger used for unit lifecycle events.
func WithLogger[S any](l zerolog.Logger) Option[S] {
	return func(s *System[S]) {
		s.log = l
	}
}

// NewSystem returns a running System.
func NewSystem[S any](opts ...Option[S]) *System[S] {
	s := &System[S]{
		units:       make(map[string]*unit[S]),
		stop:        make(chan struct{}),
		entropy:     ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		mailboxSize: defaultMailboxSize,
		idleTimeout: defaultIdleTimeout,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ask runs fn against the state of the unit at addr and returns its result.
//
// fn executes on the unit's goroutine and must not block or call back into
// the same System for the same address. Once the call has been accepted by
// the mailbox Ask waits for its completion even if ctx is cancelled, so the
// caller never loses track of a state change that did happen.
func Ask[S, R any](ctx context.Context, s *System[S], addr string, fn func(*S) R) (R, error) {
	var zero R
	u, err := s.route(addr)
	if err != nil {
		return zero, err
	}
	defer s.unroute(u)

	done := make(chan R, 1)
	msg := func(st *S) { done <- fn(st) }
	select {
	case u.mailbox <- msg:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.stop:
		return zero, ErrStopped
	}
	select {
	case r := <-done:
		return r, nil
	case <-s.stop:
		return zero, ErrStopped
	}
}

// Len returns the number of live units.
func (s *System[S]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.units)
}

// Close stops every unit and waits for their goroutines to exit.
func (s *System[S]) Close() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stop)
	s.units = make(map[string]*unit[S])
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *System[S]) route(addr string) (*unit[S], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStopped
	}
	u, ok := s.units[addr]
	if !ok {
		u = &unit[S]{
			id:      ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy),
			addr:    addr,
			mailbox: make(chan func(*S), s.mailboxSize),
		}
		s.units[addr] = u
		s.wg.Add(1)
		go s.run(u)
		if s.onStart != nil {
			s.onStart(addr)
		}
		s.log.Debug().Str("addr", addr).Str("incarnation", u.id.String()).Msg("actor started")
	}
	u.refs++
	return u, nil
}

func (s *System[S]) unroute(u *unit[S]) {
	s.mu.Lock()
	u.refs--
	s.mu.Unlock()
}

func (s *System[S]) run(u *unit[S]) {
	defer s.wg.Done()
	if s.onStop != nil {
		defer s.onStop(u.addr)
	}

	var idle <-chan time.Time
	var timer *time.Timer
	if s.idleTimeout > 0 {
		timer = time.NewTimer(s.idleTimeout)
		defer timer.Stop()
		idle = timer.C
	}
	for {
		select {
		case fn := <-u.mailbox:
			fn(&u.state)
			if timer != nil {
				timer.Reset(s.idleTimeout)
			}
		case <-idle:
			if s.passivate(u) {
				s.log.Debug().Str("addr", u.addr).Str("incarnation", u.id.String()).Msg("actor passivated")
				return
			}
			timer.Reset(s.idleTimeout)
		case <-s.stop:
			return
		}
	}
}

// passivate removes u from the routing table when nothing references it and
// its state is disposable. It runs on u's goroutine, so reading the state is safe.
func (s *System[S]) passivate(u *unit[S]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.refs > 0 || len(u.mailbox) > 0 {
		return false
	}
	if s.canPassivate != nil && !s.canPassivate(&u.state) {
		return false
	}
	if s.units[u.addr] == u {
		delete(s.units, u.addr)
	}
	return true
}
