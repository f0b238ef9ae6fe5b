package syncbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by BreakerBus.Publish while the backend is
// considered down.
var ErrCircuitOpen = errors.New("syncbus: circuit breaker is open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// BreakerBus stops publishing to a failing bus for a while, so callers that
// publish on every unlock or write do not each wait out a backend timeout.
// Subscriptions go straight to the wrapped bus.
type BreakerBus struct {
	bus       Bus
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
}

// BreakerOption configures a BreakerBus.
type BreakerOption func(*BreakerBus)

// WithBreakerClock replaces the time source used for the cooldown.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *BreakerBus) { b.now = now }
}

// NewBreaker wraps bus. After threshold consecutive Publish failures the
// breaker opens; once cooldown has passed a single Publish is let through
// and its outcome closes or reopens it.
func NewBreaker(bus Bus, threshold int, cooldown time.Duration, opts ...BreakerOption) *BreakerBus {
	b := &BreakerBus{
		bus:       bus,
		threshold: max(threshold, 1),
		cooldown:  cooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Healthy reports whether Publish would currently reach the wrapped bus.
func (b *BreakerBus) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerClosed ||
		(b.state == breakerOpen && b.now().Sub(b.openedAt) >= b.cooldown)
}

func (b *BreakerBus) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = breakerHalfOpen
			return true
		}
	}
	// half open: the trial publish is still in flight
	return false
}

func (b *BreakerBus) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.state = breakerClosed
		b.failures = 0
		return
	}
	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		b.state = breakerOpen
		b.openedAt = b.now()
	}
}

// Publish implements Bus.Publish.
func (b *BreakerBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if !b.allow() {
		return ErrCircuitOpen
	}
	err := b.bus.Publish(ctx, topic, payload)
	b.record(err)
	return err
}

// Subscribe implements Bus.Subscribe.
func (b *BreakerBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	return b.bus.Subscribe(ctx, topic)
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *BreakerBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
	return b.bus.Unsubscribe(ctx, topic, ch)
}
