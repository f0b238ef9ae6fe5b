package syncbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

// failingBus fails Publish while down is set.
type failingBus struct {
	*InMemoryBus
	down  bool
	calls int
}

var errBackendDown = errors.New("backend down")

func (f *failingBus) Publish(ctx context.Context, topic string, payload []byte) error {
	f.calls++
	if f.down {
		return errBackendDown
	}
	return f.InMemoryBus.Publish(ctx, topic, payload)
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	inner := &failingBus{InMemoryBus: NewInMemoryBus(), down: true}
	b := NewBreaker(inner, 2, time.Second, WithBreakerClock(func() time.Time { return now }))

	for i := 0; i < 2; i++ {
		if err := b.Publish(ctx, "t", nil); !errors.Is(err, errBackendDown) {
			t.Fatalf("publish %d: expected backend error, got %v", i, err)
		}
	}
	if err := b.Publish(ctx, "t", nil); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("open breaker reached the backend: %d calls", inner.calls)
	}
	if b.Healthy() {
		t.Fatal("open breaker reported healthy")
	}

	// a failed trial reopens the breaker for another cooldown
	now = now.Add(time.Second)
	if err := b.Publish(ctx, "t", nil); !errors.Is(err, errBackendDown) {
		t.Fatalf("trial: expected backend error, got %v", err)
	}
	if err := b.Publish(ctx, "t", nil); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected reopened circuit, got %v", err)
	}

	inner.down = false
	now = now.Add(time.Second)
	ch, err := b.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Publish(ctx, "t", []byte("hello")); err != nil {
		t.Fatalf("trial publish: %v", err)
	}
	if ev := receive(t, ch); string(ev.Payload) != "hello" {
		t.Fatalf("unexpected payload %q", ev.Payload)
	}
	if !b.Healthy() {
		t.Fatal("closed breaker reported unhealthy")
	}
	if err := b.Unsubscribe(ctx, "t", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	expectClosed(t, ch)
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	ctx := context.Background()
	inner := &failingBus{InMemoryBus: NewInMemoryBus(), down: true}
	b := NewBreaker(inner, 2, time.Hour)

	_ = b.Publish(ctx, "t", nil)
	inner.down = false
	if err := b.Publish(ctx, "t", nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	inner.down = true
	_ = b.Publish(ctx, "t", nil)
	if !b.Healthy() {
		t.Fatal("failures were not reset by the success in between")
	}
}
