package syncbus

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newRedisBus(t *testing.T) (*RedisBus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewRedisBus(client)
	t.Cleanup(func() {
		_ = bus.Close()
		_ = client.Close()
	})
	return bus, mr
}

func TestRedisBus(t *testing.T) {
	bus, _ := newRedisBus(t)
	exerciseBus(t, bus)
}

func TestRedisBusContextUnsubscribe(t *testing.T) {
	bus, _ := newRedisBus(t)
	exerciseContextUnsubscribe(t, bus)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.pubsubs) != 0 {
		t.Fatalf("expected redis subscription dropped, have %d", len(bus.pubsubs))
	}
}

func TestRedisBusSharesOneSubscriptionPerTopic(t *testing.T) {
	bus, mr := newRedisBus(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := bus.Subscribe(ctx, "warden:invalidate"); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	if n := mr.PubSubNumSub("warden:invalidate")["warden:invalidate"]; n != 1 {
		t.Fatalf("expected 1 redis subscriber got %d", n)
	}
}

func TestRedisBusReceivesForeignPublish(t *testing.T) {
	bus, mr := newRedisBus(t)
	ch, err := bus.Subscribe(context.Background(), "unlock:job:42")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// another node publishing straight to redis
	mr.Publish("unlock:job:42", "owner-b")
	ev := receive(t, ch)
	if string(ev.Payload) != "owner-b" {
		t.Fatalf("unexpected payload %q", ev.Payload)
	}
}

func TestRedisBusCloseClosesSubscribers(t *testing.T) {
	bus, _ := newRedisBus(t)
	ch, err := bus.Subscribe(context.Background(), "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	expectClosed(t, ch)
}

func TestRedisBusPublishErrorWhenDown(t *testing.T) {
	bus, mr := newRedisBus(t)
	mr.Close()
	if err := bus.Publish(context.Background(), "key", nil); err == nil {
		t.Fatal("expected publish error with server down")
	}
	if bus.Metrics().Published != 0 {
		t.Fatal("failed publish was counted")
	}
}
