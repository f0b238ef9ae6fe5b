package syncbus

import (
	"context"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// RedisBus implements Bus on Redis pub/sub. One Redis subscription is held
// per topic no matter how many local subscribers there are.
type RedisBus struct {
	hub
	client redis.UniversalClient

	mu      sync.Mutex
	pubsubs map[string]*redis.PubSub
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{client: client, pubsubs: make(map[string]*redis.PubSub)}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once Redis has confirmed
// the subscription, so events published afterwards are not missed.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.add(topic)
	if first {
		ps := b.client.Subscribe(context.Background(), topic)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			b.remove(topic, ch)
			return nil, err
		}
		b.pubsubs[topic] = ps
		go b.dispatch(ps)
	}
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		b.deliver(Event{Topic: msg.Channel, Payload: []byte(msg.Payload)})
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, last := b.remove(topic, ch); !last {
		return nil
	}
	ps, ok := b.pubsubs[topic]
	if !ok {
		return nil
	}
	delete(b.pubsubs, topic)
	return ps.Close()
}

// Metrics returns the published, delivered and dropped counts.
func (b *RedisBus) Metrics() Metrics {
	return b.metrics()
}

// Close drops every Redis subscription and closes all subscriber channels.
// The client itself is left open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for topic, ps := range b.pubsubs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.pubsubs, topic)
	}
	b.closeAll()
	return firstErr
}
