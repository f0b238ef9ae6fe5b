package syncbus

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
)

const defaultNATSSubjectPrefix = "warden"

// NATSOption configures a NATSBus.
type NATSOption func(*NATSBus)

// WithSubjectPrefix sets the subject namespace topics are published under.
func WithSubjectPrefix(prefix string) NATSOption {
	return func(b *NATSBus) {
		if prefix = strings.TrimSuffix(prefix, "."); prefix != "" {
			b.prefix = prefix
		}
	}
}

// NATSBus implements Bus using core NATS subjects.
//
// Topics are arbitrary strings while NATS subjects are dot separated tokens
// without wildcards, so each topic is encoded into a single token below the
// configured prefix.
type NATSBus struct {
	hub
	conn   *nats.Conn
	prefix string

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn, opts ...NATSOption) *NATSBus {
	b := &NATSBus{
		conn:   conn,
		prefix: defaultNATSSubjectPrefix,
		subs:   make(map[string]*nats.Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *NATSBus) subject(topic string) string {
	return b.prefix + "." + base64.RawURLEncoding.EncodeToString([]byte(topic))
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(b.subject(topic), payload); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription is flushed to the
// server before returning.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.add(topic)
	if first {
		sub, err := b.conn.Subscribe(b.subject(topic), func(msg *nats.Msg) {
			b.deliver(Event{Topic: topic, Payload: msg.Data})
		})
		if err == nil {
			err = b.flush(ctx)
		}
		if err != nil {
			if sub != nil {
				_ = sub.Unsubscribe()
			}
			b.remove(topic, ch)
			return nil, err
		}
		b.subs[topic] = sub
	}
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

func (b *NATSBus) flush(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		timeout := time.Until(deadline)
		if timeout <= 0 {
			return ctx.Err()
		}
		return b.conn.FlushTimeout(timeout)
	}
	return b.conn.Flush()
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, last := b.remove(topic, ch); !last {
		return nil
	}
	sub, ok := b.subs[topic]
	if !ok {
		return nil
	}
	delete(b.subs, topic)
	return sub.Unsubscribe()
}

// Metrics returns the published, delivered and dropped counts.
func (b *NATSBus) Metrics() Metrics {
	return b.metrics()
}

// Close drops every NATS subscription and closes all subscriber channels.
// The connection is left open.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for topic, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.subs, topic)
	}
	b.closeAll()
	return firstErr
}
