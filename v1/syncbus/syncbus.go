// Package syncbus provides the pub/sub channel warden nodes use to tell each
// other about unlocks and cache invalidations.
//
// Delivery is best effort: a subscriber that does not drain its channel loses
// events instead of stalling the publisher. Nothing in warden depends on the
// bus for correctness; a missed unlock only delays a waiter until its next
// poll and a missed invalidation only lasts until the local entry expires.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// subscriberBuffer is the number of undelivered events a subscriber may
// accumulate before new ones are dropped.
const subscriberBuffer = 64

// Event is a message received on a topic.
type Event struct {
	Topic   string
	Payload []byte
}

// Bus propagates events between warden instances.
type Bus interface {
	// Publish sends payload to every subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns a channel receiving events for topic. The channel is
	// closed by Unsubscribe or when ctx is done.
	Subscribe(ctx context.Context, topic string) (<-chan Event, error)
	// Unsubscribe cancels a subscription returned by Subscribe.
	Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error
}

// Metrics reports bus activity as seen by this process.
type Metrics struct {
	Published uint64
	Delivered uint64
	Dropped   uint64
}

// hub tracks local subscribers and fans events out to them. Every bus
// implementation embeds one; the zero value is ready to use.
type hub struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// add registers a new subscriber. first reports whether it is the only one
// for topic, i.e. whether the backend subscription must be created.
func (h *hub) add(topic string) (ch chan Event, first bool) {
	ch = make(chan Event, subscriberBuffer)
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[string][]chan Event)
	}
	first = len(h.subs[topic]) == 0
	h.subs[topic] = append(h.subs[topic], ch)
	h.mu.Unlock()
	return ch, first
}

// remove unregisters and closes ch. last reports whether topic has no
// subscribers left.
func (h *hub) remove(topic string, ch <-chan Event) (found, last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(h.subs, topic)
		return found, found
	}
	h.subs[topic] = subs
	return found, false
}

// deliver hands ev to every local subscriber of its topic without blocking.
// Sends happen under the lock so remove never closes a channel mid-send.
func (h *hub) deliver(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.subs[ev.Topic] {
		select {
		case c <- ev:
			h.delivered.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
}

// closeAll closes every subscriber channel.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, subs := range h.subs {
		for _, c := range subs {
			close(c)
		}
		delete(h.subs, topic)
	}
}

func (h *hub) metrics() Metrics {
	return Metrics{
		Published: h.published.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
}

// unsubscribeOnDone cancels the subscription once ctx is done.
func unsubscribeOnDone(ctx context.Context, b Bus, topic string, ch <-chan Event) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
}

// InMemoryBus is a process-local Bus. Instances sharing one InMemoryBus
// behave like nodes sharing a real broker, which is how tests use it.
type InMemoryBus struct {
	hub
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	b.deliver(Event{Topic: topic, Payload: payload})
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	ch, _ := b.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
	b.remove(topic, ch)
	return nil
}

// Metrics returns the published, delivered and dropped counts.
func (b *InMemoryBus) Metrics() Metrics {
	return b.metrics()
}
