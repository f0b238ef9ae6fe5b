package syncbus

import (
	"context"
	"errors"
	"sync"

	"github.com/IBM/sarama"
)

const defaultKafkaTopic = "warden-events"

// KafkaBus implements Bus on a single Kafka topic. The warden topic travels
// as the message key, which also keeps every event for one topic on one
// partition. Partition consumers are started with the first subscription
// and run until Close.
type KafkaBus struct {
	hub
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string

	mu      sync.Mutex
	started bool
	pcs     []sarama.PartitionConsumer
	wg      sync.WaitGroup
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers. An
// empty topic selects "warden-events".
func NewKafkaBus(brokers []string, cfg *sarama.Config, topic string) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	if topic == "" {
		topic = defaultKafkaTopic
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaBus{
		client:   client,
		producer: producer,
		consumer: consumer,
		topic:    topic,
	}, nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(topic),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		if err := b.start(); err != nil {
			return nil, err
		}
		b.started = true
	}
	ch, _ := b.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// start consumes every partition of the topic from the newest offset.
// Callers must hold b.mu.
func (b *KafkaBus) start() error {
	partitions, err := b.consumer.Partitions(b.topic)
	if err != nil {
		return err
	}
	pcs := make([]sarama.PartitionConsumer, 0, len(partitions))
	for _, p := range partitions {
		pc, err := b.consumer.ConsumePartition(b.topic, p, sarama.OffsetNewest)
		if err != nil {
			for _, open := range pcs {
				_ = open.Close()
			}
			return err
		}
		pcs = append(pcs, pc)
	}
	for _, pc := range pcs {
		b.wg.Add(1)
		go b.dispatch(pc)
	}
	b.pcs = pcs
	return nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	defer b.wg.Done()
	for msg := range pc.Messages() {
		b.deliver(Event{Topic: string(msg.Key), Payload: msg.Value})
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
	b.remove(topic, ch)
	return nil
}

// Metrics returns the published, delivered and dropped counts.
func (b *KafkaBus) Metrics() Metrics {
	return b.metrics()
}

// Close stops the partition consumers, closes all subscriber channels and
// releases the Kafka client.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	pcs := b.pcs
	b.pcs = nil
	b.mu.Unlock()

	var errs []error
	for _, pc := range pcs {
		if err := pc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.wg.Wait()
	b.closeAll()
	errs = append(errs, b.producer.Close(), b.consumer.Close())
	if !b.client.Closed() {
		errs = append(errs, b.client.Close())
	}
	return errors.Join(errs...)
}
