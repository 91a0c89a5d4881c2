package syncbus

import (
	"context"
	stdErrors "errors"
	"sync"

	sarama "github.com/IBM/sarama"
)

// DefaultKafkaTopic is the topic release events are written to.
const DefaultKafkaTopic = "dlock-releases"

// KafkaBus implements Bus on a single Kafka topic. The lock key is the
// message key, so events for one lock stay ordered within a partition.
// Every bus instance consumes all partitions from the newest offset.
type KafkaBus struct {
	hub
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string
	pcs      []sarama.PartitionConsumer
	client   sarama.Client
	wg       sync.WaitGroup
	once     sync.Once
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, topic string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
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
	b, err := NewKafkaBusFromClients(producer, consumer, topic)
	if err != nil {
		_ = consumer.Close()
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	b.client = client
	return b, nil
}

// NewKafkaBusFromClients builds a KafkaBus on an existing producer and
// consumer and starts consuming every partition of topic.
func NewKafkaBusFromClients(producer sarama.SyncProducer, consumer sarama.Consumer, topic string) (*KafkaBus, error) {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	b := &KafkaBus{producer: producer, consumer: consumer, topic: topic}
	partitions, err := consumer.Partitions(topic)
	if err != nil {
		return nil, err
	}
	for _, p := range partitions {
		pc, err := consumer.ConsumePartition(topic, p, sarama.OffsetNewest)
		if err != nil {
			b.closePartitions()
			return nil, err
		}
		b.pcs = append(b.pcs, pc)
		b.wg.Add(1)
		go b.dispatch(pc)
	}
	return b, nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	defer b.wg.Done()
	for msg := range pc.Messages() {
		if len(msg.Key) == 0 {
			continue
		}
		b.deliver(string(msg.Key))
	}
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(key),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, _ := b.add(key)
	watch(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.remove(key, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return b.metrics()
}

func (b *KafkaBus) closePartitions() error {
	var errs []error
	for _, pc := range b.pcs {
		if err := pc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.pcs = nil
	return stdErrors.Join(errs...)
}

// Close stops consuming, closes the producer and consumer, and closes
// subscriber channels.
func (b *KafkaBus) Close() error {
	var err error
	b.once.Do(func() {
		errs := []error{b.closePartitions()}
		b.wg.Wait()
		errs = append(errs, b.producer.Close(), b.consumer.Close())
		if b.client != nil {
			errs = append(errs, b.client.Close())
		}
		b.closeAll()
		err = stdErrors.Join(errs...)
	})
	return err
}
