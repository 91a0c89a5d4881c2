package syncbus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
)

func newKafkaBus(t *testing.T, producer sarama.SyncProducer, consumer sarama.Consumer, topic string) *KafkaBus {
	t.Helper()
	bus, err := NewKafkaBusFromClients(producer, consumer, topic)
	if err != nil {
		t.Fatalf("NewKafkaBusFromClients: %v", err)
	}
	return bus
}

func TestKafkaBusDispatchesByMessageKey(t *testing.T) {
	consumer := mocks.NewConsumer(t, nil)
	consumer.SetTopicMetadata(map[string][]int32{DefaultKafkaTopic: {0, 1}})
	p0 := consumer.ExpectConsumePartition(DefaultKafkaTopic, 0, sarama.OffsetNewest)
	p1 := consumer.ExpectConsumePartition(DefaultKafkaTopic, 1, sarama.OffsetNewest)
	producer := mocks.NewSyncProducer(t, nil)
	t.Cleanup(func() { _ = producer.Close() })

	bus := newKafkaBus(t, producer, consumer, "")
	a := mustSubscribe(t, bus, context.Background(), "LOCK:a")
	b := mustSubscribe(t, bus, context.Background(), "LOCK:b")

	p0.YieldMessage(&sarama.ConsumerMessage{Topic: DefaultKafkaTopic, Key: []byte("LOCK:a")})
	p1.YieldMessage(&sarama.ConsumerMessage{Topic: DefaultKafkaTopic, Key: []byte("LOCK:b")})
	p1.YieldMessage(&sarama.ConsumerMessage{Topic: DefaultKafkaTopic})

	for _, ch := range []chan struct{}{a, b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for dispatch")
		}
	}
	waitFor(t, func() bool {
		return bus.Metrics().Delivered == 2
	}, "expected 2 deliveries")
}

func TestKafkaBusPublishUsesLockKey(t *testing.T) {
	consumer := mocks.NewConsumer(t, nil)
	consumer.SetTopicMetadata(map[string][]int32{"releases": {0}})
	consumer.ExpectConsumePartition("releases", 0, sarama.OffsetNewest)
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != "LOCK:KURLY_001" {
			return fmt.Errorf("unexpected value %q", val)
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	t.Cleanup(func() { _ = producer.Close() })

	bus := newKafkaBus(t, producer, consumer, "releases")
	if err := bus.Publish(context.Background(), "LOCK:KURLY_001"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(context.Background(), "LOCK:KURLY_001"); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected ErrOutOfBrokers, got %v", err)
	}
	if n := bus.Metrics().Published; n != 1 {
		t.Fatalf("expected 1 published, got %d", n)
	}
}

func TestKafkaBusUnknownTopic(t *testing.T) {
	consumer := mocks.NewConsumer(t, nil)
	consumer.SetTopicMetadata(map[string][]int32{"other": {0}})
	if _, err := NewKafkaBusFromClients(mocks.NewSyncProducer(t, nil), consumer, "missing"); err == nil {
		t.Fatal("expected error for unknown topic")
	}
}

func TestKafkaBusUnsubscribe(t *testing.T) {
	consumer := mocks.NewConsumer(t, nil)
	consumer.SetTopicMetadata(map[string][]int32{DefaultKafkaTopic: {0}})
	consumer.ExpectConsumePartition(DefaultKafkaTopic, 0, sarama.OffsetNewest)
	bus := newKafkaBus(t, mocks.NewSyncProducer(t, nil), consumer, "")

	ctx, cancel := context.WithCancel(context.Background())
	ch := mustSubscribe(t, bus, ctx, "LOCK:a")
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}
	if bus.has("LOCK:a") {
		t.Fatal("subscription still present")
	}
}

func TestKafkaBusIntegration(t *testing.T) {
	addr := os.Getenv("DLOCK_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("DLOCK_TEST_KAFKA_ADDR not set, skipping Kafka integration tests")
	}
	t.Logf("TestKafkaBus: using real Kafka at %s", addr)

	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	bus, err := NewKafkaBus([]string{addr}, "", cfg)
	if err != nil {
		t.Fatalf("NewKafkaBus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })

	key := "LOCK:test-" + uuid.NewString()
	ch := mustSubscribe(t, bus, context.Background(), key)
	// the partition consumers start at the newest offset
	time.Sleep(2 * time.Second)
	if err := bus.Publish(context.Background(), key); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for publish")
	}
}
