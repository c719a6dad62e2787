package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

const pollTimeoutMS = 100

// KafkaConsumer reads one topic with manual offset commits.
type KafkaConsumer struct {
	consumer *kafka.Consumer
	logger   *slog.Logger
}

// NewKafkaConsumer joins groupID and subscribes to topic.
func NewKafkaConsumer(brokers, groupID, topic string, logger *slog.Logger) (*KafkaConsumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"group.id":           groupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	if err := c.SubscribeTopics([]string{topic}, nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	logger.Info("listening to topic", "topic", topic, "consumer_group", groupID)
	return &KafkaConsumer{consumer: c, logger: logger}, nil
}

// Fetch polls until a message arrives. Non-fatal client errors are logged
// and polling continues.
func (k *KafkaConsumer) Fetch(ctx context.Context) (*Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch e := k.consumer.Poll(pollTimeoutMS).(type) {
		case nil:
		case *kafka.Message:
			return fromKafka(e), nil
		case kafka.Error:
			if e.IsFatal() {
				return nil, e
			}
			k.logger.Warn("kafka consumer error", "code", e.Code().String(), "error", e)
		default:
			k.logger.Debug("ignored kafka event", "event", e.String())
		}
	}
}

// Commit stores msg's offset for the group.
func (k *KafkaConsumer) Commit(_ context.Context, msg *Message) error {
	topic := msg.Topic
	_, err := k.consumer.CommitMessage(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: msg.Partition,
			Offset:    kafka.Offset(msg.Offset),
		},
	})
	return err
}

// Close leaves the consumer group.
func (k *KafkaConsumer) Close() error {
	return k.consumer.Close()
}

// KafkaProducer publishes messages and waits for delivery reports.
type KafkaProducer struct {
	producer *kafka.Producer
}

// NewKafkaProducer creates an idempotent producer.
func NewKafkaProducer(brokers string) (*KafkaProducer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &KafkaProducer{producer: p}, nil
}

// Publish produces msg and blocks until the broker acknowledges it.
func (k *KafkaProducer) Publish(ctx context.Context, msg *Message) error {
	delivery := make(chan kafka.Event, 1)
	if err := k.producer.Produce(toKafka(msg), delivery); err != nil {
		return fmt.Errorf("produce to %s: %w", msg.Topic, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-delivery:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %v", ev)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("deliver to %s: %w", msg.Topic, m.TopicPartition.Error)
		}
		return nil
	}
}

// Close flushes outstanding messages for up to five seconds.
func (k *KafkaProducer) Close() error {
	if remaining := k.producer.Flush(5000); remaining > 0 {
		k.producer.Close()
		return fmt.Errorf("%d messages not delivered before close", remaining)
	}
	k.producer.Close()
	return nil
}

// EnsureTopics creates any missing topics, retrying for up to two minutes
// while the brokers come up.
func EnsureTopics(ctx context.Context, brokers string, logger *slog.Logger, topics ...string) error {
	admin, err := kafka.NewAdminClient(&kafka.ConfigMap{"bootstrap.servers": brokers})
	if err != nil {
		return fmt.Errorf("create admin client: %w", err)
	}
	defer admin.Close()

	specs := make([]kafka.TopicSpecification, 0, len(topics))
	for _, t := range topics {
		if t == "" {
			continue
		}
		specs = append(specs, kafka.TopicSpecification{Topic: t, NumPartitions: 3, ReplicationFactor: 1})
	}

	operation := func() error {
		results, err := admin.CreateTopics(ctx, specs, kafka.SetAdminOperationTimeout(30*time.Second))
		if err != nil {
			return fmt.Errorf("create topics: %w", err)
		}
		for _, r := range results {
			code := r.Error.Code()
			if code != kafka.ErrNoError && code != kafka.ErrTopicAlreadyExists {
				return fmt.Errorf("create topic %s: %v", r.Topic, r.Error)
			}
			logger.Info("kafka topic ready", "topic", r.Topic)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

func fromKafka(m *kafka.Message) *Message {
	msg := &Message{
		Partition: m.TopicPartition.Partition,
		Offset:    int64(m.TopicPartition.Offset),
		Key:       m.Key,
		Value:     m.Value,
		Timestamp: m.Timestamp,
	}
	if m.TopicPartition.Topic != nil {
		msg.Topic = *m.TopicPartition.Topic
	}
	for _, h := range m.Headers {
		msg.Headers = append(msg.Headers, Header{Key: h.Key, Value: h.Value})
	}
	return msg
}

func toKafka(msg *Message) *kafka.Message {
	topic := msg.Topic
	m := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            msg.Key,
		Value:          msg.Value,
	}
	for _, h := range msg.Headers {
		m.Headers = append(m.Headers, kafka.Header{Key: h.Key, Value: h.Value})
	}
	return m
}
