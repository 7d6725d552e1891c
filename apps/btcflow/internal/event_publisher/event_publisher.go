package event_publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"custody/apps/btcflow/internal/events"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"
)

// producer is the part of *kafka.Producer the publisher uses.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// KafkaPublisher writes domain events and preflight notifications to Kafka,
// keyed by entity token so all events of one entity land on one partition.
type KafkaPublisher struct {
	logger             *zap.Logger
	kafkaProducer      producer
	eventsTopic        string
	notificationsTopic string
}

func NewKafkaPublisher(kafkaBroker, eventsTopic, notificationsTopic string, logger *zap.Logger) (*KafkaPublisher, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  kafkaBroker,
		"acks":               "all",
		"retries":            3,
		"retry.backoff.ms":   100,
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return newKafkaPublisher(p, eventsTopic, notificationsTopic, logger), nil
}

func newKafkaPublisher(p producer, eventsTopic, notificationsTopic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		logger:             logger,
		kafkaProducer:      p,
		eventsTopic:        eventsTopic,
		notificationsTopic: notificationsTopic,
	}
}

// Publish blocks until the broker acknowledged the event.
func (kp *KafkaPublisher) Publish(ctx context.Context, event events.EntityEvent) error {
	if err := kp.produce(ctx, kp.eventsTopic, event.EntityToken, string(event.EventType), event); err != nil {
		return fmt.Errorf("failed to publish %s event %d: %w", event.Kind, event.EventID, err)
	}
	return nil
}

func (kp *KafkaPublisher) Notify(ctx context.Context, preflight events.Preflight) error {
	if err := kp.produce(ctx, kp.notificationsTopic, preflight.EntityToken, preflight.Transition, preflight); err != nil {
		return fmt.Errorf("failed to publish preflight for %s: %w", preflight.EntityToken, err)
	}
	return nil
}

func (kp *KafkaPublisher) produce(ctx context.Context, topic, key, eventType string, payload any) error {
	msgBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	// buffered so a late delivery report never blocks the producer after ctx is gone
	deliveryChan := make(chan kafka.Event, 1)

	err = kp.kafkaProducer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          msgBytes,
		Headers:        []kafka.Header{{Key: "event_type", Value: []byte(eventType)}},
	}, deliveryChan)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-deliveryChan:
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				return ev.TopicPartition.Error
			}
			return nil
		default:
			return fmt.Errorf("unexpected kafka event type: %T", e)
		}
	}
}

func (kp *KafkaPublisher) Close() error {
	if kp.kafkaProducer != nil {
		if remaining := kp.kafkaProducer.Flush(5000); remaining > 0 {
			kp.logger.Warn("Kafka producer closed with undelivered messages", zap.Int("remaining", remaining))
		}
		kp.kafkaProducer.Close()
	}
	return nil
}
