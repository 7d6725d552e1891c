package chain_listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"custody/apps/btcflow/internal/events"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"
)

const (
	maxAttempts  = 5
	retryBackoff = 500 * time.Millisecond
	pollTimeout  = time.Second
)

// Handler applies one chain notification to its entity kind.
type Handler interface {
	HandleChainNotification(ctx context.Context, n events.ChainNotification) error
}

type consumer interface {
	Subscribe(topic string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
	Close() error
}

// Listener consumes chain watcher notifications and routes them by kind. An
// offset is committed only once its message was applied or found invalid.
type Listener struct {
	logger        *zap.Logger
	kafkaConsumer consumer
	kafkaTopic    string
	handlers      map[string]Handler
	backoff       time.Duration
}

func NewListener(kafkaBroker, kafkaTopic string, handlers map[string]Handler, logger *zap.Logger) (*Listener, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  kafkaBroker,
		"group.id":           "btcflow-chain-listener",
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}
	return newListener(c, kafkaTopic, handlers, logger), nil
}

func newListener(c consumer, kafkaTopic string, handlers map[string]Handler, logger *zap.Logger) *Listener {
	return &Listener{
		logger:        logger,
		kafkaConsumer: c,
		kafkaTopic:    kafkaTopic,
		handlers:      handlers,
		backoff:       retryBackoff,
	}
}

func (l *Listener) Start(ctx context.Context) error {
	l.logger.Info("Starting chain listener", zap.String("topic", l.kafkaTopic))

	if err := l.kafkaConsumer.Subscribe(l.kafkaTopic, nil); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", l.kafkaTopic, err)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		msg, err := l.kafkaConsumer.ReadMessage(pollTimeout)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			l.logger.Error("Error reading message from Kafka", zap.Error(err))
			continue
		}

		if err := l.processMessage(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Error("Error processing message",
				zap.String("topic", *msg.TopicPartition.Topic),
				zap.Int32("partition", msg.TopicPartition.Partition),
				zap.String("key", string(msg.Key)),
				zap.Error(err))
		}

		if _, err := l.kafkaConsumer.CommitMessage(msg); err != nil {
			l.logger.Error("Error committing offset", zap.Error(err))
		}
	}
}

// processMessage retries transient handler failures a few times. Invalid
// notifications are not retried.
func (l *Listener) processMessage(ctx context.Context, msg *kafka.Message) error {
	var n events.ChainNotification
	if err := json.Unmarshal(msg.Value, &n); err != nil {
		return fmt.Errorf("failed to unmarshal chain notification: %w", err)
	}

	handler, ok := l.handlers[n.Kind]
	if !ok {
		return fmt.Errorf("%w: no handler for kind %q", events.ErrInvalidNotification, n.Kind)
	}

	l.logger.Info("Processing chain notification",
		zap.String("kind", n.Kind),
		zap.String("type", string(n.Type)),
		zap.String("txid", n.TxID))

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = handler.HandleChainNotification(ctx, n)
		if err == nil || errors.Is(err, events.ErrInvalidNotification) {
			return err
		}

		l.logger.Warn("Chain notification failed",
			zap.String("kind", n.Kind),
			zap.String("txid", n.TxID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.backoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", maxAttempts, err)
}

func (l *Listener) Close() error {
	if l.kafkaConsumer != nil {
		return l.kafkaConsumer.Close()
	}
	return nil
}
