package event_publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"custody/apps/btcflow/internal/events"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProducer struct {
	messages    []*kafka.Message
	deliveryErr error
	silent      bool
	closed      bool
}

func (f *fakeProducer) Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	f.messages = append(f.messages, msg)
	if f.silent {
		return nil
	}
	report := *msg
	report.TopicPartition.Error = f.deliveryErr
	deliveryChan <- &report
	return nil
}

func (f *fakeProducer) Flush(int) int { return 0 }

func (f *fakeProducer) Close() { f.closed = true }

func TestPublish_KeysByEntityToken(t *testing.T) {
	fp := &fakeProducer{}
	publisher := newKafkaPublisher(fp, "btcflow.transitions", "btcflow.preflight", zap.NewNop())

	event := events.EntityEvent{
		EventID:     7,
		EventType:   events.EntityUpdated,
		Kind:        "deposit",
		EntityToken: "0b7f6c8e-6a55-4f1e-9a43-3b8f0a3f2d11",
		FromState:   "DETECTED",
		ToState:     "AWAITING_CONFIRMATIONS",
		Version:     2,
		Old:         json.RawMessage(`{"state":"DETECTED"}`),
		New:         json.RawMessage(`{"state":"AWAITING_CONFIRMATIONS"}`),
		Timestamp:   time.Now().UTC(),
	}
	require.NoError(t, publisher.Publish(context.Background(), event))

	require.Len(t, fp.messages, 1)
	msg := fp.messages[0]
	assert.Equal(t, "btcflow.transitions", *msg.TopicPartition.Topic)
	assert.Equal(t, event.EntityToken, string(msg.Key))
	assert.Equal(t, []kafka.Header{{Key: "event_type", Value: []byte("UPDATE")}}, msg.Headers)

	var decoded events.EntityEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, event.EventID, decoded.EventID)
	assert.JSONEq(t, string(event.Old), string(decoded.Old))
}

func TestNotify_UsesNotificationsTopic(t *testing.T) {
	fp := &fakeProducer{}
	publisher := newKafkaPublisher(fp, "events", "preflight", zap.NewNop())

	require.NoError(t, publisher.Notify(context.Background(), events.Preflight{Kind: "withdrawal", EntityToken: "tok", Transition: "submit", ToState: "SUBMITTED"}))
	require.Len(t, fp.messages, 1)
	assert.Equal(t, "preflight", *fp.messages[0].TopicPartition.Topic)
}

func TestPublish_DeliveryFailure(t *testing.T) {
	fp := &fakeProducer{deliveryErr: errors.New("broker unavailable")}
	publisher := newKafkaPublisher(fp, "events", "preflight", zap.NewNop())

	err := publisher.Publish(context.Background(), events.EntityEvent{EntityToken: "tok"})
	assert.ErrorContains(t, err, "broker unavailable")
}

func TestPublish_ContextCancelledWhileWaiting(t *testing.T) {
	fp := &fakeProducer{silent: true}
	publisher := newKafkaPublisher(fp, "events", "preflight", zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := publisher.Publish(ctx, events.EntityEvent{EntityToken: "tok"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, publisher.Close())
	assert.True(t, fp.closed)
}
