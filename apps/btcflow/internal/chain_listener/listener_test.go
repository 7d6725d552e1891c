package chain_listener

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"custody/apps/btcflow/internal/events"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConsumer struct {
	mu        sync.Mutex
	queue     []*kafka.Message
	committed []*kafka.Message
	topic     string
	drained   chan struct{}
}

func newFakeConsumer(values ...[]byte) *fakeConsumer {
	topic := "btcflow.chain"
	c := &fakeConsumer{drained: make(chan struct{})}
	for i, v := range values {
		c.queue = append(c.queue, &kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 0, Offset: kafka.Offset(i)},
			Value:          v,
		})
	}
	return c
}

func (c *fakeConsumer) Subscribe(topic string, _ kafka.RebalanceCb) error {
	c.topic = topic
	return nil
}

func (c *fakeConsumer) ReadMessage(time.Duration) (*kafka.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil, kafka.NewError(kafka.ErrTimedOut, "timed out", false)
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	return msg, nil
}

func (c *fakeConsumer) CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = append(c.committed, m)
	if len(c.queue) == 0 {
		select {
		case <-c.drained:
		default:
			close(c.drained)
		}
	}
	return nil, nil
}

func (c *fakeConsumer) Close() error { return nil }

type fakeHandler struct {
	mu       sync.Mutex
	received []events.ChainNotification
	failures int
	err      error
}

func (h *fakeHandler) HandleChainNotification(_ context.Context, n events.ChainNotification) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, n)
	if h.failures > 0 {
		h.failures--
		return errors.New("database busy")
	}
	return h.err
}

func notification(t *testing.T, n events.ChainNotification) []byte {
	t.Helper()
	b, err := json.Marshal(n)
	require.NoError(t, err)
	return b
}

func TestListener_RoutesByKindAndCommits(t *testing.T) {
	deposits, withdrawals := &fakeHandler{}, &fakeHandler{}
	c := newFakeConsumer(
		notification(t, events.ChainNotification{Type: events.ChainDepositDetected, Kind: "deposit", TxID: "a"}),
		[]byte("{not json"),
		notification(t, events.ChainNotification{Type: events.ChainConfirmations, Kind: "withdrawal", TxID: "b"}),
		notification(t, events.ChainNotification{Type: events.ChainConfirmations, Kind: "swap", TxID: "c"}),
	)
	l := newListener(c, "btcflow.chain", map[string]Handler{"deposit": deposits, "withdrawal": withdrawals}, zap.NewNop())
	l.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()

	<-c.drained
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, "btcflow.chain", c.topic)
	assert.Len(t, c.committed, 4)
	require.Len(t, deposits.received, 1)
	assert.Equal(t, "a", deposits.received[0].TxID)
	require.Len(t, withdrawals.received, 1)
	assert.Equal(t, "b", withdrawals.received[0].TxID)
}

func TestProcessMessage_RetriesTransientFailures(t *testing.T) {
	h := &fakeHandler{failures: 2}
	l := newListener(newFakeConsumer(), "t", map[string]Handler{"deposit": h}, zap.NewNop())
	l.backoff = time.Millisecond

	msg := &kafka.Message{Value: notification(t, events.ChainNotification{Kind: "deposit", TxID: "x"})}
	require.NoError(t, l.processMessage(context.Background(), msg))
	assert.Len(t, h.received, 3)
}

func TestProcessMessage_InvalidIsNotRetried(t *testing.T) {
	h := &fakeHandler{err: events.ErrInvalidNotification}
	l := newListener(newFakeConsumer(), "t", map[string]Handler{"deposit": h}, zap.NewNop())
	l.backoff = time.Millisecond

	msg := &kafka.Message{Value: notification(t, events.ChainNotification{Kind: "deposit"})}
	err := l.processMessage(context.Background(), msg)
	assert.ErrorIs(t, err, events.ErrInvalidNotification)
	assert.Len(t, h.received, 1)
}

func TestProcessMessage_GivesUp(t *testing.T) {
	h := &fakeHandler{failures: maxAttempts + 1}
	l := newListener(newFakeConsumer(), "t", map[string]Handler{"deposit": h}, zap.NewNop())
	l.backoff = time.Millisecond

	msg := &kafka.Message{Value: notification(t, events.ChainNotification{Kind: "deposit"})}
	err := l.processMessage(context.Background(), msg)
	assert.ErrorContains(t, err, "giving up")
	assert.Len(t, h.received, maxAttempts)
}
