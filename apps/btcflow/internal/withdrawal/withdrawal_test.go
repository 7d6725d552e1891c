package withdrawal_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"custody/apps/btcflow/internal/chain"
	"custody/apps/btcflow/internal/engine"
	"custody/apps/btcflow/internal/event_processor"
	"custody/apps/btcflow/internal/events"
	"custody/apps/btcflow/internal/idempotency"
	"custody/apps/btcflow/internal/metrics"
	"custody/apps/btcflow/internal/model"
	"custody/apps/btcflow/internal/outbox_processor"
	"custody/apps/btcflow/internal/repository"
	"custody/apps/btcflow/internal/risk"
	"custody/apps/btcflow/internal/testutil"
	"custody/apps/btcflow/internal/withdrawal"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const finality = 3

type fakeEvaluator struct {
	verdict risk.Verdict
}

func (f *fakeEvaluator) Evaluate(_ context.Context, _ risk.Assessment) (risk.Verdict, error) {
	return f.verdict, nil
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	payments []chain.Payment
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, payment chain.Payment) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments = append(f.payments, payment)
	return "txid-" + payment.Reference[:8], nil
}

type fakeLedger struct {
	voided []string
	frozen map[string]decimal.Decimal
}

func (f *fakeLedger) Void(_ context.Context, ledgerTxID string) error {
	f.voided = append(f.voided, ledgerTxID)
	return nil
}

func (f *fakeLedger) Freeze(_ context.Context, ledgerTxID string, amount decimal.Decimal, _ string) error {
	if f.frozen == nil {
		f.frozen = make(map[string]decimal.Decimal)
	}
	f.frozen[ledgerTxID] = amount
	return nil
}

type recordingPublisher struct {
	events []events.EntityEvent
}

func (r *recordingPublisher) Publish(_ context.Context, event events.EntityEvent) error {
	r.events = append(r.events, event)
	return nil
}

type harness struct {
	store       *repository.Store[*model.Withdrawal]
	service     *withdrawal.Service
	outbox      *outbox_processor.Processor[*model.Withdrawal]
	events      *event_processor.Processor[*model.Withdrawal]
	risk        *fakeEvaluator
	broadcaster *fakeBroadcaster
	ledger      *fakeLedger
	published   *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()
	store := repository.NewStore(testutil.OpenDB(t), repository.WithdrawalSchema, logger)
	transitioner := engine.NewTransitioner(store, time.Second, logger)
	eng := engine.NewEngine(store, transitioner, logger)
	awaiter := engine.NewAwaiter(store, withdrawal.Settlement, 10*time.Millisecond, 300*time.Millisecond, logger)
	requests := idempotency.NewHandler(store.Responses, withdrawal.Kind, logger)

	h := &harness{
		store:       store,
		service:     withdrawal.NewService(eng, awaiter, requests, finality, logger),
		risk:        &fakeEvaluator{verdict: risk.Verdict{Decision: risk.Approve}},
		broadcaster: &fakeBroadcaster{},
		ledger:      &fakeLedger{},
		published:   &recordingPublisher{},
	}

	h.outbox = outbox_processor.NewProcessor(store, eng, outbox_processor.Options{BatchSize: 50, Interval: 15 * time.Millisecond, MaxAttempts: 3}, logger)
	h.outbox.Register(metrics.Handlers[*model.Withdrawal]()...)
	h.outbox.Register(withdrawal.RiskHandler(h.risk, logger))

	h.events = event_processor.NewProcessor(withdrawal.Kind, repository.WithdrawalSchema.New, store.Events, h.published,
		withdrawal.SideEffects(h.ledger, h.broadcaster, logger),
		event_processor.Options{BatchSize: 50, AlertAttempts: 5}, logger)
	return h
}

func paymentRequest() withdrawal.PaymentRequest {
	return withdrawal.PaymentRequest{
		RequestID:           uuid.New(),
		CustomerID:          "cust-7",
		Amount:              decimal.RequireFromString("0.2"),
		Fee:                 decimal.RequireFromString("0.0001"),
		DestinationAddress:  "bc1qdest",
		Speed:               withdrawal.SpeedPriority,
		LedgerTransactionID: "ltx-w",
	}
}

func TestRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	req := paymentRequest()

	w, err := h.service.Request(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, req.RequestID, w.Token)
	assert.Equal(t, withdrawal.Requested, w.State)

	replay, err := h.service.Request(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, w.ID, replay.ID)

	t.Run("invalid speed is rejected and replayed as cached", func(t *testing.T) {
		bad := paymentRequest()
		bad.Speed = "warp"
		_, err := h.service.Request(ctx, bad)
		var rejected *engine.RejectedError
		require.ErrorAs(t, err, &rejected)

		_, err = h.service.Request(ctx, bad)
		var cached *idempotency.CachedError
		require.ErrorAs(t, err, &cached)
		assert.Equal(t, "*engine.RejectedError", cached.Type)

		bad.RetryCounter = 1
		bad.Speed = withdrawal.SpeedStandard
		w, err := h.service.Request(ctx, bad)
		require.NoError(t, err)
		assert.Equal(t, bad.RequestID, w.Token)
	})
}

func TestApprovedWithdrawalIsBroadcastOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	req := paymentRequest()

	_, err := h.service.Request(ctx, req)
	require.NoError(t, err)
	_, err = h.outbox.ProcessBatch(ctx)
	require.NoError(t, err)

	processed, err := h.events.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	require.Len(t, h.broadcaster.payments, 1)
	payment := h.broadcaster.payments[0]
	assert.Equal(t, req.RequestID.String(), payment.Reference)
	assert.Equal(t, "bc1qdest", payment.Address)
	assert.Equal(t, 2, payment.ConfTarget)
	stored, err := h.store.Entities.GetByToken(ctx, req.RequestID)
	require.NoError(t, err)
	assert.False(t, payment.Since.IsZero())
	assert.WithinDuration(t, stored.CreatedAt, payment.Since, time.Second)

	require.Len(t, h.published.events, 2)
	assert.Equal(t, events.EntityCreated, h.published.events[0].EventType)
	assert.Equal(t, events.EntityUpdated, h.published.events[1].EventType)
	assert.Equal(t, string(withdrawal.Submitted), h.published.events[1].ToState)

	processed, err = h.events.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, processed)
	assert.Len(t, h.broadcaster.payments, 1)
}

func TestConfirm(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	req := paymentRequest()
	_, err := h.service.Request(ctx, req)
	require.NoError(t, err)

	w, err := h.service.Confirm(ctx, req.RequestID, "abc", finality)
	require.NoError(t, err)
	assert.Equal(t, withdrawal.Requested, w.State, "not submitted yet")

	_, err = h.outbox.ProcessBatch(ctx)
	require.NoError(t, err)

	w, err = h.service.Confirm(ctx, req.RequestID, "abc", finality-1)
	require.NoError(t, err)
	assert.Equal(t, withdrawal.Submitted, w.State)
	assert.Nil(t, w.ChainTxID)

	submitted, err := h.service.ListSubmitted(ctx, 10)
	require.NoError(t, err)
	require.Len(t, submitted, 1)

	w, err = h.service.Confirm(ctx, req.RequestID, "abc", finality)
	require.NoError(t, err)
	assert.Equal(t, withdrawal.Confirmed, w.State)
	require.NotNil(t, w.ChainTxID)
	assert.Equal(t, "abc", *w.ChainTxID)

	w, err = h.service.Fail(ctx, req.RequestID, "too late")
	require.NoError(t, err)
	assert.Equal(t, withdrawal.Confirmed, w.State)
}

func TestReviewFreezesAndResolves(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.risk.verdict = risk.Verdict{Decision: risk.Review}
	req := paymentRequest()

	_, err := h.service.Request(ctx, req)
	require.NoError(t, err)
	_, err = h.outbox.ProcessBatch(ctx)
	require.NoError(t, err)
	_, err = h.events.ProcessBatch(ctx)
	require.NoError(t, err)

	frozen, ok := h.ledger.frozen["ltx-w"]
	require.True(t, ok)
	assert.True(t, frozen.Equal(decimal.RequireFromString("0.2001")))

	w, err := h.service.ResolveReview(ctx, "ops-1", 0, req.RequestID, false, "customer unreachable")
	require.NoError(t, err)
	assert.Equal(t, withdrawal.Failed, w.State)
	require.NotNil(t, w.FailureReason)
	assert.Equal(t, "review rejected: customer unreachable", *w.FailureReason)

	_, err = h.events.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ltx-w"}, h.ledger.voided)
	assert.Empty(t, h.broadcaster.payments)

	_, err = h.service.ResolveReview(ctx, "ops-2", 0, req.RequestID, true, "")
	assert.ErrorIs(t, err, withdrawal.ErrNotUnderReview)
}

func TestRequestAndAwait(t *testing.T) {
	ctx := context.Background()

	t.Run("returns once submitted", func(t *testing.T) {
		h := newHarness(t)
		stop := drive(h.outbox)
		defer stop()

		w, err := h.service.RequestAndAwait(ctx, paymentRequest())
		require.NoError(t, err)
		assert.Equal(t, withdrawal.Submitted, w.State)
	})

	t.Run("risk rejection fails the waiter with the reason", func(t *testing.T) {
		h := newHarness(t)
		h.risk.verdict = risk.Verdict{Decision: risk.Reject, Reason: "sanctioned address"}
		stop := drive(h.outbox)
		defer stop()

		_, err := h.service.RequestAndAwait(ctx, paymentRequest())
		var settlement *engine.SettlementError
		require.ErrorAs(t, err, &settlement)
		assert.Equal(t, "risk rejected: sanctioned address", settlement.Reason)
	})

	t.Run("times out when nothing drives the outbox", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.service.RequestAndAwait(ctx, paymentRequest())
		assert.ErrorIs(t, err, engine.ErrAwaitTimeout)
	})
}

func TestHandleChainNotification(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	err := h.service.HandleChainNotification(ctx, events.ChainNotification{Type: events.ChainConfirmations, Reference: "not-a-uuid"})
	assert.ErrorIs(t, err, events.ErrInvalidNotification)

	err = h.service.HandleChainNotification(ctx, events.ChainNotification{Type: events.ChainConfirmations, Reference: uuid.NewString(), Confirmations: 9})
	assert.ErrorIs(t, err, events.ErrInvalidNotification)

	req := paymentRequest()
	_, err = h.service.Request(ctx, req)
	require.NoError(t, err)
	_, err = h.outbox.ProcessBatch(ctx)
	require.NoError(t, err)

	err = h.service.HandleChainNotification(ctx, events.ChainNotification{
		Type: events.ChainConfirmations, Reference: req.RequestID.String(), TxID: "feed", Confirmations: finality,
	})
	require.NoError(t, err)

	w, err := h.store.Entities.GetByToken(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, withdrawal.Confirmed, w.State)
}

// drive runs the outbox processor in the background until stop is called.
func drive(p *outbox_processor.Processor[*model.Withdrawal]) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Start(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}
