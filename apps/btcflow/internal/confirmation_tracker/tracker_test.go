package confirmation_tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"custody/apps/btcflow/internal/chain"
	"custody/apps/btcflow/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWithdrawals struct {
	mu        sync.Mutex
	submitted []*model.Withdrawal
	confirmed map[uuid.UUID]string
	failed    map[uuid.UUID]string
	listErr   error
}

func newFakeWithdrawals(n int) *fakeWithdrawals {
	f := &fakeWithdrawals{confirmed: map[uuid.UUID]string{}, failed: map[uuid.UUID]string{}}
	for i := 0; i < n; i++ {
		f.submitted = append(f.submitted, &model.Withdrawal{Meta: model.Meta{Token: uuid.New(), State: "SUBMITTED"}})
	}
	return f
}

func (f *fakeWithdrawals) ListSubmitted(_ context.Context, limit int) ([]*model.Withdrawal, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.submitted) > limit {
		return f.submitted[:limit], nil
	}
	return f.submitted, nil
}

func (f *fakeWithdrawals) Confirm(_ context.Context, token uuid.UUID, txid string, _ int) (*model.Withdrawal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed[token] = txid
	return &model.Withdrawal{Meta: model.Meta{Token: token, State: "CONFIRMED"}}, nil
}

func (f *fakeWithdrawals) Fail(_ context.Context, token uuid.UUID, reason string) (*model.Withdrawal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[token] = reason
	return &model.Withdrawal{Meta: model.Meta{Token: token, State: "FAILED"}}, nil
}

type fakeWallet struct {
	txs map[string]chain.WalletTx
	err error
}

func (f *fakeWallet) Confirmations(_ context.Context, reference string, _ time.Time) (chain.WalletTx, bool, error) {
	if f.err != nil {
		return chain.WalletTx{}, false, f.err
	}
	tx, ok := f.txs[reference]
	return tx, ok, nil
}

func TestPoll(t *testing.T) {
	withdrawals := newFakeWithdrawals(4)
	final, shallow, conflicted, missing := withdrawals.submitted[0], withdrawals.submitted[1], withdrawals.submitted[2], withdrawals.submitted[3]

	wallet := &fakeWallet{txs: map[string]chain.WalletTx{
		final.Token.String():      {TxID: "final", Confirmations: 6},
		shallow.Token.String():    {TxID: "shallow", Confirmations: 2},
		conflicted.Token.String(): {TxID: "conflicted", Confirmations: -1},
	}}

	tracker := NewTracker(withdrawals, wallet, Options{BatchSize: 10, FinalityOffset: 6, Concurrency: 2}, zap.NewNop())
	confirmed, err := tracker.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, confirmed)

	assert.Equal(t, map[uuid.UUID]string{final.Token: "final"}, withdrawals.confirmed)
	assert.Equal(t, map[uuid.UUID]string{conflicted.Token: conflictedReason}, withdrawals.failed)
	assert.NotContains(t, withdrawals.confirmed, missing.Token)
}

func TestPoll_WalletErrorsAreContained(t *testing.T) {
	withdrawals := newFakeWithdrawals(2)
	tracker := NewTracker(withdrawals, &fakeWallet{err: errors.New("rpc down")}, Options{BatchSize: 10, FinalityOffset: 1}, zap.NewNop())

	confirmed, err := tracker.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, confirmed)
	assert.Empty(t, withdrawals.confirmed)
}

func TestPoll_ListError(t *testing.T) {
	withdrawals := newFakeWithdrawals(0)
	withdrawals.listErr = errors.New("db down")
	tracker := NewTracker(withdrawals, &fakeWallet{}, Options{BatchSize: 10, FinalityOffset: 1}, zap.NewNop())

	_, err := tracker.Poll(context.Background())
	assert.EqualError(t, err, "db down")
}
