package repository_test

import (
	"context"
	"testing"

	"custody/apps/btcflow/internal/model"
	"custody/apps/btcflow/internal/repository"
	"custody/apps/btcflow/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestResponseRepository(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	responses := repository.NewResponseRepository(db, repository.KindWithdrawal, zap.NewNop())

	inserted, err := responses.InsertInFlight(ctx, "00aa11bb22cc33dd", "req-1")
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = responses.InsertInFlight(ctx, "00aa11bb22cc33dd", "req-1")
	require.NoError(t, err)
	assert.False(t, inserted)

	record, err := responses.Find(ctx, "00aa11bb22cc33dd", "req-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, record.InFlight())
	assert.Equal(t, 1, record.Version)

	missing, err := responses.Find(ctx, "00aa11bb22cc33dd", "req-2")
	require.NoError(t, err)
	assert.Nil(t, missing)

	record.Error = &model.ErrorSnapshot{Message: "insufficient funds", Type: "*errors.errorString"}
	require.NoError(t, responses.Complete(ctx, record))
	assert.Equal(t, 2, record.Version)

	stored, err := responses.Find(ctx, "00aa11bb22cc33dd", "req-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Version)
	assert.Nil(t, stored.Response)
	require.NotNil(t, stored.Error)
	assert.Equal(t, "insufficient funds", stored.Error.Message)

	stale := &model.IdempotencyRecord{IdempotencyKey: "00aa11bb22cc33dd", RequestID: "req-1", Version: 1, Response: []byte(`{}`)}
	require.ErrorIs(t, responses.Complete(ctx, stale), repository.ErrVersionMismatch)
}

func TestPendingRequestRepository(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	pending := repository.NewPendingRequestRepository(db, repository.KindDeposit, zap.NewNop())
	token := uuid.New()

	first, err := pending.Register(ctx, token)
	require.NoError(t, err)
	second, err := pending.Register(ctx, token)
	require.NoError(t, err)
	done, err := pending.Register(ctx, token)
	require.NoError(t, err)

	require.NoError(t, pending.Complete(ctx, done.ID))

	n, err := pending.FailAllForEntity(ctx, token, "risk rejected")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	for _, id := range []uuid.UUID{first.ID, second.ID} {
		req, err := pending.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.PendingFailed, req.Status)
		require.NotNil(t, req.FailureReason)
		assert.Equal(t, "risk rejected", *req.FailureReason)
	}

	req, err := pending.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PendingCompleted, req.Status)

	// first outcome sticks
	require.NoError(t, pending.Fail(ctx, done.ID, "too late"))
	req, err = pending.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PendingCompleted, req.Status)

	_, err = pending.Get(ctx, uuid.New())
	require.ErrorIs(t, err, repository.ErrPendingRequestNotFound)
}
