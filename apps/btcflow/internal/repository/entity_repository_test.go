package repository_test

import (
	"context"
	"database/sql"
	"testing"

	"custody/apps/btcflow/internal/model"
	"custody/apps/btcflow/internal/repository"
	"custody/apps/btcflow/internal/testutil"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newDeposit(state model.State) *model.Deposit {
	return &model.Deposit{
		Meta:       model.Meta{Token: uuid.New(), State: state},
		CustomerID: "cust-1",
		Amount:     decimal.RequireFromString("0.015"),
		Address:    "bc1qexampleaddress",
	}
}

func newDepositRepo(t *testing.T) *repository.EntityRepository[*model.Deposit] {
	db := testutil.OpenDB(t)
	return repository.NewEntityRepository(db, repository.DepositSchema, zap.NewNop())
}

func TestEntityRepository_InsertStartsAtVersionOne(t *testing.T) {
	ctx := context.Background()
	repo := newDepositRepo(t)

	stored, err := repo.Insert(ctx, repo.DB(), newDeposit("DETECTED"))
	require.NoError(t, err)

	assert.NotZero(t, stored.ID)
	assert.Equal(t, 1, stored.Version)
	assert.Equal(t, model.State("DETECTED"), stored.State)
	assert.True(t, decimal.RequireFromString("0.015").Equal(stored.Amount))
	assert.False(t, stored.CreatedAt.IsZero())
}

func TestEntityRepository_InsertDuplicateToken(t *testing.T) {
	ctx := context.Background()
	repo := newDepositRepo(t)

	d := newDeposit("DETECTED")
	_, err := repo.Insert(ctx, repo.DB(), d)
	require.NoError(t, err)

	dup := newDeposit("DETECTED")
	dup.Token = d.Token
	_, err = repo.Insert(ctx, repo.DB(), dup)
	require.ErrorIs(t, err, repository.ErrAlreadyExists)
}

func TestEntityRepository_UpdateIncrementsVersion(t *testing.T) {
	ctx := context.Background()
	repo := newDepositRepo(t)

	stored, err := repo.Insert(ctx, repo.DB(), newDeposit("DETECTED"))
	require.NoError(t, err)

	stored.State = "AWAITING_CONFIRMATIONS"
	stored.Confirmations = 2
	updated, err := repo.Update(ctx, repo.DB(), stored)
	require.NoError(t, err)

	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, model.State("AWAITING_CONFIRMATIONS"), updated.State)
	assert.Equal(t, 2, updated.Confirmations)
}

func TestEntityRepository_StaleVersionLeavesRowUntouched(t *testing.T) {
	ctx := context.Background()
	repo := newDepositRepo(t)

	stored, err := repo.Insert(ctx, repo.DB(), newDeposit("DETECTED"))
	require.NoError(t, err)

	first, err := repo.GetByToken(ctx, stored.Token)
	require.NoError(t, err)
	second, err := repo.GetByToken(ctx, stored.Token)
	require.NoError(t, err)

	first.State = "AWAITING_CONFIRMATIONS"
	_, err = repo.Update(ctx, repo.DB(), first)
	require.NoError(t, err)

	reason := "late writer"
	second.State = "FAILED"
	second.FailureReason = &reason
	_, err = repo.Update(ctx, repo.DB(), second)
	require.ErrorIs(t, err, repository.ErrVersionMismatch)

	current, err := repo.GetByToken(ctx, stored.Token)
	require.NoError(t, err)
	assert.Equal(t, 2, current.Version)
	assert.Equal(t, model.State("AWAITING_CONFIRMATIONS"), current.State)
	assert.Nil(t, current.FailureReason)
}

func TestEntityRepository_UpdateUnknownToken(t *testing.T) {
	ctx := context.Background()
	repo := newDepositRepo(t)

	d := newDeposit("DETECTED")
	d.Version = 1
	_, err := repo.Update(ctx, repo.DB(), d)
	require.ErrorIs(t, err, repository.ErrEntityNotPresent)
}

func TestEntityRepository_Lookups(t *testing.T) {
	ctx := context.Background()
	repo := newDepositRepo(t)

	a, err := repo.Insert(ctx, repo.DB(), newDeposit("DETECTED"))
	require.NoError(t, err)
	b, err := repo.Insert(ctx, repo.DB(), newDeposit("CREDITED"))
	require.NoError(t, err)

	t.Run("get by token", func(t *testing.T) {
		_, err := repo.GetByToken(ctx, uuid.New())
		require.ErrorIs(t, err, repository.ErrEntityNotPresent)
	})

	t.Run("find by token", func(t *testing.T) {
		found, err := repo.FindByToken(ctx, uuid.New())
		require.NoError(t, err)
		assert.Nil(t, found)

		found, err = repo.FindByToken(ctx, a.Token)
		require.NoError(t, err)
		assert.Equal(t, a.ID, found.ID)
	})

	t.Run("get by id", func(t *testing.T) {
		found, err := repo.GetByID(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, b.Token, found.Token)
	})

	t.Run("get by tokens", func(t *testing.T) {
		found, err := repo.GetByTokens(ctx, []uuid.UUID{b.Token, uuid.New(), a.Token})
		require.NoError(t, err)
		require.Len(t, found, 2)
		assert.Equal(t, a.ID, found[0].ID)
		assert.Equal(t, b.ID, found[1].ID)

		empty, err := repo.GetByTokens(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("get by tokens over the cap", func(t *testing.T) {
		tokens := make([]uuid.UUID, repository.MaxBatchSize+1)
		for i := range tokens {
			tokens[i] = uuid.New()
		}
		_, err := repo.GetByTokens(ctx, tokens)
		require.ErrorIs(t, err, repository.ErrBatchTooLarge)
	})

	t.Run("find by state", func(t *testing.T) {
		found, err := repo.FindByState(ctx, "CREDITED", 10)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, b.ID, found[0].ID)
	})
}

func TestEntityRepository_SaveWithOutbox(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	repo := repository.NewEntityRepository(db, repository.WithdrawalSchema, zap.NewNop())
	outbox := repository.NewOutboxRepository(db, repository.KindWithdrawal, zap.NewNop())

	w, err := repo.Insert(ctx, db, &model.Withdrawal{
		Meta:               model.Meta{State: "REQUESTED"},
		CustomerID:         "cust-7",
		Amount:             decimal.RequireFromString("1.25"),
		Fee:                decimal.RequireFromString("0.0001"),
		DestinationAddress: "bc1qdest",
		Speed:              "standard",
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, w.Token)

	w.State = "SUBMITTED"
	messages := []model.OutboxMessage{{EffectType: "risk_check", Payload: []byte(`{"token":"x"}`)}}
	saved, err := repo.SaveWithOutbox(ctx, db, w, outbox, messages)
	require.NoError(t, err)
	assert.Equal(t, 2, saved.Version)

	pending, err := outbox.FetchPendingMessages(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, w.ID, pending[0].ValueID)
	assert.JSONEq(t, `{"token":"x"}`, string(pending[0].Payload))
}

func TestEntityRepository_SaveWithOutboxStaleVersionWritesNothing(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	repo := repository.NewEntityRepository(db, repository.DepositSchema, zap.NewNop())
	outbox := repository.NewOutboxRepository(db, repository.KindDeposit, zap.NewNop())

	d, err := repo.Insert(ctx, db, newDeposit("DETECTED"))
	require.NoError(t, err)
	d.Version = 5

	err = repository.WithTx(ctx, db, nil, func(tx *sql.Tx) error {
		_, err := repo.SaveWithOutbox(ctx, tx, d, outbox, []model.OutboxMessage{{EffectType: "risk_check", Payload: []byte(`{}`)}})
		return err
	})
	require.ErrorIs(t, err, repository.ErrVersionMismatch)

	pending, err := outbox.FetchPendingMessages(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
