package confirmation_tracker

import (
	"context"
	"time"

	"custody/apps/btcflow/internal/chain"
	"custody/apps/btcflow/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const conflictedReason = "transaction conflicted"

type Withdrawals interface {
	ListSubmitted(ctx context.Context, limit int) ([]*model.Withdrawal, error)
	Confirm(ctx context.Context, token uuid.UUID, txid string, confirmations int) (*model.Withdrawal, error)
	Fail(ctx context.Context, token uuid.UUID, reason string) (*model.Withdrawal, error)
}

type Wallet interface {
	Confirmations(ctx context.Context, reference string, since time.Time) (chain.WalletTx, bool, error)
}

type Options struct {
	Interval       time.Duration
	BatchSize      int
	FinalityOffset int
	Concurrency    int
}

// Tracker polls the wallet for submitted withdrawals and confirms them once
// their transaction is FinalityOffset blocks deep.
type Tracker struct {
	withdrawals Withdrawals
	wallet      Wallet
	opts        Options
	logger      *zap.Logger
}

func NewTracker(withdrawals Withdrawals, wallet Wallet, opts Options, logger *zap.Logger) *Tracker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Tracker{withdrawals: withdrawals, wallet: wallet, opts: opts, logger: logger}
}

func (t *Tracker) Start(ctx context.Context) error {
	t.logger.Info("Starting confirmation tracker",
		zap.Duration("interval", t.opts.Interval),
		zap.Int("finality_offset", t.opts.FinalityOffset))

	ticker := time.NewTicker(t.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			confirmed, err := t.Poll(ctx)
			if err != nil {
				t.logger.Error("Error polling submitted withdrawals", zap.Error(err))
				continue
			}
			if confirmed > 0 {
				t.logger.Info("Confirmed withdrawals", zap.Int("count", confirmed))
			}
		}
	}
}

// Poll checks one page of submitted withdrawals and returns how many it
// confirmed. A failure on one withdrawal does not stop the others.
func (t *Tracker) Poll(ctx context.Context) (int, error) {
	submitted, err := t.withdrawals.ListSubmitted(ctx, t.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	results := make([]bool, len(submitted))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.opts.Concurrency)
	for i, w := range submitted {
		g.Go(func() error {
			results[i] = t.check(gctx, w)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	confirmed := 0
	for _, ok := range results {
		if ok {
			confirmed++
		}
	}
	return confirmed, nil
}

func (t *Tracker) check(ctx context.Context, w *model.Withdrawal) bool {
	token := w.Token
	tx, found, err := t.wallet.Confirmations(ctx, token.String(), w.CreatedAt)
	if err != nil {
		t.logger.Error("Error getting confirmations", zap.String("entity_token", token.String()), zap.Error(err))
		return false
	}
	if !found {
		// not broadcast yet
		return false
	}

	switch {
	case tx.Confirmations < 0:
		t.logger.Warn("Withdrawal transaction conflicted",
			zap.String("entity_token", token.String()),
			zap.String("txid", tx.TxID),
			zap.Int("confirmations", tx.Confirmations))
		if _, err := t.withdrawals.Fail(ctx, token, conflictedReason); err != nil {
			t.logger.Error("Error failing conflicted withdrawal", zap.String("entity_token", token.String()), zap.Error(err))
		}
		return false
	case tx.Confirmations < t.opts.FinalityOffset:
		return false
	}

	updated, err := t.withdrawals.Confirm(ctx, token, tx.TxID, tx.Confirmations)
	if err != nil {
		t.logger.Error("Error confirming withdrawal",
			zap.String("entity_token", token.String()),
			zap.String("txid", tx.TxID),
			zap.Error(err))
		return false
	}
	return updated.State != w.State
}
