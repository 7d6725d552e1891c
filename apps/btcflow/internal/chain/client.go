package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	pageSize = 500
	// clockSkew widens the search window for drift between bitcoind and the database.
	clockSkew = time.Hour
)

// Payment is one outgoing transfer. Reference is written into the wallet
// transaction comment and identifies the payment across retries. No send for
// the payment can be older than Since.
type Payment struct {
	Reference  string
	Address    string
	Amount     decimal.Decimal
	ConfTarget int
	Since      time.Time
}

// WalletTx is the subset of a bitcoind listtransactions entry we rely on.
type WalletTx struct {
	TxID          string          `json:"txid"`
	Category      string          `json:"category"`
	Address       string          `json:"address"`
	Amount        decimal.Decimal `json:"amount"`
	Confirmations int             `json:"confirmations"`
	Comment       string          `json:"comment"`
	Time          int64           `json:"time"`
}

// Client is a bitcoind wallet client over JSON-RPC.
type Client struct {
	rpc    *rpc.Client
	logger *zap.Logger
}

func Dial(ctx context.Context, rpcURL string, logger *zap.Logger) (*Client, error) {
	client, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bitcoind: %w", err)
	}
	return &Client{rpc: client, logger: logger}, nil
}

// Broadcast sends the payment unless the wallet already holds a send carrying
// the same reference, in which case that transaction's id is returned.
func (c *Client) Broadcast(ctx context.Context, payment Payment) (string, error) {
	existing, found, err := c.FindSend(ctx, payment.Reference, payment.Since)
	if err != nil {
		return "", err
	}
	if found {
		c.logger.Info("Payment already broadcast",
			zap.String("reference", payment.Reference),
			zap.String("txid", existing.TxID))
		return existing.TxID, nil
	}

	amount := json.Number(payment.Amount.StringFixed(8))
	var txid string
	// address, amount, comment, comment_to, subtractfeefromamount, replaceable, conf_target
	err = c.rpc.CallContext(ctx, &txid, "sendtoaddress",
		payment.Address, amount, payment.Reference, "", false, true, payment.ConfTarget)
	if err != nil {
		return "", fmt.Errorf("failed to send %s to %s: %w", payment.Amount, payment.Address, err)
	}

	c.logger.Info("Broadcast payment",
		zap.String("reference", payment.Reference),
		zap.String("address", payment.Address),
		zap.String("amount", payment.Amount.String()),
		zap.String("txid", txid))
	return txid, nil
}

// Confirmations reports the wallet's view of the payment with reference.
func (c *Client) Confirmations(ctx context.Context, reference string, since time.Time) (WalletTx, bool, error) {
	return c.FindSend(ctx, reference, since)
}

// FindSend pages backwards through the wallet history, newest first, until it
// finds the send carrying reference or reaches transactions older than since.
func (c *Client) FindSend(ctx context.Context, reference string, since time.Time) (WalletTx, bool, error) {
	cutoff := since.Add(-clockSkew).Unix()
	for skip := 0; ; skip += pageSize {
		var txs []WalletTx
		if err := c.rpc.CallContext(ctx, &txs, "listtransactions", "*", pageSize, skip, true); err != nil {
			return WalletTx{}, false, fmt.Errorf("failed to list wallet transactions: %w", err)
		}

		// each page is ordered oldest first
		for i := len(txs) - 1; i >= 0; i-- {
			if txs[i].Category == "send" && txs[i].Comment == reference {
				return txs[i], true, nil
			}
		}

		if len(txs) < pageSize || txs[0].Time < cutoff {
			return WalletTx{}, false, nil
		}
	}
}

func (c *Client) Close() {
	c.rpc.Close()
}
