package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Client talks to the customer ledger over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type freezeRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Void releases the ledger transaction. A transaction the ledger no longer
// knows about or already voided counts as success, so Void can be repeated.
func (c *Client) Void(ctx context.Context, ledgerTxID string) error {
	status, err := c.post(ctx, "/transactions/"+url.PathEscape(ledgerTxID)+"/void", nil)
	if err != nil {
		return fmt.Errorf("failed to void ledger transaction %s: %w", ledgerTxID, err)
	}

	switch status {
	case http.StatusNotFound, http.StatusConflict:
		c.logger.Info("Ledger transaction already voided",
			zap.String("ledger_transaction_id", ledgerTxID),
			zap.Int("status", status))
	}
	return nil
}

// Freeze holds amount on the ledger transaction pending manual review.
// Freezing an already frozen transaction is not an error.
func (c *Client) Freeze(ctx context.Context, ledgerTxID string, amount decimal.Decimal, reference string) error {
	status, err := c.post(ctx, "/transactions/"+url.PathEscape(ledgerTxID)+"/freeze", freezeRequest{Amount: amount, Reference: reference})
	if err != nil {
		return fmt.Errorf("failed to freeze ledger transaction %s: %w", ledgerTxID, err)
	}
	if status == http.StatusConflict {
		c.logger.Info("Ledger transaction already frozen", zap.String("ledger_transaction_id", ledgerTxID))
	}
	return nil
}

// post sends body as JSON and returns the status code for 2xx, 404 and 409
// responses. Anything else is an error.
func (c *Client) post(ctx context.Context, path string, body any) (int, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusConflict:
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}

	var apiErr errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Message != "" {
		return resp.StatusCode, fmt.Errorf("ledger returned %d: %s", resp.StatusCode, apiErr.Message)
	}
	return resp.StatusCode, fmt.Errorf("ledger returned %d", resp.StatusCode)
}
