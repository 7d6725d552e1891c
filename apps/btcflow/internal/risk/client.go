package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Decision string

const (
	Approve Decision = "APPROVE"
	Review  Decision = "REVIEW"
	Reject  Decision = "REJECT"
)

var ErrUnknownDecision = errors.New("unknown risk decision")

// Assessment describes the movement of funds being scored.
type Assessment struct {
	Kind       string          `json:"kind"`
	Token      string          `json:"token"`
	CustomerID string          `json:"customer_id"`
	Amount     decimal.Decimal `json:"amount"`
	Address    string          `json:"address"`
}

type Verdict struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
}

// Client scores deposits and withdrawals against the risk service.
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

func (c *Client) Evaluate(ctx context.Context, assessment Assessment) (Verdict, error) {
	payload, err := json.Marshal(assessment)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to encode assessment: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/assessments", bytes.NewReader(payload))
	if err != nil {
		return Verdict{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to call risk service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("risk service returned %d", resp.StatusCode)
	}

	var verdict Verdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return Verdict{}, fmt.Errorf("failed to decode risk verdict: %w", err)
	}

	switch verdict.Decision {
	case Approve, Review, Reject:
	default:
		return Verdict{}, fmt.Errorf("%w: %q", ErrUnknownDecision, verdict.Decision)
	}

	c.logger.Debug("Risk verdict",
		zap.String("kind", assessment.Kind),
		zap.String("entity_token", assessment.Token),
		zap.String("decision", string(verdict.Decision)))
	return verdict, nil
}
