package risk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func serve(t *testing.T, status int, body string) *Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/assessments", r.URL.Path)
		var a Assessment
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		assert.Equal(t, "deposit", a.Kind)
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return NewClient(server.URL, time.Second, zap.NewNop())
}

func TestEvaluate(t *testing.T) {
	assessment := Assessment{Kind: "deposit", Token: "t-1", CustomerID: "c-1", Amount: decimal.NewFromInt(1), Address: "bc1q"}

	t.Run("approve", func(t *testing.T) {
		client := serve(t, http.StatusOK, `{"decision":"APPROVE"}`)
		verdict, err := client.Evaluate(context.Background(), assessment)
		require.NoError(t, err)
		assert.Equal(t, Approve, verdict.Decision)
	})

	t.Run("review carries the reason", func(t *testing.T) {
		client := serve(t, http.StatusOK, `{"decision":"REVIEW","reason":"large amount"}`)
		verdict, err := client.Evaluate(context.Background(), assessment)
		require.NoError(t, err)
		assert.Equal(t, Verdict{Decision: Review, Reason: "large amount"}, verdict)
	})

	t.Run("unknown decision", func(t *testing.T) {
		client := serve(t, http.StatusOK, `{"decision":"MAYBE"}`)
		_, err := client.Evaluate(context.Background(), assessment)
		assert.ErrorIs(t, err, ErrUnknownDecision)
	})

	t.Run("non-200", func(t *testing.T) {
		client := serve(t, http.StatusBadGateway, ``)
		_, err := client.Evaluate(context.Background(), assessment)
		assert.Error(t, err)
	})
}
