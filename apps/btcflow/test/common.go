package test

import (
	"os"
	"testing"
	"time"
)

const (
	// Default ops API address of a locally running btcflow
	DefaultBaseURL = "http://localhost:8080"

	requestTimeout = 5 * time.Second
)

// ErrorResponse represents the API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse represents the API response for the health check
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Time     string `json:"time"`
}

// baseURL returns the address of the running service under test. These tests
// only run against a live deployment, enabled with BTCFLOW_INTEGRATION=1.
func baseURL(t *testing.T) string {
	t.Helper()
	if os.Getenv("BTCFLOW_INTEGRATION") != "1" {
		t.Skip("set BTCFLOW_INTEGRATION=1 to run against a live btcflow")
	}
	if url := os.Getenv("BTCFLOW_BASE_URL"); url != "" {
		return url
	}
	return DefaultBaseURL
}
