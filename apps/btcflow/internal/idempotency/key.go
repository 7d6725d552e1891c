package idempotency

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Domain separates idempotency hashes from any other use of the same hash
// function. Bump the version suffix if the canonical form ever changes.
const Domain = "btcflow/idempotency/v1"

// Key derives the idempotency key of a request: xxhash64 over the domain, a
// zero byte and the canonical JSON of the request id, retry counter and inputs,
// rendered as 16 lowercase hex characters.
func Key(requestID string, retryCounter int, inputs ...any) (string, error) {
	if inputs == nil {
		inputs = []any{}
	}
	canonical, err := marshalCanonical(map[string]any{
		"request_id":    requestID,
		"retry_counter": retryCounter,
		"inputs":        inputs,
	})
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize idempotency inputs: %w", err)
	}

	h := xxhash.New()
	h.WriteString(Domain)
	h.Write([]byte{0x00})
	h.Write(canonical)
	return fmt.Sprintf("%016x", h.Sum64()), nil
}
