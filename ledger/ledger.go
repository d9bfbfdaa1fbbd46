/*
Package ledger defines the engine's view of the on-chain contract.

PURPOSE:
  The chain is an opaque collaborator: a read-only per-stream detail lookup
  by numeric id and a write withdrawal call by the same id. Contract
  semantics stay on the other side of this interface. Both calls are
  idempotent at the stream-id granularity but the engine never retries them
  automatically; a retry is a user action.

IMPLEMENTATIONS:
  - http.go: JSON gateway client (wallet provider / node front-end)
  - engine tests use in-memory fakes

SEE ALSO:
  - engine/loader.go: Enumeration fallback when the backend has no data
  - engine/withdraw.go: Direct withdrawal path
*/
package ledger

import "context"

// StreamDetail is the on-chain state of one stream. Amounts are decimal
// strings in the token's denomination.
type StreamDetail struct {
	ID            uint64 `json:"id"`
	Payer         string `json:"payer"`
	Recipient     string `json:"recipient"`
	Token         string `json:"token"`
	TotalAmount   string `json:"totalAmount"`
	Withdrawn     string `json:"withdrawn"`
	StartTime     int64  `json:"startTime"`
	EndTime       int64  `json:"endTime"`
	RatePerSecond string `json:"ratePerSecond"`
	Claimable     string `json:"claimableAmount"`
	Active        bool   `json:"active"`
}

// Ledger is the read/write surface the engine consumes.
type Ledger interface {
	// StreamCount returns the total number of streams ever created. Stream
	// ids are dense in [0, count).
	StreamCount(ctx context.Context) (uint64, error)

	// GetStream returns the on-chain detail for one stream id.
	GetStream(ctx context.Context, id uint64) (StreamDetail, error)

	// Withdraw executes a withdrawal of everything currently claimable on
	// the stream. Returns the transaction reference.
	Withdraw(ctx context.Context, id uint64) (string, error)
}
