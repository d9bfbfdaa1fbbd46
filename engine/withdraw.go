/*
withdraw.go - Dual-path withdrawal coordinator

PURPOSE:
  Executes a user-requested withdrawal: server-mediated settlement first,
  direct ledger withdrawal second. Exactly one withdrawal may be in flight
  process-wide; a second request is rejected synchronously, not queued.

PRECONDITIONS (checked before any network I/O):
  - the stream exists in the store
  - the stream is ACTIVE
  - today's withdrawal quota is not exhausted
  - the freshly computed claimable amount exceeds the dust threshold

  Each violation fails fast with a specific user-facing reason.

EXECUTION:
  Path A asks the backend to execute and settle. On failure Path B
  withdraws directly on the ledger by the stream's on-chain reference; a
  missing reference is fatal for this attempt. Whichever path succeeds
  applies the optimistic update exactly once, then triggers a confirmation
  refresh (gate-debounced, with one delayed retry to absorb settlement
  lag) so authoritative figures supersede the optimistic ones.

  Streams synthesized from the ledger (chain- ids) skip Path A entirely;
  the backend has never heard of them.

SEE ALSO:
  - stream/errors.go: The error taxonomy and ledger error categorization
  - stream/store.go: ApplyOptimisticWithdrawal
*/
package engine

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/stream-engine/backend"
	"github.com/warp/stream-engine/ledger"
	"github.com/warp/stream-engine/stream"
)

// Coordinator executes withdrawals. One instance per engine.
type Coordinator struct {
	cfg    Config
	logger *log.Logger

	store   *stream.Store
	backend *backend.Client
	ledger  ledger.Ledger
	confirm func() // schedules the post-settlement reconciliation

	mu          sync.Mutex
	withdrawing string // stream id currently in flight, "" when idle
	now         func() time.Time
}

func newCoordinator(cfg Config, store *stream.Store, bc *backend.Client, lc ledger.Ledger) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		logger:  cfg.logger(),
		store:   store,
		backend: bc,
		ledger:  lc,
		now:     time.Now,
	}
}

// Withdrawing returns the stream id of the in-flight withdrawal, or "".
func (c *Coordinator) Withdrawing() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.withdrawing
}

// Withdraw runs one withdrawal attempt for the stream.
func (c *Coordinator) Withdraw(ctx context.Context, streamID string) error {
	c.mu.Lock()
	if c.withdrawing != "" {
		c.mu.Unlock()
		return &stream.WithdrawalError{StreamID: streamID, Cause: stream.ErrWithdrawalInFlight}
	}
	c.withdrawing = streamID
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.withdrawing = ""
		c.mu.Unlock()
	}()

	claimable, err := c.validate(streamID)
	if err != nil {
		return err
	}
	return c.execute(ctx, streamID, claimable)
}

// validate checks every precondition without touching the network and
// returns the amount to claim.
func (c *Coordinator) validate(streamID string) (stream.Amount, error) {
	fail := func(cause error) (stream.Amount, error) {
		return stream.Amount{}, &stream.WithdrawalError{StreamID: streamID, Cause: cause}
	}

	rec, ok := c.store.Get(streamID)
	if !ok {
		return fail(stream.ErrStreamNotFound)
	}
	if rec.Status != stream.StatusActive {
		return fail(stream.ErrStreamInactive)
	}
	if limits := rec.Limits.RollDay(c.now()); !limits.CanWithdraw {
		return fail(stream.ErrQuotaExhausted)
	}
	claimable := stream.ClaimableAt(rec, c.now())
	if !claimable.GreaterThan(c.cfg.DustThreshold) {
		return fail(stream.ErrNothingToWithdraw)
	}
	return claimable, nil
}

func (c *Coordinator) execute(ctx context.Context, streamID string, claimable stream.Amount) error {
	// Path A: server-mediated settlement. Skipped for ledger-synthesized
	// records.
	if !strings.HasPrefix(streamID, "chain-") {
		req := backend.WithdrawRequest{
			StreamID:       streamID,
			Amount:         claimable.String(),
			IdempotencyKey: uuid.NewString(),
		}
		result, err := c.backend.Withdraw(ctx, req)
		if err == nil {
			c.logger.Printf("[Withdraw] Backend settled %s for %s (tx %s)", claimable, streamID, result.TransactionID)
			c.settle(streamID, claimable)
			return nil
		}
		c.logger.Printf("[Withdraw] Backend path failed for %s, trying ledger: %v", streamID, err)
	}

	// Path B: direct ledger withdrawal.
	rec, ok := c.store.Get(streamID)
	if !ok {
		return &stream.WithdrawalError{StreamID: streamID, Cause: stream.ErrStreamNotFound}
	}
	if rec.OnChainRef == nil {
		return &stream.WithdrawalError{StreamID: streamID, Cause: stream.ErrNoLedgerRef}
	}
	if c.ledger == nil {
		return &stream.WithdrawalError{StreamID: streamID, Cause: stream.ErrWithdrawalFailed}
	}

	txHash, err := c.ledger.Withdraw(ctx, *rec.OnChainRef)
	if err != nil {
		return &stream.WithdrawalError{StreamID: streamID, Cause: stream.CategorizeLedgerError(err)}
	}
	c.logger.Printf("[Withdraw] Ledger settled %s for %s (tx %s)", claimable, streamID, txHash)
	c.settle(streamID, claimable)
	return nil
}

// settle applies the optimistic update once and triggers the confirmation
// reconciliation. Both success paths funnel through here; neither applies
// the update twice.
func (c *Coordinator) settle(streamID string, claimable stream.Amount) {
	c.store.ApplyOptimisticWithdrawal(streamID, claimable)
	if c.confirm != nil {
		c.confirm()
	}
}
