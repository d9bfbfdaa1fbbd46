/*
errors.go - Centralized error types for the stream engine

PURPOSE:
  All error categories in one place. Callers branch with errors.Is; the
  category helpers at the bottom encode the propagation policy:

  1. Transient connectivity - recoverable, never surfaced as fatal
  2. Data absence          - a valid empty state, not an error
  3. Validation            - withdrawal preconditions unmet, no retry
  4. Settlement failure    - backend path failed, ledger fallback follows
  5. Fatal                 - both withdrawal paths failed, surfaced as-is

USAGE:
  if errors.Is(err, stream.ErrQuotaExhausted) { ... }

  cause := stream.CategorizeLedgerError(rawErr)

SEE ALSO:
  - engine/withdraw.go: Maps raw transport/contract errors through
    CategorizeLedgerError before surfacing them
*/
package stream

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrStreamNotFound is returned when a referenced stream is not in the
	// store.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrQuotaExhausted is returned when today's withdrawal quota is used up.
	ErrQuotaExhausted = errors.New("daily withdrawal limit reached")

	// ErrNothingToWithdraw is returned when the claimable amount is below the
	// dust threshold.
	ErrNothingToWithdraw = errors.New("no amount available to withdraw")

	// ErrStreamInactive is returned when withdrawing from a stream that is
	// not ACTIVE.
	ErrStreamInactive = errors.New("stream is not active")

	// ErrWithdrawalInFlight is returned when a withdrawal is requested while
	// another one is still pending. Callers should retry after it settles.
	ErrWithdrawalInFlight = errors.New("withdrawal already in progress")

	// ErrNoLedgerRef is returned when the backend path failed and the stream
	// has no on-chain reference to fall back on.
	ErrNoLedgerRef = errors.New("no on-chain stream id available for withdrawal")

	// ErrUserRejected is returned when the user cancelled the signature
	// request.
	ErrUserRejected = errors.New("transaction rejected by user")

	// ErrInsufficientFunds is returned when the wallet cannot cover gas or
	// value for the ledger call.
	ErrInsufficientFunds = errors.New("insufficient funds for transaction")

	// ErrExecutionReverted is returned when the ledger contract rejected the
	// withdrawal.
	ErrExecutionReverted = errors.New("contract execution reverted")

	// ErrWithdrawalFailed is the generic settlement failure when no more
	// specific category matches.
	ErrWithdrawalFailed = errors.New("withdrawal failed")

	// ErrSessionInactive is returned by operations invoked after the engine
	// was deactivated.
	ErrSessionInactive = errors.New("session not active")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// WithdrawalError carries the stream and the categorized cause of a failed
// withdrawal attempt.
type WithdrawalError struct {
	StreamID string
	Cause    error
}

func (e *WithdrawalError) Error() string {
	return fmt.Sprintf("withdraw %s: %v", e.StreamID, e.Cause)
}

func (e *WithdrawalError) Unwrap() error { return e.Cause }

// =============================================================================
// CATEGORIZATION - Map raw transport/contract errors to the taxonomy
// =============================================================================

// CategorizeLedgerError maps a raw error from the ledger or wallet transport
// to one of the sentinel categories by substring matching, mirroring the
// message shapes wallets and nodes actually produce. Unmatched errors map to
// ErrWithdrawalFailed with the original preserved for Unwrap.
func CategorizeLedgerError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "user rejected"),
		strings.Contains(msg, "user denied"),
		strings.Contains(msg, "action_rejected"),
		strings.Contains(msg, "rejected by user"):
		return fmt.Errorf("%w: %v", ErrUserRejected, err)
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "insufficient balance"),
		strings.Contains(msg, "out of gas"),
		strings.Contains(msg, "gas required exceeds"):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	case strings.Contains(msg, "execution reverted"),
		strings.Contains(msg, "revert"):
		return fmt.Errorf("%w: %v", ErrExecutionReverted, err)
	default:
		return fmt.Errorf("%w: %v", ErrWithdrawalFailed, err)
	}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation reports whether the error is a failed withdrawal
// precondition: surfaced immediately, no network I/O happened, no retry.
func IsValidation(err error) bool {
	return errors.Is(err, ErrQuotaExhausted) ||
		errors.Is(err, ErrNothingToWithdraw) ||
		errors.Is(err, ErrStreamInactive) ||
		errors.Is(err, ErrStreamNotFound) ||
		errors.Is(err, ErrWithdrawalInFlight)
}

// IsFatalWithdrawal reports whether both withdrawal paths are exhausted for
// this attempt. A user retry is the only recovery.
func IsFatalWithdrawal(err error) bool {
	return errors.Is(err, ErrNoLedgerRef) ||
		errors.Is(err, ErrUserRejected) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrExecutionReverted) ||
		errors.Is(err, ErrWithdrawalFailed)
}
