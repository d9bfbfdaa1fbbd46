package stream_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/stream-engine/stream"
)

func TestCategorizeLedgerError(t *testing.T) {
	// Raw wallet/node messages map onto the taxonomy by substring.
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"metamask rejection", "MetaMask Tx Signature: User denied transaction signature.", stream.ErrUserRejected},
		{"generic rejection", "user rejected the request", stream.ErrUserRejected},
		{"action rejected code", "ACTION_REJECTED: request cancelled", stream.ErrUserRejected},
		{"insufficient funds", "insufficient funds for gas * price + value", stream.ErrInsufficientFunds},
		{"out of gas", "out of gas", stream.ErrInsufficientFunds},
		{"gas estimate", "gas required exceeds allowance", stream.ErrInsufficientFunds},
		{"revert with reason", "execution reverted: nothing claimable", stream.ErrExecutionReverted},
		{"bare revert", "transaction would revert", stream.ErrExecutionReverted},
		{"unknown", "connection reset by peer", stream.ErrWithdrawalFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := stream.CategorizeLedgerError(errors.New(tc.raw))
			assert.ErrorIs(t, got, tc.want)
			// The original message survives for logging.
			assert.Contains(t, got.Error(), tc.raw)
		})
	}
}

func TestCategorizeLedgerError_Nil(t *testing.T) {
	assert.NoError(t, stream.CategorizeLedgerError(nil))
}

func TestWithdrawalError_Unwrap(t *testing.T) {
	err := &stream.WithdrawalError{StreamID: "str-1", Cause: stream.ErrQuotaExhausted}

	assert.ErrorIs(t, err, stream.ErrQuotaExhausted)
	assert.Contains(t, err.Error(), "str-1")
	assert.True(t, stream.IsValidation(err))
	assert.False(t, stream.IsFatalWithdrawal(err))
}

func TestErrorHelpers_Partition(t *testing.T) {
	// Validation and fatal categories never overlap.
	validation := []error{
		stream.ErrQuotaExhausted,
		stream.ErrNothingToWithdraw,
		stream.ErrStreamInactive,
		stream.ErrStreamNotFound,
		stream.ErrWithdrawalInFlight,
	}
	fatal := []error{
		stream.ErrNoLedgerRef,
		stream.ErrUserRejected,
		stream.ErrInsufficientFunds,
		stream.ErrExecutionReverted,
		stream.ErrWithdrawalFailed,
	}

	for _, err := range validation {
		assert.True(t, stream.IsValidation(err), "%v", err)
		assert.False(t, stream.IsFatalWithdrawal(err), "%v", err)
	}
	for _, err := range fatal {
		assert.True(t, stream.IsFatalWithdrawal(err), "%v", err)
		assert.False(t, stream.IsValidation(err), "%v", err)
	}
}
