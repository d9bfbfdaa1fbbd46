/*
Package stream provides the core domain model for continuously accruing
payment streams.

PURPOSE:
  This package contains the types and algorithms shared by every part of the
  engine: fixed-point amounts, stream records with their nested calculation
  state, per-day withdrawal limits, and the in-memory store that owns all
  records for the lifetime of a session.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A ledger-denominated quantity backed by decimal.Decimal
  - StreamRecord: One payment stream, keyed by an opaque id
  - Calculation: The nested accrual state that incremental patches target
  - UserBalance: Per-token aggregate across all of a user's streams

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere, never float arithmetic on money
  2. Recompute, don't trust: claimable is always derived from streamed and
     withdrawn, never taken verbatim from a patch
  3. Ownership: records are created by the loader, mutated only through the
     Store, and discarded wholesale on session teardown

SEE ALSO:
  - calc.go: Accrual math (streamed, claimable, progress)
  - store.go: The in-memory record store
  - errors.go: Error taxonomy
*/
package stream

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Ledger-denominated fixed-point quantity
// =============================================================================

type Amount struct {
	Value decimal.Decimal
}

func NewAmount(value float64) Amount {
	return Amount{Value: decimal.NewFromFloat(value)}
}

func NewAmountFromInt(value int64) Amount {
	return Amount{Value: decimal.NewFromInt(value)}
}

// ParseAmount parses a decimal string as received on the wire.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, err
	}
	return Amount{Value: d}, nil
}

// MustParseAmount parses a decimal string, returning zero on failure.
// Use only where a malformed value must degrade instead of fail (e.g.
// best-effort ledger synthesis).
func MustParseAmount(s string) Amount {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}
	}
	return Amount{Value: d}
}

func ZeroAmount() Amount { return Amount{Value: decimal.Zero} }

func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s)} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg()} }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }
func (a Amount) Equal(b Amount) bool          { return a.Value.Equal(b.Value) }
func (a Amount) String() string               { return a.Value.String() }

func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

func (a Amount) Max(b Amount) Amount {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// =============================================================================
// STREAM STATUS - Monotonic lifecycle except PAUSED <-> ACTIVE
// =============================================================================

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusStopped   Status = "STOPPED"
	StatusCompleted Status = "COMPLETED"
)

// statusRank orders statuses for the monotonicity check. ACTIVE and PAUSED
// share a rank because they may flip back and forth.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusActive:    1,
	StatusPaused:    1,
	StatusStopped:   2,
	StatusCompleted: 2,
}

// CanTransition reports whether moving from s to next respects the
// lifecycle: ranks never decrease, and the only same-rank move allowed is
// the ACTIVE/PAUSED flip.
func (s Status) CanTransition(next Status) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	if to > from {
		return true
	}
	if to == from {
		return s != next && from == 1
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusStopped || s == StatusCompleted
}

// =============================================================================
// STREAM RECORD
// =============================================================================

// Party identifies one side of a stream. Ledger-synthesized records only
// carry the wallet address.
type Party struct {
	ID            string
	WalletAddress string
	Name          string
	Email         string
}

// Calculation is the nested accrual state of a stream. It is the unit of
// incremental patching: push frames carry partial Calculations keyed by
// stream id, merged last-writer-wins by LastCalculated.
//
// StartTime/EndTime are unix seconds. LastCalculated is unix milliseconds so
// closely spaced recalculations still order.
type Calculation struct {
	StreamID        string
	CurrentBalance  Amount
	ClaimableAmount Amount
	TotalStreamed   Amount
	WithdrawnAmount Amount
	Progress        float64 // 0-100
	IsActive        bool
	RatePerSecond   Amount
	StartTime       int64
	EndTime         *int64
	LastCalculated  int64
}

// WithdrawalLimits is the backend's per-stream daily quota bookkeeping.
// The ledger has no equivalent concept; synthesized records get
// PermissiveLimits.
type WithdrawalLimits struct {
	MaxPerDay          int
	UsedToday          int
	Remaining          int
	CanWithdraw        bool
	DayIndex           int64
	NextWithdrawalTime *int64
}

// StreamRecord is one payment stream as the engine knows it.
type StreamRecord struct {
	ID         string
	OnChainRef *uint64 // ledger id, present once confirmed on-chain
	Payer      Party
	Recipient  Party
	Token      string // settlement-token address
	Total      Amount
	Status     Status
	StartTime  int64
	EndTime    *int64
	Calc       Calculation
	Limits     WithdrawalLimits
	CreatedAt  int64
	UpdatedAt  int64
}

// Clone returns a deep copy. Pointers to optional fields are duplicated so
// callers can never alias store-owned state.
func (r *StreamRecord) Clone() *StreamRecord {
	c := *r
	if r.OnChainRef != nil {
		ref := *r.OnChainRef
		c.OnChainRef = &ref
	}
	if r.EndTime != nil {
		end := *r.EndTime
		c.EndTime = &end
	}
	if r.Calc.EndTime != nil {
		end := *r.Calc.EndTime
		c.Calc.EndTime = &end
	}
	if r.Limits.NextWithdrawalTime != nil {
		next := *r.Limits.NextWithdrawalTime
		c.Limits.NextWithdrawalTime = &next
	}
	return &c
}

// =============================================================================
// USER BALANCE - Derived aggregate
// =============================================================================

// TokenBalance aggregates one settlement token across streams.
type TokenBalance struct {
	Token          string
	TotalEarned    Amount
	TotalWithdrawn Amount
	Available      Amount
}

// UserBalance is the per-token aggregate of a user's streams. When the
// backend supplies it, it is authoritative until superseded; otherwise it is
// recomputed from the store.
type UserBalance struct {
	Balances      []TokenBalance
	ActiveStreams int
}
