/*
calc.go - Accrual math for stream calculations

PURPOSE:
  Computes how much a stream has accrued at a point in time and keeps the
  core invariant intact after every mutation:

    0 <= withdrawn <= totalStreamed <= totalAmount
    claimable = totalStreamed - withdrawn

  The claimable figure is always recomputed here, never trusted from a
  patch: a stale frame can carry an out-of-date claimable but cannot violate
  the invariant once normalized.

SEE ALSO:
  - store.go: Applies patches through Normalize
  - limits.go: Daily quota bookkeeping
*/
package stream

import (
	"time"

	"github.com/shopspring/decimal"
)

// ComputeCalc derives the full calculation for a record at the given time.
// Accrual is linear: ratePerSecond * elapsed, capped at the stream total and
// frozen once the end time (when set) has passed.
func ComputeCalc(r *StreamRecord, now time.Time) Calculation {
	at := now.Unix()
	effective := at
	if effective < r.StartTime {
		effective = r.StartTime
	}
	if r.EndTime != nil && effective > *r.EndTime {
		effective = *r.EndTime
	}
	elapsed := effective - r.StartTime

	streamed := r.Calc.RatePerSecond.Mul(decimal.NewFromInt(elapsed))
	streamed = streamed.Min(r.Total)

	calc := Calculation{
		StreamID:        r.ID,
		TotalStreamed:   streamed,
		WithdrawnAmount: r.Calc.WithdrawnAmount,
		RatePerSecond:   r.Calc.RatePerSecond,
		IsActive:        r.Status == StatusActive,
		StartTime:       r.StartTime,
		EndTime:         r.EndTime,
		LastCalculated:  now.UnixMilli(),
	}
	calc.CurrentBalance = streamed
	return Normalize(calc, r.Total)
}

// Normalize clamps a calculation into the invariant and recomputes the
// derived fields. The input may come from an untrusted or stale patch.
func Normalize(c Calculation, total Amount) Calculation {
	if c.WithdrawnAmount.IsNegative() {
		c.WithdrawnAmount = ZeroAmount()
	}
	if total.IsPositive() {
		c.TotalStreamed = c.TotalStreamed.Min(total)
		c.WithdrawnAmount = c.WithdrawnAmount.Min(total)
	}
	// Withdrawn can momentarily exceed streamed when a patch lags a
	// confirmed withdrawal; the accrued figure is the floor.
	c.TotalStreamed = c.TotalStreamed.Max(c.WithdrawnAmount)

	c.ClaimableAmount = c.TotalStreamed.Sub(c.WithdrawnAmount)
	if c.ClaimableAmount.IsNegative() {
		c.ClaimableAmount = ZeroAmount()
	}

	c.Progress = progressOf(c.TotalStreamed, total)
	return c
}

func progressOf(streamed, total Amount) float64 {
	if !total.IsPositive() {
		return 0
	}
	pct, _ := streamed.Value.Div(total.Value).Mul(decimal.NewFromInt(100)).Float64()
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// ClaimableAt computes what could be withdrawn right now: elapsed accrual
// capped at the total, minus what was already taken. Used by the withdrawal
// precondition check so it never relies on a possibly stale stored figure.
func ClaimableAt(r *StreamRecord, now time.Time) Amount {
	return ComputeCalc(r, now).ClaimableAmount
}

// DeriveBalance recomputes the per-token aggregate from a set of records.
// Used when the backend aggregate endpoint is unavailable.
func DeriveBalance(records []*StreamRecord) UserBalance {
	byToken := make(map[string]*TokenBalance)
	var order []string
	active := 0

	for _, r := range records {
		tb, ok := byToken[r.Token]
		if !ok {
			tb = &TokenBalance{Token: r.Token}
			byToken[r.Token] = tb
			order = append(order, r.Token)
		}
		tb.TotalEarned = tb.TotalEarned.Add(r.Calc.TotalStreamed)
		tb.TotalWithdrawn = tb.TotalWithdrawn.Add(r.Calc.WithdrawnAmount)
		tb.Available = tb.Available.Add(r.Calc.ClaimableAmount)
		if r.Status == StatusActive {
			active++
		}
	}

	out := UserBalance{ActiveStreams: active}
	for _, token := range order {
		out.Balances = append(out.Balances, *byToken[token])
	}
	return out
}
