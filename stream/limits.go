package stream

import "time"

// =============================================================================
// WITHDRAWAL LIMITS - Daily quota bookkeeping
// =============================================================================

// DayIndexAt returns the UTC day number for a point in time. The backend
// keys its per-day counters the same way, so optimistic updates and
// authoritative refreshes agree on which day a withdrawal lands in.
func DayIndexAt(t time.Time) int64 {
	return t.UTC().Unix() / 86400
}

// PermissiveLimits is the baseline for ledger-synthesized records: the chain
// has no quota bookkeeping, so a sensible default applies until the backend
// supplies real numbers.
func PermissiveLimits() WithdrawalLimits {
	return WithdrawalLimits{
		MaxPerDay:   5,
		UsedToday:   0,
		Remaining:   5,
		CanWithdraw: true,
		DayIndex:    DayIndexAt(time.Now()),
	}
}

// RollDay resets the counters when the limits refer to an earlier day than
// now. Idempotent within a day.
func (l WithdrawalLimits) RollDay(now time.Time) WithdrawalLimits {
	today := DayIndexAt(now)
	if l.DayIndex >= today {
		return l
	}
	l.DayIndex = today
	l.UsedToday = 0
	l.Remaining = l.MaxPerDay
	l.CanWithdraw = l.MaxPerDay > 0
	l.NextWithdrawalTime = nil
	return l
}

// Normalize recomputes the derived fields (Remaining, CanWithdraw,
// NextWithdrawalTime) from the counters. Storage layers persist only
// MaxPerDay, UsedToday, and DayIndex; anything rehydrating a record must
// derive the rest through here.
func (l WithdrawalLimits) Normalize() WithdrawalLimits {
	l.Remaining = l.MaxPerDay - l.UsedToday
	if l.Remaining < 0 {
		l.Remaining = 0
	}
	l.CanWithdraw = l.Remaining > 0
	if l.CanWithdraw {
		l.NextWithdrawalTime = nil
	} else {
		next := (l.DayIndex + 1) * 86400
		l.NextWithdrawalTime = &next
	}
	return l
}

// Consume records one withdrawal against today's quota and recomputes
// CanWithdraw. When the quota is exhausted the next allowed time is the
// start of the next UTC day.
func (l WithdrawalLimits) Consume(now time.Time) WithdrawalLimits {
	l = l.RollDay(now)
	l.UsedToday++
	return l.Normalize()
}

// Release undoes one Consume, used when an optimistic withdrawal is
// reverted.
func (l WithdrawalLimits) Release() WithdrawalLimits {
	if l.UsedToday > 0 {
		l.UsedToday--
	}
	return l.Normalize()
}
