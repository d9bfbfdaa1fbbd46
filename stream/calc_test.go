package stream_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stream-engine/stream"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)

// activeRecord builds a stream that started startAgo before testNow and runs
// for duration, at the given per-second rate.
func activeRecord(id, rate, total string, startAgo, duration time.Duration) *stream.StreamRecord {
	start := testNow.Add(-startAgo).Unix()
	end := testNow.Add(-startAgo).Add(duration).Unix()

	r := &stream.StreamRecord{
		ID:        id,
		Token:     "0xT0KEN",
		Total:     stream.MustParseAmount(total),
		Status:    stream.StatusActive,
		StartTime: start,
		EndTime:   &end,
		Limits:    stream.PermissiveLimits(),
		CreatedAt: start,
	}
	r.Calc.RatePerSecond = stream.MustParseAmount(rate)
	return r
}

// =============================================================================
// ACCRUAL TESTS
// =============================================================================

func TestComputeCalc_LinearAccrual(t *testing.T) {
	// GIVEN: A stream at 0.01/s that started 5000s ago, total 100
	// WHEN: Computing the calculation now
	// THEN: 50 has streamed, all of it claimable

	r := activeRecord("str-1", "0.01", "100", 5000*time.Second, 50000*time.Second)
	calc := stream.ComputeCalc(r, testNow)

	assert.Equal(t, "50", calc.TotalStreamed.String())
	assert.Equal(t, "50", calc.ClaimableAmount.String())
	assert.Equal(t, "0", calc.WithdrawnAmount.String())
	assert.InDelta(t, 50.0, calc.Progress, 0.001)
	assert.True(t, calc.IsActive)
	assert.Equal(t, testNow.UnixMilli(), calc.LastCalculated)
}

func TestComputeCalc_CappedAtTotal(t *testing.T) {
	// GIVEN: A stream whose rate * elapsed exceeds the total
	// WHEN: Computing the calculation
	// THEN: Streamed is capped at the total, progress at 100

	r := activeRecord("str-1", "1", "100", 5000*time.Second, 50000*time.Second)
	calc := stream.ComputeCalc(r, testNow)

	assert.Equal(t, "100", calc.TotalStreamed.String())
	assert.Equal(t, 100.0, calc.Progress)
}

func TestComputeCalc_BeforeStart(t *testing.T) {
	// GIVEN: A stream that starts in the future
	// WHEN: Computing the calculation now
	// THEN: Nothing has streamed

	r := activeRecord("str-1", "0.01", "100", 0, 1000*time.Second)
	r.StartTime = testNow.Add(time.Hour).Unix()
	calc := stream.ComputeCalc(r, testNow)

	assert.True(t, calc.TotalStreamed.IsZero())
	assert.True(t, calc.ClaimableAmount.IsZero())
}

func TestComputeCalc_FrozenAfterEnd(t *testing.T) {
	// GIVEN: A stream that ended 1000s ago after running 2000s
	// WHEN: Computing the calculation now
	// THEN: Accrual froze at the end time

	r := activeRecord("str-1", "0.01", "100", 3000*time.Second, 2000*time.Second)
	calc := stream.ComputeCalc(r, testNow)

	assert.Equal(t, "20", calc.TotalStreamed.String())
}

func TestComputeCalc_SubtractsWithdrawn(t *testing.T) {
	// GIVEN: A stream with 50 streamed and 30 already withdrawn
	// WHEN: Computing the calculation
	// THEN: Claimable is the difference

	r := activeRecord("str-1", "0.01", "100", 5000*time.Second, 50000*time.Second)
	r.Calc.WithdrawnAmount = stream.MustParseAmount("30")
	calc := stream.ComputeCalc(r, testNow)

	assert.Equal(t, "50", calc.TotalStreamed.String())
	assert.Equal(t, "20", calc.ClaimableAmount.String())
}

// =============================================================================
// NORMALIZATION TESTS
// =============================================================================

func TestNormalize_WithdrawnLagsStreamed(t *testing.T) {
	// GIVEN: A patch where withdrawn exceeds the streamed figure
	// WHEN: Normalizing against the total
	// THEN: Streamed is floored to withdrawn and claimable is zero

	total := stream.MustParseAmount("100")
	c := stream.Calculation{
		TotalStreamed:   stream.MustParseAmount("40"),
		WithdrawnAmount: stream.MustParseAmount("55"),
	}
	c = stream.Normalize(c, total)

	assert.Equal(t, "55", c.TotalStreamed.String())
	assert.Equal(t, "0", c.ClaimableAmount.String())
}

func TestNormalize_ClampsToBounds(t *testing.T) {
	// GIVEN: A patch with a negative withdrawn and streamed above total
	// WHEN: Normalizing
	// THEN: Everything lands inside 0 <= withdrawn <= streamed <= total

	total := stream.MustParseAmount("100")
	c := stream.Calculation{
		TotalStreamed:   stream.MustParseAmount("250"),
		WithdrawnAmount: stream.MustParseAmount("-10"),
	}
	c = stream.Normalize(c, total)

	assert.Equal(t, "100", c.TotalStreamed.String())
	assert.Equal(t, "0", c.WithdrawnAmount.String())
	assert.Equal(t, "100", c.ClaimableAmount.String())
	assert.Equal(t, 100.0, c.Progress)
}

func TestNormalize_RecomputesClaimable(t *testing.T) {
	// GIVEN: A patch carrying a stale claimable figure
	// WHEN: Normalizing
	// THEN: Claimable is recomputed from streamed - withdrawn, never trusted

	total := stream.MustParseAmount("100")
	c := stream.Calculation{
		TotalStreamed:   stream.MustParseAmount("60"),
		WithdrawnAmount: stream.MustParseAmount("10"),
		ClaimableAmount: stream.MustParseAmount("99"),
	}
	c = stream.Normalize(c, total)

	assert.Equal(t, "50", c.ClaimableAmount.String())
}

// =============================================================================
// AGGREGATE TESTS
// =============================================================================

func TestDeriveBalance_GroupsByToken(t *testing.T) {
	// GIVEN: Two streams in token A (one active) and one in token B
	// WHEN: Deriving the aggregate
	// THEN: Per-token sums and the active count are right

	a1 := activeRecord("a1", "0.01", "100", 5000*time.Second, 50000*time.Second)
	a1.Calc = stream.ComputeCalc(a1, testNow)

	a2 := activeRecord("a2", "0.01", "100", 2000*time.Second, 50000*time.Second)
	a2.Status = stream.StatusCompleted
	a2.Calc = stream.ComputeCalc(a2, testNow)
	a2.Calc.IsActive = false

	b1 := activeRecord("b1", "0.02", "200", 1000*time.Second, 50000*time.Second)
	b1.Token = "0xOTHER"
	b1.Calc = stream.ComputeCalc(b1, testNow)

	bal := stream.DeriveBalance([]*stream.StreamRecord{a1, a2, b1})

	require.Len(t, bal.Balances, 2)
	assert.Equal(t, 2, bal.ActiveStreams)

	assert.Equal(t, "0xT0KEN", bal.Balances[0].Token)
	assert.Equal(t, "70", bal.Balances[0].TotalEarned.String())
	assert.Equal(t, "0xOTHER", bal.Balances[1].Token)
	assert.Equal(t, "20", bal.Balances[1].TotalEarned.String())
}

func TestClaimableAt_IgnoresStaleStoredFigure(t *testing.T) {
	// GIVEN: A record whose stored claimable is stale
	// WHEN: Asking what is claimable now
	// THEN: The figure is recomputed from elapsed time, not read back

	r := activeRecord("str-1", "0.01", "100", 5000*time.Second, 50000*time.Second)
	r.Calc.ClaimableAmount = stream.MustParseAmount("1")

	assert.Equal(t, "50", stream.ClaimableAt(r, testNow).String())
}
