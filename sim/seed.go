/*
seed.go - Demo data for the simulator

PURPOSE:
  Seeds a recognizable set of streams for one demo recipient: a fresh
  active stream, a long-running one close to completion, a paused one, and
  a finished one. Rates are chosen so balances visibly tick at the push
  interval.
*/
package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/stream-engine/stream"
)

// DemoWallet is the recipient all seeded streams pay into.
const DemoWallet = "0xDEM0000000000000000000000000000000000001"

const demoToken = "0x7OKEN00000000000000000000000000000000042"

type seedSpec struct {
	id       string
	ref      uint64
	payer    string
	total    string
	rate     string
	startAgo time.Duration
	duration time.Duration
	status   stream.Status
	used     int
}

// Seed replaces the database contents with the demo set.
func Seed(ctx context.Context, s *Store, now time.Time) error {
	if err := s.Reset(ctx); err != nil {
		return err
	}

	specs := []seedSpec{
		{
			id: "str-salary", ref: 1, payer: "Acme Corp",
			total: "7200", rate: "0.01",
			startAgo: 2 * time.Hour, duration: 200 * time.Hour,
			status: stream.StatusActive,
		},
		{
			id: "str-grant", ref: 2, payer: "Open Grants DAO",
			total: "500", rate: "0.005",
			startAgo: 26 * time.Hour, duration: 28 * time.Hour,
			status: stream.StatusActive,
		},
		{
			id: "str-consulting", ref: 3, payer: "Nimbus Labs",
			total: "1000", rate: "0.02",
			startAgo: 72 * time.Hour, duration: 10 * time.Hour,
			status: stream.StatusCompleted,
		},
		{
			id: "str-retainer", ref: 4, payer: "Vellum Studio",
			total: "300", rate: "0.001",
			startAgo: 5 * time.Hour, duration: 80 * time.Hour,
			status: stream.StatusPaused, used: 2,
		},
	}

	for i, spec := range specs {
		start := now.Add(-spec.startAgo).Unix()
		end := now.Add(-spec.startAgo).Add(spec.duration).Unix()
		ref := spec.ref

		r := &stream.StreamRecord{
			ID:         spec.id,
			OnChainRef: &ref,
			Payer: stream.Party{
				ID:            fmt.Sprintf("payer-%d", i+1),
				WalletAddress: fmt.Sprintf("0xPAYER%035d", i+1),
				Name:          spec.payer,
			},
			Recipient: stream.Party{
				ID:            "demo-user",
				WalletAddress: DemoWallet,
				Name:          "Demo User",
			},
			Token:     demoToken,
			Total:     stream.MustParseAmount(spec.total),
			Status:    spec.status,
			StartTime: start,
			EndTime:   &end,
			Limits: stream.WithdrawalLimits{
				MaxPerDay: 5,
				UsedToday: spec.used,
				DayIndex:  stream.DayIndexAt(now),
			},
			CreatedAt: start,
			UpdatedAt: now.Unix(),
		}
		r.Calc.RatePerSecond = stream.MustParseAmount(spec.rate)

		if err := s.SaveStream(ctx, r); err != nil {
			return fmt.Errorf("seed %s: %w", spec.id, err)
		}
	}
	return nil
}
