package sim

import (
	"github.com/warp/stream-engine/backend"
	"github.com/warp/stream-engine/stream"
)

// =============================================================================
// WIRE ENCODING - Domain records to the shapes clients expect
// =============================================================================

func toCalcDTO(c stream.Calculation) backend.CalculationDTO {
	return backend.CalculationDTO{
		StreamID:        c.StreamID,
		CurrentBalance:  c.CurrentBalance.String(),
		ClaimableAmount: c.ClaimableAmount.String(),
		TotalStreamed:   c.TotalStreamed.String(),
		WithdrawnAmount: c.WithdrawnAmount.String(),
		Progress:        c.Progress,
		IsActive:        c.IsActive,
		RatePerSecond:   c.RatePerSecond.String(),
		StartTime:       c.StartTime,
		EndTime:         c.EndTime,
		LastCalculated:  c.LastCalculated,
	}
}

func toPartyDTO(p stream.Party) backend.PartyDTO {
	return backend.PartyDTO{
		ID:            p.ID,
		WalletAddress: p.WalletAddress,
		Name:          p.Name,
		Email:         p.Email,
	}
}

func toStreamDTO(r *stream.StreamRecord) backend.StreamDTO {
	return backend.StreamDTO{
		ID:              r.ID,
		OnChainStreamID: r.OnChainRef,
		Payer:           toPartyDTO(r.Payer),
		Recipient:       toPartyDTO(r.Recipient),
		TokenAddress:    r.Token,
		TotalAmount:     r.Total.String(),
		Status:          string(r.Status),
		StartTime:       r.StartTime,
		EndTime:         r.EndTime,
		Calculation:     toCalcDTO(r.Calc),
		WithdrawalLimits: backend.WithdrawalLimitsDTO{
			MaxWithdrawalsPerDay: r.Limits.MaxPerDay,
			WithdrawalsUsedToday: r.Limits.UsedToday,
			RemainingWithdrawals: r.Limits.Remaining,
			CanWithdraw:          r.Limits.CanWithdraw,
			DayIndex:             r.Limits.DayIndex,
			NextWithdrawalTime:   r.Limits.NextWithdrawalTime,
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func toBalanceDTO(b stream.UserBalance) backend.BalanceDTO {
	out := backend.BalanceDTO{TotalActiveStreams: b.ActiveStreams}
	for _, tb := range b.Balances {
		out.Balances = append(out.Balances, backend.TokenBalanceDTO{
			TokenAddress:     tb.Token,
			TotalEarned:      tb.TotalEarned.String(),
			TotalWithdrawn:   tb.TotalWithdrawn.String(),
			AvailableBalance: tb.Available.String(),
		})
	}
	return out
}
