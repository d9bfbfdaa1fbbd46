/*
types.go - Wire types for the backend REST API

PURPOSE:
  Defines the JSON shapes exchanged with the backend and the single
  normalization step that turns them into domain records. Nothing outside
  this package touches raw backend JSON: handlers of arbitrary envelope
  shapes and string-encoded decimals stop here.

NAMING CONVENTION:
  - *DTO: Response types as the backend sends them
  - *Request: Request body types

SEE ALSO:
  - client.go: Uses these types
  - stream/types.go: The domain model these normalize into
*/
package backend

import (
	"fmt"

	"github.com/warp/stream-engine/stream"
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// PartyDTO is one side of a stream.
type PartyDTO struct {
	ID            string `json:"id"`
	WalletAddress string `json:"walletAddress"`
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
}

// CalculationDTO is the nested accrual state. Push frames reuse this type.
type CalculationDTO struct {
	StreamID        string  `json:"streamId"`
	CurrentBalance  string  `json:"currentBalance"`
	ClaimableAmount string  `json:"claimableAmount"`
	TotalStreamed   string  `json:"totalStreamed"`
	WithdrawnAmount string  `json:"withdrawnAmount"`
	Progress        float64 `json:"progress"`
	IsActive        bool    `json:"isActive"`
	RatePerSecond   string  `json:"ratePerSecond"`
	StartTime       int64   `json:"startTime"`
	EndTime         *int64  `json:"endTime"`
	LastCalculated  int64   `json:"lastCalculated"`
}

// WithdrawalLimitsDTO is the backend's daily quota bookkeeping.
type WithdrawalLimitsDTO struct {
	MaxWithdrawalsPerDay int    `json:"maxWithdrawalsPerDay"`
	WithdrawalsUsedToday int    `json:"withdrawalsUsedToday"`
	RemainingWithdrawals int    `json:"remainingWithdrawals"`
	CanWithdraw          bool   `json:"canWithdraw"`
	DayIndex             int64  `json:"dayIndex"`
	NextWithdrawalTime   *int64 `json:"nextWithdrawalTime"`
}

// StreamDTO is one stream in API responses.
type StreamDTO struct {
	ID               string              `json:"id"`
	OnChainStreamID  *uint64             `json:"onChainStreamId,omitempty"`
	Payer            PartyDTO            `json:"payer"`
	Recipient        PartyDTO            `json:"recipient"`
	TokenAddress     string              `json:"tokenAddress"`
	TotalAmount      string              `json:"totalAmount"`
	Status           string              `json:"status"`
	StartTime        int64               `json:"startTime"`
	EndTime          *int64              `json:"endTime"`
	Calculation      CalculationDTO      `json:"calculation"`
	WithdrawalLimits WithdrawalLimitsDTO `json:"withdrawalLimits"`
	CreatedAt        int64               `json:"createdAt"`
	UpdatedAt        int64               `json:"updatedAt"`
}

// StreamListDTO is the paginated stream listing.
type StreamListDTO struct {
	Streams []StreamDTO `json:"streams"`
	Total   int         `json:"total"`
	Page    int         `json:"page"`
	Limit   int         `json:"limit"`
}

// TokenBalanceDTO is one settlement token's aggregate.
type TokenBalanceDTO struct {
	TokenAddress     string `json:"tokenAddress"`
	TotalEarned      string `json:"totalEarned"`
	TotalWithdrawn   string `json:"totalWithdrawn"`
	AvailableBalance string `json:"availableBalance"`
}

// BalanceDTO is the aggregate balance response.
type BalanceDTO struct {
	Balances           []TokenBalanceDTO `json:"balances"`
	TotalActiveStreams int               `json:"totalActiveStreams"`
}

// WithdrawRequest asks the backend to execute a withdrawal.
type WithdrawRequest struct {
	StreamID       string `json:"streamId"`
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// WithdrawResultDTO is the settlement result.
type WithdrawResultDTO struct {
	TransactionID string `json:"transactionId"`
	TxHash        string `json:"txHash,omitempty"`
	Status        string `json:"status"`
}

// RefreshRequest exchanges a refresh token for fresh credentials.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// RefreshResponse carries fresh credentials.
type RefreshResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// =============================================================================
// NORMALIZATION - Wire types to domain records
// =============================================================================

// ToCalculation converts a wire calculation. Amounts parse strictly; a
// malformed frame is rejected rather than half-applied.
func (d CalculationDTO) ToCalculation() (stream.Calculation, error) {
	var c stream.Calculation
	var err error

	if c.CurrentBalance, err = parseAmount(d.CurrentBalance, "currentBalance"); err != nil {
		return c, err
	}
	if c.ClaimableAmount, err = parseAmount(d.ClaimableAmount, "claimableAmount"); err != nil {
		return c, err
	}
	if c.TotalStreamed, err = parseAmount(d.TotalStreamed, "totalStreamed"); err != nil {
		return c, err
	}
	if c.WithdrawnAmount, err = parseAmount(d.WithdrawnAmount, "withdrawnAmount"); err != nil {
		return c, err
	}
	if c.RatePerSecond, err = parseAmount(d.RatePerSecond, "ratePerSecond"); err != nil {
		return c, err
	}

	c.StreamID = d.StreamID
	c.Progress = d.Progress
	c.IsActive = d.IsActive
	c.StartTime = d.StartTime
	c.EndTime = d.EndTime
	c.LastCalculated = d.LastCalculated
	return c, nil
}

// ToRecord converts a wire stream into a domain record.
func (d StreamDTO) ToRecord() (*stream.StreamRecord, error) {
	total, err := parseAmount(d.TotalAmount, "totalAmount")
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", d.ID, err)
	}
	calc, err := d.Calculation.ToCalculation()
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", d.ID, err)
	}

	r := &stream.StreamRecord{
		ID:         d.ID,
		OnChainRef: d.OnChainStreamID,
		Payer:      toParty(d.Payer),
		Recipient:  toParty(d.Recipient),
		Token:      d.TokenAddress,
		Total:      total,
		Status:     stream.Status(d.Status),
		StartTime:  d.StartTime,
		EndTime:    d.EndTime,
		Calc:       stream.Normalize(calc, total),
		Limits: stream.WithdrawalLimits{
			MaxPerDay:          d.WithdrawalLimits.MaxWithdrawalsPerDay,
			UsedToday:          d.WithdrawalLimits.WithdrawalsUsedToday,
			Remaining:          d.WithdrawalLimits.RemainingWithdrawals,
			CanWithdraw:        d.WithdrawalLimits.CanWithdraw,
			DayIndex:           d.WithdrawalLimits.DayIndex,
			NextWithdrawalTime: d.WithdrawalLimits.NextWithdrawalTime,
		},
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	return r, nil
}

// ToBalance converts the aggregate response.
func (d BalanceDTO) ToBalance() (stream.UserBalance, error) {
	out := stream.UserBalance{ActiveStreams: d.TotalActiveStreams}
	for _, b := range d.Balances {
		earned, err := parseAmount(b.TotalEarned, "totalEarned")
		if err != nil {
			return out, err
		}
		withdrawn, err := parseAmount(b.TotalWithdrawn, "totalWithdrawn")
		if err != nil {
			return out, err
		}
		available, err := parseAmount(b.AvailableBalance, "availableBalance")
		if err != nil {
			return out, err
		}
		out.Balances = append(out.Balances, stream.TokenBalance{
			Token:          b.TokenAddress,
			TotalEarned:    earned,
			TotalWithdrawn: withdrawn,
			Available:      available,
		})
	}
	return out, nil
}

func toParty(p PartyDTO) stream.Party {
	return stream.Party{
		ID:            p.ID,
		WalletAddress: p.WalletAddress,
		Name:          p.Name,
		Email:         p.Email,
	}
}

func parseAmount(s, field string) (stream.Amount, error) {
	if s == "" {
		return stream.ZeroAmount(), nil
	}
	a, err := stream.ParseAmount(s)
	if err != nil {
		return a, fmt.Errorf("parse %s %q: %w", field, s, err)
	}
	return a, nil
}
