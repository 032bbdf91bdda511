package simulation

import (
	"context"
	"fmt"

	"copytrade-signals/internal/database"
)

// ManagedOpenRequest opens a position sized by the portfolio's risk model
// instead of a caller-supplied margin. Protective levels are given as
// fractions of the entry price.
type ManagedOpenRequest struct {
	Symbol          string   `json:"symbol"`
	Direction       string   `json:"direction"`
	PortfolioID     string   `json:"portfolioId"`
	RiskModel       string   `json:"riskModel,omitempty"`
	Leverage        float64  `json:"leverage"`
	EntryPrice      float64  `json:"entryPrice,omitempty"`
	MarginNotional  float64  `json:"marginNotional,omitempty"` // FIXED only
	StopLossPct     float64  `json:"stopLossPct,omitempty"`
	TakeProfitPct   float64  `json:"takeProfitPct,omitempty"`
	TrailingStopPct *float64 `json:"trailingStopPct,omitempty"`
	SlippageBps     *float64 `json:"slippageBps,omitempty"`
	CommissionBps   *float64 `json:"commissionBps,omitempty"`
}

// ManagedOpenResult pairs the opened position with the sizing that drove it.
type ManagedOpenResult struct {
	Position *database.SimulatedPosition `json:"position"`
	Sizing   *SizeRecommendation         `json:"sizing"`
}

// OpenManaged sizes a position under the portfolio's risk model, opens it,
// and derives the stop-loss and take-profit prices from the effective
// entry. Sizing failures reject the open before anything is written.
func (s *Service) OpenManaged(ctx context.Context, req ManagedOpenRequest) (*ManagedOpenResult, error) {
	if req.PortfolioID == "" {
		return nil, fmt.Errorf("%w: portfolioId is required for risk-managed opens", ErrValidation)
	}
	if req.StopLossPct < 0 || req.StopLossPct >= 1 {
		return nil, fmt.Errorf("%w: stopLossPct must be a fraction in [0,1)", ErrValidation)
	}
	if req.TakeProfitPct < 0 {
		return nil, fmt.Errorf("%w: takeProfitPct must be non-negative", ErrValidation)
	}

	sizing, err := s.CalculateSize(ctx, SizeRequest{
		PortfolioID:    req.PortfolioID,
		RiskModel:      req.RiskModel,
		MarginNotional: req.MarginNotional,
		Leverage:       req.Leverage,
		StopLossPct:    req.StopLossPct,
	})
	if err != nil {
		return nil, err
	}

	pos, err := s.Open(ctx, OpenRequest{
		Symbol:          req.Symbol,
		Direction:       req.Direction,
		Leverage:        req.Leverage,
		MarginNotional:  sizing.MarginNotional,
		EntryPrice:      req.EntryPrice,
		TrailingStopPct: req.TrailingStopPct,
		SlippageBps:     req.SlippageBps,
		CommissionBps:   req.CommissionBps,
		PortfolioID:     req.PortfolioID,
	})
	if err != nil {
		return nil, err
	}

	stopLoss, takeProfit := protectiveLevels(pos, req.StopLossPct, req.TakeProfitPct)
	if stopLoss != nil || takeProfit != nil {
		pos, err = s.UpdateRisk(ctx, pos.ID, stopLoss, takeProfit, req.TrailingStopPct)
		if err != nil {
			return nil, fmt.Errorf("set protective levels: %w", err)
		}
	}
	return &ManagedOpenResult{Position: pos, Sizing: sizing}, nil
}

// protectiveLevels converts fractional distances into absolute prices
// around the effective entry, mirrored for shorts.
func protectiveLevels(pos *database.SimulatedPosition, slPct, tpPct float64) (*float64, *float64) {
	entry := pos.EffectiveEntryPrice
	var stopLoss, takeProfit *float64
	if slPct > 0 {
		v := entry * (1 - slPct)
		if pos.Direction == database.DirectionShort {
			v = entry * (1 + slPct)
		}
		v = Round4(v)
		stopLoss = &v
	}
	if tpPct > 0 {
		v := entry * (1 + tpPct)
		if pos.Direction == database.DirectionShort {
			v = entry * (1 - tpPct)
		}
		v = Round4(v)
		takeProfit = &v
	}
	return stopLoss, takeProfit
}
