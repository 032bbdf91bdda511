package simulation

import (
	"context"
	"fmt"
	"math"

	"copytrade-signals/internal/database"
)

// Risk model labels for position sizing.
const (
	RiskModelFixed     = "FIXED"
	RiskModelRiskBased = "RISK_BASED"
	RiskModelKelly     = "KELLY"
)

// kellyCap bounds the Kelly fraction after scaling; even a strong edge
// never commits more than a quarter of the balance.
const kellyCap = 0.25

// SizeRequest parameterizes a sizing calculation.
type SizeRequest struct {
	PortfolioID    string  `json:"portfolioId"`
	RiskModel      string  `json:"riskModel"`
	MarginNotional float64 `json:"marginNotional,omitempty"` // FIXED only
	Leverage       float64 `json:"leverage"`
	StopLossPct    float64 `json:"stopLossPct,omitempty"`
}

// SizeRecommendation is the computed position size with its inputs laid
// out for the caller.
type SizeRecommendation struct {
	RiskModel        string  `json:"riskModel"`
	MarginNotional   float64 `json:"marginNotional"`
	PositionNotional float64 `json:"positionNotional"`
	RiskAmount       float64 `json:"riskAmount"`
	KellyFraction    float64 `json:"kellyFraction,omitempty"`
	WinRate          float64 `json:"winRate,omitempty"`
	SampleSize       int     `json:"sampleSize,omitempty"`
}

// CalculateSize sizes a prospective position under the portfolio's risk
// model. Kelly refuses outright when the trade history is below the
// portfolio's minimum sample size.
func (s *Service) CalculateSize(ctx context.Context, req SizeRequest) (*SizeRecommendation, error) {
	portfolio, err := s.store.GetPortfolio(ctx, req.PortfolioID)
	if err != nil {
		return nil, err
	}
	leverage := math.Max(req.Leverage, 1)

	switch req.RiskModel {
	case RiskModelFixed, "":
		if req.MarginNotional <= 0 {
			return nil, fmt.Errorf("%w: FIXED sizing needs a positive marginNotional", ErrValidation)
		}
		margin := Round4(req.MarginNotional)
		return &SizeRecommendation{
			RiskModel:        RiskModelFixed,
			MarginNotional:   margin,
			PositionNotional: Round4(margin * leverage),
			RiskAmount:       Round4(margin * leverage * req.StopLossPct),
		}, nil

	case RiskModelRiskBased:
		if req.StopLossPct <= 0 {
			return nil, fmt.Errorf("%w: RISK_BASED sizing needs a positive stopLossPct", ErrValidation)
		}
		riskAmount := portfolio.CurrentBalance * portfolio.MaxRiskPerTrade
		notional := riskAmount / req.StopLossPct
		return &SizeRecommendation{
			RiskModel:        RiskModelRiskBased,
			MarginNotional:   Round4(notional / leverage),
			PositionNotional: Round4(notional),
			RiskAmount:       Round4(riskAmount),
		}, nil

	case RiskModelKelly:
		return s.kellySize(ctx, portfolio, leverage)

	default:
		return nil, fmt.Errorf("%w: unknown risk model %q", ErrValidation, req.RiskModel)
	}
}

// kellySize derives the Kelly-optimal fraction from the portfolio's own
// closed-trade history, scaled down by the portfolio's Kelly fraction.
func (s *Service) kellySize(ctx context.Context, portfolio *database.Portfolio, leverage float64) (*SizeRecommendation, error) {
	closed, err := s.store.ListSimulatedPositions(ctx, database.SimPositionFilter{
		Status:      database.SimStatusClosed,
		PortfolioID: portfolio.ID,
	})
	if err != nil {
		return nil, err
	}

	var wins, losses int
	var winSum, lossSum float64
	for _, p := range closed {
		if p.PnLUSDT == nil {
			continue
		}
		switch {
		case *p.PnLUSDT > 0:
			wins++
			winSum += *p.PnLUSDT
		case *p.PnLUSDT < 0:
			losses++
			lossSum += -*p.PnLUSDT
		}
	}
	sample := wins + losses
	if sample < portfolio.MinSampleSize {
		return nil, fmt.Errorf("%w: KELLY needs %d closed trades, have %d",
			ErrInsufficientData, portfolio.MinSampleSize, sample)
	}
	if losses == 0 || lossSum == 0 {
		return nil, fmt.Errorf("%w: KELLY needs at least one losing trade to estimate odds", ErrInsufficientData)
	}

	p := float64(wins) / float64(sample)
	kelly := 0.0
	if wins > 0 {
		q := 1 - p
		b := (winSum / float64(wins)) / (lossSum / float64(losses))
		kelly = (b*p - q) / b
		if kelly < 0 {
			kelly = 0
		}
	}
	fraction := math.Min(kelly*portfolio.KellyFraction, kellyCap)

	margin := Round4(portfolio.CurrentBalance * fraction)
	return &SizeRecommendation{
		RiskModel:        RiskModelKelly,
		MarginNotional:   margin,
		PositionNotional: Round4(margin * leverage),
		RiskAmount:       margin,
		KellyFraction:    Round4(fraction),
		WinRate:          Round4(p),
		SampleSize:       sample,
	}, nil
}
