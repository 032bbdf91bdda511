package derive

import (
	"context"
	"time"

	"copytrade-signals/internal/database"
)

// Leverage estimation method labels.
const (
	LeverageMethodOwn     = "own_positions"
	LeverageMethodPeers   = "peer_positions"
	LeverageMethodDefault = "default"
)

// DefaultLeverage is the conservative fallback when no observations exist.
const DefaultLeverage = 10.0

// LeverageEstimate is the resolved leverage for a hidden trader, with the
// method that produced it and how much data backed it.
type LeverageEstimate struct {
	Value      float64 `json:"value"`
	Method     string  `json:"method"`
	Confidence string  `json:"confidence"`
	Samples    int     `json:"samples"`
}

// LeverageSource is the snapshot history the estimator reads.
type LeverageSource interface {
	ListLeadLeverages(ctx context.Context, leadID string, cutoff time.Time) ([]float64, error)
	ListPeerLeverages(ctx context.Context, excludeLeadID string, minQuality, maxQuality float64, cutoff time.Time) ([]float64, error)
	GetTraderScore(ctx context.Context, leadID string) (*database.TraderScore, error)
}

// LeverageEstimator resolves a usable leverage for traders whose live
// positions are hidden.
type LeverageEstimator struct {
	source LeverageSource
}

func NewLeverageEstimator(source LeverageSource) *LeverageEstimator {
	return &LeverageEstimator{source: source}
}

// Estimate walks the priority chain: the trader's own observed leverages
// over the last 7 days, then peers of similar quality (±10), then the
// conservative default. Always returns an estimate.
func (e *LeverageEstimator) Estimate(ctx context.Context, leadID string) (LeverageEstimate, error) {
	cutoff := time.Now().Add(-7 * 24 * time.Hour)

	own, err := e.source.ListLeadLeverages(ctx, leadID, cutoff)
	if err != nil {
		return LeverageEstimate{}, err
	}
	if len(own) > 0 {
		conf := ConfidenceLow
		if len(own) >= 20 {
			conf = ConfidenceHigh
		} else if len(own) >= 10 {
			conf = ConfidenceMedium
		}
		return LeverageEstimate{
			Value:      round4(mean(own)),
			Method:     LeverageMethodOwn,
			Confidence: conf,
			Samples:    len(own),
		}, nil
	}

	quality := 50.0
	if score, err := e.source.GetTraderScore(ctx, leadID); err == nil {
		quality = score.QualityScore
	}
	peers, err := e.source.ListPeerLeverages(ctx, leadID, quality-10, quality+10, cutoff)
	if err != nil {
		return LeverageEstimate{}, err
	}
	if len(peers) > 0 {
		conf := ConfidenceLow
		if len(peers) >= 50 {
			conf = ConfidenceMedium
		}
		return LeverageEstimate{
			Value:      round4(mean(peers)),
			Method:     LeverageMethodPeers,
			Confidence: conf,
			Samples:    len(peers),
		}, nil
	}

	return LeverageEstimate{
		Value:      DefaultLeverage,
		Method:     LeverageMethodDefault,
		Confidence: ConfidenceLow,
	}, nil
}

func mean(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
