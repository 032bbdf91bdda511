package derive

import (
	"math"
	"sort"
	"time"

	"copytrade-signals/internal/binance"
)

// Trader confidence labels, driven by recent closed-trade volume.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Metrics is the deterministic per-trader record computed from one scrape.
type Metrics struct {
	ClosedTrades     int
	Wins             int
	Losses           int
	Breakeven        int
	WinRate          *float64
	MaxConsecWins    int
	MaxConsecLosses  int
	ClosedTrades7d   int
	Sharpe           float64
	Score30d         *float64
	PositionsVisible bool
	AvgLeverage      *float64
	QualityScore     float64
	Confidence       string
}

// isClosing reports whether an order reduces an existing position.
func isClosing(o binance.OrderRecord) bool {
	return (o.Side == "SELL" && o.PositionSide == "LONG") ||
		(o.Side == "BUY" && o.PositionSide == "SHORT")
}

// ComputeMetrics derives the full metrics record from a scraped lead
// record. Every field is a pure function of the input.
func ComputeMetrics(rec *binance.LeadRecord) Metrics {
	m := Metrics{Confidence: ConfidenceLow}

	var closing []binance.OrderRecord
	if rec.OrderHistory != nil {
		for _, o := range rec.OrderHistory.AllOrders {
			if isClosing(o) {
				closing = append(closing, o)
			}
		}
	}
	sort.SliceStable(closing, func(i, j int) bool {
		return closing[i].OrderTime < closing[j].OrderTime
	})

	m.ClosedTrades = len(closing)
	weekAgo := rec.FetchedAt.Add(-7 * 24 * time.Hour)
	consecWins, consecLosses := 0, 0
	for _, o := range closing {
		switch {
		case o.TotalPnL == nil || *o.TotalPnL == 0:
			m.Breakeven++
		case *o.TotalPnL > 0:
			m.Wins++
			consecWins++
			consecLosses = 0
		default:
			m.Losses++
			consecLosses++
			consecWins = 0
		}
		if consecWins > m.MaxConsecWins {
			m.MaxConsecWins = consecWins
		}
		if consecLosses > m.MaxConsecLosses {
			m.MaxConsecLosses = consecLosses
		}
		if o.OrderTime > 0 && !time.UnixMilli(o.OrderTime).Before(weekAgo) {
			m.ClosedTrades7d++
		}
	}

	if decided := m.Wins + m.Losses; decided > 0 {
		wr := float64(m.Wins) / float64(decided)
		m.WinRate = &wr
	}

	m.Sharpe = roiSharpe(rec.RoiSeries)
	if n := len(rec.RoiSeries); n > 0 {
		last := rec.RoiSeries[n-1].Value
		m.Score30d = &last
	}

	var levSum float64
	var levCount int
	for _, p := range rec.ActivePositions {
		if p.Symbol == "" {
			continue
		}
		m.PositionsVisible = true
		levSum += p.Leverage
		levCount++
	}
	if levCount > 0 {
		avg := levSum / float64(levCount)
		m.AvgLeverage = &avg
	}

	m.QualityScore = qualityScore(m, rec.RoiSeries)

	switch {
	case m.ClosedTrades7d >= 20:
		m.Confidence = ConfidenceHigh
	case m.ClosedTrades7d >= 10:
		m.Confidence = ConfidenceMedium
	}

	return m
}

// qualityScore folds the metric components into a 0..100 score around a
// baseline of 50.
func qualityScore(m Metrics, roi []binance.RoiPoint) float64 {
	score := 50.0
	if m.WinRate != nil {
		score += math.Round(*m.WinRate * 20)
	}
	score += math.Round(math.Min(m.Sharpe, 3) * 5)
	if len(roi) > 0 {
		contrib := (roi[len(roi)-1].Value - roi[0].Value) / 2
		score += clamp(contrib, -15, 15)
	}
	if m.PositionsVisible && m.AvgLeverage != nil {
		switch lev := *m.AvgLeverage; {
		case lev > 50:
			score -= 10
		case lev > 30:
			score -= 5
		case lev < 20:
			score += 5
		}
	}
	score -= 5 * math.Min(float64(m.MaxConsecLosses), 3)
	return clamp(score, 0, 100)
}

// roiSharpe computes a Sharpe-style ratio over the successive differences
// of the ROI chart. Zero when the series is too short or flat.
func roiSharpe(series []binance.RoiPoint) float64 {
	if len(series) < 2 {
		return 0
	}
	diffs := make([]float64, 0, len(series)-1)
	var sum float64
	for i := 1; i < len(series); i++ {
		d := series[i].Value - series[i-1].Value
		diffs = append(diffs, d)
		sum += d
	}
	mean := sum / float64(len(diffs))
	var variance float64
	for _, d := range diffs {
		variance += (d - mean) * (d - mean)
	}
	variance /= float64(len(diffs))
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return mean / std
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
