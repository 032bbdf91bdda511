package consensus

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"copytrade-signals/internal/database"
)

// Momentum labels for a symbol's open-event flow.
const (
	MomentumForming   = "forming"
	MomentumWeakening = "weakening"
	MomentumStable    = "stable"
)

// HeatmapCell is one symbol row of the heatmap.
type HeatmapCell struct {
	Consensus
	AvgLeverage   float64  `json:"avgLeverage"`
	TotalNotional float64  `json:"totalNotional"`
	Momentum      string   `json:"momentum"`
	SizingFrac    float64  `json:"recommendedSizingFraction"`
	PriceSpread   *float64 `json:"entryPriceSpread,omitempty"`
}

// SymbolDetail is the full per-symbol view: the consensus plus every
// contributing position with its derived fields.
type SymbolDetail struct {
	Consensus
	Momentum    string           `json:"momentum"`
	SizingFrac  float64          `json:"recommendedSizingFraction"`
	PriceSpread *float64         `json:"entryPriceSpread,omitempty"`
	Positions   []DetailPosition `json:"positions"`
}

// DetailPosition is one trader's position enriched for display.
type DetailPosition struct {
	Contribution
	Roe                 float64 `json:"roe"`
	PnLPercent          float64 `json:"pnlPercent"`
	HoldDurationSeconds *int64  `json:"holdDurationSeconds,omitempty"`
}

// Heatmap aggregates every observed symbol into cells, filtered and
// sorted by confidence desc with trader count as tiebreak.
func (s *Service) Heatmap(ctx context.Context, f Filters) ([]HeatmapCell, error) {
	now := time.Now()
	contribs, err := s.gather(ctx, f, now)
	if err != nil {
		return nil, err
	}

	symbols := make(map[string]bool)
	for _, c := range contribs {
		symbols[c.Symbol] = true
	}

	momentum, err := s.momentumBySymbol(ctx, now)
	if err != nil {
		return nil, err
	}

	side := NormalizeSide(f.Side)
	cells := make([]HeatmapCell, 0, len(symbols))
	for symbol := range symbols {
		cons := Compute(symbol, stancesFor(contribs, symbol))
		if cons.TotalTraders < f.MinTraders {
			continue
		}
		if side != "" && cons.Direction != side {
			continue
		}
		cell := HeatmapCell{
			Consensus:  cons,
			Momentum:   momentumLabel(momentum[symbol]),
			SizingFrac: SizingFraction(cons.ConfidenceScore),
		}
		var levSum, levCount float64
		var entries []float64
		for _, c := range contribs {
			if c.Symbol != symbol {
				continue
			}
			cell.TotalNotional += math.Abs(c.Notional)
			if c.Leverage > 0 {
				levSum += c.Leverage
				levCount++
			}
			if c.EntryPrice > 0 {
				entries = append(entries, c.EntryPrice)
			}
		}
		if levCount > 0 {
			cell.AvgLeverage = levSum / levCount
		}
		if cv := coefficientOfVariation(entries); cv != nil {
			cell.PriceSpread = cv
		}
		cells = append(cells, cell)
	}

	sort.Slice(cells, func(i, j int) bool {
		if cells[i].ConfidenceScore != cells[j].ConfidenceScore {
			return cells[i].ConfidenceScore > cells[j].ConfidenceScore
		}
		return cells[i].TotalTraders > cells[j].TotalTraders
	})
	return cells, nil
}

// Symbol returns the detailed view for one symbol under the same filters
// as the heatmap, so both report identical consensus numbers.
func (s *Service) Symbol(ctx context.Context, symbol string, f Filters) (*SymbolDetail, error) {
	now := time.Now()
	contribs, err := s.gather(ctx, f, now)
	if err != nil {
		return nil, err
	}

	var mine []Contribution
	var entries []float64
	for _, c := range contribs {
		if c.Symbol != symbol {
			continue
		}
		mine = append(mine, c)
		if c.EntryPrice > 0 {
			entries = append(entries, c.EntryPrice)
		}
	}

	cons := Compute(symbol, stancesFor(mine, symbol))
	detail := &SymbolDetail{
		Consensus:  cons,
		SizingFrac: SizingFraction(cons.ConfidenceScore),
		Positions:  make([]DetailPosition, 0, len(mine)),
	}
	if cv := coefficientOfVariation(entries); cv != nil {
		detail.PriceSpread = cv
	}

	momentum, err := s.momentumBySymbol(ctx, now)
	if err != nil {
		return nil, err
	}
	detail.Momentum = momentumLabel(momentum[symbol])

	for _, c := range mine {
		dp := DetailPosition{
			Contribution: c,
			Roe:          roe(c),
			PnLPercent:   pnlPercent(c),
		}
		if c.OpenTime != nil {
			secs := int64(now.Sub(*c.OpenTime).Seconds())
			dp.HoldDurationSeconds = &secs
		}
		detail.Positions = append(detail.Positions, dp)
	}
	sort.Slice(detail.Positions, func(i, j int) bool {
		return detail.Positions[i].Weight > detail.Positions[j].Weight
	})
	return detail, nil
}

// openCounts holds open-event counts for the momentum windows.
type openCounts struct {
	lastHour int
	prior    int // 1h to 4h ago
}

// momentumBySymbol counts open events per symbol over the last four hours.
func (s *Service) momentumBySymbol(ctx context.Context, now time.Time) (map[string]openCounts, error) {
	events, err := s.store.ListEvents(ctx, database.EventFilter{Cutoff: now.Add(-4 * time.Hour)})
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	out := make(map[string]openCounts)
	hourAgo := now.Add(-time.Hour)
	for _, e := range events {
		if !e.IsOpen() {
			continue
		}
		at := e.FetchedAt
		if e.EventTime != nil {
			at = *e.EventTime
		}
		c := out[e.Symbol]
		if at.After(hourAgo) {
			c.lastHour++
		} else {
			c.prior++
		}
		out[e.Symbol] = c
	}
	return out, nil
}

// momentumLabel classifies the open flow: forming when the last hour runs
// at least 1.5x the prior window, weakening at or below 0.5x.
func momentumLabel(c openCounts) string {
	if c.lastHour == 0 && c.prior == 0 {
		return MomentumStable
	}
	last := float64(c.lastHour)
	prior := float64(c.prior)
	switch {
	case last >= 1.5*prior:
		return MomentumForming
	case last <= 0.5*prior:
		return MomentumWeakening
	default:
		return MomentumStable
	}
}

// SizingFraction maps a confidence score onto the recommended fraction of
// the portfolio to commit.
func SizingFraction(confidence float64) float64 {
	switch {
	case confidence >= 85:
		return 0.03
	case confidence >= 75:
		return 0.02
	case confidence >= 65:
		return 0.01
	case confidence >= 55:
		return 0.005
	default:
		return 0
	}
}

// roe is the return on the position's own margin, in percent. Zero-margin
// inputs yield 0 rather than NaN.
func roe(c Contribution) float64 {
	if c.Leverage <= 0 || c.Notional == 0 {
		return 0
	}
	margin := math.Abs(c.Notional) / c.Leverage
	if margin == 0 {
		return 0
	}
	return c.UnrealizedPnL / margin * 100
}

// pnlPercent is the unrealized PnL against the entry cost, in percent.
func pnlPercent(c Contribution) float64 {
	cost := math.Abs(c.Amount) * c.EntryPrice
	if cost == 0 {
		return 0
	}
	return c.UnrealizedPnL / cost * 100
}

// coefficientOfVariation measures entry-price dispersion across traders.
// Needs at least two samples; nil otherwise.
func coefficientOfVariation(vals []float64) *float64 {
	if len(vals) < 2 {
		return nil
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	m := sum / float64(len(vals))
	if m == 0 {
		return nil
	}
	var variance float64
	for _, v := range vals {
		variance += (v - m) * (v - m)
	}
	variance /= float64(len(vals))
	cv := math.Sqrt(variance) / m
	return &cv
}

// FormatPrice renders a price with precision scaled to its magnitude:
// sub-cent values keep 6 decimals, small values 4, larger values 2.
func FormatPrice(p float64) string {
	abs := math.Abs(p)
	switch {
	case abs < 0.01:
		return fmt.Sprintf("%.6f", p)
	case abs < 1000:
		return fmt.Sprintf("%.4f", p)
	default:
		return fmt.Sprintf("%.2f", p)
	}
}
