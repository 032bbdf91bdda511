package simulation

import (
	"context"
	"fmt"
	"time"

	"copytrade-signals/internal/database"
)

// MonitorResult summarizes one protective-level sweep.
type MonitorResult struct {
	RanAt     time.Time                     `json:"ranAt"`
	Checked   int                           `json:"checked"`
	NoPrice   []string                      `json:"noReferencePrice,omitempty"`
	Triggered []*database.SimulatedPosition `json:"triggered"`
	Errors    []string                      `json:"errors,omitempty"`
}

// MonitorPositions sweeps every open position carrying a stop-loss,
// take-profit, or trailing stop and closes the ones whose level the
// current reference price has crossed. Positions whose symbol has no
// resolvable price are reported and left alone.
func (s *Service) MonitorPositions(ctx context.Context) (*MonitorResult, error) {
	open, err := s.store.ListSimulatedPositions(ctx, database.SimPositionFilter{
		Status: database.SimStatusOpen,
	})
	if err != nil {
		return nil, err
	}

	result := &MonitorResult{RanAt: time.Now().UTC()}
	priceCache := make(map[string]*float64)

	for _, pos := range open {
		if pos.StopLossPrice == nil && pos.TakeProfitPrice == nil && pos.TrailingStopPct == nil {
			continue
		}
		result.Checked++

		price, ok := priceCache[pos.Symbol]
		if !ok {
			price, err = ReferencePrice(ctx, s.store, pos.Symbol)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("price %s: %v", pos.Symbol, err))
				continue
			}
			priceCache[pos.Symbol] = price
		}
		if price == nil || *price <= 0 {
			result.NoPrice = append(result.NoPrice, pos.Symbol)
			continue
		}

		reason := s.evaluateLevels(ctx, pos, *price)
		if reason == "" {
			continue
		}
		closed, err := s.Close(ctx, pos.ID, *price, CloseOptions{Reason: reason})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("close %s: %v", pos.ID, err))
			continue
		}
		result.Triggered = append(result.Triggered, closed)
	}
	return result, nil
}

// evaluateLevels decides whether the price crossed a protective level.
// Trailing stops ratchet the high-water mark first, so a position that
// ran up and pulled back triggers off the peak, not the entry.
func (s *Service) evaluateLevels(ctx context.Context, pos *database.SimulatedPosition, price float64) string {
	long := pos.Direction == database.DirectionLong

	if pos.StopLossPrice != nil {
		if (long && price <= *pos.StopLossPrice) || (!long && price >= *pos.StopLossPrice) {
			return database.CloseReasonStopLoss
		}
	}
	if pos.TakeProfitPrice != nil {
		if (long && price >= *pos.TakeProfitPrice) || (!long && price <= *pos.TakeProfitPrice) {
			return database.CloseReasonTakeProfit
		}
	}
	if pos.TrailingStopPct != nil && *pos.TrailingStopPct > 0 {
		hw := pos.EffectiveEntryPrice
		if pos.HighWaterPrice != nil {
			hw = *pos.HighWaterPrice
		}
		// High-water is the best price seen: highest for longs, lowest
		// for shorts.
		improved := (long && price > hw) || (!long && price < hw)
		if improved {
			mark := Round4(price)
			pos.HighWaterPrice = &mark
			if err := s.store.UpdateSimulatedPositionRisk(ctx, pos); err != nil {
				s.logger.Warn().Str("id", pos.ID).Err(err).Msg("high-water update failed")
			}
			return ""
		}
		pct := *pos.TrailingStopPct / 100
		if long && price <= hw*(1-pct) {
			return database.CloseReasonTrailingStop
		}
		if !long && price >= hw*(1+pct) {
			return database.CloseReasonTrailingStop
		}
	}
	return ""
}
