package simulation

import (
	"math"

	"copytrade-signals/internal/database"
)

// Round4 rounds a monetary value to four decimals; every stored price and
// PnL figure goes through this.
func Round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// EffectiveEntryPrice applies slippage against the trade: a long pays up,
// a short sells down.
func EffectiveEntryPrice(base float64, direction string, slippageBps float64) float64 {
	adj := slippageBps / 10000
	if direction == database.DirectionLong {
		return Round4(base * (1 + adj))
	}
	return Round4(base * (1 - adj))
}

// EffectiveExitPrice applies slippage the opposite way on the way out.
func EffectiveExitPrice(base float64, direction string, slippageBps float64) float64 {
	adj := slippageBps / 10000
	if direction == database.DirectionLong {
		return Round4(base * (1 - adj))
	}
	return Round4(base * (1 + adj))
}

// Commission is one leg's fee on the full position notional.
func Commission(positionNotional, commissionBps float64) float64 {
	return Round4(positionNotional * commissionBps / 10000)
}

// PositionPnL computes the net PnL of a closed position: the notional
// move between effective prices minus commission on both legs.
func PositionPnL(p *database.SimulatedPosition, effectiveExit float64) (pnl, roiPct float64) {
	if p.EffectiveEntryPrice <= 0 {
		return 0, 0
	}
	var move float64
	if p.Direction == database.DirectionLong {
		move = (effectiveExit - p.EffectiveEntryPrice) / p.EffectiveEntryPrice
	} else {
		move = (p.EffectiveEntryPrice - effectiveExit) / p.EffectiveEntryPrice
	}
	gross := p.PositionNotional * move
	fees := 2 * Commission(p.PositionNotional, p.CommissionBps)
	pnl = Round4(gross - fees)
	if p.MarginNotional > 0 {
		roiPct = Round4(pnl / p.MarginNotional * 100)
	}
	return pnl, roiPct
}
