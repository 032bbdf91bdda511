package simulation

import (
	"math"
	"testing"

	"copytrade-signals/internal/database"
)

func closeTo(got, want float64) bool {
	return math.Abs(got-want) < 1e-9
}

func TestEffectivePricesWorsenTheEntry(t *testing.T) {
	if got := EffectiveEntryPrice(100, database.DirectionLong, 10); !closeTo(got, 100.1) {
		t.Fatalf("long entry = %v, want 100.1", got)
	}
	if got := EffectiveEntryPrice(100, database.DirectionShort, 10); !closeTo(got, 99.9) {
		t.Fatalf("short entry = %v, want 99.9", got)
	}
	if got := EffectiveExitPrice(100, database.DirectionLong, 10); !closeTo(got, 99.9) {
		t.Fatalf("long exit = %v, want 99.9", got)
	}
	if got := EffectiveExitPrice(100, database.DirectionShort, 10); !closeTo(got, 100.1) {
		t.Fatalf("short exit = %v, want 100.1", got)
	}
}

func TestEffectivePriceZeroSlippageIsIdentity(t *testing.T) {
	if got := EffectiveEntryPrice(0.5, database.DirectionLong, 0); !closeTo(got, 0.5) {
		t.Fatalf("entry = %v, want 0.5", got)
	}
}

func TestCommission(t *testing.T) {
	if got := Commission(1000, 4); !closeTo(got, 0.4) {
		t.Fatalf("commission = %v, want 0.4", got)
	}
	if got := Commission(1000, 0); got != 0 {
		t.Fatalf("commission = %v, want 0", got)
	}
}

func TestPositionPnLLongTenPercentMove(t *testing.T) {
	pos := &database.SimulatedPosition{
		Direction:           database.DirectionLong,
		MarginNotional:      100,
		PositionNotional:    1000,
		EffectiveEntryPrice: 0.5,
	}
	pnl, roi := PositionPnL(pos, 0.55)
	if !closeTo(pnl, 100) {
		t.Fatalf("pnl = %v, want 100", pnl)
	}
	if !closeTo(roi, 100) {
		t.Fatalf("roi = %v, want 100", roi)
	}
}

func TestPositionPnLSubtractsBothLegsOfCommission(t *testing.T) {
	pos := &database.SimulatedPosition{
		Direction:           database.DirectionLong,
		MarginNotional:      100,
		PositionNotional:    1000,
		EffectiveEntryPrice: 0.5,
		CommissionBps:       4,
	}
	pnl, roi := PositionPnL(pos, 0.55)
	if !closeTo(pnl, 99.2) {
		t.Fatalf("pnl = %v, want 99.2", pnl)
	}
	if !closeTo(roi, 99.2) {
		t.Fatalf("roi = %v, want 99.2", roi)
	}
}

func TestPositionPnLShortProfitsFromDrop(t *testing.T) {
	pos := &database.SimulatedPosition{
		Direction:           database.DirectionShort,
		MarginNotional:      50,
		PositionNotional:    500,
		EffectiveEntryPrice: 200,
	}
	pnl, roi := PositionPnL(pos, 180)
	if !closeTo(pnl, 50) {
		t.Fatalf("pnl = %v, want 50", pnl)
	}
	if !closeTo(roi, 100) {
		t.Fatalf("roi = %v, want 100", roi)
	}
}

func TestPositionPnLZeroEntryGuard(t *testing.T) {
	pnl, roi := PositionPnL(&database.SimulatedPosition{Direction: database.DirectionLong}, 10)
	if pnl != 0 || roi != 0 {
		t.Fatalf("pnl, roi = %v, %v, want 0, 0", pnl, roi)
	}
}

func TestRound4(t *testing.T) {
	if got := Round4(1.23456); !closeTo(got, 1.2346) {
		t.Fatalf("Round4 = %v, want 1.2346", got)
	}
	if got := Round4(-2.33333); !closeTo(got, -2.3333) {
		t.Fatalf("Round4 = %v, want -2.3333", got)
	}
}
