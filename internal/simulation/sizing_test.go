package simulation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"copytrade-signals/internal/database"
)

func seedKellyHistory(store *fakeStore, portfolioID string, wins, losses int, winPnL, lossPnL float64) {
	for i := 0; i < wins+losses; i++ {
		pnl := winPnL
		if i >= wins {
			pnl = -lossPnL
		}
		p := pnl
		id := portfolioID
		store.positions[fmt.Sprintf("%s-closed-%d", portfolioID, i)] = &database.SimulatedPosition{
			ID:          fmt.Sprintf("%s-closed-%d", portfolioID, i),
			Symbol:      "BTCUSDT",
			Direction:   database.DirectionLong,
			Status:      database.SimStatusClosed,
			OpenedAt:    time.Now().Add(-time.Duration(i+1) * time.Hour),
			PnLUSDT:     &p,
			PortfolioID: &id,
		}
	}
}

func TestCalculateSizeFixed(t *testing.T) {
	store := newFakeStore()
	store.portfolios["p1"] = &database.Portfolio{ID: "p1", CurrentBalance: 1000}
	svc := newTestService(store)

	rec, err := svc.CalculateSize(context.Background(), SizeRequest{
		PortfolioID:    "p1",
		RiskModel:      RiskModelFixed,
		MarginNotional: 100,
		Leverage:       10,
		StopLossPct:    0.02,
	})
	if err != nil {
		t.Fatalf("CalculateSize: %v", err)
	}
	if rec.MarginNotional != 100 || rec.PositionNotional != 1000 {
		t.Fatalf("margin/notional = %v/%v, want 100/1000", rec.MarginNotional, rec.PositionNotional)
	}
	if !closeTo(rec.RiskAmount, 20) {
		t.Fatalf("riskAmount = %v, want 20", rec.RiskAmount)
	}
}

func TestCalculateSizeFixedNeedsMargin(t *testing.T) {
	store := newFakeStore()
	store.portfolios["p1"] = &database.Portfolio{ID: "p1"}
	svc := newTestService(store)

	_, err := svc.CalculateSize(context.Background(), SizeRequest{
		PortfolioID: "p1", RiskModel: RiskModelFixed, Leverage: 10,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestCalculateSizeRiskBased(t *testing.T) {
	store := newFakeStore()
	store.portfolios["p1"] = &database.Portfolio{
		ID: "p1", CurrentBalance: 10000, MaxRiskPerTrade: 0.02,
	}
	svc := newTestService(store)

	rec, err := svc.CalculateSize(context.Background(), SizeRequest{
		PortfolioID: "p1",
		RiskModel:   RiskModelRiskBased,
		Leverage:    10,
		StopLossPct: 0.05,
	})
	if err != nil {
		t.Fatalf("CalculateSize: %v", err)
	}
	// risk 200 at a 5% stop implies 4000 notional, 400 margin at 10x
	if !closeTo(rec.RiskAmount, 200) {
		t.Fatalf("riskAmount = %v, want 200", rec.RiskAmount)
	}
	if !closeTo(rec.PositionNotional, 4000) || !closeTo(rec.MarginNotional, 400) {
		t.Fatalf("notional/margin = %v/%v, want 4000/400", rec.PositionNotional, rec.MarginNotional)
	}
}

func TestCalculateSizeRiskBasedNeedsStop(t *testing.T) {
	store := newFakeStore()
	store.portfolios["p1"] = &database.Portfolio{ID: "p1", CurrentBalance: 1000}
	svc := newTestService(store)

	_, err := svc.CalculateSize(context.Background(), SizeRequest{
		PortfolioID: "p1", RiskModel: RiskModelRiskBased, Leverage: 5,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestCalculateSizeKellyCapped(t *testing.T) {
	store := newFakeStore()
	store.portfolios["p1"] = &database.Portfolio{
		ID: "p1", CurrentBalance: 10000,
		KellyFraction: 0.5, MinSampleSize: 4,
	}
	seedKellyHistory(store, "p1", 3, 1, 100, 50)
	svc := newTestService(store)

	rec, err := svc.CalculateSize(context.Background(), SizeRequest{
		PortfolioID: "p1", RiskModel: RiskModelKelly, Leverage: 2,
	})
	if err != nil {
		t.Fatalf("CalculateSize: %v", err)
	}
	// p=0.75, b=(100)/(50)=2, kelly=(2*0.75-0.25)/2=0.625; half-Kelly
	// 0.3125 is capped at 0.25.
	if !closeTo(rec.KellyFraction, 0.25) {
		t.Fatalf("kellyFraction = %v, want the 0.25 cap", rec.KellyFraction)
	}
	if !closeTo(rec.MarginNotional, 2500) {
		t.Fatalf("margin = %v, want 2500", rec.MarginNotional)
	}
	if !closeTo(rec.WinRate, 0.75) || rec.SampleSize != 4 {
		t.Fatalf("winRate/sample = %v/%d, want 0.75/4", rec.WinRate, rec.SampleSize)
	}
}

func TestCalculateSizeKellyRefusesThinHistory(t *testing.T) {
	store := newFakeStore()
	store.portfolios["p1"] = &database.Portfolio{
		ID: "p1", CurrentBalance: 10000,
		KellyFraction: 0.5, MinSampleSize: 20,
	}
	seedKellyHistory(store, "p1", 3, 1, 100, 50)
	svc := newTestService(store)

	_, err := svc.CalculateSize(context.Background(), SizeRequest{
		PortfolioID: "p1", RiskModel: RiskModelKelly, Leverage: 2,
	})
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("err = %v, want ErrInsufficientData", err)
	}
}

func TestCalculateSizeKellyRefusesWithoutLosses(t *testing.T) {
	store := newFakeStore()
	store.portfolios["p1"] = &database.Portfolio{
		ID: "p1", CurrentBalance: 10000,
		KellyFraction: 0.5, MinSampleSize: 3,
	}
	seedKellyHistory(store, "p1", 5, 0, 100, 0)
	svc := newTestService(store)

	_, err := svc.CalculateSize(context.Background(), SizeRequest{
		PortfolioID: "p1", RiskModel: RiskModelKelly, Leverage: 2,
	})
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("err = %v, want ErrInsufficientData", err)
	}
}

func TestCalculateSizeUnknownModel(t *testing.T) {
	store := newFakeStore()
	store.portfolios["p1"] = &database.Portfolio{ID: "p1"}
	svc := newTestService(store)

	_, err := svc.CalculateSize(context.Background(), SizeRequest{
		PortfolioID: "p1", RiskModel: "MARTINGALE", Leverage: 1,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}
