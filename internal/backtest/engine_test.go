package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copytrade-signals/internal/database"
)

type fakeStore struct {
	events    []*database.TradeEvent
	scores    map[string]*database.TraderScore
	persisted []*database.BacktestResult
}

func (f *fakeStore) ListEvents(_ context.Context, filter database.EventFilter) ([]*database.TradeEvent, error) {
	var out []*database.TradeEvent
	for _, e := range f.events {
		if filter.Symbol != "" && e.Symbol != filter.Symbol {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeStore) TraderScoreMap(context.Context) (map[string]*database.TraderScore, error) {
	if f.scores == nil {
		return map[string]*database.TraderScore{}, nil
	}
	return f.scores, nil
}

func (f *fakeStore) InsertBacktestResult(_ context.Context, b *database.BacktestResult) error {
	f.persisted = append(f.persisted, b)
	return nil
}

func event(lead, symbol, kind string, at time.Time, price float64) *database.TradeEvent {
	t := at
	return &database.TradeEvent{
		LeadID:    lead,
		Symbol:    symbol,
		Kind:      kind,
		EventTime: &t,
		FetchedAt: at,
		Price:     price,
	}
}

func baseParams() Params {
	return Params{
		TimeRange:       "7d",
		MinTraders:      2,
		MinConfidence:   50,
		MinSentimentAbs: 50,
		Leverage:        10,
		MarginNotional:  100,
		InitialBalance:  10000,
	}
}

func TestReplayOpensOnConsensusAndClosesOnFirstTraderExit(t *testing.T) {
	t0 := time.Now().Add(-24 * time.Hour)
	store := &fakeStore{events: []*database.TradeEvent{
		event("a", "BTCUSDT", database.EventOpenLong, t0, 100),
		event("b", "BTCUSDT", database.EventOpenLong, t0.Add(time.Minute), 100),
		event("a", "BTCUSDT", database.EventCloseLong, t0.Add(time.Hour), 110),
	}}
	engine := NewEngine(store, zerolog.Nop())

	result, err := engine.Run(context.Background(), baseParams())
	require.NoError(t, err)

	require.Len(t, result.Trades, 1)
	trade := result.Trades[0]
	assert.Equal(t, database.DirectionLong, trade.Direction)
	assert.Equal(t, "trader_close", trade.ExitReason)
	assert.InDelta(t, 100.0, trade.EntryPrice, 1e-9)
	assert.InDelta(t, 110.0, trade.ExitPrice, 1e-9)
	// 10% move on 1000 notional
	assert.InDelta(t, 100.0, trade.PnL, 1e-9)

	assert.Equal(t, 1, result.Summary.Trades)
	assert.Equal(t, 1, result.Summary.Wins)
	assert.InDelta(t, 100.0, result.Summary.WinRatePct, 1e-9)
	assert.Greater(t, result.Summary.TotalPnL, 0.0)
	assert.Equal(t, 1, result.BySymbol["BTCUSDT"].Trades)
}

func TestReplayDoesNotOpenBelowMinTraders(t *testing.T) {
	t0 := time.Now().Add(-24 * time.Hour)
	store := &fakeStore{events: []*database.TradeEvent{
		event("a", "BTCUSDT", database.EventOpenLong, t0, 100),
		event("a", "BTCUSDT", database.EventCloseLong, t0.Add(time.Hour), 110),
	}}
	engine := NewEngine(store, zerolog.Nop())

	result, err := engine.Run(context.Background(), baseParams())
	require.NoError(t, err)
	assert.Empty(t, result.Trades)
}

func TestReplayNeutralBookStaysFlat(t *testing.T) {
	t0 := time.Now().Add(-24 * time.Hour)
	store := &fakeStore{events: []*database.TradeEvent{
		event("a", "ETHUSDT", database.EventOpenLong, t0, 3000),
		event("b", "ETHUSDT", database.EventOpenShort, t0.Add(time.Minute), 3000),
		event("c", "ETHUSDT", database.EventOpenLong, t0.Add(2*time.Minute), 3000),
		event("d", "ETHUSDT", database.EventOpenShort, t0.Add(3*time.Minute), 3000),
	}}
	engine := NewEngine(store, zerolog.Nop())

	result, err := engine.Run(context.Background(), baseParams())
	require.NoError(t, err)
	assert.Empty(t, result.Trades)
}

func TestReplayUsesTraderWeightsFromScores(t *testing.T) {
	// Two longs vs one short: with flat default weights sentiment is
	// (2-1)/3 = 0.33, below the 50-point floor. A heavy short flips it.
	t0 := time.Now().Add(-24 * time.Hour)
	store := &fakeStore{
		events: []*database.TradeEvent{
			event("long1", "SOLUSDT", database.EventOpenLong, t0, 150),
			event("long2", "SOLUSDT", database.EventOpenLong, t0.Add(time.Minute), 150),
			event("whale", "SOLUSDT", database.EventOpenShort, t0.Add(2*time.Minute), 150),
		},
		scores: map[string]*database.TraderScore{
			"long1": {LeadID: "long1", TraderWeight: 0.05},
			"long2": {LeadID: "long2", TraderWeight: 0.05},
			"whale": {LeadID: "whale", TraderWeight: 0.9},
		},
	}
	params := baseParams()
	params.MinTraders = 1
	engine := NewEngine(store, zerolog.Nop())

	result, err := engine.Run(context.Background(), params)
	require.NoError(t, err)
	// sentiment = (0.1-0.9)/1.0 = -0.8, confidence = 0.8*1*1*100 = 80
	require.Len(t, result.Trades, 0)
	// The whale short never closes, so the virtual short stays open and
	// is not reported as a finished trade.
}

func TestReplayChargesCommissionOnBothLegs(t *testing.T) {
	t0 := time.Now().Add(-24 * time.Hour)
	store := &fakeStore{events: []*database.TradeEvent{
		event("a", "BTCUSDT", database.EventOpenLong, t0, 100),
		event("b", "BTCUSDT", database.EventOpenLong, t0.Add(time.Minute), 100),
		event("a", "BTCUSDT", database.EventCloseLong, t0.Add(time.Hour), 110),
	}}
	engine := NewEngine(store, zerolog.Nop())
	params := baseParams()
	params.CommissionBps = 10

	result, err := engine.Run(context.Background(), params)
	require.NoError(t, err)
	require.Len(t, result.Trades, 1)
	// 10% move on 1000 notional = 100 gross, minus 1 USDT fee per leg
	assert.InDelta(t, 98.0, result.Trades[0].PnL, 1e-9)
}

func TestReplayAppliesSlippageOnExitLeg(t *testing.T) {
	t0 := time.Now().Add(-24 * time.Hour)
	store := &fakeStore{events: []*database.TradeEvent{
		event("a", "BTCUSDT", database.EventOpenLong, t0, 100),
		event("b", "BTCUSDT", database.EventOpenLong, t0.Add(time.Minute), 100),
		event("a", "BTCUSDT", database.EventCloseLong, t0.Add(time.Hour), 110),
	}}
	engine := NewEngine(store, zerolog.Nop())
	params := baseParams()
	params.SlippageBps = 20
	params.CommissionBps = 10

	result, err := engine.Run(context.Background(), params)
	require.NoError(t, err)
	require.Len(t, result.Trades, 1)
	trade := result.Trades[0]
	assert.InDelta(t, 100.2, trade.EntryPrice, 1e-9)
	assert.InDelta(t, 109.78, trade.ExitPrice, 1e-9)
	// gross = 1000 × (109.78-100.2)/100.2 = 95.6088, minus 2 commission
	assert.InDelta(t, 93.6088, trade.PnL, 1e-9)
	assert.InDelta(t, 93.6088, trade.RoiPct, 1e-9)
}

func TestReplayClosePriceFallsBackToLastPrice(t *testing.T) {
	t0 := time.Now().Add(-24 * time.Hour)
	store := &fakeStore{events: []*database.TradeEvent{
		event("a", "BTCUSDT", database.EventOpenLong, t0, 100),
		event("b", "BTCUSDT", database.EventOpenLong, t0.Add(time.Minute), 105),
		event("a", "BTCUSDT", database.EventCloseLong, t0.Add(time.Hour), 0), // no price on close
	}}
	engine := NewEngine(store, zerolog.Nop())

	result, err := engine.Run(context.Background(), baseParams())
	require.NoError(t, err)
	require.Len(t, result.Trades, 1)
	assert.InDelta(t, 105.0, result.Trades[0].ExitPrice, 1e-9)
}

func TestPersistRequiresAdvancedMetrics(t *testing.T) {
	t0 := time.Now().Add(-24 * time.Hour)
	events := []*database.TradeEvent{
		event("a", "BTCUSDT", database.EventOpenLong, t0, 100),
		event("b", "BTCUSDT", database.EventOpenLong, t0.Add(time.Minute), 100),
		event("a", "BTCUSDT", database.EventCloseLong, t0.Add(time.Hour), 110),
	}

	store := &fakeStore{events: events}
	engine := NewEngine(store, zerolog.Nop())
	params := baseParams()
	params.Persist = true

	result, err := engine.Run(context.Background(), params)
	require.NoError(t, err)
	assert.Empty(t, result.PersistedID)
	assert.Empty(t, store.persisted, "run without advanced metrics must not persist")

	params.AdvancedMetrics = true
	result, err = engine.Run(context.Background(), params)
	require.NoError(t, err)
	assert.NotEmpty(t, result.PersistedID)
	require.Len(t, store.persisted, 1)
	row := store.persisted[0]
	assert.Equal(t, 1, row.Trades)
	assert.NotEmpty(t, row.Advanced)
}

func TestEquityCurveRequested(t *testing.T) {
	t0 := time.Now().Add(-24 * time.Hour)
	store := &fakeStore{events: []*database.TradeEvent{
		event("a", "BTCUSDT", database.EventOpenLong, t0, 100),
		event("b", "BTCUSDT", database.EventOpenLong, t0.Add(time.Minute), 100),
		event("a", "BTCUSDT", database.EventCloseLong, t0.Add(time.Hour), 110),
	}}
	engine := NewEngine(store, zerolog.Nop())
	params := baseParams()
	params.EquityCurve = true

	result, err := engine.Run(context.Background(), params)
	require.NoError(t, err)
	require.Len(t, result.EquityCurve, 1)
	assert.InDelta(t, 10100.0, result.EquityCurve[0].Equity, 1e-9)
}
