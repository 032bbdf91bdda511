package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copytrade-signals/internal/database"
	"copytrade-signals/internal/derive"
)

type fakeStore struct {
	ingests []*database.RawIngest
	states  []*database.PositionState
	scores  map[string]*database.TraderScore
	events  []*database.TradeEvent
}

func (f *fakeStore) GetLatestRawIngestPerLead(ctx context.Context) ([]*database.RawIngest, error) {
	return f.ingests, nil
}

func (f *fakeStore) ListActivePositionStates(ctx context.Context, leadIDs []string) ([]*database.PositionState, error) {
	var out []*database.PositionState
	for _, s := range f.states {
		if s.Status == database.StateActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) TraderScoreMap(ctx context.Context) (map[string]*database.TraderScore, error) {
	return f.scores, nil
}

func (f *fakeStore) ListEvents(ctx context.Context, filter database.EventFilter) ([]*database.TradeEvent, error) {
	var out []*database.TradeEvent
	for _, e := range f.events {
		if filter.Symbol != "" && e.Symbol != filter.Symbol {
			continue
		}
		if !filter.Cutoff.IsZero() && e.EventTime != nil && e.EventTime.Before(filter.Cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

type fixedLeverage struct{ value float64 }

func (f fixedLeverage) Estimate(ctx context.Context, leadID string) (derive.LeverageEstimate, error) {
	return derive.LeverageEstimate{Value: f.value, Method: derive.LeverageMethodDefault}, nil
}

func boolPtr(b bool) *bool { return &b }

func visibleIngest(leadID, symbol, side string, leverage float64) *database.RawIngest {
	return &database.RawIngest{
		LeadID:    leadID,
		FetchedAt: time.Now(),
		Payload: map[string]interface{}{
			"activePositions": []interface{}{
				map[string]interface{}{
					"symbol":           symbol,
					"positionSide":     side,
					"positionAmount":   1.0,
					"entryPrice":       100.0,
					"markPrice":        105.0,
					"leverage":         leverage,
					"notionalValue":    1000.0,
					"unrealizedProfit": 50.0,
				},
			},
		},
	}
}

func visibleScore(leadID string, weight float64) *database.TraderScore {
	return &database.TraderScore{
		LeadID:       leadID,
		PositionShow: boolPtr(true),
		TraderWeight: weight,
	}
}

func newTestService(store *fakeStore) *Service {
	return NewService(store, fixedLeverage{value: 10}, zerolog.Nop())
}

func TestHeatmapAndSymbolReportIdenticalConsensus(t *testing.T) {
	store := &fakeStore{
		ingests: []*database.RawIngest{
			visibleIngest("a", "BTCUSDT", "LONG", 10),
			visibleIngest("b", "BTCUSDT", "LONG", 20),
			visibleIngest("c", "BTCUSDT", "SHORT", 30),
		},
		scores: map[string]*database.TraderScore{
			"a": visibleScore("a", 0.4),
			"b": visibleScore("b", 0.4),
			"c": visibleScore("c", 0.2),
		},
	}
	svc := newTestService(store)
	f := Filters{TimeRange: TimeRangeAll, SegmentFilter: SegmentFilterBoth}

	cells, err := svc.Heatmap(context.Background(), f)
	require.NoError(t, err)
	require.Len(t, cells, 1)

	detail, err := svc.Symbol(context.Background(), "BTCUSDT", f)
	require.NoError(t, err)

	assert.Equal(t, cells[0].Consensus, detail.Consensus)
	assert.Equal(t, 2, detail.LongCount)
	assert.Equal(t, 1, detail.ShortCount)
	assert.Equal(t, 3, detail.TotalTraders)
	assert.Len(t, detail.Positions, 3)
}

func TestHeatmapHiddenTradersContributeFromStates(t *testing.T) {
	now := time.Now()
	store := &fakeStore{
		ingests: []*database.RawIngest{
			{LeadID: "hidden-1", FetchedAt: now},
		},
		scores: map[string]*database.TraderScore{
			"hidden-1": {LeadID: "hidden-1", PositionShow: boolPtr(false), TraderWeight: 0.5},
		},
		states: []*database.PositionState{
			{
				LeadID: "hidden-1", Symbol: "ETHUSDT", Direction: database.DirectionLong,
				Status: database.StateActive, EntryPrice: 3000, Amount: 2,
				FirstSeenAt: now.Add(-time.Hour), LastSeenAt: now,
			},
		},
	}
	svc := newTestService(store)

	cells, err := svc.Heatmap(context.Background(), Filters{TimeRange: TimeRangeAll, SegmentFilter: SegmentFilterHidden})
	require.NoError(t, err)
	require.Len(t, cells, 1)
	assert.Equal(t, "ETHUSDT", cells[0].Symbol)
	assert.Equal(t, 1, cells[0].LongCount)
	// Missing leverage on the state falls back to the estimator.
	assert.Equal(t, 10.0, cells[0].AvgLeverage)
}

func TestHeatmapMinTradersFilter(t *testing.T) {
	store := &fakeStore{
		ingests: []*database.RawIngest{visibleIngest("a", "BTCUSDT", "LONG", 10)},
		scores:  map[string]*database.TraderScore{"a": visibleScore("a", 0.5)},
	}
	svc := newTestService(store)

	cells, err := svc.Heatmap(context.Background(), Filters{TimeRange: TimeRangeAll, MinTraders: 2})
	require.NoError(t, err)
	assert.Empty(t, cells)
}

func TestHeatmapSideFilterSelectsByDirection(t *testing.T) {
	store := &fakeStore{
		ingests: []*database.RawIngest{
			visibleIngest("a", "BTCUSDT", "LONG", 10),
			visibleIngest("b", "ETHUSDT", "SHORT", 10),
		},
		scores: map[string]*database.TraderScore{
			"a": visibleScore("a", 0.5),
			"b": visibleScore("b", 0.5),
		},
	}
	svc := newTestService(store)

	cells, err := svc.Heatmap(context.Background(), Filters{TimeRange: TimeRangeAll, Side: "short"})
	require.NoError(t, err)
	require.Len(t, cells, 1)
	assert.Equal(t, "ETHUSDT", cells[0].Symbol)
}

func TestRecentlyOpenedBoundary(t *testing.T) {
	now := time.Now()
	mkState := func(lead string, openAgo time.Duration) *database.PositionState {
		open := now.Add(-openAgo)
		return &database.PositionState{
			LeadID: lead, Symbol: "BTCUSDT", Direction: database.DirectionLong,
			Status: database.StateActive, EntryPrice: 100, Amount: 1,
			FirstSeenAt: open, LastSeenAt: now, EstimatedOpenTime: &open,
		}
	}
	store := &fakeStore{
		ingests: []*database.RawIngest{
			{LeadID: "young", FetchedAt: now},
			{LeadID: "old", FetchedAt: now},
		},
		scores: map[string]*database.TraderScore{
			"young": {LeadID: "young", PositionShow: boolPtr(false), TraderWeight: 0.5},
			"old":   {LeadID: "old", PositionShow: boolPtr(false), TraderWeight: 0.5},
		},
		states: []*database.PositionState{
			mkState("young", 9*time.Minute),
			mkState("old", 11*time.Minute),
		},
	}
	svc := newTestService(store)

	detail, err := svc.Symbol(context.Background(), "BTCUSDT", Filters{
		TimeRange: TimeRangeAll, SegmentFilter: SegmentFilterHidden, RecentlyOpened: "10m",
	})
	require.NoError(t, err)
	require.Len(t, detail.Positions, 1)
	assert.Equal(t, "young", detail.Positions[0].LeadID)
}

func TestRecentlyOpenedExcludesUnknownOpenTime(t *testing.T) {
	// A live position with no reconstructed state has no known open time
	// and must drop out when the filter is active.
	store := &fakeStore{
		ingests: []*database.RawIngest{visibleIngest("a", "BTCUSDT", "LONG", 10)},
		scores:  map[string]*database.TraderScore{"a": visibleScore("a", 0.5)},
	}
	svc := newTestService(store)

	without, err := svc.Heatmap(context.Background(), Filters{TimeRange: TimeRangeAll})
	require.NoError(t, err)
	assert.Len(t, without, 1)

	with, err := svc.Heatmap(context.Background(), Filters{TimeRange: TimeRangeAll, RecentlyOpened: "10m"})
	require.NoError(t, err)
	assert.Empty(t, with)
}

func TestMomentumClassification(t *testing.T) {
	now := time.Now()
	mkOpen := func(agoMinutes int) *database.TradeEvent {
		at := now.Add(-time.Duration(agoMinutes) * time.Minute)
		return &database.TradeEvent{
			LeadID: "a", Symbol: "BTCUSDT", Kind: database.EventOpenLong,
			EventTime: &at, FetchedAt: at,
		}
	}

	// 3 opens in the last hour vs 2 in the prior window: 3 >= 1.5*2.
	forming := &fakeStore{events: []*database.TradeEvent{
		mkOpen(10), mkOpen(20), mkOpen(30), mkOpen(90), mkOpen(120),
	}}
	counts, err := newTestService(forming).momentumBySymbol(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, MomentumForming, momentumLabel(counts["BTCUSDT"]))

	// 1 open in the last hour vs 4 prior: 1 <= 0.5*4.
	weakening := &fakeStore{events: []*database.TradeEvent{
		mkOpen(10), mkOpen(70), mkOpen(90), mkOpen(120), mkOpen(180),
	}}
	counts, err = newTestService(weakening).momentumBySymbol(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, MomentumWeakening, momentumLabel(counts["BTCUSDT"]))

	// Quiet symbol stays stable.
	assert.Equal(t, MomentumStable, momentumLabel(openCounts{}))
	assert.Equal(t, MomentumStable, momentumLabel(openCounts{lastHour: 2, prior: 2}))
}

func TestLatestRecordsRollupStatuses(t *testing.T) {
	now := time.Now()
	ev := func(lead, kind string, amount, pnl float64, agoMinutes int) *database.TradeEvent {
		at := now.Add(-time.Duration(agoMinutes) * time.Minute)
		return &database.TradeEvent{
			LeadID: lead, Symbol: "BTCUSDT", Kind: kind,
			EventTime: &at, FetchedAt: at, Amount: amount, RealizedPnL: pnl,
		}
	}
	store := &fakeStore{events: []*database.TradeEvent{
		ev("open-only", database.EventOpenLong, 2, 0, 50),
		ev("partial", database.EventOpenLong, 2, 0, 40),
		ev("partial", database.EventCloseLong, 1, 5, 30),
		ev("full", database.EventOpenLong, 2, 0, 20),
		ev("full", database.EventCloseLong, 2, 8, 10),
		ev("over", database.EventOpenLong, 1, 0, 25),
		ev("over", database.EventCloseLong, 3, -2, 5),
	}}
	svc := newTestService(store)

	records, err := svc.LatestRecords(context.Background(), TimeRangeAll, 0)
	require.NoError(t, err)
	require.Len(t, records, 4)

	byLead := make(map[string]LatestRecord)
	for _, r := range records {
		byLead[r.LeadID] = r
	}
	assert.Equal(t, RollupOpenOnly, byLead["open-only"].Status)
	assert.Equal(t, RollupPartialClose, byLead["partial"].Status)
	assert.Equal(t, RollupFullClose, byLead["full"].Status)
	assert.Equal(t, RollupOverClose, byLead["over"].Status)
	assert.Equal(t, 50.0, byLead["partial"].ClosePercentage)
	assert.Equal(t, 300.0, byLead["over"].ClosePercentage)
	assert.Equal(t, 8.0, byLead["full"].RealizedPnL)

	// Most recent event first.
	assert.Equal(t, "over", records[0].LeadID)
}
