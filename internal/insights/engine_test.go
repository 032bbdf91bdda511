package insights

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copytrade-signals/internal/consensus"
	"copytrade-signals/internal/database"
)

type fakeStore struct {
	scores map[string]*database.TraderScore
	events []*database.TradeEvent
}

func (f *fakeStore) TraderScoreMap(ctx context.Context) (map[string]*database.TraderScore, error) {
	return f.scores, nil
}

func (f *fakeStore) ListEvents(ctx context.Context, filter database.EventFilter) ([]*database.TradeEvent, error) {
	return f.events, nil
}

func floatPtr(v float64) *float64 { return &v }

func cell(symbol string, traders int, confidence, sentiment, avgLev float64) consensus.HeatmapCell {
	return consensus.HeatmapCell{
		Consensus: consensus.Consensus{
			Symbol:          symbol,
			TotalTraders:    traders,
			ConfidenceScore: confidence,
			SentimentScore:  sentiment,
		},
		AvgLeverage: avgLev,
	}
}

func TestDetectAnomaliesCrowdedAndFragile(t *testing.T) {
	p := DefaultPresets()[ModeBalanced]
	cells := []consensus.HeatmapCell{
		cell("BTCUSDT", 5, 80, 0.9, 10),  // crowded
		cell("ETHUSDT", 5, 10, 0.05, 10), // fragile
		cell("XRPUSDT", 1, 90, 1.0, 10),  // too few traders for either
	}
	anomalies := detectAnomalies(cells, nil, p)

	types := make(map[string]string)
	for _, a := range anomalies {
		types[a.Symbol+"/"+a.Type] = a.Severity
	}
	assert.Equal(t, SeverityHigh, types["BTCUSDT/"+AnomalyCrowdedConsensus])
	assert.Equal(t, SeverityMedium, types["ETHUSDT/"+AnomalyFragileConsensus])
	for key := range types {
		assert.NotContains(t, key, "XRPUSDT")
	}
}

func TestDetectAnomaliesLeverageTiers(t *testing.T) {
	p := DefaultPresets()[ModeBalanced] // high 40, extreme 75
	cells := []consensus.HeatmapCell{
		cell("A", 1, 0, 0, 50),  // high only
		cell("B", 1, 0, 0, 80),  // extreme suppresses high
		cell("C", 1, 0, 0, 20),  // neither
	}
	anomalies := detectAnomalies(cells, nil, p)
	require.Len(t, anomalies, 2)

	byType := make(map[string]Anomaly)
	for _, a := range anomalies {
		byType[a.Type] = a
	}
	assert.Equal(t, "A", byType[AnomalyHighLeverage].Symbol)
	assert.Equal(t, "B", byType[AnomalyExtremeLeverage].Symbol)
}

func TestDetectAnomaliesFlipTiers(t *testing.T) {
	p := DefaultPresets()[ModeBalanced] // unstable 3, cluster 5
	cells := []consensus.HeatmapCell{
		cell("A", 1, 0, 0, 10),
		cell("B", 1, 0, 0, 10),
	}
	flips := map[string]int{"A": 3, "B": 6}
	anomalies := detectAnomalies(cells, flips, p)
	require.Len(t, anomalies, 2)

	byType := make(map[string]Anomaly)
	for _, a := range anomalies {
		byType[a.Type] = a
	}
	assert.Equal(t, "A", byType[AnomalyUnstableDirection].Symbol)
	assert.Equal(t, SeverityMedium, byType[AnomalyUnstableDirection].Severity)
	assert.Equal(t, "B", byType[AnomalyDirectionFlipCluster].Symbol)
	assert.Equal(t, SeverityHigh, byType[AnomalyDirectionFlipCluster].Severity)
}

func TestStabilityCountsFlips(t *testing.T) {
	now := time.Now()
	ev := func(lead, kind string, minutesAgo int) *database.TradeEvent {
		at := now.Add(-time.Duration(minutesAgo) * time.Minute)
		return &database.TradeEvent{LeadID: lead, Symbol: "BTCUSDT", Kind: kind, EventTime: &at, FetchedAt: at}
	}
	// long -> short -> long: two flips over six updates.
	store := &fakeStore{events: []*database.TradeEvent{
		ev("a", database.EventOpenLong, 60),
		ev("a", database.EventCloseLong, 50),
		ev("b", database.EventOpenShort, 40),
		ev("b", database.EventCloseShort, 30),
		ev("c", database.EventOpenLong, 20),
		ev("c", database.EventCloseLong, 10),
	}}
	engine := NewEngine(nil, store, zerolog.Nop())

	stability, err := engine.stability(context.Background(), consensus.TimeRangeAll)
	require.NoError(t, err)
	require.Len(t, stability, 1)

	s := stability[0]
	assert.Equal(t, 6, s.Updates)
	assert.Equal(t, 2, s.Flips)
	assert.Equal(t, 2.0/5.0, s.FlipRate)
	// (1 - min(1, 0.4*1.5)) * 100 = 40
	assert.Equal(t, 40.0, s.StabilityScore)
}

func TestRiskOverviewWeightsAndLevels(t *testing.T) {
	p := Preset{ScoreMultiplier: 1}
	anomalies := []Anomaly{
		{Type: AnomalyCrowdedConsensus, Symbol: "A", Severity: SeverityHigh},
		{Type: AnomalyHighLeverage, Symbol: "A", Severity: SeverityMedium},
		{Type: AnomalyUnstableDirection, Symbol: "B", Severity: SeverityMedium},
		{Type: AnomalyFragileConsensus, Symbol: "C", Severity: SeverityMedium},
	}
	o := riskOverview(anomalies, p)
	// 18 + 16 + 14 + 10 + 6 (one high-severity) = 64
	assert.Equal(t, 64.0, o.RiskScore)
	assert.Equal(t, "medium", o.RiskLevel)

	doubled := riskOverview(anomalies, Preset{ScoreMultiplier: 2})
	assert.Equal(t, 100.0, doubled.RiskScore)
	assert.Equal(t, "high", doubled.RiskLevel)

	quiet := riskOverview(nil, p)
	assert.Equal(t, 0.0, quiet.RiskScore)
	assert.Equal(t, "low", quiet.RiskLevel)
}

func TestLeaderboardRankingAndPenalty(t *testing.T) {
	scores := map[string]*database.TraderScore{
		"steady": {
			LeadID: "steady", TraderWeight: 0.8, QualityScore: 80,
			WinRate: floatPtr(0.7), SampleSize: 30, AvgLeverage: floatPtr(10),
		},
		"degen": {
			LeadID: "degen", TraderWeight: 0.8, QualityScore: 80,
			WinRate: floatPtr(0.7), SampleSize: 30, AvgLeverage: floatPtr(80),
		},
	}
	entries := leaderboard(scores, 10)
	require.Len(t, entries, 2)
	assert.Equal(t, "steady", entries[0].LeadID)
	assert.Equal(t, 0.0, entries[0].LeveragePenalty)
	assert.Equal(t, 0.15, entries[1].LeveragePenalty)
	assert.Greater(t, entries[0].Score, entries[1].Score)
}

func TestLeaderboardTopCap(t *testing.T) {
	scores := make(map[string]*database.TraderScore)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		scores[id] = &database.TraderScore{LeadID: id, TraderWeight: 0.5, QualityScore: 50}
	}
	entries := leaderboard(scores, 3)
	assert.Len(t, entries, 3)
}
