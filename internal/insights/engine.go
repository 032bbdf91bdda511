package insights

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"copytrade-signals/internal/consensus"
	"copytrade-signals/internal/database"
)

// Anomaly types.
const (
	AnomalyCrowdedConsensus     = "CROWDED_CONSENSUS"
	AnomalyFragileConsensus     = "FRAGILE_CONSENSUS"
	AnomalyHighLeverage         = "HIGH_LEVERAGE"
	AnomalyExtremeLeverage      = "EXTREME_LEVERAGE"
	AnomalyUnstableDirection    = "UNSTABLE_DIRECTION"
	AnomalyDirectionFlipCluster = "DIRECTION_FLIP_CLUSTER"
)

// Severity labels.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
)

// Anomaly is one flagged condition on a symbol.
type Anomaly struct {
	Type     string  `json:"type"`
	Symbol   string  `json:"symbol"`
	Severity string  `json:"severity"`
	Detail   string  `json:"detail,omitempty"`
	Value    float64 `json:"value,omitempty"`
}

// SymbolStability is the per-symbol direction churn measurement.
type SymbolStability struct {
	Symbol         string  `json:"symbol"`
	Updates        int     `json:"updates"`
	Flips          int     `json:"flips"`
	FlipRate       float64 `json:"flipRate"`
	StabilityScore float64 `json:"stabilityScore"`
}

// RiskOverview is the aggregate market risk read.
type RiskOverview struct {
	CrowdedCount       int     `json:"crowdedCount"`
	HighLeverageCount  int     `json:"highLeverageCount"`
	UnstableCount      int     `json:"unstableCount"`
	LowConfidenceCount int     `json:"lowConfidenceCount"`
	HighSeverityCount  int     `json:"highSeverityCount"`
	RiskScore          float64 `json:"riskScore"`
	RiskLevel          string  `json:"riskLevel"`
}

// LeaderboardEntry is one trader's composite ranking row.
type LeaderboardEntry struct {
	LeadID          string   `json:"traderId"`
	Nickname        *string  `json:"nickname,omitempty"`
	Score           float64  `json:"score"`
	TraderWeight    float64  `json:"traderWeight"`
	QualityScore    float64  `json:"qualityScore"`
	WinRate         *float64 `json:"winRate,omitempty"`
	SampleSize      int      `json:"sampleSize"`
	AvgLeverage     *float64 `json:"avgLeverage,omitempty"`
	LeveragePenalty float64  `json:"leveragePenalty"`
}

// Bundle is the full insights response.
type Bundle struct {
	GeneratedAt  time.Time          `json:"generatedAt"`
	Mode         string             `json:"mode"`
	Filters      Filters            `json:"filters"`
	RiskOverview RiskOverview       `json:"riskOverview"`
	Anomalies    []Anomaly          `json:"anomalies"`
	Stability    []SymbolStability  `json:"stability"`
	Leaderboard  []LeaderboardEntry `json:"leaderboard"`
}

// Filters scopes an insights run.
type Filters struct {
	TimeRange     string `json:"timeRange"`
	SegmentFilter string `json:"segment"`
	Top           int    `json:"top"`
}

// Store is the read surface the insights engine needs beyond consensus.
type Store interface {
	TraderScoreMap(ctx context.Context) (map[string]*database.TraderScore, error)
	ListEvents(ctx context.Context, f database.EventFilter) ([]*database.TradeEvent, error)
}

// Engine computes the insights bundle on demand.
type Engine struct {
	consensus *consensus.Service
	store     Store
	logger    zerolog.Logger
}

func NewEngine(cons *consensus.Service, store Store, logger zerolog.Logger) *Engine {
	return &Engine{consensus: cons, store: store, logger: logger}
}

// Generate runs the full bundle for one preset.
func (e *Engine) Generate(ctx context.Context, f Filters, preset Preset, mode string) (*Bundle, error) {
	f.Top = clampInt(f.Top, 3, 50)

	cells, err := e.consensus.Heatmap(ctx, consensus.Filters{
		TimeRange:     f.TimeRange,
		SegmentFilter: f.SegmentFilter,
	})
	if err != nil {
		return nil, err
	}

	stability, err := e.stability(ctx, f.TimeRange)
	if err != nil {
		return nil, err
	}
	flipsBySymbol := make(map[string]int, len(stability))
	for _, s := range stability {
		flipsBySymbol[s.Symbol] = s.Flips
	}

	anomalies := detectAnomalies(cells, flipsBySymbol, preset)

	scores, err := e.store.TraderScoreMap(ctx)
	if err != nil {
		return nil, err
	}

	return &Bundle{
		GeneratedAt:  time.Now().UTC(),
		Mode:         mode,
		Filters:      f,
		RiskOverview: riskOverview(anomalies, preset),
		Anomalies:    anomalies,
		Stability:    stability,
		Leaderboard:  leaderboard(scores, f.Top),
	}, nil
}

// detectAnomalies flags each symbol against the preset thresholds. The
// stronger variant of a pair (extreme over high, cluster over unstable)
// suppresses the weaker one, and duplicate (type, symbol) pairs keep the
// higher severity.
func detectAnomalies(cells []consensus.HeatmapCell, flips map[string]int, p Preset) []Anomaly {
	var out []Anomaly
	add := func(a Anomaly) {
		for i, existing := range out {
			if existing.Type == a.Type && existing.Symbol == a.Symbol {
				if existing.Severity != SeverityHigh && a.Severity == SeverityHigh {
					out[i] = a
				}
				return
			}
		}
		out = append(out, a)
	}

	for _, cell := range cells {
		sentimentAbs := math.Abs(cell.SentimentScore) * 100

		if cell.TotalTraders >= p.CrowdedMinTraders &&
			cell.ConfidenceScore >= p.CrowdedMinConfidence &&
			sentimentAbs >= p.CrowdedMinSentimentAbs {
			add(Anomaly{
				Type: AnomalyCrowdedConsensus, Symbol: cell.Symbol, Severity: SeverityHigh,
				Detail: "many traders crowded on one side with high conviction",
				Value:  cell.ConfidenceScore,
			})
		}

		if cell.TotalTraders >= p.CrowdedMinTraders && cell.ConfidenceScore < p.LowConfidenceLimit {
			add(Anomaly{
				Type: AnomalyFragileConsensus, Symbol: cell.Symbol, Severity: SeverityMedium,
				Detail: "broad participation but weak conviction",
				Value:  cell.ConfidenceScore,
			})
		}

		switch {
		case cell.AvgLeverage >= p.ExtremeLeverage:
			add(Anomaly{
				Type: AnomalyExtremeLeverage, Symbol: cell.Symbol, Severity: SeverityHigh,
				Detail: "average leverage at liquidation-cascade levels",
				Value:  cell.AvgLeverage,
			})
		case cell.AvgLeverage >= p.HighLeverage:
			add(Anomaly{
				Type: AnomalyHighLeverage, Symbol: cell.Symbol, Severity: SeverityMedium,
				Detail: "elevated average leverage",
				Value:  cell.AvgLeverage,
			})
		}

		n := flips[cell.Symbol]
		switch {
		case n >= p.FlipClusterFlips:
			add(Anomaly{
				Type: AnomalyDirectionFlipCluster, Symbol: cell.Symbol, Severity: SeverityHigh,
				Detail: "direction flipping repeatedly in the window",
				Value:  float64(n),
			})
		case n >= p.UnstableFlips:
			add(Anomaly{
				Type: AnomalyUnstableDirection, Symbol: cell.Symbol, Severity: SeverityMedium,
				Detail: "direction changed during the window",
				Value:  float64(n),
			})
		}
	}
	return out
}

// stability replays the event log per symbol and measures direction churn.
func (e *Engine) stability(ctx context.Context, timeRange string) ([]SymbolStability, error) {
	events, err := e.store.ListEvents(ctx, database.EventFilter{
		Cutoff: consensus.Cutoff(timeRange, time.Now()),
	})
	if err != nil {
		return nil, err
	}

	type state struct {
		longs, shorts int
		last          string
		updates       int
		flips         int
	}
	bySymbol := make(map[string]*state)
	for _, ev := range events {
		s := bySymbol[ev.Symbol]
		if s == nil {
			s = &state{}
			bySymbol[ev.Symbol] = s
		}
		s.updates++
		delta := 1
		if !ev.IsOpen() {
			delta = -1
		}
		if ev.Direction() == database.DirectionLong {
			s.longs += delta
		} else {
			s.shorts += delta
		}

		dir := database.DirectionNeutral
		if s.longs > s.shorts {
			dir = database.DirectionLong
		} else if s.shorts > s.longs {
			dir = database.DirectionShort
		}
		if dir != database.DirectionNeutral {
			if s.last != "" && s.last != dir {
				s.flips++
			}
			s.last = dir
		}
	}

	out := make([]SymbolStability, 0, len(bySymbol))
	for symbol, s := range bySymbol {
		flipRate := float64(s.flips) / math.Max(float64(s.updates-1), 1)
		out = append(out, SymbolStability{
			Symbol:         symbol,
			Updates:        s.updates,
			Flips:          s.flips,
			FlipRate:       flipRate,
			StabilityScore: math.Max(0, math.Round((1-math.Min(1, flipRate*1.5))*100)),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Flips != out[j].Flips {
			return out[i].Flips > out[j].Flips
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out, nil
}

// riskOverview folds the anomaly set into one weighted score.
func riskOverview(anomalies []Anomaly, p Preset) RiskOverview {
	var o RiskOverview
	for _, a := range anomalies {
		switch a.Type {
		case AnomalyCrowdedConsensus:
			o.CrowdedCount++
		case AnomalyHighLeverage, AnomalyExtremeLeverage:
			o.HighLeverageCount++
		case AnomalyUnstableDirection, AnomalyDirectionFlipCluster:
			o.UnstableCount++
		case AnomalyFragileConsensus:
			o.LowConfidenceCount++
		}
		if a.Severity == SeverityHigh {
			o.HighSeverityCount++
		}
	}
	raw := float64(o.CrowdedCount)*18 +
		float64(o.HighLeverageCount)*16 +
		float64(o.UnstableCount)*14 +
		float64(o.LowConfidenceCount)*10 +
		float64(o.HighSeverityCount)*6
	o.RiskScore = math.Min(100, raw*p.ScoreMultiplier)
	switch {
	case o.RiskScore >= 70:
		o.RiskLevel = "high"
	case o.RiskScore >= 40:
		o.RiskLevel = "medium"
	default:
		o.RiskLevel = "low"
	}
	return o
}

// leveragePenalty discounts traders who run hot.
func leveragePenalty(avgLeverage *float64) float64 {
	if avgLeverage == nil {
		return 0
	}
	switch lev := *avgLeverage; {
	case lev >= 75:
		return 0.15
	case lev >= 45:
		return 0.08
	case lev >= 25:
		return 0.04
	default:
		return 0
	}
}

// leaderboard ranks traders by the weighted composite of weight, quality,
// win rate, and activity.
func leaderboard(scores map[string]*database.TraderScore, top int) []LeaderboardEntry {
	out := make([]LeaderboardEntry, 0, len(scores))
	for _, s := range scores {
		winRateNorm := 0.0
		if s.WinRate != nil {
			winRateNorm = clampFloat(*s.WinRate, 0, 1)
		}
		activityNorm := math.Min(float64(s.SampleSize)/30, 1)
		penalty := leveragePenalty(s.AvgLeverage)
		score := 100 * (0.45*s.TraderWeight + 0.30*s.QualityScore/100 + 0.15*winRateNorm + 0.10*activityNorm) * (1 - penalty)
		out = append(out, LeaderboardEntry{
			LeadID:          s.LeadID,
			Nickname:        s.Nickname,
			Score:           math.Round(score*100) / 100,
			TraderWeight:    s.TraderWeight,
			QualityScore:    s.QualityScore,
			WinRate:         s.WinRate,
			SampleSize:      s.SampleSize,
			AvgLeverage:     s.AvgLeverage,
			LeveragePenalty: penalty,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].LeadID < out[j].LeadID
	})
	if len(out) > top {
		out = out[:top]
	}
	return out
}
