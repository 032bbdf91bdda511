package backtest

import (
	"encoding/json"
	"math"
	"math/rand"
	"sort"
	"time"

	"copytrade-signals/internal/simulation"
)

const (
	defaultSimulations   = 1000
	minSimulations       = 100
	maxSimulations       = 10000
	defaultWalkWindows   = 5
	defaultInSampleRatio = 0.7
	walkForwardMinTrades = 50
	daysPerYear          = 365.25
)

// EquityPoint is the account value after one trade.
type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

// AdvancedMetrics are the risk-adjusted statistics over a trade sequence.
type AdvancedMetrics struct {
	Sharpe              float64 `json:"sharpe"`
	Sortino             float64 `json:"sortino"`
	Calmar              float64 `json:"calmar"`
	MaxDrawdown         float64 `json:"maxDrawdown"`
	MaxDrawdownDuration int     `json:"maxDrawdownDuration"`
	VaR95               float64 `json:"var95"`
	CVaR95              float64 `json:"cvar95"`
	ProfitFactor        float64 `json:"profitFactor"`
	RecoveryFactor      float64 `json:"recoveryFactor"`
	NetPnL              float64 `json:"netPnl"`
	FinalEquity         float64 `json:"finalEquity"`
}

// MonteCarloResult summarizes the bootstrap distribution of final equity.
type MonteCarloResult struct {
	Simulations     int     `json:"simulations"`
	MeanFinal       float64 `json:"meanFinalEquity"`
	MedianFinal     float64 `json:"medianFinalEquity"`
	StdDevFinal     float64 `json:"stdDevFinalEquity"`
	Percentile5     float64 `json:"percentile5"`
	Percentile95    float64 `json:"percentile95"`
	ProbabilityRuin float64 `json:"probabilityOfRuin"`
}

// WalkForwardResult reports in/out-of-sample consistency. Error is set
// and the numeric fields are zero when the trade set is too small.
type WalkForwardResult struct {
	Windows          int     `json:"windows"`
	InSampleWinRate  float64 `json:"inSampleWinRate"`
	OutSampleWinRate float64 `json:"outOfSampleWinRate"`
	Correlation      float64 `json:"correlation"`
	OverfitScore     float64 `json:"overfitScore"`
	Error            string  `json:"error,omitempty"`
}

// BuildEquityCurve walks the trade list, starting from the initial
// balance and adding each trade's PnL at its exit time.
func BuildEquityCurve(trades []Trade, initialBalance float64) []EquityPoint {
	curve := make([]EquityPoint, 0, len(trades))
	equity := initialBalance
	for _, t := range trades {
		equity += t.PnL
		curve = append(curve, EquityPoint{Time: t.ExitTime, Equity: simulation.Round4(equity)})
	}
	return curve
}

// ComputeAdvanced derives the full risk-adjusted metric block.
func ComputeAdvanced(trades []Trade, initialBalance float64) *AdvancedMetrics {
	m := &AdvancedMetrics{FinalEquity: initialBalance}
	if len(trades) == 0 || initialBalance <= 0 {
		return m
	}

	equity := []float64{initialBalance}
	var winSum, lossSum float64
	for _, t := range trades {
		equity = append(equity, equity[len(equity)-1]+t.PnL)
		if t.PnL > 0 {
			winSum += t.PnL
		} else {
			lossSum += -t.PnL
		}
	}
	final := equity[len(equity)-1]
	m.FinalEquity = simulation.Round4(final)
	m.NetPnL = simulation.Round4(final - initialBalance)

	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] != 0 {
			returns = append(returns, (equity[i]-equity[i-1])/equity[i-1])
		}
	}

	avg := mean(returns)
	if sd := stdDev(returns, avg); sd > 0 {
		m.Sharpe = simulation.Round4(avg / sd)
	}
	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if sd := stdDev(downside, mean(downside)); sd > 0 {
		m.Sortino = simulation.Round4(avg / sd)
	}

	m.MaxDrawdown, m.MaxDrawdownDuration = maxDrawdown(equity)

	if years := tradeSpanYears(trades); years > 0 && m.MaxDrawdown > 0 && final > 0 {
		cagr := math.Pow(final/initialBalance, 1/years) - 1
		m.Calmar = simulation.Round4(cagr / m.MaxDrawdown)
	}

	if len(returns) > 0 {
		threshold := percentile(returns, 0.05)
		m.VaR95 = simulation.Round4(math.Abs(threshold))
		var tail []float64
		for _, r := range returns {
			if r <= threshold {
				tail = append(tail, r)
			}
		}
		if len(tail) > 0 {
			m.CVaR95 = simulation.Round4(math.Abs(mean(tail)))
		}
	}

	if lossSum > 0 {
		m.ProfitFactor = simulation.Round4(winSum / lossSum)
	} else if winSum > 0 {
		m.ProfitFactor = simulation.Round4(winSum)
	}
	if m.MaxDrawdown > 0 {
		m.RecoveryFactor = simulation.Round4(m.NetPnL / (m.MaxDrawdown * initialBalance))
	}
	return m
}

// RunMonteCarlo bootstraps the trade list and reports the distribution
// of final equity across resampled orderings.
func RunMonteCarlo(trades []Trade, initialBalance float64, numSimulations int) *MonteCarloResult {
	if numSimulations <= 0 {
		numSimulations = defaultSimulations
	}
	if numSimulations < minSimulations {
		numSimulations = minSimulations
	}
	if numSimulations > maxSimulations {
		numSimulations = maxSimulations
	}
	result := &MonteCarloResult{Simulations: numSimulations}
	if len(trades) == 0 {
		return result
	}

	pnls := make([]float64, len(trades))
	for i, t := range trades {
		pnls[i] = t.PnL
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	finals := make([]float64, numSimulations)
	ruined := 0
	for s := 0; s < numSimulations; s++ {
		equity := initialBalance
		for range pnls {
			equity += pnls[rng.Intn(len(pnls))]
		}
		finals[s] = equity
		if equity <= 0 {
			ruined++
		}
	}
	sort.Float64s(finals)

	avg := mean(finals)
	result.MeanFinal = simulation.Round4(avg)
	result.MedianFinal = simulation.Round4(percentile(finals, 0.5))
	result.StdDevFinal = simulation.Round4(stdDev(finals, avg))
	result.Percentile5 = simulation.Round4(percentile(finals, 0.05))
	result.Percentile95 = simulation.Round4(percentile(finals, 0.95))
	result.ProbabilityRuin = simulation.Round4(float64(ruined) / float64(numSimulations))
	return result
}

// RunWalkForward splits the trade sequence into consecutive windows,
// each divided into an in-sample and out-of-sample block, and compares
// win rates across the split.
func RunWalkForward(trades []Trade, numWindows int, inSampleRatio float64) *WalkForwardResult {
	if numWindows <= 0 {
		numWindows = defaultWalkWindows
	}
	if inSampleRatio <= 0 || inSampleRatio >= 1 {
		inSampleRatio = defaultInSampleRatio
	}
	result := &WalkForwardResult{Windows: numWindows}
	if len(trades) < walkForwardMinTrades {
		result.Error = "walk-forward requires at least 50 trades"
		return result
	}

	windowSize := len(trades) / numWindows
	var inRates, outRates []float64
	for w := 0; w < numWindows; w++ {
		start := w * windowSize
		end := start + windowSize
		if w == numWindows-1 {
			end = len(trades)
		}
		window := trades[start:end]
		split := int(float64(len(window)) * inSampleRatio)
		if split <= 0 || split >= len(window) {
			continue
		}
		inRates = append(inRates, winRate(window[:split]))
		outRates = append(outRates, winRate(window[split:]))
	}
	if len(inRates) == 0 {
		result.Error = "walk-forward windows too small to split"
		return result
	}

	inMean := mean(inRates)
	outMean := mean(outRates)
	result.InSampleWinRate = simulation.Round4(inMean)
	result.OutSampleWinRate = simulation.Round4(outMean)
	result.Correlation = simulation.Round4(correlation(inRates, outRates))
	if inMean > 0 {
		result.OverfitScore = simulation.Round4(math.Abs(inMean-outMean) / inMean)
	}
	return result
}

func winRate(trades []Trade) float64 {
	if len(trades) == 0 {
		return 0
	}
	wins := 0
	for _, t := range trades {
		if t.PnL > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(trades))
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func stdDev(v []float64, avg float64) float64 {
	if len(v) < 2 {
		return 0
	}
	var ss float64
	for _, x := range v {
		d := x - avg
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(v)))
}

// percentile reads the p-th quantile from an ascending copy of v.
func percentile(v []float64, p float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sorted := make([]float64, len(v))
	copy(sorted, v)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// maxDrawdown returns the deepest peak-to-trough fraction and its length
// in samples.
func maxDrawdown(equity []float64) (float64, int) {
	var worst float64
	var worstLen int
	peak := equity[0]
	peakIdx := 0
	for i, eq := range equity {
		if eq > peak {
			peak = eq
			peakIdx = i
			continue
		}
		if peak <= 0 {
			continue
		}
		dd := (peak - eq) / peak
		if dd > worst {
			worst = dd
			worstLen = i - peakIdx
		}
	}
	return simulation.Round4(worst), worstLen
}

func tradeSpanYears(trades []Trade) float64 {
	if len(trades) < 2 {
		return 0
	}
	span := trades[len(trades)-1].ExitTime.Sub(trades[0].EntryTime)
	return span.Hours() / 24 / daysPerYear
}

func correlation(a, b []float64) float64 {
	if len(a) != len(b) || len(a) < 2 {
		return 0
	}
	ma, mb := mean(a), mean(b)
	var num, da, db float64
	for i := range a {
		x, y := a[i]-ma, b[i]-mb
		num += x * y
		da += x * x
		db += y * y
	}
	if da == 0 || db == 0 {
		return 0
	}
	return num / math.Sqrt(da*db)
}

// toDocument flattens a struct into the opaque map form the results
// table stores.
func toDocument(v interface{}) map[string]interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{}
	}
	doc := make(map[string]interface{})
	if err := json.Unmarshal(raw, &doc); err != nil {
		return map[string]interface{}{}
	}
	return doc
}
