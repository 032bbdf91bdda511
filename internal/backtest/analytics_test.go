package backtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tradesFromPnL(pnls ...float64) []Trade {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	trades := make([]Trade, len(pnls))
	for i, pnl := range pnls {
		trades[i] = Trade{
			Symbol:    "BTCUSDT",
			Direction: "long",
			EntryTime: t0.Add(time.Duration(i) * 24 * time.Hour),
			ExitTime:  t0.Add(time.Duration(i)*24*time.Hour + 12*time.Hour),
			PnL:       pnl,
		}
	}
	return trades
}

func TestBuildEquityCurveCumulates(t *testing.T) {
	curve := BuildEquityCurve(tradesFromPnL(100, -50, 25), 1000)
	require.Len(t, curve, 3)
	assert.InDelta(t, 1100.0, curve[0].Equity, 1e-9)
	assert.InDelta(t, 1050.0, curve[1].Equity, 1e-9)
	assert.InDelta(t, 1075.0, curve[2].Equity, 1e-9)
}

func TestComputeAdvancedCoreMetrics(t *testing.T) {
	m := ComputeAdvanced(tradesFromPnL(100, -50, 100), 1000)

	assert.InDelta(t, 1150.0, m.FinalEquity, 1e-9)
	assert.InDelta(t, 150.0, m.NetPnL, 1e-9)
	// peak 1100 -> trough 1050
	assert.InDelta(t, 0.0455, m.MaxDrawdown, 1e-4)
	assert.Equal(t, 1, m.MaxDrawdownDuration)
	assert.InDelta(t, 4.0, m.ProfitFactor, 1e-9)
	assert.InDelta(t, 150.0/(0.0455*1000), m.RecoveryFactor, 1e-3)
	// worst return is the only one at or below the 5% cut
	assert.InDelta(t, 50.0/1100.0, m.VaR95, 1e-3)
	assert.InDelta(t, 50.0/1100.0, m.CVaR95, 1e-3)
	assert.NotZero(t, m.Sharpe)
	assert.NotZero(t, m.Calmar)
}

func TestComputeAdvancedZeroDenominators(t *testing.T) {
	m := ComputeAdvanced(tradesFromPnL(100), 1000)
	assert.Zero(t, m.Sharpe, "single return has no deviation")
	assert.Zero(t, m.Sortino)
	assert.Zero(t, m.MaxDrawdown)
	assert.Zero(t, m.Calmar)

	empty := ComputeAdvanced(nil, 1000)
	assert.InDelta(t, 1000.0, empty.FinalEquity, 1e-9)
	assert.Zero(t, empty.NetPnL)
}

func TestComputeAdvancedSortinoIgnoresUpside(t *testing.T) {
	m := ComputeAdvanced(tradesFromPnL(10, 20, 30, 40), 1000)
	assert.Zero(t, m.Sortino, "no losing trades means no downside deviation")
	assert.NotZero(t, m.Sharpe)
}

func TestMonteCarloAllWinningNeverRuins(t *testing.T) {
	mc := RunMonteCarlo(tradesFromPnL(10, 20, 30), 1000, 500)
	assert.Equal(t, 500, mc.Simulations)
	assert.Zero(t, mc.ProbabilityRuin)
	assert.Greater(t, mc.MeanFinal, 1000.0)
	assert.GreaterOrEqual(t, mc.Percentile95, mc.Percentile5)
}

func TestMonteCarloClampsSimulationCount(t *testing.T) {
	mc := RunMonteCarlo(tradesFromPnL(10), 1000, 5)
	assert.Equal(t, 100, mc.Simulations)

	mc = RunMonteCarlo(tradesFromPnL(10), 1000, 99999)
	assert.Equal(t, 10000, mc.Simulations)

	mc = RunMonteCarlo(tradesFromPnL(10), 1000, 0)
	assert.Equal(t, 1000, mc.Simulations)
}

func TestMonteCarloCertainRuin(t *testing.T) {
	mc := RunMonteCarlo(tradesFromPnL(-500, -600, -700), 1000, 200)
	assert.InDelta(t, 1.0, mc.ProbabilityRuin, 1e-9)
}

func TestWalkForwardRefusesThinHistory(t *testing.T) {
	wf := RunWalkForward(tradesFromPnL(10, -5, 10, -5), 5, 0.7)
	assert.NotEmpty(t, wf.Error)
	assert.Zero(t, wf.InSampleWinRate)
}

func TestWalkForwardAlternatingPattern(t *testing.T) {
	pnls := make([]float64, 100)
	for i := range pnls {
		if i%2 == 0 {
			pnls[i] = 10
		} else {
			pnls[i] = -5
		}
	}
	wf := RunWalkForward(tradesFromPnL(pnls...), 5, 0.7)
	require.Empty(t, wf.Error)
	assert.InDelta(t, 0.5, wf.InSampleWinRate, 1e-9)
	assert.InDelta(t, 0.5, wf.OutSampleWinRate, 1e-9)
	assert.Zero(t, wf.OverfitScore)
}
