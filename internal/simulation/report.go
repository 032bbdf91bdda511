package simulation

import (
	"context"
	"math"
	"time"

	"copytrade-signals/internal/database"
)

// Report is the aggregate view over all paper trading activity.
type Report struct {
	GeneratedAt   time.Time                     `json:"generatedAt"`
	OpenCount     int                           `json:"openCount"`
	ClosedCount   int                           `json:"closedCount"`
	Wins          int                           `json:"wins"`
	Losses        int                           `json:"losses"`
	Breakeven     int                           `json:"breakeven"`
	WinRatePct    float64                       `json:"winRatePct"`
	TotalPnL      float64                       `json:"totalPnl"`
	AvgPnL        float64                       `json:"avgPnl"`
	AvgRoiPct     float64                       `json:"avgRoiPct"`
	ProfitFactor  float64                       `json:"profitFactor"`
	BySymbol      map[string]*SymbolPerformance `json:"bySymbol"`
	ByCloseReason map[string]int                `json:"byCloseReason"`
	OpenPositions []*database.SimulatedPosition `json:"openPositions"`
}

// SymbolPerformance is one symbol's closed-trade rollup.
type SymbolPerformance struct {
	Trades   int     `json:"trades"`
	Wins     int     `json:"wins"`
	TotalPnL float64 `json:"totalPnl"`
}

// PortfolioPerformance extends the rollup with the portfolio's balance
// and committed margin.
type PortfolioPerformance struct {
	Portfolio      *database.Portfolio `json:"portfolio"`
	Report         *Report             `json:"report"`
	NetPnL         float64             `json:"netPnl"`
	ReturnPct      float64             `json:"returnPct"`
	OpenMargin     float64             `json:"openMargin"`
	AvailableRisk  float64             `json:"availableRiskBudget"`
	OpenSlotsLeft  int                 `json:"openSlotsLeft"`
	ClosedLifetime int                 `json:"closedLifetime"`
}

// BuildReport aggregates every simulated position, optionally scoped to
// one portfolio (empty portfolioID means all).
func (s *Service) BuildReport(ctx context.Context, portfolioID string) (*Report, error) {
	all, err := s.store.ListSimulatedPositions(ctx, database.SimPositionFilter{
		PortfolioID: portfolioID,
	})
	if err != nil {
		return nil, err
	}

	r := &Report{
		GeneratedAt:   time.Now().UTC(),
		BySymbol:      make(map[string]*SymbolPerformance),
		ByCloseReason: make(map[string]int),
	}
	var roiSum, winSum, lossSum float64
	for _, p := range all {
		if p.Status == database.SimStatusOpen {
			r.OpenCount++
			r.OpenPositions = append(r.OpenPositions, p)
			continue
		}
		if p.Status != database.SimStatusClosed || p.PnLUSDT == nil {
			continue
		}
		r.ClosedCount++
		pnl := *p.PnLUSDT
		r.TotalPnL += pnl
		if p.RoiPct != nil {
			roiSum += *p.RoiPct
		}
		switch {
		case pnl > 0:
			r.Wins++
			winSum += pnl
		case pnl < 0:
			r.Losses++
			lossSum += -pnl
		default:
			r.Breakeven++
		}
		if p.CloseReason != nil {
			r.ByCloseReason[*p.CloseReason]++
		}
		sym := r.BySymbol[p.Symbol]
		if sym == nil {
			sym = &SymbolPerformance{}
			r.BySymbol[p.Symbol] = sym
		}
		sym.Trades++
		sym.TotalPnL = Round4(sym.TotalPnL + pnl)
		if pnl > 0 {
			sym.Wins++
		}
	}

	if decided := r.Wins + r.Losses; decided > 0 {
		r.WinRatePct = Round4(float64(r.Wins) / float64(decided) * 100)
	}
	if r.ClosedCount > 0 {
		r.AvgPnL = Round4(r.TotalPnL / float64(r.ClosedCount))
		r.AvgRoiPct = Round4(roiSum / float64(r.ClosedCount))
	}
	// No losses yet leaves the factor at the win total rather than an
	// unencodable +Inf.
	if lossSum > 0 {
		r.ProfitFactor = Round4(winSum / lossSum)
	} else if winSum > 0 {
		r.ProfitFactor = Round4(winSum)
	}
	r.TotalPnL = Round4(r.TotalPnL)
	return r, nil
}

// PortfolioReport builds the performance view for one portfolio.
func (s *Service) PortfolioReport(ctx context.Context, portfolioID string) (*PortfolioPerformance, error) {
	portfolio, err := s.store.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	report, err := s.BuildReport(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	openMargin, openCount, err := s.store.OpenPortfolioMargin(ctx, portfolioID)
	if err != nil {
		return nil, err
	}

	perf := &PortfolioPerformance{
		Portfolio:      portfolio,
		Report:         report,
		NetPnL:         Round4(portfolio.CurrentBalance + openMargin - portfolio.InitialBalance),
		OpenMargin:     Round4(openMargin),
		ClosedLifetime: report.ClosedCount,
	}
	if portfolio.InitialBalance > 0 {
		perf.ReturnPct = Round4(perf.NetPnL / portfolio.InitialBalance * 100)
	}
	if portfolio.MaxPortfolioRisk > 0 {
		budget := portfolio.MaxPortfolioRisk*portfolio.CurrentBalance - openMargin
		perf.AvailableRisk = Round4(math.Max(budget, 0))
	}
	if portfolio.MaxOpenPositions > 0 {
		left := portfolio.MaxOpenPositions - openCount
		if left < 0 {
			left = 0
		}
		perf.OpenSlotsLeft = left
	}
	return perf, nil
}
