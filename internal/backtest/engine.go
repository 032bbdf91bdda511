package backtest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"copytrade-signals/internal/consensus"
	"copytrade-signals/internal/database"
	"copytrade-signals/internal/simulation"
)

// defaultTraderWeight stands in for traders that have no computed score
// yet when the replay builds its consensus.
const defaultTraderWeight = 0.5

// Store is the data the engine replays and persists into.
type Store interface {
	ListEvents(ctx context.Context, f database.EventFilter) ([]*database.TradeEvent, error)
	TraderScoreMap(ctx context.Context) (map[string]*database.TraderScore, error)
	InsertBacktestResult(ctx context.Context, b *database.BacktestResult) error
}

// Params configures one backtest-lite run.
type Params struct {
	TimeRange       string  `json:"timeRange"`
	Symbol          string  `json:"symbol,omitempty"`
	MinTraders      int     `json:"minTraders"`
	MinConfidence   float64 `json:"minConfidence"`
	MinSentimentAbs float64 `json:"minSentimentAbs"`
	Leverage        float64 `json:"leverage"`
	MarginNotional  float64 `json:"marginNotional"`
	SlippageBps     float64 `json:"slippageBps"`
	CommissionBps   float64 `json:"commissionBps"`
	InitialBalance  float64 `json:"initialBalance"`

	AdvancedMetrics bool `json:"advancedMetrics"`
	MonteCarlo      bool `json:"monteCarlo"`
	WalkForward     bool `json:"walkForward"`
	EquityCurve     bool `json:"equityCurve"`
	NumSimulations  int  `json:"numSimulations,omitempty"`
	Persist         bool `json:"persist"`
}

// Normalize fills zero-valued knobs with the engine defaults.
func (p *Params) Normalize() {
	if p.TimeRange == "" {
		p.TimeRange = consensus.TimeRange7d
	}
	if p.MinTraders <= 0 {
		p.MinTraders = 2
	}
	if p.MinConfidence <= 0 {
		p.MinConfidence = 50
	}
	if p.MinSentimentAbs <= 0 {
		p.MinSentimentAbs = 50
	}
	if p.Leverage <= 0 {
		p.Leverage = 10
	}
	if p.MarginNotional <= 0 {
		p.MarginNotional = 100
	}
	if p.InitialBalance <= 0 {
		p.InitialBalance = 10000
	}
}

// Trade is one virtual round trip produced by the replay.
type Trade struct {
	Symbol           string    `json:"symbol"`
	Direction        string    `json:"direction"`
	EntryTime        time.Time `json:"entryTime"`
	ExitTime         time.Time `json:"exitTime"`
	EntryPrice       float64   `json:"entryPrice"`
	ExitPrice        float64   `json:"exitPrice"`
	MarginNotional   float64   `json:"marginNotional"`
	PositionNotional float64   `json:"positionNotional"`
	PnL              float64   `json:"pnl"`
	RoiPct           float64   `json:"roiPct"`
	ExitReason       string    `json:"exitReason"`
}

// Summary is the headline statistics block.
type Summary struct {
	Trades     int     `json:"trades"`
	Wins       int     `json:"wins"`
	Losses     int     `json:"losses"`
	Breakeven  int     `json:"breakeven"`
	WinRatePct float64 `json:"winRatePct"`
	TotalPnL   float64 `json:"totalPnl"`
	AvgPnL     float64 `json:"avgPnl"`
	AvgRoiPct  float64 `json:"avgRoiPct"`
}

// SymbolSummary is the per-symbol rollup.
type SymbolSummary struct {
	Trades   int     `json:"trades"`
	Wins     int     `json:"wins"`
	TotalPnL float64 `json:"totalPnl"`
}

// Result is the full output of one run. Advanced blocks are nil unless
// requested.
type Result struct {
	Params      Params                    `json:"params"`
	Summary     Summary                   `json:"summary"`
	Trades      []Trade                   `json:"trades"`
	BySymbol    map[string]*SymbolSummary `json:"bySymbol"`
	EquityCurve []EquityPoint             `json:"equityCurve,omitempty"`
	Advanced    *AdvancedMetrics          `json:"advanced,omitempty"`
	MonteCarlo  *MonteCarloResult         `json:"monteCarlo,omitempty"`
	WalkForward *WalkForwardResult        `json:"walkForward,omitempty"`
	PersistedID string                    `json:"persistedId,omitempty"`
}

// Engine replays the event log under consensus rules.
type Engine struct {
	store  Store
	logger zerolog.Logger
}

func NewEngine(store Store, logger zerolog.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// symbolState tracks one symbol's replay: who is long, who is short,
// the last seen price, and the virtual position if one is open.
type symbolState struct {
	openLong  map[string]struct{}
	openShort map[string]struct{}
	lastPrice float64
	active    *Trade
}

// Run executes a full replay. Events are walked in (eventTime, fetchedAt)
// ascending order, which is how the store returns them.
func (e *Engine) Run(ctx context.Context, params Params) (*Result, error) {
	params.Normalize()

	events, err := e.store.ListEvents(ctx, database.EventFilter{
		Cutoff: consensus.Cutoff(params.TimeRange, time.Now().UTC()),
		Symbol: params.Symbol,
	})
	if err != nil {
		return nil, err
	}
	scores, err := e.store.TraderScoreMap(ctx)
	if err != nil {
		return nil, err
	}

	states := make(map[string]*symbolState)
	var trades []Trade

	for _, ev := range events {
		st := states[ev.Symbol]
		if st == nil {
			st = &symbolState{
				openLong:  make(map[string]struct{}),
				openShort: make(map[string]struct{}),
			}
			states[ev.Symbol] = st
		}
		if ev.Price > 0 {
			st.lastPrice = ev.Price
		}

		switch ev.Kind {
		case database.EventOpenLong:
			st.openLong[ev.LeadID] = struct{}{}
		case database.EventCloseLong:
			delete(st.openLong, ev.LeadID)
		case database.EventOpenShort:
			st.openShort[ev.LeadID] = struct{}{}
		case database.EventCloseShort:
			delete(st.openShort, ev.LeadID)
		default:
			continue
		}

		if st.active != nil {
			if ev.Kind == database.CloseKindFor(st.active.Direction) {
				price := ev.Price
				if price <= 0 {
					price = st.lastPrice
				}
				if price <= 0 {
					price = st.active.EntryPrice
				}
				trades = append(trades, e.closeVirtual(st, price, eventMoment(ev), "trader_close", params))
			}
			continue
		}

		cons := e.consensusFor(ev.Symbol, st, scores)
		if !candidatePasses(cons, params) {
			continue
		}
		price := ev.Price
		if price <= 0 {
			price = st.lastPrice
		}
		if price <= 0 {
			continue
		}
		st.active = &Trade{
			Symbol:           ev.Symbol,
			Direction:        cons.Direction,
			EntryTime:        eventMoment(ev),
			EntryPrice:       simulation.EffectiveEntryPrice(price, cons.Direction, params.SlippageBps),
			MarginNotional:   params.MarginNotional,
			PositionNotional: simulation.Round4(params.MarginNotional * params.Leverage),
		}
	}

	result := &Result{Params: params, Trades: trades, BySymbol: make(map[string]*SymbolSummary)}
	e.summarize(result)

	if params.AdvancedMetrics {
		result.Advanced = ComputeAdvanced(trades, params.InitialBalance)
	}
	if params.EquityCurve {
		result.EquityCurve = BuildEquityCurve(trades, params.InitialBalance)
	}
	if params.MonteCarlo {
		result.MonteCarlo = RunMonteCarlo(trades, params.InitialBalance, params.NumSimulations)
	}
	if params.WalkForward {
		result.WalkForward = RunWalkForward(trades, defaultWalkWindows, defaultInSampleRatio)
	}

	if params.Persist && result.Advanced != nil {
		if err := e.persist(ctx, result); err != nil {
			return nil, err
		}
	}

	e.logger.Info().
		Int("events", len(events)).
		Int("trades", result.Summary.Trades).
		Float64("total_pnl", result.Summary.TotalPnL).
		Msg("backtest run complete")
	return result, nil
}

func eventMoment(ev *database.TradeEvent) time.Time {
	if ev.EventTime != nil {
		return *ev.EventTime
	}
	return ev.FetchedAt
}

// closeVirtual finishes the active trade at the given base price and
// clears it from the symbol state. Exit slippage and both commission legs
// follow the same pricing model as a live paper position.
func (e *Engine) closeVirtual(st *symbolState, price float64, at time.Time, reason string, params Params) Trade {
	t := *st.active
	t.ExitTime = at
	t.ExitReason = reason
	t.ExitPrice = simulation.EffectiveExitPrice(price, t.Direction, params.SlippageBps)

	pos := &database.SimulatedPosition{
		Direction:           t.Direction,
		MarginNotional:      t.MarginNotional,
		PositionNotional:    t.PositionNotional,
		EffectiveEntryPrice: t.EntryPrice,
		SlippageBps:         params.SlippageBps,
		CommissionBps:       params.CommissionBps,
	}
	t.PnL, t.RoiPct = simulation.PositionPnL(pos, t.ExitPrice)
	st.active = nil
	return t
}

// consensusFor builds the weighted consensus from the current open sets.
func (e *Engine) consensusFor(symbol string, st *symbolState, scores map[string]*database.TraderScore) consensus.Consensus {
	stances := make([]consensus.Stance, 0, len(st.openLong)+len(st.openShort))
	for lead := range st.openLong {
		stances = append(stances, consensus.Stance{
			LeadID: lead, Direction: database.DirectionLong, Weight: weightFor(scores, lead),
		})
	}
	for lead := range st.openShort {
		stances = append(stances, consensus.Stance{
			LeadID: lead, Direction: database.DirectionShort, Weight: weightFor(scores, lead),
		})
	}
	return consensus.Compute(symbol, stances)
}

func weightFor(scores map[string]*database.TraderScore, leadID string) float64 {
	if s, ok := scores[leadID]; ok && s.TraderWeight > 0 {
		return s.TraderWeight
	}
	return defaultTraderWeight
}

func candidatePasses(c consensus.Consensus, params Params) bool {
	if c.Direction == database.DirectionNeutral {
		return false
	}
	directional := c.LongCount
	if c.Direction == database.DirectionShort {
		directional = c.ShortCount
	}
	if directional < params.MinTraders {
		return false
	}
	if c.ConfidenceScore < params.MinConfidence {
		return false
	}
	abs := c.SentimentScore
	if abs < 0 {
		abs = -abs
	}
	return abs*100 >= params.MinSentimentAbs
}

func (e *Engine) summarize(r *Result) {
	var roiSum float64
	for _, t := range r.Trades {
		r.Summary.Trades++
		r.Summary.TotalPnL += t.PnL
		roiSum += t.RoiPct
		switch {
		case t.PnL > 0:
			r.Summary.Wins++
		case t.PnL < 0:
			r.Summary.Losses++
		default:
			r.Summary.Breakeven++
		}
		sym := r.BySymbol[t.Symbol]
		if sym == nil {
			sym = &SymbolSummary{}
			r.BySymbol[t.Symbol] = sym
		}
		sym.Trades++
		sym.TotalPnL = simulation.Round4(sym.TotalPnL + t.PnL)
		if t.PnL > 0 {
			sym.Wins++
		}
	}
	if decided := r.Summary.Wins + r.Summary.Losses; decided > 0 {
		r.Summary.WinRatePct = simulation.Round4(float64(r.Summary.Wins) / float64(decided) * 100)
	}
	if r.Summary.Trades > 0 {
		r.Summary.AvgPnL = simulation.Round4(r.Summary.TotalPnL / float64(r.Summary.Trades))
		r.Summary.AvgRoiPct = simulation.Round4(roiSum / float64(r.Summary.Trades))
	}
	r.Summary.TotalPnL = simulation.Round4(r.Summary.TotalPnL)
}

// persist stores the run. Requires the advanced block so a stored row is
// never missing half its metrics.
func (e *Engine) persist(ctx context.Context, r *Result) error {
	row := &database.BacktestResult{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Params:    toDocument(r.Params),
		Summary:   toDocument(r.Summary),
		Advanced:  toDocument(r.Advanced),
		Trades:    r.Summary.Trades,
		TotalPnL:  r.Summary.TotalPnL,
		WinRate:   r.Summary.WinRatePct,
	}
	if err := e.store.InsertBacktestResult(ctx, row); err != nil {
		return err
	}
	r.PersistedID = row.ID
	return nil
}
