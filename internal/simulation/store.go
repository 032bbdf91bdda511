package simulation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"copytrade-signals/internal/database"
)

// Sentinel errors surfaced as 400s by the API layer.
var (
	ErrValidation       = errors.New("validation failed")
	ErrNoReferencePrice = errors.New("no reference price available")
	ErrRiskRejected     = errors.New("portfolio risk check rejected")
	ErrInsufficientData = errors.New("insufficient data")
)

// Store is the repository surface the simulation engine mutates and reads.
type Store interface {
	PriceSource
	OpenSimulatedPosition(ctx context.Context, p *database.SimulatedPosition) error
	CloseSimulatedPosition(ctx context.Context, p *database.SimulatedPosition) error
	UpdateSimulatedPositionRisk(ctx context.Context, p *database.SimulatedPosition) error
	GetSimulatedPosition(ctx context.Context, id string) (*database.SimulatedPosition, error)
	ListSimulatedPositions(ctx context.Context, f database.SimPositionFilter) ([]*database.SimulatedPosition, error)
	LatestAutoPositionForSymbol(ctx context.Context, symbol string) (*database.SimulatedPosition, error)
	GetPortfolio(ctx context.Context, id string) (*database.Portfolio, error)
	OpenPortfolioMargin(ctx context.Context, portfolioID string) (float64, int, error)
	FirstCloseEventAfter(ctx context.Context, symbol, kind string, after time.Time) (*database.TradeEvent, error)
	GetAutoTriggerRule(ctx context.Context, id string) (*database.AutoTriggerRule, error)
	SetAutoTriggerLastRun(ctx context.Context, id string, t time.Time) error
}

// OpenRequest is everything needed to open a paper position. EntryPrice
// zero means "resolve from the reference price".
type OpenRequest struct {
	Platform        string   `json:"platform"`
	Symbol          string   `json:"symbol"`
	Direction       string   `json:"direction"`
	Leverage        float64  `json:"leverage"`
	MarginNotional  float64  `json:"marginNotional"`
	EntryPrice      float64  `json:"entryPrice,omitempty"`
	StopLossPrice   *float64 `json:"stopLossPrice,omitempty"`
	TakeProfitPrice *float64 `json:"takeProfitPrice,omitempty"`
	TrailingStopPct *float64 `json:"trailingStopPct,omitempty"`
	SlippageBps     *float64 `json:"slippageBps,omitempty"`
	CommissionBps   *float64 `json:"commissionBps,omitempty"`
	PortfolioID     string   `json:"portfolioId,omitempty"`
	Source          string   `json:"source,omitempty"`
}

// Defaults used when a request carries no portfolio overrides.
type Defaults struct {
	Platform      string
	SlippageBps   float64
	CommissionBps float64
}

// Service owns the paper-trading lifecycle. Mutations touching one
// portfolio are serialized by a per-portfolio lock.
type Service struct {
	store    Store
	defaults Defaults
	logger   zerolog.Logger

	locks sync.Map // portfolioID -> *sync.Mutex
}

func NewService(store Store, defaults Defaults, logger zerolog.Logger) *Service {
	if defaults.Platform == "" {
		defaults.Platform = "binance"
	}
	return &Service{store: store, defaults: defaults, logger: logger}
}

func (s *Service) lockFor(key string) *sync.Mutex {
	if key == "" {
		key = "-"
	}
	mu, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Open validates, prices, risk-checks, and persists a new position. The
// database write debits the portfolio in the same transaction, so a
// cancelled open leaves no trace.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*database.SimulatedPosition, error) {
	if req.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrValidation)
	}
	if req.Direction != database.DirectionLong && req.Direction != database.DirectionShort {
		return nil, fmt.Errorf("%w: direction must be long or short", ErrValidation)
	}
	if req.MarginNotional <= 0 {
		return nil, fmt.Errorf("%w: marginNotional must be positive", ErrValidation)
	}
	if req.Leverage < 1 {
		return nil, fmt.Errorf("%w: leverage must be at least 1", ErrValidation)
	}

	mu := s.lockFor(req.PortfolioID)
	mu.Lock()
	defer mu.Unlock()

	entry := req.EntryPrice
	if entry <= 0 {
		ref, err := ReferencePrice(ctx, s.store, req.Symbol)
		if err != nil {
			return nil, err
		}
		if ref == nil || *ref <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoReferencePrice, req.Symbol)
		}
		entry = *ref
	}

	slippage := s.defaults.SlippageBps
	commission := s.defaults.CommissionBps
	var portfolioID *string

	if req.PortfolioID != "" {
		portfolio, err := s.store.GetPortfolio(ctx, req.PortfolioID)
		if err != nil {
			return nil, err
		}
		slippage = portfolio.DefaultSlippageBps
		commission = portfolio.DefaultCommissionBps
		if err := s.checkPortfolioRisk(ctx, portfolio, req.MarginNotional); err != nil {
			return nil, err
		}
		id := portfolio.ID
		portfolioID = &id
	}
	if req.SlippageBps != nil {
		slippage = *req.SlippageBps
	}
	if req.CommissionBps != nil {
		commission = *req.CommissionBps
	}

	platform := req.Platform
	if platform == "" {
		platform = s.defaults.Platform
	}
	source := req.Source
	if source == "" {
		source = database.SimSourceManual
	}

	pos := &database.SimulatedPosition{
		ID:                  uuid.NewString(),
		Platform:            platform,
		Symbol:              req.Symbol,
		Direction:           req.Direction,
		Status:              database.SimStatusOpen,
		Leverage:            req.Leverage,
		MarginNotional:      Round4(req.MarginNotional),
		PositionNotional:    Round4(req.MarginNotional * math.Max(req.Leverage, 1)),
		EntryPrice:          Round4(entry),
		EffectiveEntryPrice: EffectiveEntryPrice(entry, req.Direction, slippage),
		OpenedAt:            time.Now().UTC(),
		StopLossPrice:       req.StopLossPrice,
		TakeProfitPrice:     req.TakeProfitPrice,
		TrailingStopPct:     req.TrailingStopPct,
		SlippageBps:         slippage,
		CommissionBps:       commission,
		PortfolioID:         portfolioID,
		Source:              source,
	}
	if req.TrailingStopPct != nil {
		hw := pos.EffectiveEntryPrice
		pos.HighWaterPrice = &hw
	}

	if err := s.store.OpenSimulatedPosition(ctx, pos); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("direction", pos.Direction).
		Float64("margin", pos.MarginNotional).
		Str("source", pos.Source).
		Msg("simulated position opened")
	return pos, nil
}

// checkPortfolioRisk enforces the aggregate-margin and open-count limits.
func (s *Service) checkPortfolioRisk(ctx context.Context, p *database.Portfolio, newMargin float64) error {
	openMargin, openCount, err := s.store.OpenPortfolioMargin(ctx, p.ID)
	if err != nil {
		return err
	}
	if p.MaxOpenPositions > 0 && openCount >= p.MaxOpenPositions {
		return fmt.Errorf("%w: %d positions already open (max %d)", ErrRiskRejected, openCount, p.MaxOpenPositions)
	}
	limit := p.MaxPortfolioRisk * p.CurrentBalance
	if p.MaxPortfolioRisk > 0 && openMargin+newMargin > limit {
		return fmt.Errorf("%w: committed margin %.4f + new %.4f exceeds limit %.4f",
			ErrRiskRejected, openMargin, newMargin, limit)
	}
	return nil
}

// CloseOptions parameterizes a close beyond the exit price.
type CloseOptions struct {
	Reason       string
	TriggerLead  string
	TriggerEvent string
	ClosedAt     time.Time
}

// Close exits an open position at the given base price. ExitPrice zero
// resolves the reference price first.
func (s *Service) Close(ctx context.Context, id string, exitPrice float64, opts CloseOptions) (*database.SimulatedPosition, error) {
	pos, err := s.store.GetSimulatedPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if pos.Status != database.SimStatusOpen {
		return nil, fmt.Errorf("%w: position %s is not open", ErrValidation, id)
	}

	portfolioKey := ""
	if pos.PortfolioID != nil {
		portfolioKey = *pos.PortfolioID
	}
	mu := s.lockFor(portfolioKey)
	mu.Lock()
	defer mu.Unlock()

	if exitPrice <= 0 {
		ref, err := ReferencePrice(ctx, s.store, pos.Symbol)
		if err != nil {
			return nil, err
		}
		if ref == nil || *ref <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoReferencePrice, pos.Symbol)
		}
		exitPrice = *ref
	}

	effExit := EffectiveExitPrice(exitPrice, pos.Direction, pos.SlippageBps)
	pnl, roi := PositionPnL(pos, effExit)

	closedAt := opts.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	reason := opts.Reason
	if reason == "" {
		reason = database.CloseReasonManual
	}

	exit := Round4(exitPrice)
	pos.Status = database.SimStatusClosed
	pos.ExitPrice = &exit
	pos.EffectiveExitPrice = &effExit
	pos.ClosedAt = &closedAt
	pos.CloseReason = &reason
	pos.PnLUSDT = &pnl
	pos.RoiPct = &roi
	if opts.TriggerLead != "" {
		lead := opts.TriggerLead
		pos.CloseTriggerTraderID = &lead
	}
	if opts.TriggerEvent != "" {
		kind := opts.TriggerEvent
		pos.CloseTriggerEventKind = &kind
	}

	if err := s.store.CloseSimulatedPosition(ctx, pos); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("reason", reason).
		Float64("pnl", pnl).
		Msg("simulated position closed")
	return pos, nil
}

// Get returns one position.
func (s *Service) Get(ctx context.Context, id string) (*database.SimulatedPosition, error) {
	return s.store.GetSimulatedPosition(ctx, id)
}

// List returns positions under a filter.
func (s *Service) List(ctx context.Context, f database.SimPositionFilter) ([]*database.SimulatedPosition, error) {
	return s.store.ListSimulatedPositions(ctx, f)
}

// UpdateRisk rewrites a position's protective levels.
func (s *Service) UpdateRisk(ctx context.Context, id string, stopLoss, takeProfit, trailingPct *float64) (*database.SimulatedPosition, error) {
	pos, err := s.store.GetSimulatedPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if pos.Status != database.SimStatusOpen {
		return nil, fmt.Errorf("%w: position %s is not open", ErrValidation, id)
	}
	pos.StopLossPrice = stopLoss
	pos.TakeProfitPrice = takeProfit
	pos.TrailingStopPct = trailingPct
	if trailingPct != nil && pos.HighWaterPrice == nil {
		hw := pos.EffectiveEntryPrice
		pos.HighWaterPrice = &hw
	}
	if err := s.store.UpdateSimulatedPositionRisk(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}
