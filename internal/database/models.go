package database

import (
	"time"
)

// Direction constants for positions and consensus
const (
	DirectionLong    = "long"
	DirectionShort   = "short"
	DirectionNeutral = "neutral"
)

// Trader segment constants derived from the positionShow flag
const (
	SegmentVisible = "visible"
	SegmentHidden  = "hidden"
	SegmentUnknown = "unknown"
)

// Normalized event kinds
const (
	EventOpenLong   = "open_long"
	EventCloseLong  = "close_long"
	EventOpenShort  = "open_short"
	EventCloseShort = "close_short"
)

// PositionState status constants
const (
	StateActive = "active"
	StateClosed = "closed"
)

// PositionState source constants
const (
	StateSourceSnapshot = "snapshot"
	StateSourceOrders   = "orders"
)

// Simulated position status constants
const (
	SimStatusOpen   = "open"
	SimStatusClosed = "closed"
)

// Simulated position sources
const (
	SimSourceManual = "manual"
	SimSourceAuto   = "auto"
)

// Close reasons for simulated positions
const (
	CloseReasonFirstTraderClose = "first_trader_close"
	CloseReasonAutoReverse      = "auto_reverse_signal"
	CloseReasonManual           = "manual_close"
	CloseReasonStopLoss         = "stop_loss"
	CloseReasonTakeProfit       = "take_profit"
	CloseReasonTrailingStop     = "trailing_stop"
)

// Singleton rule id for auto-trigger and insights rules
const DefaultRuleID = "default"

// RawIngest is one append-only scrape record for a lead trader. Payload is
// stored opaque; counts and time range are derived at write time.
type RawIngest struct {
	ID             int64                  `json:"id"`
	LeadID         string                 `json:"lead_id"`
	FetchedAt      time.Time              `json:"fetched_at"`
	TimeRange      *string                `json:"time_range,omitempty"`
	PositionsCount int                    `json:"positions_count"`
	OrdersCount    int                    `json:"orders_count"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// TraderScore is the per-trader derived quality record, upserted on refresh.
type TraderScore struct {
	LeadID                string     `json:"lead_id"`
	Nickname              *string    `json:"nickname,omitempty"`
	AvatarURL             *string    `json:"avatar_url,omitempty"`
	PositionShow          *bool      `json:"position_show,omitempty"`
	PositionShowChangedAt *time.Time `json:"position_show_changed_at,omitempty"`
	Score30d              *float64   `json:"score_30d,omitempty"`
	QualityScore          float64    `json:"quality_score"`
	Confidence            string     `json:"confidence"` // low, medium, high
	WinRate               *float64   `json:"win_rate,omitempty"`
	SampleSize            int        `json:"sample_size"`
	TraderWeight          float64    `json:"trader_weight"`
	AvgLeverage           *float64   `json:"avg_leverage,omitempty"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Segment classifies the trader from its positionShow flag.
func (t *TraderScore) Segment() string {
	if t.PositionShow == nil {
		return SegmentUnknown
	}
	if *t.PositionShow {
		return SegmentVisible
	}
	return SegmentHidden
}

// PositionState is a reconstructed (lead, symbol, direction) lifecycle row.
// At most one active row exists per key; closed rows never reopen.
type PositionState struct {
	ID                 int64      `json:"id"`
	LeadID             string     `json:"lead_id"`
	Symbol             string     `json:"symbol"`
	Direction          string     `json:"direction"` // long or short
	Status             string     `json:"status"`    // active or closed
	EntryPrice         float64    `json:"entry_price"`
	Amount             float64    `json:"amount"`
	Leverage           *float64   `json:"leverage,omitempty"`
	FirstSeenAt        time.Time  `json:"first_seen_at"`
	LastSeenAt         time.Time  `json:"last_seen_at"`
	DisappearedAt      *time.Time `json:"disappeared_at,omitempty"`
	EstimatedOpenTime  *time.Time `json:"estimated_open_time,omitempty"`
	EstimatedCloseTime *time.Time `json:"estimated_close_time,omitempty"`
	OpenEventID        *int64     `json:"open_event_id,omitempty"`
	Confidence         *float64   `json:"confidence,omitempty"` // orders-derived heuristic
	Source             string     `json:"source"`               // snapshot or orders
	UpdatedAt          time.Time  `json:"updated_at"`
}

// OpenTimeEstimate returns the best available open time: the midpoint
// estimate when present, else firstSeenAt.
func (p *PositionState) OpenTimeEstimate() time.Time {
	if p.EstimatedOpenTime != nil {
		return *p.EstimatedOpenTime
	}
	return p.FirstSeenAt
}

// TradeEvent is one normalized event from a lead's order history.
type TradeEvent struct {
	ID          int64      `json:"id"`
	LeadID      string     `json:"lead_id"`
	Symbol      string     `json:"symbol"`
	Kind        string     `json:"kind"`
	EventTime   *time.Time `json:"event_time,omitempty"`
	FetchedAt   time.Time  `json:"fetched_at"`
	Price       float64    `json:"price"`
	Amount      float64    `json:"amount"`
	RealizedPnL float64    `json:"realized_pnl"`
}

// IsOpen reports whether the event kind opens a position.
func (e *TradeEvent) IsOpen() bool {
	return e.Kind == EventOpenLong || e.Kind == EventOpenShort
}

// Direction returns the position direction the event concerns.
func (e *TradeEvent) Direction() string {
	if e.Kind == EventOpenLong || e.Kind == EventCloseLong {
		return DirectionLong
	}
	return DirectionShort
}

// CloseKindFor returns the close event kind that terminates a position in
// the given direction.
func CloseKindFor(direction string) string {
	if direction == DirectionLong {
		return EventCloseLong
	}
	return EventCloseShort
}

// PositionSnapshot is one observation of a live position at scrape time.
// Snapshots feed the leverage estimator and the reference-price resolver.
type PositionSnapshot struct {
	ID            int64     `json:"id"`
	LeadID        string    `json:"lead_id"`
	Symbol        string    `json:"symbol"`
	Direction     string    `json:"direction"`
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	Leverage      float64   `json:"leverage"`
	Amount        float64   `json:"amount"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	Notional      float64   `json:"notional"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// SimulatedPosition is a paper position driven by consensus or opened
// manually. positionNotional = marginNotional * max(leverage, 1).
type SimulatedPosition struct {
	ID                    string     `json:"id"`
	Platform              string     `json:"platform"`
	Symbol                string     `json:"symbol"`
	Direction             string     `json:"direction"`
	Status                string     `json:"status"`
	Leverage              float64    `json:"leverage"`
	MarginNotional        float64    `json:"margin_notional"`
	PositionNotional      float64    `json:"position_notional"`
	EntryPrice            float64    `json:"entry_price"`
	EffectiveEntryPrice   float64    `json:"effective_entry_price"`
	ExitPrice             *float64   `json:"exit_price,omitempty"`
	EffectiveExitPrice    *float64   `json:"effective_exit_price,omitempty"`
	OpenedAt              time.Time  `json:"opened_at"`
	ClosedAt              *time.Time `json:"closed_at,omitempty"`
	CloseReason           *string    `json:"close_reason,omitempty"`
	CloseTriggerTraderID  *string    `json:"close_trigger_trader_id,omitempty"`
	CloseTriggerEventKind *string    `json:"close_trigger_event_kind,omitempty"`
	PnLUSDT               *float64   `json:"pnl_usdt,omitempty"`
	RoiPct                *float64   `json:"roi_pct,omitempty"`
	StopLossPrice         *float64   `json:"stop_loss_price,omitempty"`
	TakeProfitPrice       *float64   `json:"take_profit_price,omitempty"`
	TrailingStopPct       *float64   `json:"trailing_stop_pct,omitempty"`
	HighWaterPrice        *float64   `json:"high_water_price,omitempty"`
	SlippageBps           float64    `json:"slippage_bps"`
	CommissionBps         float64    `json:"commission_bps"`
	PortfolioID           *string    `json:"portfolio_id,omitempty"`
	Source                string     `json:"source"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Portfolio groups simulated positions under a balance and risk limits.
type Portfolio struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	InitialBalance       float64   `json:"initial_balance"`
	CurrentBalance       float64   `json:"current_balance"`
	KellyFraction        float64   `json:"kelly_fraction"`
	MinSampleSize        int       `json:"min_sample_size"`
	MaxRiskPerTrade      float64   `json:"max_risk_per_trade"`
	MaxPortfolioRisk     float64   `json:"max_portfolio_risk"`
	MaxOpenPositions     int       `json:"max_open_positions"`
	DefaultSlippageBps   float64   `json:"default_slippage_bps"`
	DefaultCommissionBps float64   `json:"default_commission_bps"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// AutoTriggerRule is the singleton configuration of the auto-trigger engine.
type AutoTriggerRule struct {
	ID              string     `json:"id"`
	Enabled         bool       `json:"enabled"`
	SegmentFilter   string     `json:"segment_filter"` // visible, hidden, both
	TimeRange       string     `json:"time_range"`     // 1h, 4h, 24h, 7d, ALL
	MinTraders      int        `json:"min_traders"`
	MinConfidence   float64    `json:"min_confidence"`    // 0..100
	MinSentimentAbs float64    `json:"min_sentiment_abs"` // 0..100
	Leverage        float64    `json:"leverage"`
	MarginNotional  float64    `json:"margin_notional"`
	CooldownMinutes int        `json:"cooldown_minutes"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// InsightsRule is the singleton insights configuration: the default preset
// mode plus the three preset bundles stored as an opaque document.
type InsightsRule struct {
	ID          string                 `json:"id"`
	DefaultMode string                 `json:"default_mode"` // conservative, balanced, aggressive
	Presets     map[string]interface{} `json:"presets"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// BacktestResult is a persisted backtest-lite run. Saved only when the
// caller requested persistence and advanced metrics are present.
type BacktestResult struct {
	ID        string                 `json:"id"`
	CreatedAt time.Time              `json:"created_at"`
	Params    map[string]interface{} `json:"params"`
	Summary   map[string]interface{} `json:"summary"`
	Advanced  map[string]interface{} `json:"advanced,omitempty"`
	Trades    int                    `json:"trades"`
	TotalPnL  float64                `json:"total_pnl"`
	WinRate   float64                `json:"win_rate"`
}
