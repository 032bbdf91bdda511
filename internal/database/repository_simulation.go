package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const simPositionColumns = `id, platform, symbol, direction, status, leverage, margin_notional,
	position_notional, entry_price, effective_entry_price, exit_price, effective_exit_price,
	opened_at, closed_at, close_reason, close_trigger_trader_id, close_trigger_event_kind,
	pnl_usdt, roi_pct, stop_loss_price, take_profit_price, trailing_stop_pct, high_water_price,
	slippage_bps, commission_bps, portfolio_id, source, created_at, updated_at`

func scanSimPosition(row pgx.Row) (*SimulatedPosition, error) {
	p := &SimulatedPosition{}
	err := row.Scan(
		&p.ID, &p.Platform, &p.Symbol, &p.Direction, &p.Status, &p.Leverage, &p.MarginNotional,
		&p.PositionNotional, &p.EntryPrice, &p.EffectiveEntryPrice, &p.ExitPrice, &p.EffectiveExitPrice,
		&p.OpenedAt, &p.ClosedAt, &p.CloseReason, &p.CloseTriggerTraderID, &p.CloseTriggerEventKind,
		&p.PnLUSDT, &p.RoiPct, &p.StopLossPrice, &p.TakeProfitPrice, &p.TrailingStopPct, &p.HighWaterPrice,
		&p.SlippageBps, &p.CommissionBps, &p.PortfolioID, &p.Source, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// OpenSimulatedPosition inserts an open paper position and, when the
// position belongs to a portfolio, debits the margin from its balance in
// the same transaction. Cancellation mid-way leaves both untouched.
func (r *Repository) OpenSimulatedPosition(ctx context.Context, p *SimulatedPosition) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin open transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if p.PortfolioID != nil {
		tag, err := tx.Exec(ctx, `
			UPDATE portfolios SET current_balance = current_balance - $2, updated_at = NOW()
			WHERE id = $1
		`, *p.PortfolioID, p.MarginNotional)
		if err != nil {
			return fmt.Errorf("debit portfolio: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO simulated_positions (id, platform, symbol, direction, status, leverage,
			margin_notional, position_notional, entry_price, effective_entry_price,
			opened_at, stop_loss_price, take_profit_price, trailing_stop_pct, high_water_price,
			slippage_bps, commission_bps, portfolio_id, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, p.ID, p.Platform, p.Symbol, p.Direction, p.Status, p.Leverage,
		p.MarginNotional, p.PositionNotional, p.EntryPrice, p.EffectiveEntryPrice,
		p.OpenedAt, p.StopLossPrice, p.TakeProfitPrice, p.TrailingStopPct, p.HighWaterPrice,
		p.SlippageBps, p.CommissionBps, p.PortfolioID, p.Source)
	if err != nil {
		return fmt.Errorf("insert simulated position: %w", err)
	}

	return tx.Commit(ctx)
}

// CloseSimulatedPosition persists the close fields of a position and, when
// it belongs to a portfolio, credits margin plus net PnL back to the
// balance in the same transaction.
func (r *Repository) CloseSimulatedPosition(ctx context.Context, p *SimulatedPosition) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin close transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE simulated_positions
		SET status = $2, exit_price = $3, effective_exit_price = $4, closed_at = $5,
		    close_reason = $6, close_trigger_trader_id = $7, close_trigger_event_kind = $8,
		    pnl_usdt = $9, roi_pct = $10, updated_at = NOW()
		WHERE id = $1 AND status = 'open'
	`, p.ID, p.Status, p.ExitPrice, p.EffectiveExitPrice, p.ClosedAt,
		p.CloseReason, p.CloseTriggerTraderID, p.CloseTriggerEventKind, p.PnLUSDT, p.RoiPct)
	if err != nil {
		return fmt.Errorf("update simulated position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if p.PortfolioID != nil && p.PnLUSDT != nil {
		_, err := tx.Exec(ctx, `
			UPDATE portfolios SET current_balance = current_balance + $2, updated_at = NOW()
			WHERE id = $1
		`, *p.PortfolioID, p.MarginNotional+*p.PnLUSDT)
		if err != nil {
			return fmt.Errorf("credit portfolio: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// UpdateSimulatedPositionRisk rewrites the SL/TP/trailing fields.
func (r *Repository) UpdateSimulatedPositionRisk(ctx context.Context, p *SimulatedPosition) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE simulated_positions
		SET stop_loss_price = $2, take_profit_price = $3, trailing_stop_pct = $4,
		    high_water_price = $5, updated_at = NOW()
		WHERE id = $1
	`, p.ID, p.StopLossPrice, p.TakeProfitPrice, p.TrailingStopPct, p.HighWaterPrice)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSimulatedPosition fetches one paper position by id.
func (r *Repository) GetSimulatedPosition(ctx context.Context, id string) (*SimulatedPosition, error) {
	query := `SELECT ` + simPositionColumns + ` FROM simulated_positions WHERE id = $1`
	p, err := scanSimPosition(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// SimPositionFilter narrows paper position listings. Empty fields match all.
type SimPositionFilter struct {
	Status      string
	Source      string
	Symbol      string
	PortfolioID string
	Limit       int
}

// ListSimulatedPositions returns paper positions, newest first.
func (r *Repository) ListSimulatedPositions(ctx context.Context, f SimPositionFilter) ([]*SimulatedPosition, error) {
	query := `SELECT ` + simPositionColumns + ` FROM simulated_positions WHERE 1=1`
	args := []interface{}{}
	idx := 1
	add := func(cond, val string) {
		query += ` AND ` + cond + ` = $` + itoa(idx)
		args = append(args, val)
		idx++
	}
	if f.Status != "" {
		add("status", f.Status)
	}
	if f.Source != "" {
		add("source", f.Source)
	}
	if f.Symbol != "" {
		add("symbol", f.Symbol)
	}
	if f.PortfolioID != "" {
		add("portfolio_id", f.PortfolioID)
	}
	query += ` ORDER BY opened_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT $` + itoa(idx)
		args = append(args, f.Limit)
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SimulatedPosition
	for rows.Next() {
		p, err := scanSimPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LatestAutoPositionForSymbol returns the most recently opened AUTO
// position (open or closed) for a symbol; cooldown checks use this.
func (r *Repository) LatestAutoPositionForSymbol(ctx context.Context, symbol string) (*SimulatedPosition, error) {
	query := `SELECT ` + simPositionColumns + `
		FROM simulated_positions
		WHERE symbol = $1 AND source = 'auto'
		ORDER BY opened_at DESC
		LIMIT 1`
	p, err := scanSimPosition(r.db.Pool.QueryRow(ctx, query, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ============================================================================
// PORTFOLIOS
// ============================================================================

const portfolioColumns = `id, name, initial_balance, current_balance, kelly_fraction, min_sample_size,
	max_risk_per_trade, max_portfolio_risk, max_open_positions, default_slippage_bps,
	default_commission_bps, created_at, updated_at`

func scanPortfolio(row pgx.Row) (*Portfolio, error) {
	p := &Portfolio{}
	err := row.Scan(&p.ID, &p.Name, &p.InitialBalance, &p.CurrentBalance, &p.KellyFraction,
		&p.MinSampleSize, &p.MaxRiskPerTrade, &p.MaxPortfolioRisk, &p.MaxOpenPositions,
		&p.DefaultSlippageBps, &p.DefaultCommissionBps, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// InsertPortfolio creates a portfolio.
func (r *Repository) InsertPortfolio(ctx context.Context, p *Portfolio) error {
	return r.db.Pool.QueryRow(ctx, `
		INSERT INTO portfolios (id, name, initial_balance, current_balance, kelly_fraction,
			min_sample_size, max_risk_per_trade, max_portfolio_risk, max_open_positions,
			default_slippage_bps, default_commission_bps)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, p.ID, p.Name, p.InitialBalance, p.CurrentBalance, p.KellyFraction,
		p.MinSampleSize, p.MaxRiskPerTrade, p.MaxPortfolioRisk, p.MaxOpenPositions,
		p.DefaultSlippageBps, p.DefaultCommissionBps,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

// GetPortfolio fetches one portfolio by id.
func (r *Repository) GetPortfolio(ctx context.Context, id string) (*Portfolio, error) {
	p, err := scanPortfolio(r.db.Pool.QueryRow(ctx, `SELECT `+portfolioColumns+` FROM portfolios WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ListPortfolios returns all portfolios, oldest first.
func (r *Repository) ListPortfolios(ctx context.Context) ([]*Portfolio, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+portfolioColumns+` FROM portfolios ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Portfolio
	for rows.Next() {
		p, err := scanPortfolio(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// OpenPortfolioMargin sums the margin of a portfolio's open positions.
func (r *Repository) OpenPortfolioMargin(ctx context.Context, portfolioID string) (float64, int, error) {
	var margin float64
	var count int
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(margin_notional), 0), COUNT(*)
		FROM simulated_positions
		WHERE portfolio_id = $1 AND status = 'open'
	`, portfolioID).Scan(&margin, &count)
	return margin, count, err
}

// ============================================================================
// RULES
// ============================================================================

// GetAutoTriggerRule returns the rule with the given id, creating it with
// defaults on first access.
func (r *Repository) GetAutoTriggerRule(ctx context.Context, id string) (*AutoTriggerRule, error) {
	if id == "" {
		id = DefaultRuleID
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO auto_trigger_rules (id) VALUES ($1) ON CONFLICT (id) DO NOTHING
	`, id)
	if err != nil {
		return nil, err
	}

	rule := &AutoTriggerRule{}
	err = r.db.Pool.QueryRow(ctx, `
		SELECT id, enabled, segment_filter, time_range, min_traders, min_confidence,
		       min_sentiment_abs, leverage, margin_notional, cooldown_minutes, last_run_at, updated_at
		FROM auto_trigger_rules WHERE id = $1
	`, id).Scan(&rule.ID, &rule.Enabled, &rule.SegmentFilter, &rule.TimeRange, &rule.MinTraders,
		&rule.MinConfidence, &rule.MinSentimentAbs, &rule.Leverage, &rule.MarginNotional,
		&rule.CooldownMinutes, &rule.LastRunAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// UpdateAutoTriggerRule rewrites the rule's configuration fields.
func (r *Repository) UpdateAutoTriggerRule(ctx context.Context, rule *AutoTriggerRule) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE auto_trigger_rules
		SET enabled = $2, segment_filter = $3, time_range = $4, min_traders = $5,
		    min_confidence = $6, min_sentiment_abs = $7, leverage = $8, margin_notional = $9,
		    cooldown_minutes = $10, updated_at = NOW()
		WHERE id = $1
	`, rule.ID, rule.Enabled, rule.SegmentFilter, rule.TimeRange, rule.MinTraders,
		rule.MinConfidence, rule.MinSentimentAbs, rule.Leverage, rule.MarginNotional,
		rule.CooldownMinutes)
	return err
}

// SetAutoTriggerLastRun advances last_run_at after a committed pass.
func (r *Repository) SetAutoTriggerLastRun(ctx context.Context, id string, t time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE auto_trigger_rules SET last_run_at = $2, updated_at = NOW() WHERE id = $1`, id, t)
	return err
}

// GetInsightsRule returns the insights rule, creating it with defaults on
// first access.
func (r *Repository) GetInsightsRule(ctx context.Context, id string) (*InsightsRule, error) {
	if id == "" {
		id = DefaultRuleID
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO insights_rules (id) VALUES ($1) ON CONFLICT (id) DO NOTHING
	`, id)
	if err != nil {
		return nil, err
	}

	rule := &InsightsRule{}
	err = r.db.Pool.QueryRow(ctx, `
		SELECT id, default_mode, presets, updated_at FROM insights_rules WHERE id = $1
	`, id).Scan(&rule.ID, &rule.DefaultMode, &rule.Presets, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// UpdateInsightsRule rewrites the insights rule.
func (r *Repository) UpdateInsightsRule(ctx context.Context, rule *InsightsRule) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE insights_rules SET default_mode = $2, presets = $3, updated_at = NOW() WHERE id = $1
	`, rule.ID, rule.DefaultMode, rule.Presets)
	return err
}
