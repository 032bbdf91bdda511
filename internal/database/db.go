// Package database provides PostgreSQL persistence for scraped payloads,
// derived trader state, and the simulated trading engine.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection pool
func NewDB(cfg Config, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "database").Logger()
	log.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")

	return &DB{Pool: pool, logger: log}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// RunMigrations executes schema migrations. All statements are idempotent.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("running database migrations")

	migrations := []string{
		// Raw scrape payloads, append-only per (lead_id, fetched_at)
		`CREATE TABLE IF NOT EXISTS raw_ingests (
			id BIGSERIAL PRIMARY KEY,
			lead_id TEXT NOT NULL,
			fetched_at TIMESTAMPTZ NOT NULL,
			time_range TEXT,
			positions_count INTEGER NOT NULL DEFAULT 0,
			orders_count INTEGER NOT NULL DEFAULT 0,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (lead_id, fetched_at)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_ingests_lead_fetched ON raw_ingests(lead_id, fetched_at DESC)`,

		// Derived per-trader quality and weight
		`CREATE TABLE IF NOT EXISTS trader_scores (
			lead_id TEXT PRIMARY KEY,
			nickname TEXT,
			avatar_url TEXT,
			position_show BOOLEAN,
			position_show_changed_at TIMESTAMPTZ,
			score_30d DOUBLE PRECISION,
			quality_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			confidence TEXT NOT NULL DEFAULT 'low',
			win_rate DOUBLE PRECISION,
			sample_size INTEGER NOT NULL DEFAULT 0,
			trader_weight DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_leverage DOUBLE PRECISION,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// Reconstructed (lead, symbol, direction) lifecycles
		`CREATE TABLE IF NOT EXISTS position_states (
			id BIGSERIAL PRIMARY KEY,
			lead_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			status TEXT NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			amount DOUBLE PRECISION NOT NULL DEFAULT 0,
			leverage DOUBLE PRECISION,
			first_seen_at TIMESTAMPTZ NOT NULL,
			last_seen_at TIMESTAMPTZ NOT NULL,
			disappeared_at TIMESTAMPTZ,
			estimated_open_time TIMESTAMPTZ,
			estimated_close_time TIMESTAMPTZ,
			open_event_id BIGINT,
			confidence DOUBLE PRECISION,
			source TEXT NOT NULL DEFAULT 'snapshot',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		// At most one active row per (lead, symbol, direction)
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_position_states_active
			ON position_states(lead_id, symbol, direction) WHERE status = 'active'`,
		`CREATE INDEX IF NOT EXISTS idx_position_states_symbol ON position_states(symbol, status)`,

		// Normalized order-history events
		`CREATE TABLE IF NOT EXISTS trade_events (
			id BIGSERIAL PRIMARY KEY,
			lead_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			kind TEXT NOT NULL,
			event_time TIMESTAMPTZ,
			fetched_at TIMESTAMPTZ NOT NULL,
			price DOUBLE PRECISION NOT NULL DEFAULT 0,
			amount DOUBLE PRECISION NOT NULL DEFAULT 0,
			realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			UNIQUE (lead_id, symbol, kind, event_time, amount)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_events_time ON trade_events(event_time, fetched_at)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_events_symbol ON trade_events(symbol, event_time)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_events_lead ON trade_events(lead_id, event_time)`,

		// Per-scrape observations of live positions
		`CREATE TABLE IF NOT EXISTS position_snapshots (
			id BIGSERIAL PRIMARY KEY,
			lead_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			mark_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			leverage DOUBLE PRECISION NOT NULL DEFAULT 0,
			amount DOUBLE PRECISION NOT NULL DEFAULT 0,
			unrealized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			notional DOUBLE PRECISION NOT NULL DEFAULT 0,
			fetched_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_position_snapshots_symbol ON position_snapshots(symbol, fetched_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_position_snapshots_lead ON position_snapshots(lead_id, fetched_at DESC)`,

		// Paper positions
		`CREATE TABLE IF NOT EXISTS simulated_positions (
			id TEXT PRIMARY KEY,
			platform TEXT NOT NULL,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			status TEXT NOT NULL,
			leverage DOUBLE PRECISION NOT NULL,
			margin_notional DOUBLE PRECISION NOT NULL,
			position_notional DOUBLE PRECISION NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			effective_entry_price DOUBLE PRECISION NOT NULL,
			exit_price DOUBLE PRECISION,
			effective_exit_price DOUBLE PRECISION,
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ,
			close_reason TEXT,
			close_trigger_trader_id TEXT,
			close_trigger_event_kind TEXT,
			pnl_usdt DOUBLE PRECISION,
			roi_pct DOUBLE PRECISION,
			stop_loss_price DOUBLE PRECISION,
			take_profit_price DOUBLE PRECISION,
			trailing_stop_pct DOUBLE PRECISION,
			high_water_price DOUBLE PRECISION,
			slippage_bps DOUBLE PRECISION NOT NULL DEFAULT 0,
			commission_bps DOUBLE PRECISION NOT NULL DEFAULT 0,
			portfolio_id TEXT,
			source TEXT NOT NULL DEFAULT 'manual',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sim_positions_status ON simulated_positions(status, source)`,
		`CREATE INDEX IF NOT EXISTS idx_sim_positions_symbol ON simulated_positions(symbol, opened_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_sim_positions_portfolio ON simulated_positions(portfolio_id)`,

		// Portfolios
		`CREATE TABLE IF NOT EXISTS portfolios (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			initial_balance DOUBLE PRECISION NOT NULL,
			current_balance DOUBLE PRECISION NOT NULL,
			kelly_fraction DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			min_sample_size INTEGER NOT NULL DEFAULT 20,
			max_risk_per_trade DOUBLE PRECISION NOT NULL DEFAULT 0.02,
			max_portfolio_risk DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			max_open_positions INTEGER NOT NULL DEFAULT 10,
			default_slippage_bps DOUBLE PRECISION NOT NULL DEFAULT 5,
			default_commission_bps DOUBLE PRECISION NOT NULL DEFAULT 4,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// Singleton rules
		`CREATE TABLE IF NOT EXISTS auto_trigger_rules (
			id TEXT PRIMARY KEY,
			enabled BOOLEAN NOT NULL DEFAULT FALSE,
			segment_filter TEXT NOT NULL DEFAULT 'both',
			time_range TEXT NOT NULL DEFAULT '24h',
			min_traders INTEGER NOT NULL DEFAULT 3,
			min_confidence DOUBLE PRECISION NOT NULL DEFAULT 60,
			min_sentiment_abs DOUBLE PRECISION NOT NULL DEFAULT 60,
			leverage DOUBLE PRECISION NOT NULL DEFAULT 10,
			margin_notional DOUBLE PRECISION NOT NULL DEFAULT 100,
			cooldown_minutes INTEGER NOT NULL DEFAULT 60,
			last_run_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS insights_rules (
			id TEXT PRIMARY KEY,
			default_mode TEXT NOT NULL DEFAULT 'balanced',
			presets JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// Persisted backtests
		`CREATE TABLE IF NOT EXISTS backtest_results (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			params JSONB NOT NULL,
			summary JSONB NOT NULL,
			advanced JSONB,
			trades INTEGER NOT NULL DEFAULT 0,
			total_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			win_rate DOUBLE PRECISION NOT NULL DEFAULT 0
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	db.logger.Info().Int("statements", len(migrations)).Msg("migrations complete")
	return nil
}
