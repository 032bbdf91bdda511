package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// InsertBacktestResult persists a completed backtest run.
func (r *Repository) InsertBacktestResult(ctx context.Context, b *BacktestResult) error {
	return r.db.Pool.QueryRow(ctx, `
		INSERT INTO backtest_results (id, params, summary, advanced, trades, total_pnl, win_rate)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, b.ID, b.Params, b.Summary, b.Advanced, b.Trades, b.TotalPnL, b.WinRate).Scan(&b.CreatedAt)
}

// GetBacktestResult fetches one stored run by id.
func (r *Repository) GetBacktestResult(ctx context.Context, id string) (*BacktestResult, error) {
	b := &BacktestResult{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, created_at, params, summary, advanced, trades, total_pnl, win_rate
		FROM backtest_results WHERE id = $1
	`, id).Scan(&b.ID, &b.CreatedAt, &b.Params, &b.Summary, &b.Advanced, &b.Trades, &b.TotalPnL, &b.WinRate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ListBacktestResults returns stored runs newest first.
func (r *Repository) ListBacktestResults(ctx context.Context, limit int) ([]*BacktestResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, created_at, params, summary, advanced, trades, total_pnl, win_rate
		FROM backtest_results ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*BacktestResult
	for rows.Next() {
		b := &BacktestResult{}
		if err := rows.Scan(&b.ID, &b.CreatedAt, &b.Params, &b.Summary, &b.Advanced,
			&b.Trades, &b.TotalPnL, &b.WinRate); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// DeleteBacktestResult removes one stored run.
func (r *Repository) DeleteBacktestResult(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM backtest_results WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
