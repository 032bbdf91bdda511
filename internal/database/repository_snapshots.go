package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// InsertPositionSnapshots writes one observation row per live position.
func (r *Repository) InsertPositionSnapshots(ctx context.Context, snaps []*PositionSnapshot) error {
	for _, s := range snaps {
		err := r.db.Pool.QueryRow(ctx, `
			INSERT INTO position_snapshots (lead_id, symbol, direction, entry_price, mark_price,
				leverage, amount, unrealized_pnl, notional, fetched_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id
		`, s.LeadID, s.Symbol, s.Direction, s.EntryPrice, s.MarkPrice,
			s.Leverage, s.Amount, s.UnrealizedPnL, s.Notional, s.FetchedAt,
		).Scan(&s.ID)
		if err != nil {
			return err
		}
	}
	return nil
}

// ListLeadLeverages returns a lead's observed leverages (>0) since a cutoff.
// First link of the hidden-trader leverage estimation chain.
func (r *Repository) ListLeadLeverages(ctx context.Context, leadID string, cutoff time.Time) ([]float64, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT leverage FROM position_snapshots
		WHERE lead_id = $1 AND leverage > 0 AND fetched_at >= $2
	`, leadID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFloats(rows)
}

// ListPeerLeverages returns leverages (>0) observed since the cutoff for
// leads whose quality score lies in [minQuality, maxQuality].
func (r *Repository) ListPeerLeverages(ctx context.Context, excludeLeadID string, minQuality, maxQuality float64, cutoff time.Time) ([]float64, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT ps.leverage
		FROM position_snapshots ps
		JOIN trader_scores ts ON ts.lead_id = ps.lead_id
		WHERE ps.lead_id <> $1 AND ps.leverage > 0 AND ps.fetched_at >= $2
		  AND ts.quality_score BETWEEN $3 AND $4
	`, excludeLeadID, cutoff, minQuality, maxQuality)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFloats(rows)
}

// ListRecentSnapshotsForSymbol returns the most recent observation rows for
// a symbol, newest first. The reference-price resolver averages these.
func (r *Repository) ListRecentSnapshotsForSymbol(ctx context.Context, symbol string, limit int) ([]*PositionSnapshot, error) {
	if limit <= 0 {
		limit = 60
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, lead_id, symbol, direction, entry_price, mark_price, leverage, amount,
		       unrealized_pnl, notional, fetched_at
		FROM position_snapshots
		WHERE symbol = $1
		ORDER BY fetched_at DESC
		LIMIT $2
	`, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PositionSnapshot
	for rows.Next() {
		s := &PositionSnapshot{}
		if err := rows.Scan(&s.ID, &s.LeadID, &s.Symbol, &s.Direction, &s.EntryPrice, &s.MarkPrice,
			&s.Leverage, &s.Amount, &s.UnrealizedPnL, &s.Notional, &s.FetchedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LatestSnapshotTime returns when a lead's positions were last observed.
func (r *Repository) LatestSnapshotTime(ctx context.Context, leadID string) (*time.Time, error) {
	var t *time.Time
	err := r.db.Pool.QueryRow(ctx,
		`SELECT MAX(fetched_at) FROM position_snapshots WHERE lead_id = $1`, leadID,
	).Scan(&t)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func collectFloats(rows pgx.Rows) ([]float64, error) {
	var out []float64
	for rows.Next() {
		var f float64
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
