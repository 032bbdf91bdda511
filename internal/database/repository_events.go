package database

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

const tradeEventColumns = `id, lead_id, symbol, kind, event_time, fetched_at, price, amount, realized_pnl`

func scanTradeEvent(row pgx.Row) (*TradeEvent, error) {
	e := &TradeEvent{}
	err := row.Scan(&e.ID, &e.LeadID, &e.Symbol, &e.Kind, &e.EventTime, &e.FetchedAt,
		&e.Price, &e.Amount, &e.RealizedPnL)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// InsertTradeEvents appends normalized events, skipping rows that already
// exist (same lead, symbol, kind, event time, amount). Derivation re-runs
// stay idempotent this way.
func (r *Repository) InsertTradeEvents(ctx context.Context, events []*TradeEvent) (int, error) {
	inserted := 0
	for _, e := range events {
		tag, err := r.db.Pool.Exec(ctx, `
			INSERT INTO trade_events (lead_id, symbol, kind, event_time, fetched_at, price, amount, realized_pnl)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (lead_id, symbol, kind, event_time, amount) DO NOTHING
		`, e.LeadID, e.Symbol, e.Kind, e.EventTime, e.FetchedAt, e.Price, e.Amount, e.RealizedPnL)
		if err != nil {
			return inserted, err
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// EventFilter narrows event queries. A zero cutoff means no time bound.
type EventFilter struct {
	Cutoff  time.Time
	Symbol  string
	LeadIDs []string
	Limit   int
}

// ListEvents returns events matching the filter, ordered by event_time
// ascending with fetched_at as tiebreak. Events lacking an event time are
// admitted when their fetched_at passes the cutoff.
func (r *Repository) ListEvents(ctx context.Context, f EventFilter) ([]*TradeEvent, error) {
	query := `SELECT ` + tradeEventColumns + ` FROM trade_events WHERE 1=1`
	args := []interface{}{}
	idx := 1

	if !f.Cutoff.IsZero() {
		query += ` AND (event_time >= $1 OR (event_time IS NULL AND fetched_at >= $1))`
		args = append(args, f.Cutoff)
		idx++
	}
	if f.Symbol != "" {
		query += ` AND symbol = $` + itoa(idx)
		args = append(args, f.Symbol)
		idx++
	}
	if len(f.LeadIDs) > 0 {
		query += ` AND lead_id = ANY($` + itoa(idx) + `)`
		args = append(args, f.LeadIDs)
		idx++
	}
	query += ` ORDER BY event_time ASC NULLS LAST, fetched_at ASC`
	if f.Limit > 0 {
		query += ` LIMIT $` + itoa(idx)
		args = append(args, f.Limit)
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TradeEvent
	for rows.Next() {
		e, err := scanTradeEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FirstCloseEventAfter finds the earliest close event of the given kind for
// a symbol strictly after the given time. Used by simulation reconcile.
// Events without an event_time are placed at their fetched_at, matching the
// cutoff handling in ListEvents.
func (r *Repository) FirstCloseEventAfter(ctx context.Context, symbol, kind string, after time.Time) (*TradeEvent, error) {
	query := `SELECT ` + tradeEventColumns + `
		FROM trade_events
		WHERE symbol = $1 AND kind = $2 AND COALESCE(event_time, fetched_at) > $3
		ORDER BY COALESCE(event_time, fetched_at) ASC, fetched_at ASC
		LIMIT 1`
	e, err := scanTradeEvent(r.db.Pool.QueryRow(ctx, query, symbol, kind, after))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// LatestEventPrice returns the price of the most recent event with a
// positive price for a symbol. Fallback source for reference pricing.
func (r *Repository) LatestEventPrice(ctx context.Context, symbol string) (*float64, error) {
	var price float64
	err := r.db.Pool.QueryRow(ctx, `
		SELECT price FROM trade_events
		WHERE symbol = $1 AND price > 0
		ORDER BY event_time DESC NULLS LAST, fetched_at DESC
		LIMIT 1
	`, symbol).Scan(&price)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &price, nil
}

// CountEventsForLead counts a lead's events since a cutoff; diagnostics use
// this for the "no events" issue classification.
func (r *Repository) CountEventsForLead(ctx context.Context, leadID string, cutoff time.Time) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM trade_events
		WHERE lead_id = $1 AND (event_time >= $2 OR (event_time IS NULL AND fetched_at >= $2))
	`, leadID, cutoff).Scan(&n)
	return n, err
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
