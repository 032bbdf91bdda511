package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

const positionStateColumns = `id, lead_id, symbol, direction, status, entry_price, amount, leverage,
	first_seen_at, last_seen_at, disappeared_at, estimated_open_time, estimated_close_time,
	open_event_id, confidence, source, updated_at`

func scanPositionState(row pgx.Row) (*PositionState, error) {
	p := &PositionState{}
	err := row.Scan(
		&p.ID, &p.LeadID, &p.Symbol, &p.Direction, &p.Status, &p.EntryPrice, &p.Amount, &p.Leverage,
		&p.FirstSeenAt, &p.LastSeenAt, &p.DisappearedAt, &p.EstimatedOpenTime, &p.EstimatedCloseTime,
		&p.OpenEventID, &p.Confidence, &p.Source, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetActivePositionState returns the single active row for a key, if any.
func (r *Repository) GetActivePositionState(ctx context.Context, leadID, symbol, direction string) (*PositionState, error) {
	query := `SELECT ` + positionStateColumns + `
		FROM position_states
		WHERE lead_id = $1 AND symbol = $2 AND direction = $3 AND status = 'active'`
	p, err := scanPositionState(r.db.Pool.QueryRow(ctx, query, leadID, symbol, direction))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// InsertPositionState creates a new lifecycle row. The partial unique index
// rejects a second active row per (lead, symbol, direction).
func (r *Repository) InsertPositionState(ctx context.Context, p *PositionState) error {
	query := `
		INSERT INTO position_states (lead_id, symbol, direction, status, entry_price, amount, leverage,
			first_seen_at, last_seen_at, disappeared_at, estimated_open_time, estimated_close_time,
			open_event_id, confidence, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, updated_at
	`
	return r.db.Pool.QueryRow(ctx, query,
		p.LeadID, p.Symbol, p.Direction, p.Status, p.EntryPrice, p.Amount, p.Leverage,
		p.FirstSeenAt, p.LastSeenAt, p.DisappearedAt, p.EstimatedOpenTime, p.EstimatedCloseTime,
		p.OpenEventID, p.Confidence, p.Source,
	).Scan(&p.ID, &p.UpdatedAt)
}

// UpdatePositionState rewrites the mutable lifecycle fields of a row.
func (r *Repository) UpdatePositionState(ctx context.Context, p *PositionState) error {
	query := `
		UPDATE position_states
		SET status = $2, entry_price = $3, amount = $4, leverage = $5,
		    last_seen_at = $6, disappeared_at = $7, estimated_open_time = $8,
		    estimated_close_time = $9, confidence = $10, updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.Pool.Exec(ctx, query,
		p.ID, p.Status, p.EntryPrice, p.Amount, p.Leverage,
		p.LastSeenAt, p.DisappearedAt, p.EstimatedOpenTime, p.EstimatedCloseTime, p.Confidence,
	)
	return err
}

// ListActivePositionStates returns all active rows, optionally scoped to
// leads in the given set (nil means all leads).
func (r *Repository) ListActivePositionStates(ctx context.Context, leadIDs []string) ([]*PositionState, error) {
	query := `SELECT ` + positionStateColumns + ` FROM position_states WHERE status = 'active'`
	var rows pgx.Rows
	var err error
	if len(leadIDs) > 0 {
		rows, err = r.db.Pool.Query(ctx, query+` AND lead_id = ANY($1)`, leadIDs)
	} else {
		rows, err = r.db.Pool.Query(ctx, query)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPositionStates(rows)
}

// ListPositionStatesByLead returns all lifecycle rows for one lead, newest
// first by last observation.
func (r *Repository) ListPositionStatesByLead(ctx context.Context, leadID string) ([]*PositionState, error) {
	query := `SELECT ` + positionStateColumns + `
		FROM position_states WHERE lead_id = $1 ORDER BY last_seen_at DESC`
	rows, err := r.db.Pool.Query(ctx, query, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPositionStates(rows)
}

// TouchPositionStates refreshes last_seen_at on the active rows of a lead
// that were observed again in a snapshot.
func (r *Repository) TouchPositionStates(ctx context.Context, leadID string, seenAt time.Time, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE position_states SET last_seen_at = $2, updated_at = NOW() WHERE lead_id = $1 AND id = ANY($3)`,
		leadID, seenAt, ids,
	)
	return err
}

// DeleteDerivedForLead removes derived events and states for a lead so a
// rebuild pass can replay its history from scratch.
func (r *Repository) DeleteDerivedForLead(ctx context.Context, leadID string) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM position_states WHERE lead_id = $1`, leadID); err != nil {
		return err
	}
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM trade_events WHERE lead_id = $1`, leadID)
	return err
}

func collectPositionStates(rows pgx.Rows) ([]*PositionState, error) {
	var out []*PositionState
	for rows.Next() {
		p, err := scanPositionState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
