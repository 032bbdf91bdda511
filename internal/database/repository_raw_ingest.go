package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// InsertRawIngest appends one scrape record. The (lead_id, fetched_at) key
// is append-only; a duplicate key is an error surfaced to the caller.
func (r *Repository) InsertRawIngest(ctx context.Context, rec *RawIngest) error {
	query := `
		INSERT INTO raw_ingests (lead_id, fetched_at, time_range, positions_count, orders_count, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := r.db.Pool.QueryRow(
		ctx, query,
		rec.LeadID, rec.FetchedAt, rec.TimeRange, rec.PositionsCount, rec.OrdersCount, rec.Payload,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert raw ingest: %w", err)
	}
	return nil
}

// GetLatestRawIngest returns the record with the greatest fetched_at for a lead.
func (r *Repository) GetLatestRawIngest(ctx context.Context, leadID string) (*RawIngest, error) {
	query := `
		SELECT id, lead_id, fetched_at, time_range, positions_count, orders_count, payload, created_at
		FROM raw_ingests
		WHERE lead_id = $1
		ORDER BY fetched_at DESC
		LIMIT 1
	`
	rec := &RawIngest{}
	err := r.db.Pool.QueryRow(ctx, query, leadID).Scan(
		&rec.ID, &rec.LeadID, &rec.FetchedAt, &rec.TimeRange,
		&rec.PositionsCount, &rec.OrdersCount, &rec.Payload, &rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetRawIngests returns records for a lead, latest first. When
// includePayload is false the opaque payload column is not fetched.
func (r *Repository) GetRawIngests(ctx context.Context, leadID string, limit int, includePayload bool) ([]*RawIngest, error) {
	if limit <= 0 {
		limit = 20
	}
	cols := "id, lead_id, fetched_at, time_range, positions_count, orders_count, created_at"
	if includePayload {
		cols = "id, lead_id, fetched_at, time_range, positions_count, orders_count, payload, created_at"
	}
	query := fmt.Sprintf(`
		SELECT %s
		FROM raw_ingests
		WHERE lead_id = $1
		ORDER BY fetched_at DESC
		LIMIT $2
	`, cols)

	rows, err := r.db.Pool.Query(ctx, query, leadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RawIngest
	for rows.Next() {
		rec := &RawIngest{}
		if includePayload {
			err = rows.Scan(&rec.ID, &rec.LeadID, &rec.FetchedAt, &rec.TimeRange,
				&rec.PositionsCount, &rec.OrdersCount, &rec.Payload, &rec.CreatedAt)
		} else {
			err = rows.Scan(&rec.ID, &rec.LeadID, &rec.FetchedAt, &rec.TimeRange,
				&rec.PositionsCount, &rec.OrdersCount, &rec.CreatedAt)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetLatestRawIngestPerLead returns, for every known lead, its most recent
// record including the payload. Used by the derivation rebuild pass.
func (r *Repository) GetLatestRawIngestPerLead(ctx context.Context) ([]*RawIngest, error) {
	query := `
		SELECT DISTINCT ON (lead_id)
		       id, lead_id, fetched_at, time_range, positions_count, orders_count, payload, created_at
		FROM raw_ingests
		ORDER BY lead_id, fetched_at DESC
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RawIngest
	for rows.Next() {
		rec := &RawIngest{}
		if err := rows.Scan(&rec.ID, &rec.LeadID, &rec.FetchedAt, &rec.TimeRange,
			&rec.PositionsCount, &rec.OrdersCount, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListLeadIDs returns all lead ids seen by the ingest path.
func (r *Repository) ListLeadIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT DISTINCT lead_id FROM raw_ingests ORDER BY lead_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
