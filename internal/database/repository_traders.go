package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

const traderScoreColumns = `lead_id, nickname, avatar_url, position_show, position_show_changed_at,
	score_30d, quality_score, confidence, win_rate, sample_size, trader_weight, avg_leverage, updated_at`

func scanTraderScore(row pgx.Row) (*TraderScore, error) {
	t := &TraderScore{}
	err := row.Scan(
		&t.LeadID, &t.Nickname, &t.AvatarURL, &t.PositionShow, &t.PositionShowChangedAt,
		&t.Score30d, &t.QualityScore, &t.Confidence, &t.WinRate, &t.SampleSize,
		&t.TraderWeight, &t.AvgLeverage, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// UpsertTraderScore writes the derived per-trader record, last writer wins.
// position_show_changed_at only advances when the flag actually changed.
func (r *Repository) UpsertTraderScore(ctx context.Context, t *TraderScore) error {
	query := `
		INSERT INTO trader_scores (lead_id, nickname, avatar_url, position_show, position_show_changed_at,
			score_30d, quality_score, confidence, win_rate, sample_size, trader_weight, avg_leverage, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (lead_id) DO UPDATE SET
			nickname = COALESCE(EXCLUDED.nickname, trader_scores.nickname),
			avatar_url = COALESCE(EXCLUDED.avatar_url, trader_scores.avatar_url),
			position_show = EXCLUDED.position_show,
			position_show_changed_at = CASE
				WHEN trader_scores.position_show IS DISTINCT FROM EXCLUDED.position_show THEN NOW()
				ELSE trader_scores.position_show_changed_at
			END,
			score_30d = EXCLUDED.score_30d,
			quality_score = EXCLUDED.quality_score,
			confidence = EXCLUDED.confidence,
			win_rate = EXCLUDED.win_rate,
			sample_size = EXCLUDED.sample_size,
			trader_weight = EXCLUDED.trader_weight,
			avg_leverage = EXCLUDED.avg_leverage,
			updated_at = NOW()
	`
	_, err := r.db.Pool.Exec(ctx, query,
		t.LeadID, t.Nickname, t.AvatarURL, t.PositionShow, t.PositionShowChangedAt,
		t.Score30d, t.QualityScore, t.Confidence, t.WinRate, t.SampleSize,
		t.TraderWeight, t.AvgLeverage,
	)
	return err
}

// GetTraderScore fetches one trader's derived record.
func (r *Repository) GetTraderScore(ctx context.Context, leadID string) (*TraderScore, error) {
	query := `SELECT ` + traderScoreColumns + ` FROM trader_scores WHERE lead_id = $1`
	t, err := scanTraderScore(r.db.Pool.QueryRow(ctx, query, leadID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListTraderScores returns all trader records.
func (r *Repository) ListTraderScores(ctx context.Context) ([]*TraderScore, error) {
	query := `SELECT ` + traderScoreColumns + ` FROM trader_scores ORDER BY trader_weight DESC`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TraderScore
	for rows.Next() {
		t, err := scanTraderScore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TraderScoreMap returns all trader records keyed by lead id.
func (r *Repository) TraderScoreMap(ctx context.Context) (map[string]*TraderScore, error) {
	scores, err := r.ListTraderScores(ctx)
	if err != nil {
		return nil, err
	}
	m := make(map[string]*TraderScore, len(scores))
	for _, s := range scores {
		m[s.LeadID] = s
	}
	return m, nil
}
