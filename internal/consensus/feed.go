package consensus

import (
	"context"
	"sort"
	"time"

	"copytrade-signals/internal/database"
)

// Feed source selectors.
const (
	FeedSourceAll       = "all"
	FeedSourcePositions = "positions"
	FeedSourceDerived   = "derived"
)

// Latest-records rollup statuses.
const (
	RollupOpenOnly     = "open_only"
	RollupPartialClose = "partial_close"
	RollupFullClose    = "full_close"
	RollupOverClose    = "over_close"
)

// FeedFilters narrows the merged position feed.
type FeedFilters struct {
	Source        string
	Symbol        string
	TimeRange     string
	SegmentFilter string
	Limit         int
}

// Feed merges live-position and derived-state contributions into one
// list, newest open first.
func (s *Service) Feed(ctx context.Context, f FeedFilters) ([]Contribution, error) {
	contribs, err := s.gather(ctx, Filters{
		TimeRange:     f.TimeRange,
		SegmentFilter: f.SegmentFilter,
	}, time.Now())
	if err != nil {
		return nil, err
	}

	out := make([]Contribution, 0, len(contribs))
	for _, c := range contribs {
		if f.Symbol != "" && c.Symbol != f.Symbol {
			continue
		}
		switch f.Source {
		case FeedSourcePositions:
			if c.Source != SourcePositions {
				continue
			}
		case FeedSourceDerived:
			if c.Source != SourceDerived {
				continue
			}
		}
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].OpenTime, out[j].OpenTime
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.After(*tj)
		}
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// EventsFeed returns the normalized event stream for a window, capped at
// 500 rows.
func (s *Service) EventsFeed(ctx context.Context, timeRange, symbol string, limit int) ([]*database.TradeEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	return s.store.ListEvents(ctx, database.EventFilter{
		Cutoff: Cutoff(timeRange, time.Now()),
		Symbol: symbol,
		Limit:  limit,
	})
}

// LatestRecord is the per-(trader, symbol, direction) open/close rollup.
type LatestRecord struct {
	LeadID          string     `json:"traderId"`
	Symbol          string     `json:"symbol"`
	Direction       string     `json:"direction"`
	OpenedAmount    float64    `json:"openedAmount"`
	ClosedAmount    float64    `json:"closedAmount"`
	OpenEvents      int        `json:"openEvents"`
	CloseEvents     int        `json:"closeEvents"`
	ClosePercentage float64    `json:"closePercentage"`
	Status          string     `json:"status"`
	RealizedPnL     float64    `json:"realizedPnl"`
	LastEventAt     *time.Time `json:"lastEventAt,omitempty"`
}

// LatestRecords aggregates the event stream into per-key open/close
// totals. An over-close (closed amount above opened) is surfaced as-is;
// it may indicate scraping drift rather than a genuine over-fill.
func (s *Service) LatestRecords(ctx context.Context, timeRange string, limit int) ([]LatestRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	events, err := s.store.ListEvents(ctx, database.EventFilter{Cutoff: Cutoff(timeRange, time.Now())})
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]*LatestRecord)
	for _, e := range events {
		key := e.LeadID + "|" + e.Symbol + "|" + e.Direction()
		rec, ok := byKey[key]
		if !ok {
			rec = &LatestRecord{LeadID: e.LeadID, Symbol: e.Symbol, Direction: e.Direction()}
			byKey[key] = rec
		}
		if e.IsOpen() {
			rec.OpenedAmount += e.Amount
			rec.OpenEvents++
		} else {
			rec.ClosedAmount += e.Amount
			rec.CloseEvents++
			rec.RealizedPnL += e.RealizedPnL
		}
		at := e.FetchedAt
		if e.EventTime != nil {
			at = *e.EventTime
		}
		if rec.LastEventAt == nil || at.After(*rec.LastEventAt) {
			t := at
			rec.LastEventAt = &t
		}
	}

	out := make([]LatestRecord, 0, len(byKey))
	for _, rec := range byKey {
		if rec.OpenedAmount > 0 {
			rec.ClosePercentage = rec.ClosedAmount / rec.OpenedAmount * 100
		}
		switch {
		case rec.CloseEvents == 0:
			rec.Status = RollupOpenOnly
		case rec.ClosedAmount > rec.OpenedAmount:
			rec.Status = RollupOverClose
		case rec.ClosedAmount < rec.OpenedAmount:
			rec.Status = RollupPartialClose
		default:
			rec.Status = RollupFullClose
		}
		out = append(out, *rec)
	}

	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].LastEventAt, out[j].LastEventAt
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.After(*tj)
		}
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
