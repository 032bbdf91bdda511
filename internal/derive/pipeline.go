package derive

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"copytrade-signals/internal/binance"
	"copytrade-signals/internal/database"
)

// rebuildHistoryLimit caps how many stored records a rebuild replays.
const rebuildHistoryLimit = 500

// Store is the repository surface the derivation pass writes through.
type Store interface {
	StateStore
	UpsertTraderScore(ctx context.Context, t *database.TraderScore) error
	InsertPositionSnapshots(ctx context.Context, snaps []*database.PositionSnapshot) error
	LatestSnapshotTime(ctx context.Context, leadID string) (*time.Time, error)
	InsertTradeEvents(ctx context.Context, events []*database.TradeEvent) (int, error)
	GetRawIngests(ctx context.Context, leadID string, limit int, includePayload bool) ([]*database.RawIngest, error)
	ListLeadIDs(ctx context.Context) ([]string, error)
	DeleteDerivedForLead(ctx context.Context, leadID string) error
}

// Deriver runs the derivation pass that turns one scraped record into
// trader scores, snapshots, events, and lifecycle rows.
type Deriver struct {
	store  Store
	recon  *Reconstructor
	logger zerolog.Logger
}

func NewDeriver(store Store, logger zerolog.Logger) *Deriver {
	return &Deriver{
		store:  store,
		recon:  NewReconstructor(store, logger),
		logger: logger,
	}
}

// ProcessRecord derives everything downstream of one scraped lead record:
// the trader score upsert, position snapshots, normalized events, and the
// position lifecycle reconciliation. Returns how many new events the
// record produced.
func (d *Deriver) ProcessRecord(ctx context.Context, rec *binance.LeadRecord) (int, error) {
	metrics := ComputeMetrics(rec)

	positionShow := binance.PositionShowFrom(rec.LeadCommon)
	if positionShow == nil {
		positionShow = binance.PositionShowFrom(rec.PortfolioDetail)
	}

	score := &database.TraderScore{
		LeadID:       rec.LeadID,
		PositionShow: positionShow,
		Score30d:     metrics.Score30d,
		QualityScore: metrics.QualityScore,
		Confidence:   metrics.Confidence,
		WinRate:      metrics.WinRate,
		SampleSize:   metrics.ClosedTrades,
		TraderWeight: TraderWeight(metrics.QualityScore, metrics.Confidence, metrics.WinRate, positionShow),
		AvgLeverage:  metrics.AvgLeverage,
	}
	if n := binance.NicknameFrom(rec.LeadCommon); n != "" {
		score.Nickname = &n
	}
	if a := binance.AvatarFrom(rec.LeadCommon); a != "" {
		score.AvatarURL = &a
	}
	if err := d.store.UpsertTraderScore(ctx, score); err != nil {
		return 0, fmt.Errorf("upsert trader score: %w", err)
	}

	prevSnapshotAt, err := d.store.LatestSnapshotTime(ctx, rec.LeadID)
	if err != nil {
		return 0, fmt.Errorf("latest snapshot time: %w", err)
	}

	if len(rec.ActivePositions) > 0 {
		snaps := snapshotsFromPositions(rec.LeadID, rec.ActivePositions, rec.FetchedAt)
		if err := d.store.InsertPositionSnapshots(ctx, snaps); err != nil {
			return 0, fmt.Errorf("insert snapshots: %w", err)
		}
	}

	var orders []binance.OrderRecord
	if rec.OrderHistory != nil {
		orders = rec.OrderHistory.AllOrders
	}
	events := EventsFromOrders(rec.LeadID, orders, rec.FetchedAt)
	inserted, err := d.store.InsertTradeEvents(ctx, events)
	if err != nil {
		return 0, fmt.Errorf("insert events: %w", err)
	}

	if err := d.applyDerivedState(ctx, rec, events, prevSnapshotAt); err != nil {
		return inserted, err
	}

	d.logger.Debug().
		Str("lead_id", rec.LeadID).
		Int("positions", len(rec.ActivePositions)).
		Int("events_new", inserted).
		Float64("quality", metrics.QualityScore).
		Msg("derivation pass complete")
	return inserted, nil
}

// applyDerivedState feeds snapshots and events through the reconstructor.
// Hidden traders (no visible positions) get their lifecycle rows from the
// order replay alone, with a heuristic confidence attached.
func (d *Deriver) applyDerivedState(ctx context.Context, rec *binance.LeadRecord, events []*database.TradeEvent, prevSnapshotAt *time.Time) error {
	sortEventsAscending(events)
	for _, e := range events {
		if err := d.recon.ApplyEvent(ctx, e); err != nil {
			return fmt.Errorf("apply event: %w", err)
		}
	}

	if len(rec.ActivePositions) > 0 {
		if err := d.recon.ApplySnapshot(ctx, rec.LeadID, rec.ActivePositions, rec.FetchedAt, prevSnapshotAt); err != nil {
			return fmt.Errorf("apply snapshot: %w", err)
		}
		return nil
	}

	return d.scoreOrderDerivedStates(ctx, rec.LeadID, events, rec.FetchedAt)
}

// scoreOrderDerivedStates attaches the replay-quality confidence to active
// rows that exist only because of order history.
func (d *Deriver) scoreOrderDerivedStates(ctx context.Context, leadID string, events []*database.TradeEvent, now time.Time) error {
	stats := replayStats(events)
	active, err := d.store.ListActivePositionStates(ctx, []string{leadID})
	if err != nil {
		return err
	}
	for _, state := range active {
		if state.Source != database.StateSourceOrders {
			continue
		}
		s, ok := stats[state.Symbol+"|"+state.Direction]
		if !ok {
			continue
		}
		conf := OrdersConfidence(s, now)
		state.Confidence = &conf
		if err := d.store.UpdatePositionState(ctx, state); err != nil {
			return err
		}
	}
	return nil
}

// replayStats walks an ordered event list and accumulates, per
// (symbol, direction) key, the signals the confidence heuristic reads.
func replayStats(events []*database.TradeEvent) map[string]OrderReplayStats {
	out := make(map[string]OrderReplayStats)
	activeKeys := make(map[string]bool)
	for _, e := range events {
		dir := e.Direction()
		key := e.Symbol + "|" + dir
		opposite := e.Symbol + "|" + database.DirectionShort
		if dir == database.DirectionShort {
			opposite = e.Symbol + "|" + database.DirectionLong
		}
		at := e.FetchedAt
		if e.EventTime != nil {
			at = *e.EventTime
		}

		s := out[key]
		if e.IsOpen() {
			if activeKeys[key] {
				s.SupportingOpens++
			}
			activeKeys[key] = true
			s.LastActionOpen = true

			opp := out[opposite]
			opp.ContradictingOpens++
			out[opposite] = opp
		} else {
			if !activeKeys[key] {
				s.UnmatchedCloses++
			}
			activeKeys[key] = false
			s.LastActionOpen = false
		}
		if at.After(s.LastActionTime) {
			s.LastActionTime = at
		}
		out[key] = s
	}
	return out
}

// Rebuild drops a lead's derived events and lifecycle rows, then replays
// its stored raw records oldest first. Snapshot observation rows are kept;
// only the derived layers are regenerated.
func (d *Deriver) Rebuild(ctx context.Context, leadID string) error {
	if err := d.store.DeleteDerivedForLead(ctx, leadID); err != nil {
		return fmt.Errorf("delete derived state: %w", err)
	}

	ingests, err := d.store.GetRawIngests(ctx, leadID, rebuildHistoryLimit, true)
	if err != nil {
		return fmt.Errorf("load raw records: %w", err)
	}
	sort.Slice(ingests, func(i, j int) bool {
		return ingests[i].FetchedAt.Before(ingests[j].FetchedAt)
	})

	var prevSnapshotAt *time.Time
	for _, ing := range ingests {
		if ing.Payload == nil {
			continue
		}
		rec := binance.RecordFromPayload(leadID, ing.FetchedAt, ing.Payload)

		var orders []binance.OrderRecord
		if rec.OrderHistory != nil {
			orders = rec.OrderHistory.AllOrders
		}
		events := EventsFromOrders(leadID, orders, rec.FetchedAt)
		if _, err := d.store.InsertTradeEvents(ctx, events); err != nil {
			return fmt.Errorf("replay events: %w", err)
		}
		if err := d.applyDerivedState(ctx, rec, events, prevSnapshotAt); err != nil {
			return fmt.Errorf("replay state: %w", err)
		}
		t := ing.FetchedAt
		prevSnapshotAt = &t
	}

	d.logger.Info().Str("lead_id", leadID).Int("records", len(ingests)).Msg("derived state rebuilt")
	return nil
}

// RebuildAll rebuilds every lead present in the raw store.
func (d *Deriver) RebuildAll(ctx context.Context) (int, error) {
	leads, err := d.store.ListLeadIDs(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range leads {
		if err := d.Rebuild(ctx, id); err != nil {
			return 0, fmt.Errorf("rebuild %s: %w", id, err)
		}
	}
	return len(leads), nil
}

func snapshotsFromPositions(leadID string, positions []binance.Position, fetchedAt time.Time) []*database.PositionSnapshot {
	out := make([]*database.PositionSnapshot, 0, len(positions))
	for _, p := range positions {
		if p.Symbol == "" {
			continue
		}
		out = append(out, &database.PositionSnapshot{
			LeadID:        leadID,
			Symbol:        p.Symbol,
			Direction:     positionDirection(p),
			EntryPrice:    p.EntryPrice,
			MarkPrice:     p.MarkPrice,
			Leverage:      p.Leverage,
			Amount:        p.Amount,
			UnrealizedPnL: p.UnrealizedPnL,
			Notional:      p.Notional,
			FetchedAt:     fetchedAt,
		})
	}
	return out
}

func sortEventsAscending(events []*database.TradeEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		ti, tj := events[i].EventTime, events[j].EventTime
		switch {
		case ti == nil && tj == nil:
			return events[i].FetchedAt.Before(events[j].FetchedAt)
		case ti == nil:
			return false
		case tj == nil:
			return true
		case ti.Equal(*tj):
			return events[i].FetchedAt.Before(events[j].FetchedAt)
		default:
			return ti.Before(*tj)
		}
	})
}
