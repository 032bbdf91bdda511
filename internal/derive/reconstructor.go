package derive

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"copytrade-signals/internal/binance"
	"copytrade-signals/internal/database"
)

// StateStore is the slice of the repository the reconstructor mutates.
type StateStore interface {
	GetActivePositionState(ctx context.Context, leadID, symbol, direction string) (*database.PositionState, error)
	InsertPositionState(ctx context.Context, p *database.PositionState) error
	UpdatePositionState(ctx context.Context, p *database.PositionState) error
	ListActivePositionStates(ctx context.Context, leadIDs []string) ([]*database.PositionState, error)
}

// Reconstructor maintains per-(trader, symbol, direction) lifecycle rows
// from two inputs: periodic snapshots of live positions, and the
// normalized event stream. A key has at most one active row; closed rows
// never reopen.
type Reconstructor struct {
	store  StateStore
	logger zerolog.Logger
}

func NewReconstructor(store StateStore, logger zerolog.Logger) *Reconstructor {
	return &Reconstructor{store: store, logger: logger}
}

// positionDirection maps a live position's side onto long/short. One-way
// mode positions are classified by the sign of the amount.
func positionDirection(p binance.Position) string {
	switch strings.ToUpper(p.Side) {
	case "LONG":
		return database.DirectionLong
	case "SHORT":
		return database.DirectionShort
	default:
		if p.Amount < 0 {
			return database.DirectionShort
		}
		return database.DirectionLong
	}
}

// ApplySnapshot reconciles a lead's active lifecycle rows against one
// observation of its live positions. prevSnapshotAt is the previous
// observation time for the lead, used for the open-time midpoint estimate;
// nil on the first observation.
func (r *Reconstructor) ApplySnapshot(ctx context.Context, leadID string, positions []binance.Position, fetchedAt time.Time, prevSnapshotAt *time.Time) error {
	active, err := r.store.ListActivePositionStates(ctx, []string{leadID})
	if err != nil {
		return err
	}
	byKey := make(map[string]*database.PositionState, len(active))
	for _, s := range active {
		byKey[s.Symbol+"|"+s.Direction] = s
	}

	seen := make(map[string]bool, len(positions))
	for _, p := range positions {
		if p.Symbol == "" {
			continue
		}
		dir := positionDirection(p)
		key := p.Symbol + "|" + dir
		if seen[key] {
			continue
		}
		seen[key] = true

		if state, ok := byKey[key]; ok {
			state.EntryPrice = p.EntryPrice
			state.Amount = p.Amount
			if p.Leverage > 0 {
				lev := p.Leverage
				state.Leverage = &lev
			}
			state.LastSeenAt = fetchedAt
			if err := r.store.UpdatePositionState(ctx, state); err != nil {
				return err
			}
			continue
		}

		state := &database.PositionState{
			LeadID:      leadID,
			Symbol:      p.Symbol,
			Direction:   dir,
			Status:      database.StateActive,
			EntryPrice:  p.EntryPrice,
			Amount:      p.Amount,
			FirstSeenAt: fetchedAt,
			LastSeenAt:  fetchedAt,
			Source:      database.StateSourceSnapshot,
		}
		if p.Leverage > 0 {
			lev := p.Leverage
			state.Leverage = &lev
		}
		if prevSnapshotAt != nil {
			est := midpoint(*prevSnapshotAt, fetchedAt)
			state.EstimatedOpenTime = &est
		}
		if err := r.store.InsertPositionState(ctx, state); err != nil {
			return err
		}
	}

	// Rows no longer observed disappeared between the last two snapshots.
	for key, state := range byKey {
		if seen[key] {
			continue
		}
		state.Status = database.StateClosed
		state.DisappearedAt = &fetchedAt
		est := midpoint(state.LastSeenAt, fetchedAt)
		state.EstimatedCloseTime = &est
		if err := r.store.UpdatePositionState(ctx, state); err != nil {
			return err
		}
	}
	return nil
}

// ApplyEvent folds one normalized event into the lifecycle rows. Opens
// create or refresh the active row; closes terminate it. A close without a
// matching active row is logged and dropped, it never revives closed rows.
func (r *Reconstructor) ApplyEvent(ctx context.Context, e *database.TradeEvent) error {
	dir := e.Direction()
	state, err := r.store.GetActivePositionState(ctx, e.LeadID, e.Symbol, dir)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return err
	}
	at := e.FetchedAt
	if e.EventTime != nil {
		at = *e.EventTime
	}

	if e.IsOpen() {
		if state != nil {
			if e.Price > 0 {
				state.EntryPrice = e.Price
			}
			if e.Amount > 0 {
				state.Amount = e.Amount
			}
			state.LastSeenAt = at
			return r.store.UpdatePositionState(ctx, state)
		}
		eventID := e.ID
		fresh := &database.PositionState{
			LeadID:      e.LeadID,
			Symbol:      e.Symbol,
			Direction:   dir,
			Status:      database.StateActive,
			EntryPrice:  e.Price,
			Amount:      e.Amount,
			FirstSeenAt: at,
			LastSeenAt:  at,
			Source:      database.StateSourceOrders,
		}
		if eventID != 0 {
			fresh.OpenEventID = &eventID
		}
		return r.store.InsertPositionState(ctx, fresh)
	}

	if state == nil {
		r.logger.Debug().
			Str("lead_id", e.LeadID).
			Str("symbol", e.Symbol).
			Str("kind", e.Kind).
			Msg("close event without matching active position")
		return nil
	}
	state.Status = database.StateClosed
	state.DisappearedAt = &at
	state.EstimatedCloseTime = &at
	state.LastSeenAt = at
	return r.store.UpdatePositionState(ctx, state)
}

// OrderReplayStats summarizes an order-history replay for one
// (symbol, direction) key; the fallback confidence is computed from it.
type OrderReplayStats struct {
	SupportingOpens    int
	ContradictingOpens int
	UnmatchedCloses    int
	LastActionOpen     bool
	LastActionTime     time.Time
}

// OrdersConfidence scores how much to trust a position inferred purely
// from order history, in [0.2, 0.95].
func OrdersConfidence(stats OrderReplayStats, now time.Time) float64 {
	c := 0.55
	c += 0.08 * float64(min(stats.SupportingOpens, 3))
	c -= 0.12 * float64(min(stats.ContradictingOpens, 2))
	c -= 0.10 * float64(min(stats.UnmatchedCloses, 2))
	if stats.LastActionOpen {
		c += 0.08
	}
	if !stats.LastActionTime.IsZero() {
		age := now.Sub(stats.LastActionTime)
		switch {
		case age <= time.Hour:
			c += 0.12
		case age <= 24*time.Hour:
			c += 0.06
		case age > 7*24*time.Hour:
			c -= 0.10
		}
	}
	return clamp(c, 0.2, 0.95)
}

func midpoint(a, b time.Time) time.Time {
	return a.Add(b.Sub(a) / 2)
}
