package derive

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"copytrade-signals/internal/binance"
	"copytrade-signals/internal/database"
)

type fakeStateStore struct {
	states  []*database.PositionState
	nextID  int64
	updates int
}

func (f *fakeStateStore) GetActivePositionState(ctx context.Context, leadID, symbol, direction string) (*database.PositionState, error) {
	for _, s := range f.states {
		if s.LeadID == leadID && s.Symbol == symbol && s.Direction == direction && s.Status == database.StateActive {
			return s, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeStateStore) InsertPositionState(ctx context.Context, p *database.PositionState) error {
	f.nextID++
	p.ID = f.nextID
	f.states = append(f.states, p)
	return nil
}

func (f *fakeStateStore) UpdatePositionState(ctx context.Context, p *database.PositionState) error {
	f.updates++
	for i, s := range f.states {
		if s.ID == p.ID {
			f.states[i] = p
			return nil
		}
	}
	return database.ErrNotFound
}

func (f *fakeStateStore) ListActivePositionStates(ctx context.Context, leadIDs []string) ([]*database.PositionState, error) {
	var out []*database.PositionState
	for _, s := range f.states {
		if s.Status != database.StateActive {
			continue
		}
		if len(leadIDs) > 0 && s.LeadID != leadIDs[0] {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStateStore) active(symbol, direction string) *database.PositionState {
	for _, s := range f.states {
		if s.Symbol == symbol && s.Direction == direction && s.Status == database.StateActive {
			return s
		}
	}
	return nil
}

func newTestReconstructor() (*Reconstructor, *fakeStateStore) {
	store := &fakeStateStore{}
	return NewReconstructor(store, zerolog.Nop()), store
}

func TestApplySnapshotCreatesAndCloses(t *testing.T) {
	recon, store := newTestReconstructor()
	ctx := context.Background()
	t0 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(10 * time.Minute)
	t2 := t1.Add(10 * time.Minute)

	// First observation: BTC long appears.
	err := recon.ApplySnapshot(ctx, "lead-1", []binance.Position{
		{Symbol: "BTCUSDT", Side: "LONG", Amount: 1, EntryPrice: 50000, Leverage: 20},
	}, t1, &t0)
	if err != nil {
		t.Fatal(err)
	}
	state := store.active("BTCUSDT", database.DirectionLong)
	if state == nil {
		t.Fatal("expected active state after first observation")
	}
	if state.EstimatedOpenTime == nil || !state.EstimatedOpenTime.Equal(t0.Add(5*time.Minute)) {
		t.Errorf("open estimate should be the midpoint: %v", state.EstimatedOpenTime)
	}
	if state.Leverage == nil || *state.Leverage != 20 {
		t.Errorf("leverage not captured: %v", state.Leverage)
	}

	// Second observation: position gone.
	if err := recon.ApplySnapshot(ctx, "lead-1", nil, t2, &t1); err != nil {
		t.Fatal(err)
	}
	if store.active("BTCUSDT", database.DirectionLong) != nil {
		t.Fatal("state should be closed after disappearance")
	}
	closed := store.states[0]
	if closed.DisappearedAt == nil || !closed.DisappearedAt.Equal(t2) {
		t.Errorf("disappearedAt: %v", closed.DisappearedAt)
	}
	if closed.EstimatedCloseTime == nil || !closed.EstimatedCloseTime.Equal(t1.Add(5*time.Minute)) {
		t.Errorf("close estimate should be the midpoint: %v", closed.EstimatedCloseTime)
	}
}

func TestApplySnapshotFirstObservationHasNoOpenEstimate(t *testing.T) {
	recon, store := newTestReconstructor()
	err := recon.ApplySnapshot(context.Background(), "lead-1", []binance.Position{
		{Symbol: "ETHUSDT", Side: "SHORT", Amount: -2, EntryPrice: 3000},
	}, time.Now(), nil)
	if err != nil {
		t.Fatal(err)
	}
	state := store.active("ETHUSDT", database.DirectionShort)
	if state == nil {
		t.Fatal("expected active state")
	}
	if state.EstimatedOpenTime != nil {
		t.Errorf("no previous snapshot, estimate should be nil: %v", state.EstimatedOpenTime)
	}
	if state.OpenTimeEstimate() != state.FirstSeenAt {
		t.Error("open-time fallback should be firstSeenAt")
	}
}

func TestApplySnapshotRefreshesExistingState(t *testing.T) {
	recon, store := newTestReconstructor()
	ctx := context.Background()
	t0 := time.Now().Add(-time.Hour)
	t1 := time.Now()

	pos := []binance.Position{{Symbol: "BTCUSDT", Side: "LONG", Amount: 1, EntryPrice: 50000}}
	if err := recon.ApplySnapshot(ctx, "lead-1", pos, t0, nil); err != nil {
		t.Fatal(err)
	}
	pos[0].EntryPrice = 50500
	if err := recon.ApplySnapshot(ctx, "lead-1", pos, t1, &t0); err != nil {
		t.Fatal(err)
	}

	if len(store.states) != 1 {
		t.Fatalf("expected one state row, got %d", len(store.states))
	}
	state := store.states[0]
	if !state.LastSeenAt.Equal(t1) {
		t.Errorf("lastSeenAt not refreshed: %v", state.LastSeenAt)
	}
	if state.EntryPrice != 50500 {
		t.Errorf("entry price not refreshed: %v", state.EntryPrice)
	}
}

func TestApplySnapshotOneWayModeUsesAmountSign(t *testing.T) {
	recon, store := newTestReconstructor()
	err := recon.ApplySnapshot(context.Background(), "lead-1", []binance.Position{
		{Symbol: "BTCUSDT", Side: "BOTH", Amount: -0.5, EntryPrice: 50000},
	}, time.Now(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if store.active("BTCUSDT", database.DirectionShort) == nil {
		t.Error("negative amount should classify as short")
	}
}

func TestApplyEventOpenThenClose(t *testing.T) {
	recon, store := newTestReconstructor()
	ctx := context.Background()
	openAt := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	closeAt := openAt.Add(2 * time.Hour)

	err := recon.ApplyEvent(ctx, &database.TradeEvent{
		LeadID: "lead-1", Symbol: "BTCUSDT", Kind: database.EventOpenLong,
		EventTime: &openAt, FetchedAt: openAt, Price: 50000, Amount: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	state := store.active("BTCUSDT", database.DirectionLong)
	if state == nil {
		t.Fatal("expected active state after open event")
	}
	if state.Source != database.StateSourceOrders {
		t.Errorf("source: got %s, want orders", state.Source)
	}
	if state.EntryPrice != 50000 {
		t.Errorf("entry price: %v", state.EntryPrice)
	}

	err = recon.ApplyEvent(ctx, &database.TradeEvent{
		LeadID: "lead-1", Symbol: "BTCUSDT", Kind: database.EventCloseLong,
		EventTime: &closeAt, FetchedAt: closeAt, Price: 51000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if store.active("BTCUSDT", database.DirectionLong) != nil {
		t.Fatal("state should be closed")
	}
	if store.states[0].DisappearedAt == nil || !store.states[0].DisappearedAt.Equal(closeAt) {
		t.Errorf("disappearedAt: %v", store.states[0].DisappearedAt)
	}
}

func TestApplyEventCloseWithoutActiveRowIsDropped(t *testing.T) {
	recon, store := newTestReconstructor()
	at := time.Now()
	err := recon.ApplyEvent(context.Background(), &database.TradeEvent{
		LeadID: "lead-1", Symbol: "BTCUSDT", Kind: database.EventCloseShort,
		EventTime: &at, FetchedAt: at,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(store.states) != 0 {
		t.Error("unmatched close must not create or revive rows")
	}
}

func TestApplyEventCloseDoesNotReviveClosedRow(t *testing.T) {
	recon, store := newTestReconstructor()
	ctx := context.Background()
	at := time.Now()

	open := &database.TradeEvent{LeadID: "lead-1", Symbol: "BTCUSDT", Kind: database.EventOpenLong, EventTime: &at, FetchedAt: at, Price: 100, Amount: 1}
	closeEv := &database.TradeEvent{LeadID: "lead-1", Symbol: "BTCUSDT", Kind: database.EventCloseLong, EventTime: &at, FetchedAt: at}
	if err := recon.ApplyEvent(ctx, open); err != nil {
		t.Fatal(err)
	}
	if err := recon.ApplyEvent(ctx, closeEv); err != nil {
		t.Fatal(err)
	}
	// A second close arrives late.
	if err := recon.ApplyEvent(ctx, closeEv); err != nil {
		t.Fatal(err)
	}
	if len(store.states) != 1 || store.states[0].Status != database.StateClosed {
		t.Errorf("closed row revived: %+v", store.states)
	}
}

func closeTo(got, want float64) bool {
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-9
}

func TestOrdersConfidenceBounds(t *testing.T) {
	now := time.Now()

	best := OrdersConfidence(OrderReplayStats{
		SupportingOpens: 5, LastActionOpen: true, LastActionTime: now.Add(-30 * time.Minute),
	}, now)
	if !closeTo(best, 0.95) {
		t.Errorf("best case should clamp to 0.95, got %v", best)
	}

	worst := OrdersConfidence(OrderReplayStats{
		ContradictingOpens: 4, UnmatchedCloses: 4, LastActionTime: now.Add(-8 * 24 * time.Hour),
	}, now)
	if !closeTo(worst, 0.2) {
		t.Errorf("worst case should clamp to 0.2, got %v", worst)
	}
}

func TestOrdersConfidenceAdjustments(t *testing.T) {
	now := time.Now()

	if base := OrdersConfidence(OrderReplayStats{}, now); !closeTo(base, 0.55) {
		t.Errorf("empty stats: got %v, want 0.55", base)
	}

	recent := OrdersConfidence(OrderReplayStats{LastActionTime: now.Add(-10 * time.Minute)}, now)
	if !closeTo(recent, 0.67) {
		t.Errorf("recent action: got %v, want 0.67", recent)
	}

	day := OrdersConfidence(OrderReplayStats{LastActionTime: now.Add(-5 * time.Hour)}, now)
	if !closeTo(day, 0.61) {
		t.Errorf("same-day action: got %v, want 0.61", day)
	}
}
