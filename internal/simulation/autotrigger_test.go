package simulation

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"copytrade-signals/internal/consensus"
	"copytrade-signals/internal/database"
)

type fakeConsensus struct {
	cells []consensus.HeatmapCell
}

func (f fakeConsensus) Heatmap(context.Context, consensus.Filters) ([]consensus.HeatmapCell, error) {
	return f.cells, nil
}

func shortCell(symbol string, traders int, confidence, sentiment float64) consensus.HeatmapCell {
	return consensus.HeatmapCell{Consensus: consensus.Consensus{
		Symbol:          symbol,
		ShortCount:      traders,
		TotalTraders:    traders,
		ConfidenceScore: confidence,
		SentimentScore:  sentiment,
		Direction:       database.DirectionShort,
	}}
}

func seedRule(store *fakeStore) *database.AutoTriggerRule {
	rule := &database.AutoTriggerRule{
		ID:              "default",
		Enabled:         true,
		SegmentFilter:   "both",
		TimeRange:       "24h",
		MinTraders:      2,
		MinConfidence:   50,
		MinSentimentAbs: 50,
		Leverage:        10,
		MarginNotional:  100,
	}
	store.rules[rule.ID] = rule
	return rule
}

func seedOpenAuto(store *fakeStore, id, symbol, direction string, entry float64, openedAt time.Time) *database.SimulatedPosition {
	pos := &database.SimulatedPosition{
		ID:                  id,
		Platform:            "binance",
		Symbol:              symbol,
		Direction:           direction,
		Status:              database.SimStatusOpen,
		Leverage:            10,
		MarginNotional:      100,
		PositionNotional:    1000,
		EntryPrice:          entry,
		EffectiveEntryPrice: entry,
		OpenedAt:            openedAt,
		Source:              database.SimSourceAuto,
	}
	store.positions[id] = pos
	return pos
}

func TestAutoRunReversesDisagreeingPosition(t *testing.T) {
	store := newFakeStore()
	seedRule(store)
	seedOpenAuto(store, "old-long", "SOLUSDT", database.DirectionLong, 100, time.Now().Add(-time.Hour))
	store.snapshots["SOLUSDT"] = []*database.PositionSnapshot{{MarkPrice: 100}}

	svc := newTestService(store)
	at := NewAutoTrigger(svc, store, fakeConsensus{cells: []consensus.HeatmapCell{
		shortCell("SOLUSDT", 3, 80, -1),
	}}, zerolog.Nop())

	result, err := at.RunPass(context.Background(), "default", false)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if len(result.Reversed) != 1 || result.Reversed[0].ID != "old-long" {
		t.Fatalf("reversed = %+v, want the stale long", result.Reversed)
	}
	reversed := result.Reversed[0]
	if reversed.CloseReason == nil || *reversed.CloseReason != database.CloseReasonAutoReverse {
		t.Fatalf("reason = %v, want auto_reverse_signal", reversed.CloseReason)
	}
	if len(result.Opened) != 1 {
		t.Fatalf("opened = %+v, want one new short", result.Opened)
	}
	opened := result.Opened[0]
	if opened.Direction != database.DirectionShort || opened.Symbol != "SOLUSDT" {
		t.Fatalf("opened %s %s, want SOLUSDT short", opened.Symbol, opened.Direction)
	}
	if opened.Source != database.SimSourceAuto {
		t.Fatalf("source = %s, want auto", opened.Source)
	}
	if _, ok := store.lastRun["default"]; !ok {
		t.Fatal("lastRunAt not advanced on commit run")
	}
}

func TestAutoRunSkipsCandidateBelowThresholds(t *testing.T) {
	store := newFakeStore()
	rule := seedRule(store)
	rule.MinConfidence = 90
	store.snapshots["SOLUSDT"] = []*database.PositionSnapshot{{MarkPrice: 100}}

	svc := newTestService(store)
	at := NewAutoTrigger(svc, store, fakeConsensus{cells: []consensus.HeatmapCell{
		shortCell("SOLUSDT", 3, 80, -1),
	}}, zerolog.Nop())

	result, err := at.RunPass(context.Background(), "default", false)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if len(result.Candidates) != 0 || len(result.Opened) != 0 {
		t.Fatalf("result = %+v, want no candidates", result)
	}
}

func TestAutoRunCooldownBlocksReentry(t *testing.T) {
	store := newFakeStore()
	rule := seedRule(store)
	rule.CooldownMinutes = 60
	recent := seedOpenAuto(store, "recent", "SOLUSDT", database.DirectionShort, 100, time.Now().Add(-10*time.Minute))
	recent.Status = database.SimStatusClosed
	store.snapshots["SOLUSDT"] = []*database.PositionSnapshot{{MarkPrice: 100}}

	svc := newTestService(store)
	at := NewAutoTrigger(svc, store, fakeConsensus{cells: []consensus.HeatmapCell{
		shortCell("SOLUSDT", 3, 80, -1),
	}}, zerolog.Nop())

	result, err := at.RunPass(context.Background(), "default", false)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if len(result.Cooldowns) != 1 || result.Cooldowns[0] != "SOLUSDT" {
		t.Fatalf("cooldowns = %v, want [SOLUSDT]", result.Cooldowns)
	}
	if len(result.Opened) != 0 {
		t.Fatalf("opened = %+v, want none during cooldown", result.Opened)
	}
}

func TestAutoRunDryRunMutatesNothing(t *testing.T) {
	store := newFakeStore()
	seedRule(store)
	store.snapshots["SOLUSDT"] = []*database.PositionSnapshot{{MarkPrice: 100}}

	svc := newTestService(store)
	at := NewAutoTrigger(svc, store, fakeConsensus{cells: []consensus.HeatmapCell{
		shortCell("SOLUSDT", 3, 80, -1),
	}}, zerolog.Nop())

	result, err := at.RunPass(context.Background(), "default", true)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if !result.DryRun {
		t.Fatal("result not marked dry-run")
	}
	if len(result.Opened) != 1 {
		t.Fatalf("opened = %+v, want the hypothetical short", result.Opened)
	}
	if len(store.positions) != 0 {
		t.Fatalf("store has %d positions, want 0 after dry-run", len(store.positions))
	}
	if _, ok := store.lastRun["default"]; ok {
		t.Fatal("lastRunAt advanced on dry-run")
	}
}

func TestReconcileClosesAtFirstTraderClose(t *testing.T) {
	store := newFakeStore()
	t0 := time.Now().Add(-2 * time.Hour)
	t1 := t0.Add(time.Hour)
	seedOpenAuto(store, "xrp-long", "XRPUSDT", database.DirectionLong, 0.5, t0)
	store.events = append(store.events, &database.TradeEvent{
		LeadID:    "lead-1",
		Symbol:    "XRPUSDT",
		Kind:      database.EventCloseLong,
		EventTime: &t1,
		FetchedAt: t1,
		Price:     0.55,
	})

	svc := newTestService(store)
	at := NewAutoTrigger(svc, store, fakeConsensus{}, zerolog.Nop())

	result, err := at.Reconcile(context.Background(), false)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(result.Reconciled) != 1 {
		t.Fatalf("reconciled = %+v, want one close", result.Reconciled)
	}
	closed := result.Reconciled[0]
	if closed.CloseReason == nil || *closed.CloseReason != database.CloseReasonFirstTraderClose {
		t.Fatalf("reason = %v, want first_trader_close", closed.CloseReason)
	}
	if closed.ExitPrice == nil || !closeTo(*closed.ExitPrice, 0.55) {
		t.Fatalf("exit = %v, want 0.55", closed.ExitPrice)
	}
	if closed.PnLUSDT == nil || !closeTo(*closed.PnLUSDT, 100) {
		t.Fatalf("pnl = %v, want 100 (notional x 10%% move)", closed.PnLUSDT)
	}
	if closed.RoiPct == nil || !closeTo(*closed.RoiPct, 100) {
		t.Fatalf("roi = %v, want 100", closed.RoiPct)
	}
	if closed.CloseTriggerTraderID == nil || *closed.CloseTriggerTraderID != "lead-1" {
		t.Fatalf("trigger trader = %v, want lead-1", closed.CloseTriggerTraderID)
	}
	if closed.ClosedAt == nil || !closed.ClosedAt.Equal(t1) {
		t.Fatalf("closedAt = %v, want the event time", closed.ClosedAt)
	}

	// Second run on the same state closes nothing new.
	again, err := at.Reconcile(context.Background(), false)
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if len(again.Reconciled) != 0 {
		t.Fatalf("second run reconciled = %+v, want none", again.Reconciled)
	}
}

func TestReconcileClosesOnEventWithoutEventTime(t *testing.T) {
	// Upstream close rows sometimes lack an event time; the lookup falls
	// back to fetched_at, same as the event-log cutoff queries.
	store := newFakeStore()
	t0 := time.Now().Add(-2 * time.Hour)
	t1 := t0.Add(time.Hour)
	seedOpenAuto(store, "xrp-long", "XRPUSDT", database.DirectionLong, 0.5, t0)
	store.events = append(store.events, &database.TradeEvent{
		LeadID:    "lead-1",
		Symbol:    "XRPUSDT",
		Kind:      database.EventCloseLong,
		EventTime: nil,
		FetchedAt: t1,
		Price:     0.55,
	})

	svc := newTestService(store)
	at := NewAutoTrigger(svc, store, fakeConsensus{}, zerolog.Nop())

	result, err := at.Reconcile(context.Background(), false)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(result.Reconciled) != 1 {
		t.Fatalf("reconciled = %+v, want one close", result.Reconciled)
	}
	closed := result.Reconciled[0]
	if closed.CloseReason == nil || *closed.CloseReason != database.CloseReasonFirstTraderClose {
		t.Fatalf("reason = %v, want first_trader_close", closed.CloseReason)
	}
	if closed.ClosedAt == nil || !closed.ClosedAt.Equal(t1) {
		t.Fatalf("closedAt = %v, want the fetch time", closed.ClosedAt)
	}
}

func TestReconcileIgnoresWrongDirectionClose(t *testing.T) {
	store := newFakeStore()
	t0 := time.Now().Add(-2 * time.Hour)
	t1 := t0.Add(time.Hour)
	seedOpenAuto(store, "short-pos", "XRPUSDT", database.DirectionShort, 0.5, t0)
	store.events = append(store.events, &database.TradeEvent{
		Symbol:    "XRPUSDT",
		Kind:      database.EventCloseLong, // terminates longs, not this short
		EventTime: &t1,
		FetchedAt: t1,
		Price:     0.55,
	})

	svc := newTestService(store)
	at := NewAutoTrigger(svc, store, fakeConsensus{}, zerolog.Nop())

	result, err := at.Reconcile(context.Background(), false)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(result.Reconciled) != 0 {
		t.Fatalf("reconciled = %+v, want none", result.Reconciled)
	}
}
