package scraper

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"copytrade-signals/internal/binance"
	"copytrade-signals/internal/database"
)

type fakeIngestStore struct {
	inserted []*database.RawIngest
}

func (f *fakeIngestStore) InsertRawIngest(ctx context.Context, rec *database.RawIngest) error {
	f.inserted = append(f.inserted, rec)
	return nil
}

type fakeProcessor struct {
	processed []*binance.LeadRecord
	derived   int
}

func (f *fakeProcessor) ProcessRecord(ctx context.Context, rec *binance.LeadRecord) (int, error) {
	f.processed = append(f.processed, rec)
	return f.derived, nil
}

func TestIngestRecordStoresCountsAndPayload(t *testing.T) {
	store := &fakeIngestStore{}
	proc := &fakeProcessor{derived: 3}
	ing := NewIngestor(store, proc, zerolog.Nop())

	rec := &binance.LeadRecord{
		LeadID:    "lead-1",
		FetchedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		TimeRange: "30D",
		ActivePositions: []binance.Position{
			{Symbol: "BTCUSDT", Side: "LONG", Amount: 1},
			{Symbol: "ETHUSDT", Side: "SHORT", Amount: -2},
		},
		OrderHistory: &binance.OrderHistory{Total: 3, AllOrders: []binance.OrderRecord{
			{Symbol: "BTCUSDT", Side: "BUY", PositionSide: "LONG"},
			{Symbol: "BTCUSDT", Side: "SELL", PositionSide: "LONG"},
			{Symbol: "ETHUSDT", Side: "SELL", PositionSide: "SHORT"},
		}},
	}

	raw, derived, err := ing.IngestRecord(context.Background(), rec)
	if err != nil {
		t.Fatal(err)
	}
	if derived != 3 {
		t.Errorf("derived events: got %d, want 3", derived)
	}
	if raw.PositionsCount != 2 {
		t.Errorf("positions count: got %d, want 2", raw.PositionsCount)
	}
	if raw.OrdersCount != 3 {
		t.Errorf("orders count: got %d, want 3", raw.OrdersCount)
	}
	if raw.TimeRange == nil || *raw.TimeRange != "30D" {
		t.Errorf("time range: got %v", raw.TimeRange)
	}
	if raw.Payload == nil {
		t.Fatal("payload must be stored")
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected one insert, got %d", len(store.inserted))
	}
	if len(proc.processed) != 1 {
		t.Fatalf("derivation pass did not run")
	}
}

func TestIngestPayloadProjectsArbitraryShape(t *testing.T) {
	store := &fakeIngestStore{}
	proc := &fakeProcessor{}
	ing := NewIngestor(store, proc, zerolog.Nop())

	payload := map[string]interface{}{
		"timeRange": "30D",
		"activePositions": []interface{}{
			map[string]interface{}{"symbol": "BTCUSDT", "positionSide": "LONG", "positionAmount": "1.5"},
		},
		"orderHistory": map[string]interface{}{
			"total": float64(1),
			"allOrders": []interface{}{
				map[string]interface{}{"symbol": "BTCUSDT", "side": "BUY", "positionSide": "LONG"},
			},
		},
		"futureField": map[string]interface{}{"unknown": true},
	}

	raw, _, err := ing.IngestPayload(context.Background(), "lead-9", time.Time{}, payload)
	if err != nil {
		t.Fatal(err)
	}
	if raw.PositionsCount != 1 || raw.OrdersCount != 1 {
		t.Errorf("counts: positions=%d orders=%d", raw.PositionsCount, raw.OrdersCount)
	}
	if raw.FetchedAt.IsZero() {
		t.Error("zero fetchedAt should default to now")
	}
	// Unknown sections must survive untouched in the stored payload.
	if _, ok := raw.Payload["futureField"]; !ok {
		t.Error("unknown payload sections must be preserved")
	}
	if len(proc.processed) != 1 {
		t.Fatal("derivation pass did not run")
	}
	if proc.processed[0].LeadID != "lead-9" {
		t.Errorf("lead id: got %s", proc.processed[0].LeadID)
	}
}
