package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"copytrade-signals/internal/binance"
	"copytrade-signals/internal/database"
)

// IngestStore is the raw-record slice of the repository.
type IngestStore interface {
	InsertRawIngest(ctx context.Context, rec *database.RawIngest) error
}

// RecordProcessor runs the derivation pass after a raw record lands and
// reports how many new events it produced.
type RecordProcessor interface {
	ProcessRecord(ctx context.Context, rec *binance.LeadRecord) (int, error)
}

// Ingestor appends scraped records to the raw store and hands them to the
// derivation pass. Payloads are stored as-is; only counts and the time
// range are read out at write time.
type Ingestor struct {
	store     IngestStore
	processor RecordProcessor
	logger    zerolog.Logger
}

func NewIngestor(store IngestStore, processor RecordProcessor, logger zerolog.Logger) *Ingestor {
	return &Ingestor{store: store, processor: processor, logger: logger}
}

// IngestRecord persists one scraped record and derives downstream state.
// The int is the number of events the derivation pass produced.
func (i *Ingestor) IngestRecord(ctx context.Context, rec *binance.LeadRecord) (*database.RawIngest, int, error) {
	payload, err := toPayload(rec)
	if err != nil {
		return nil, 0, fmt.Errorf("encode payload: %w", err)
	}

	raw := &database.RawIngest{
		LeadID:         rec.LeadID,
		FetchedAt:      rec.FetchedAt,
		PositionsCount: len(rec.ActivePositions),
		Payload:        payload,
	}
	if rec.TimeRange != "" {
		tr := rec.TimeRange
		raw.TimeRange = &tr
	}
	if rec.OrderHistory != nil {
		raw.OrdersCount = len(rec.OrderHistory.AllOrders)
	}

	i.checkParity(rec.LeadID, rec.PositionAudit, raw.PositionsCount)

	if err := i.store.InsertRawIngest(ctx, raw); err != nil {
		return nil, 0, fmt.Errorf("insert raw record: %w", err)
	}
	derived, err := i.processor.ProcessRecord(ctx, rec)
	if err != nil {
		return raw, derived, fmt.Errorf("derivation pass: %w", err)
	}
	return raw, derived, nil
}

// IngestPayload accepts an externally supplied payload of arbitrary shape,
// projects the sections it understands, and runs the same path as a
// scraped record.
func (i *Ingestor) IngestPayload(ctx context.Context, leadID string, fetchedAt time.Time, payload map[string]interface{}) (*database.RawIngest, int, error) {
	if fetchedAt.IsZero() {
		fetchedAt = time.Now().UTC()
	}
	rec := binance.RecordFromPayload(leadID, fetchedAt, payload)

	raw := &database.RawIngest{
		LeadID:         leadID,
		FetchedAt:      fetchedAt,
		PositionsCount: len(rec.ActivePositions),
		Payload:        payload,
	}
	if rec.TimeRange != "" {
		tr := rec.TimeRange
		raw.TimeRange = &tr
	}
	if rec.OrderHistory != nil {
		raw.OrdersCount = len(rec.OrderHistory.AllOrders)
	}

	i.checkParity(leadID, rec.PositionAudit, raw.PositionsCount)

	if err := i.store.InsertRawIngest(ctx, raw); err != nil {
		return nil, 0, fmt.Errorf("insert raw record: %w", err)
	}
	derived, err := i.processor.ProcessRecord(ctx, rec)
	if err != nil {
		return raw, derived, fmt.Errorf("derivation pass: %w", err)
	}
	return raw, derived, nil
}

// checkParity compares the upstream filter's own count against what we
// stored. Disagreement is a warning, not an error.
func (i *Ingestor) checkParity(leadID string, audit *binance.PositionAudit, stored int) {
	if audit == nil {
		return
	}
	if audit.FilteredActivePositionsCount == stored {
		i.logger.Debug().Str("lead_id", leadID).Int("count", stored).Msg("position count parity pass")
		return
	}
	i.logger.Warn().
		Str("lead_id", leadID).
		Int("audit_count", audit.FilteredActivePositionsCount).
		Int("stored_count", stored).
		Msg("position count parity mismatch")
}

func toPayload(rec *binance.LeadRecord) (map[string]interface{}, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
