package simulation

import (
	"context"

	"copytrade-signals/internal/database"
)

// snapshotSampleLimit caps how many observations feed the average.
const snapshotSampleLimit = 60

// PriceSource is the data the resolver reads.
type PriceSource interface {
	ListRecentSnapshotsForSymbol(ctx context.Context, symbol string, limit int) ([]*database.PositionSnapshot, error)
	LatestEventPrice(ctx context.Context, symbol string) (*float64, error)
}

// ReferencePrice resolves a usable market price for a symbol from what
// the scraper has observed: the average of recent snapshot prices
// (preferring mark price over entry price), else the latest event price.
// Nil when the symbol has never been seen with a positive price.
func ReferencePrice(ctx context.Context, source PriceSource, symbol string) (*float64, error) {
	snaps, err := source.ListRecentSnapshotsForSymbol(ctx, symbol, snapshotSampleLimit)
	if err != nil {
		return nil, err
	}

	var sum float64
	var count int
	for _, s := range snaps {
		switch {
		case s.MarkPrice > 0:
			sum += s.MarkPrice
			count++
		case s.EntryPrice > 0:
			sum += s.EntryPrice
			count++
		}
	}
	if count > 0 {
		avg := sum / float64(count)
		return &avg, nil
	}

	return source.LatestEventPrice(ctx, symbol)
}
