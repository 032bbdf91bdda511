package scraper

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"copytrade-signals/internal/binance"
)

// Fetcher produces one full record for a lead trader.
type Fetcher interface {
	FetchLead(ctx context.Context, leadID string, opts binance.FetchOptions) (*binance.LeadRecord, error)
}

// Result pairs a lead id with either its record or the error that felled
// it. Every requested id yields exactly one Result.
type Result struct {
	LeadID string              `json:"traderId"`
	Record *binance.LeadRecord `json:"record,omitempty"`
	Err    error               `json:"-"`
	Error  string              `json:"error,omitempty"`
}

// Orchestrator fans scrape requests out over a bounded worker set,
// batch by batch with a pause in between to stay polite upstream.
type Orchestrator struct {
	fetcher     Fetcher
	concurrency int
	batchDelay  time.Duration
	logger      zerolog.Logger
}

func NewOrchestrator(fetcher Fetcher, concurrency int, batchDelay time.Duration, logger zerolog.Logger) *Orchestrator {
	if concurrency <= 0 {
		concurrency = 5
	}
	if batchDelay <= 0 {
		batchDelay = 500 * time.Millisecond
	}
	return &Orchestrator{
		fetcher:     fetcher,
		concurrency: concurrency,
		batchDelay:  batchDelay,
		logger:      logger,
	}
}

// ScrapeAll fetches every lead id, preserving input order in the output.
// Individual failures are recorded, never fatal; context cancellation
// stops scheduling new batches.
func (o *Orchestrator) ScrapeAll(ctx context.Context, leadIDs []string, opts binance.FetchOptions) []Result {
	results := make([]Result, len(leadIDs))

	for start := 0; start < len(leadIDs); start += o.concurrency {
		if start > 0 {
			select {
			case <-ctx.Done():
				for i := start; i < len(leadIDs); i++ {
					results[i] = Result{LeadID: leadIDs[i], Err: ctx.Err(), Error: ctx.Err().Error()}
				}
				return results
			case <-time.After(o.batchDelay):
			}
		}

		end := start + o.concurrency
		if end > len(leadIDs) {
			end = len(leadIDs)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				id := leadIDs[idx]
				rec, err := o.fetcher.FetchLead(ctx, id, opts)
				if err != nil {
					o.logger.Warn().Str("lead_id", id).Err(err).Msg("scrape failed")
					results[idx] = Result{LeadID: id, Err: err, Error: err.Error()}
					return
				}
				results[idx] = Result{LeadID: id, Record: rec}
			}(i)
		}
		wg.Wait()
	}

	return results
}
