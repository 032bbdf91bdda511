package scraper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"copytrade-signals/internal/binance"
)

type fakeFetcher struct {
	mu       sync.Mutex
	inflight int32
	peak     int32
	failIDs  map[string]bool
	calls    []string
}

func (f *fakeFetcher) FetchLead(ctx context.Context, leadID string, opts binance.FetchOptions) (*binance.LeadRecord, error) {
	cur := atomic.AddInt32(&f.inflight, 1)
	for {
		old := atomic.LoadInt32(&f.peak)
		if cur <= old || atomic.CompareAndSwapInt32(&f.peak, old, cur) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	atomic.AddInt32(&f.inflight, -1)

	f.mu.Lock()
	f.calls = append(f.calls, leadID)
	f.mu.Unlock()

	if f.failIDs[leadID] {
		return nil, errors.New("upstream unavailable")
	}
	return &binance.LeadRecord{LeadID: leadID, FetchedAt: time.Now()}, nil
}

func TestScrapeAllEveryIDAppearsOnce(t *testing.T) {
	fetcher := &fakeFetcher{failIDs: map[string]bool{"lead-3": true}}
	o := NewOrchestrator(fetcher, 2, time.Millisecond, zerolog.Nop())

	ids := []string{"lead-1", "lead-2", "lead-3", "lead-4", "lead-5"}
	results := o.ScrapeAll(context.Background(), ids, binance.FetchOptions{})

	if len(results) != len(ids) {
		t.Fatalf("expected %d results, got %d", len(ids), len(results))
	}
	for i, r := range results {
		if r.LeadID != ids[i] {
			t.Errorf("result %d: got %s, want %s", i, r.LeadID, ids[i])
		}
	}
	if results[2].Err == nil || results[2].Error == "" {
		t.Error("failed lead should carry its error")
	}
	if results[2].Record != nil {
		t.Error("failed lead should have no record")
	}
	for _, i := range []int{0, 1, 3, 4} {
		if results[i].Err != nil || results[i].Record == nil {
			t.Errorf("lead %s should have succeeded", ids[i])
		}
	}
}

func TestScrapeAllHonorsConcurrencyCap(t *testing.T) {
	fetcher := &fakeFetcher{}
	o := NewOrchestrator(fetcher, 3, time.Millisecond, zerolog.Nop())

	ids := make([]string, 12)
	for i := range ids {
		ids[i] = "lead-" + string(rune('a'+i))
	}
	o.ScrapeAll(context.Background(), ids, binance.FetchOptions{})

	if fetcher.peak > 3 {
		t.Errorf("concurrency cap exceeded: peak %d", fetcher.peak)
	}
	if len(fetcher.calls) != 12 {
		t.Errorf("expected 12 fetches, got %d", len(fetcher.calls))
	}
}

func TestScrapeAllCancelledContext(t *testing.T) {
	fetcher := &fakeFetcher{}
	o := NewOrchestrator(fetcher, 1, 50*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	results := o.ScrapeAll(ctx, []string{"a", "b", "c"}, binance.FetchOptions{})
	if len(results) != 3 {
		t.Fatalf("every id must appear in results, got %d", len(results))
	}
	last := results[2]
	if last.Err == nil {
		t.Error("leads after cancellation should carry the context error")
	}
}

func TestNewOrchestratorDefaults(t *testing.T) {
	o := NewOrchestrator(&fakeFetcher{}, 0, 0, zerolog.Nop())
	if o.concurrency != 5 {
		t.Errorf("default concurrency: got %d, want 5", o.concurrency)
	}
	if o.batchDelay != 500*time.Millisecond {
		t.Errorf("default batch delay: got %v", o.batchDelay)
	}
}
