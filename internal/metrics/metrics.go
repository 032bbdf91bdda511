// Package metrics exposes Prometheus instrumentation. Label sets stay
// bounded: sources, close reasons, and event types are fixed enums, never
// symbols or trader ids.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"copytrade-signals/internal/events"
)

var (
	ScrapePasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "copytrade_scrape_passes_total",
		Help: "Completed scrape fan-out passes.",
	})
	ScrapeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "copytrade_scrape_trader_failures_total",
		Help: "Trader fetches that ended in error across all passes.",
	})
	ScrapeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "copytrade_scrape_pass_duration_seconds",
		Help:    "Wall time of one full scrape pass.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	IngestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "copytrade_ingests_total",
		Help: "Raw trader payloads persisted.",
	})
	DerivedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "copytrade_derived_events_total",
		Help: "Trade events produced by derivation.",
	})

	SimOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrade_sim_positions_opened_total",
		Help: "Simulated positions opened, by source.",
	}, []string{"source"})
	SimClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrade_sim_positions_closed_total",
		Help: "Simulated positions closed, by reason.",
	}, []string{"reason"})

	AutoRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrade_auto_runs_total",
		Help: "Auto-trigger passes, split by dry-run.",
	}, []string{"dry_run"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrade_http_requests_total",
		Help: "API requests by method and status class.",
	}, []string{"method", "status"})
	HTTPDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "copytrade_http_request_duration_seconds",
		Help:    "API request latency.",
		Buckets: prometheus.DefBuckets,
	})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "copytrade_cache_hits_total",
		Help: "Redis cache hits on consensus views.",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "copytrade_cache_misses_total",
		Help: "Redis cache misses on consensus views.",
	})
)

// ObserveHTTP records one handled request.
func ObserveHTTP(method string, status int, elapsed time.Duration) {
	HTTPRequests.WithLabelValues(method, statusClass(status)).Inc()
	HTTPDuration.Observe(elapsed.Seconds())
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

// Bind subscribes the counters to the event bus so services publish once
// and both metrics and logs stay in step.
func Bind(bus *events.EventBus) {
	bus.Subscribe(events.EventIngestCompleted, func(e events.Event) {
		IngestsTotal.Inc()
		if n, ok := e.Data["events"].(int); ok {
			DerivedEvents.Add(float64(n))
		}
	})
	bus.Subscribe(events.EventScrapePassDone, func(e events.Event) {
		ScrapePasses.Inc()
		if n, ok := e.Data["failed"].(int); ok {
			ScrapeFailures.Add(float64(n))
		}
		if ms, ok := e.Data["elapsed_ms"].(int64); ok {
			ScrapeDuration.Observe(float64(ms) / 1000)
		}
	})
	bus.Subscribe(events.EventSimPositionOpen, func(e events.Event) {
		source, _ := e.Data["source"].(string)
		if source == "" {
			source = "manual"
		}
		SimOpened.WithLabelValues(source).Inc()
	})
	bus.Subscribe(events.EventSimPositionClose, func(e events.Event) {
		reason, _ := e.Data["reason"].(string)
		if reason == "" {
			reason = "manual_close"
		}
		SimClosed.WithLabelValues(reason).Inc()
	})
	bus.Subscribe(events.EventAutoRunComplete, func(e events.Event) {
		dry, _ := e.Data["dry_run"].(bool)
		AutoRuns.WithLabelValues(strconv.FormatBool(dry)).Inc()
	})
}
