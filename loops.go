package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"copytrade-signals/config"
	"copytrade-signals/internal/binance"
	"copytrade-signals/internal/cache"
	"copytrade-signals/internal/database"
	"copytrade-signals/internal/events"
	"copytrade-signals/internal/scraper"
	"copytrade-signals/internal/simulation"
)

// backgroundLoops runs the periodic work: the scrape fan-out, the
// auto-trigger pass, and the protective-level monitor. Each loop is
// independent and a zero interval disables it.
type backgroundLoops struct {
	cfg          *config.Config
	logger       zerolog.Logger
	repo         *database.Repository
	orchestrator *scraper.Orchestrator
	ingestor     *scraper.Ingestor
	autoTrigger  *simulation.AutoTrigger
	sim          *simulation.Service
	cache        *cache.CacheService
	bus          *events.EventBus
}

func (b *backgroundLoops) start(ctx context.Context) {
	if interval := b.cfg.ScraperConfig.IntervalMinutes; interval > 0 {
		go b.run(ctx, "scrape", time.Duration(interval)*time.Minute, b.scrapePass)
	}
	if interval := b.cfg.SimulationConfig.AutoRunIntervalMinutes; interval > 0 {
		go b.run(ctx, "auto-trigger", time.Duration(interval)*time.Minute, b.autoRunPass)
	}
	if interval := b.cfg.SimulationConfig.MonitorIntervalSeconds; interval > 0 {
		go b.run(ctx, "monitor", time.Duration(interval)*time.Second, b.monitorPass)
	}
}

func (b *backgroundLoops) run(ctx context.Context, name string, interval time.Duration, pass func(context.Context)) {
	b.logger.Info().Str("loop", name).Dur("interval", interval).Msg("background loop started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Str("loop", name).Msg("background loop stopped")
			return
		case <-ticker.C:
			pass(ctx)
		}
	}
}

// scrapePass fetches every followed trader and ingests the records.
// Individual trader failures are counted, never fatal.
func (b *backgroundLoops) scrapePass(ctx context.Context) {
	leadIDs := b.cfg.ScraperConfig.LeadIDs
	if len(leadIDs) == 0 {
		var err error
		leadIDs, err = b.repo.ListLeadIDs(ctx)
		if err != nil {
			b.logger.Error().Err(err).Msg("scrape pass: lead listing failed")
			return
		}
	}
	if len(leadIDs) == 0 {
		return
	}

	start := time.Now()
	results := b.orchestrator.ScrapeAll(ctx, leadIDs, binance.FetchOptions{
		TimeRange: b.cfg.ScraperConfig.TimeRange,
	})

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			continue
		}
		raw, derived, err := b.ingestor.IngestRecord(ctx, res.Record)
		if err != nil {
			failed++
			b.logger.Error().Str("lead_id", res.LeadID).Err(err).Msg("ingest failed")
			if b.bus != nil {
				b.bus.PublishError("scraper", "ingest failed for "+res.LeadID, err)
			}
			continue
		}
		if b.bus != nil {
			b.bus.PublishIngest(res.LeadID, raw.PositionsCount, raw.OrdersCount, derived)
		}
	}

	elapsed := time.Since(start)
	if b.bus != nil {
		b.bus.PublishScrapePass(len(results), failed, elapsed)
	}
	if b.cache != nil {
		_ = b.cache.DeletePattern(ctx, cache.SignalsPattern())
	}
	b.logger.Info().
		Int("traders", len(results)).
		Int("failed", failed).
		Dur("elapsed", elapsed).
		Msg("scrape pass complete")
}

// autoRunPass executes one committed auto-trigger pass when the rule is
// enabled. Manual API runs ignore the flag; the scheduler honors it.
func (b *backgroundLoops) autoRunPass(ctx context.Context) {
	rule, err := b.repo.GetAutoTriggerRule(ctx, "")
	if err != nil {
		b.logger.Error().Err(err).Msg("auto-run pass: rule load failed")
		return
	}
	if !rule.Enabled {
		return
	}

	result, err := b.autoTrigger.RunPass(ctx, rule.ID, false)
	if err != nil {
		b.logger.Error().Err(err).Msg("auto-run pass failed")
		if b.bus != nil {
			b.bus.PublishError("auto-trigger", "scheduled pass failed", err)
		}
		return
	}
	if b.bus != nil {
		b.bus.PublishAutoRun(len(result.Opened), len(result.Reversed)+len(result.Reconciled), false)
	}
	if len(result.Opened) > 0 || len(result.Reversed) > 0 || len(result.Reconciled) > 0 {
		b.logger.Info().
			Int("opened", len(result.Opened)).
			Int("reversed", len(result.Reversed)).
			Int("reconciled", len(result.Reconciled)).
			Msg("auto-trigger pass acted")
	}
}

// monitorPass sweeps protective levels on open positions.
func (b *backgroundLoops) monitorPass(ctx context.Context) {
	result, err := b.sim.MonitorPositions(ctx)
	if err != nil {
		b.logger.Error().Err(err).Msg("monitor pass failed")
		return
	}
	if len(result.Triggered) > 0 {
		b.logger.Info().Int("triggered", len(result.Triggered)).Msg("protective levels fired")
	}
	if b.bus != nil {
		for _, pos := range result.Triggered {
			reason := ""
			if pos.CloseReason != nil {
				reason = *pos.CloseReason
			}
			pnl := 0.0
			if pos.PnLUSDT != nil {
				pnl = *pos.PnLUSDT
			}
			b.bus.PublishSimClosed(pos.ID, pos.Symbol, reason, pnl)
		}
	}
}
