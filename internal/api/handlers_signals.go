package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"copytrade-signals/internal/binance"
	"copytrade-signals/internal/cache"
	"copytrade-signals/internal/consensus"
	"copytrade-signals/internal/database"
	"copytrade-signals/internal/derive"
	"copytrade-signals/internal/events"
	"copytrade-signals/internal/insights"
	"copytrade-signals/internal/metrics"
)

// Staleness classes for the diagnostic report.
const (
	stalenessFresh    = "fresh"
	stalenessOneHour  = "stale_1h"
	stalenessOneDay   = "stale_24h"
	stalenessNeverSet = "never_set"
)

func (s *Server) handleHeatmap(c *gin.Context) {
	f := consensus.Filters{
		TimeRange:      c.Query("timeRange"),
		Side:           c.Query("side"),
		LeverageBucket: c.Query("leverage"),
		SegmentFilter:  c.Query("segment"),
		RecentlyOpened: c.Query("recentlyOpened"),
	}
	if v := c.Query("minTraders"); v != "" {
		f.MinTraders, _ = strconv.Atoi(v)
	}

	// Only the unparameterized views are cached; side/minTraders/recency
	// filters fan out too widely to be worth keys.
	cacheable := f.Side == "" && f.MinTraders == 0 && f.RecentlyOpened == ""
	key := cache.HeatmapKey(f.TimeRange, f.SegmentFilter, f.LeverageBucket)
	if cacheable && s.cache != nil {
		var cells []consensus.HeatmapCell
		if err := s.cache.GetJSON(c.Request.Context(), key, &cells); err == nil {
			metrics.CacheHits.Inc()
			successResponse(c, cells)
			return
		}
		metrics.CacheMisses.Inc()
	}

	cells, err := s.consensus.Heatmap(c.Request.Context(), f)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	if cacheable && s.cache != nil {
		_ = s.cache.SetJSON(c.Request.Context(), key, cells, cache.HeatmapTTL)
	}
	successResponse(c, cells)
}

func (s *Server) handleSymbolDetail(c *gin.Context) {
	symbol := c.Param("symbol")
	f := consensus.Filters{
		TimeRange:     c.Query("timeRange"),
		SegmentFilter: c.Query("segment"),
	}

	key := cache.SymbolKey(symbol, f.TimeRange, f.SegmentFilter)
	if s.cache != nil {
		var detail consensus.SymbolDetail
		if err := s.cache.GetJSON(c.Request.Context(), key, &detail); err == nil {
			metrics.CacheHits.Inc()
			successResponse(c, &detail)
			return
		}
		metrics.CacheMisses.Inc()
	}

	detail, err := s.consensus.Symbol(c.Request.Context(), symbol, f)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	if s.cache != nil {
		_ = s.cache.SetJSON(c.Request.Context(), key, detail, cache.HeatmapTTL)
	}
	successResponse(c, detail)
}

func (s *Server) handleFeed(c *gin.Context) {
	f := consensus.FeedFilters{
		Source:        c.DefaultQuery("source", consensus.FeedSourceAll),
		Symbol:        c.Query("symbol"),
		TimeRange:     c.Query("timeRange"),
		SegmentFilter: c.Query("segment"),
	}
	if v := c.Query("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}

	feed, err := s.consensus.Feed(c.Request.Context(), f)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	successResponse(c, feed)
}

func (s *Server) handleEventsFeed(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	evs, err := s.consensus.EventsFeed(c.Request.Context(), c.Query("timeRange"), c.Query("symbol"), limit)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	successResponse(c, evs)
}

func (s *Server) handleLatestRecords(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	records, err := s.consensus.LatestRecords(c.Request.Context(), c.Query("timeRange"), limit)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	successResponse(c, records)
}

func (s *Server) handleInsights(c *gin.Context) {
	rule, err := s.repo.GetInsightsRule(c.Request.Context(), "")
	if err != nil {
		s.respondErr(c, err)
		return
	}

	mode := c.Query("mode")
	if mode == "" {
		mode = rule.DefaultMode
	}
	f := insights.Filters{
		TimeRange:     c.Query("timeRange"),
		SegmentFilter: c.Query("segment"),
	}
	if v := c.Query("top"); v != "" {
		f.Top, _ = strconv.Atoi(v)
	}

	cacheable := f.Top == 0
	key := cache.InsightsKey(f.TimeRange, f.SegmentFilter, mode)
	if cacheable && s.cache != nil {
		var bundle insights.Bundle
		if err := s.cache.GetJSON(c.Request.Context(), key, &bundle); err == nil {
			metrics.CacheHits.Inc()
			successResponse(c, &bundle)
			return
		}
		metrics.CacheMisses.Inc()
	}

	preset := insights.PresetFor(insights.PresetsFromDocument(rule.Presets), mode)
	bundle, err := s.insights.Generate(c.Request.Context(), f, preset, mode)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	if cacheable && s.cache != nil {
		_ = s.cache.SetJSON(c.Request.Context(), key, bundle, cache.InsightsTTL)
	}
	successResponse(c, bundle)
}

func (s *Server) handleGetInsightsRule(c *gin.Context) {
	rule, err := s.repo.GetInsightsRule(c.Request.Context(), "")
	if err != nil {
		s.respondErr(c, err)
		return
	}
	successResponse(c, rule)
}

func (s *Server) handleUpdateInsightsRule(c *gin.Context) {
	var body struct {
		DefaultMode string                 `json:"defaultMode"`
		Presets     map[string]interface{} `json:"presets"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	switch body.DefaultMode {
	case insights.ModeConservative, insights.ModeBalanced, insights.ModeAggressive:
	default:
		errorResponse(c, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", body.DefaultMode))
		return
	}

	rule, err := s.repo.GetInsightsRule(c.Request.Context(), "")
	if err != nil {
		s.respondErr(c, err)
		return
	}
	rule.DefaultMode = body.DefaultMode
	if body.Presets != nil {
		rule.Presets = body.Presets
	}
	if err := s.repo.UpdateInsightsRule(c.Request.Context(), rule); err != nil {
		s.respondErr(c, err)
		return
	}
	s.invalidateSignals(c.Request.Context())
	successResponse(c, rule)
}

func (s *Server) handleTraderMetrics(c *gin.Context) {
	leadID := c.Param("leadId")
	raw, err := s.repo.GetLatestRawIngest(c.Request.Context(), leadID)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	if raw.Payload == nil {
		errorResponse(c, http.StatusNotFound, "latest ingest has no payload")
		return
	}

	rec := binance.RecordFromPayload(leadID, raw.FetchedAt, raw.Payload)
	m := derive.ComputeMetrics(rec)
	successResponse(c, gin.H{
		"traderId":         leadID,
		"fetchedAt":        raw.FetchedAt,
		"closedTrades":     m.ClosedTrades,
		"wins":             m.Wins,
		"losses":           m.Losses,
		"breakeven":        m.Breakeven,
		"winRate":          m.WinRate,
		"maxConsecWins":    m.MaxConsecWins,
		"maxConsecLosses":  m.MaxConsecLosses,
		"closedTrades7d":   m.ClosedTrades7d,
		"sharpe":           m.Sharpe,
		"score30d":         m.Score30d,
		"positionsVisible": m.PositionsVisible,
		"avgLeverage":      m.AvgLeverage,
		"qualityScore":     m.QualityScore,
		"confidence":       m.Confidence,
	})
}

// leadDiagnostic is one trader's data-completeness report.
type leadDiagnostic struct {
	TraderID     string     `json:"traderId"`
	Segment      string     `json:"segment"`
	Staleness    string     `json:"staleness"`
	LastIngestAt *time.Time `json:"lastIngestAt,omitempty"`
	Events30d    int        `json:"events30d"`
	TraderWeight float64    `json:"traderWeight"`
	Issues       []string   `json:"issues"`
}

func (s *Server) diagnoseLead(ctx context.Context, leadID string) (*leadDiagnostic, error) {
	diag := &leadDiagnostic{
		TraderID:  leadID,
		Segment:   database.SegmentUnknown,
		Staleness: stalenessNeverSet,
		Issues:    []string{},
	}

	score, err := s.repo.GetTraderScore(ctx, leadID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		diag.Issues = append(diag.Issues, "no trader score derived yet")
	case err != nil:
		return nil, err
	default:
		diag.Segment = score.Segment()
		diag.TraderWeight = score.TraderWeight
		if score.PositionShow == nil {
			diag.Issues = append(diag.Issues, "positionShow never set")
		}
		if score.TraderWeight == 0 {
			diag.Issues = append(diag.Issues, "traderWeight not computed")
		}
	}

	raw, err := s.repo.GetLatestRawIngest(ctx, leadID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		diag.Issues = append(diag.Issues, "no raw ingest recorded")
	case err != nil:
		return nil, err
	default:
		t := raw.FetchedAt
		diag.LastIngestAt = &t
		age := time.Since(t)
		switch {
		case age < time.Hour:
			diag.Staleness = stalenessFresh
		case age < 24*time.Hour:
			diag.Staleness = stalenessOneHour
		default:
			diag.Staleness = stalenessOneDay
		}
		if age > 2*time.Hour {
			diag.Issues = append(diag.Issues, "stale ingest > 2h")
		}
	}

	count, err := s.repo.CountEventsForLead(ctx, leadID, time.Now().Add(-30*24*time.Hour))
	if err != nil {
		return nil, err
	}
	diag.Events30d = count
	if count == 0 {
		diag.Issues = append(diag.Issues, "no events in 30d")
	}
	return diag, nil
}

func (s *Server) handleDiagnostic(c *gin.Context) {
	leads, err := s.repo.ListLeadIDs(c.Request.Context())
	if err != nil {
		s.respondErr(c, err)
		return
	}

	reports := make([]*leadDiagnostic, 0, len(leads))
	withIssues := 0
	for _, id := range leads {
		diag, err := s.diagnoseLead(c.Request.Context(), id)
		if err != nil {
			s.respondErr(c, err)
			return
		}
		if len(diag.Issues) > 0 {
			withIssues++
		}
		reports = append(reports, diag)
	}
	successResponse(c, gin.H{
		"traders":    reports,
		"total":      len(reports),
		"withIssues": withIssues,
	})
}

func (s *Server) handleDiagnosticLead(c *gin.Context) {
	diag, err := s.diagnoseLead(c.Request.Context(), c.Param("leadId"))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	successResponse(c, diag)
}

func (s *Server) handleRebuild(c *gin.Context) {
	rebuilt, err := s.deriver.RebuildAll(c.Request.Context())
	if err != nil {
		s.respondErr(c, err)
		return
	}
	s.invalidateSignals(c.Request.Context())
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type: events.EventDerivedRebuilt,
			Data: map[string]interface{}{"traders": rebuilt},
		})
	}
	successResponse(c, gin.H{"tradersRebuilt": rebuilt})
}

// invalidateSignals drops every cached consensus view. Outages are fine;
// the entries expire on their own TTL anyway.
func (s *Server) invalidateSignals(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeletePattern(ctx, cache.SignalsPattern()); err != nil &&
		!errors.Is(err, cache.ErrUnavailable) {
		s.logger.Warn().Err(err).Msg("signals cache invalidation failed")
	}
}
