package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"copytrade-signals/internal/backtest"
	"copytrade-signals/internal/cache"
	"copytrade-signals/internal/database"
	"copytrade-signals/internal/events"
	"copytrade-signals/internal/metrics"
	"copytrade-signals/internal/simulation"
)

func (s *Server) handleSimOpen(c *gin.Context) {
	var req simulation.OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	pos, err := s.sim.Open(c.Request.Context(), req)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	s.publishOpened(pos)
	successResponse(c, pos)
}

func (s *Server) handleSimClose(c *gin.Context) {
	var body struct {
		ExitPrice float64 `json:"exitPrice,omitempty"`
		Reason    string  `json:"reason,omitempty"`
	}
	// An empty body is a market close at the reference price.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	pos, err := s.sim.Close(c.Request.Context(), c.Param("id"), body.ExitPrice, simulation.CloseOptions{
		Reason: body.Reason,
	})
	if err != nil {
		s.respondErr(c, err)
		return
	}
	s.publishClosed(pos)
	successResponse(c, pos)
}

func (s *Server) handleSimPositions(c *gin.Context) {
	f := database.SimPositionFilter{
		Status:      c.Query("status"),
		Source:      c.Query("source"),
		Symbol:      c.Query("symbol"),
		PortfolioID: c.Query("portfolioId"),
	}
	if v := c.Query("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}

	positions, err := s.sim.List(c.Request.Context(), f)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	successResponse(c, positions)
}

// handleReconcilePreview shows what a reconcile pass would close without
// committing anything.
func (s *Server) handleReconcilePreview(c *gin.Context) {
	result, err := s.autoTrigger.Reconcile(c.Request.Context(), true)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	successResponse(c, result)
}

func (s *Server) handleReconcile(c *gin.Context) {
	result, err := s.autoTrigger.Reconcile(c.Request.Context(), false)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	for _, pos := range result.Reconciled {
		s.publishClosed(pos)
	}
	successResponse(c, result)
}

func (s *Server) handleSimReport(c *gin.Context) {
	portfolioID := c.Query("portfolioId")

	key := cache.ReportKey(portfolioID)
	if s.cache != nil {
		var report simulation.Report
		if err := s.cache.GetJSON(c.Request.Context(), key, &report); err == nil {
			metrics.CacheHits.Inc()
			successResponse(c, &report)
			return
		}
		metrics.CacheMisses.Inc()
	}

	report, err := s.sim.BuildReport(c.Request.Context(), portfolioID)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	if s.cache != nil {
		_ = s.cache.SetJSON(c.Request.Context(), key, report, cache.ReportTTL)
	}
	successResponse(c, report)
}

func (s *Server) handleGetAutoRule(c *gin.Context) {
	rule, err := s.repo.GetAutoTriggerRule(c.Request.Context(), "")
	if err != nil {
		s.respondErr(c, err)
		return
	}
	successResponse(c, rule)
}

// autoRuleBody is the writable subset of the auto-trigger rule.
type autoRuleBody struct {
	Enabled         *bool    `json:"enabled,omitempty"`
	SegmentFilter   *string  `json:"segmentFilter,omitempty"`
	TimeRange       *string  `json:"timeRange,omitempty"`
	MinTraders      *int     `json:"minTraders,omitempty"`
	MinConfidence   *float64 `json:"minConfidence,omitempty"`
	MinSentimentAbs *float64 `json:"minSentimentAbs,omitempty"`
	Leverage        *float64 `json:"leverage,omitempty"`
	MarginNotional  *float64 `json:"marginNotional,omitempty"`
	CooldownMinutes *int     `json:"cooldownMinutes,omitempty"`
}

func (s *Server) handleUpdateAutoRule(c *gin.Context) {
	var body autoRuleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	rule, err := s.repo.GetAutoTriggerRule(c.Request.Context(), "")
	if err != nil {
		s.respondErr(c, err)
		return
	}

	if body.Enabled != nil {
		rule.Enabled = *body.Enabled
	}
	if body.SegmentFilter != nil {
		switch *body.SegmentFilter {
		case database.SegmentVisible, database.SegmentHidden, "both":
			rule.SegmentFilter = *body.SegmentFilter
		default:
			errorResponse(c, http.StatusBadRequest, "segmentFilter must be visible, hidden, or both")
			return
		}
	}
	if body.TimeRange != nil {
		rule.TimeRange = *body.TimeRange
	}
	if body.MinTraders != nil {
		if *body.MinTraders < 1 {
			errorResponse(c, http.StatusBadRequest, "minTraders must be at least 1")
			return
		}
		rule.MinTraders = *body.MinTraders
	}
	if body.MinConfidence != nil {
		if *body.MinConfidence < 0 || *body.MinConfidence > 100 {
			errorResponse(c, http.StatusBadRequest, "minConfidence must be within 0..100")
			return
		}
		rule.MinConfidence = *body.MinConfidence
	}
	if body.MinSentimentAbs != nil {
		if *body.MinSentimentAbs < 0 || *body.MinSentimentAbs > 100 {
			errorResponse(c, http.StatusBadRequest, "minSentimentAbs must be within 0..100")
			return
		}
		rule.MinSentimentAbs = *body.MinSentimentAbs
	}
	if body.Leverage != nil {
		if *body.Leverage < 1 {
			errorResponse(c, http.StatusBadRequest, "leverage must be at least 1")
			return
		}
		rule.Leverage = *body.Leverage
	}
	if body.MarginNotional != nil {
		if *body.MarginNotional <= 0 {
			errorResponse(c, http.StatusBadRequest, "marginNotional must be positive")
			return
		}
		rule.MarginNotional = *body.MarginNotional
	}
	if body.CooldownMinutes != nil {
		if *body.CooldownMinutes < 0 {
			errorResponse(c, http.StatusBadRequest, "cooldownMinutes must be non-negative")
			return
		}
		rule.CooldownMinutes = *body.CooldownMinutes
	}

	if err := s.repo.UpdateAutoTriggerRule(c.Request.Context(), rule); err != nil {
		s.respondErr(c, err)
		return
	}
	successResponse(c, rule)
}

func (s *Server) handleAutoRun(c *gin.Context) {
	dryRun := c.Query("dryRun") == "true"

	result, err := s.autoTrigger.RunPass(c.Request.Context(), "", dryRun)
	if err != nil {
		s.respondErr(c, err)
		return
	}

	if s.bus != nil {
		s.bus.PublishAutoRun(len(result.Opened), len(result.Reversed)+len(result.Reconciled), dryRun)
	}
	if !dryRun {
		for _, pos := range result.Reconciled {
			s.publishClosed(pos)
		}
		for _, pos := range result.Reversed {
			s.publishClosed(pos)
		}
		for _, pos := range result.Opened {
			s.publishOpened(pos)
		}
	}
	successResponse(c, gin.H{
		"dryRun":          result.DryRun,
		"ranAt":           result.RanAt,
		"candidates":      result.Candidates,
		"opened":          result.Opened,
		"closed":          append(result.Reconciled, result.Reversed...),
		"cooldownSkipped": result.Cooldowns,
		"errors":          result.Errors,
	})
}

func (s *Server) handleBacktestLite(c *gin.Context) {
	params := backtest.Params{
		TimeRange: c.Query("timeRange"),
		Symbol:    c.Query("symbol"),
	}
	params.MinTraders, _ = strconv.Atoi(c.Query("minTraders"))
	params.MinConfidence, _ = strconv.ParseFloat(c.Query("minConfidence"), 64)
	params.MinSentimentAbs, _ = strconv.ParseFloat(c.Query("minSentimentAbs"), 64)
	params.Leverage, _ = strconv.ParseFloat(c.Query("leverage"), 64)
	params.MarginNotional, _ = strconv.ParseFloat(c.Query("marginNotional"), 64)
	params.SlippageBps, _ = strconv.ParseFloat(c.Query("slippageBps"), 64)
	params.CommissionBps, _ = strconv.ParseFloat(c.Query("commissionBps"), 64)
	params.InitialBalance, _ = strconv.ParseFloat(c.Query("initialBalance"), 64)
	params.AdvancedMetrics = c.Query("advancedMetrics") == "true"
	params.MonteCarlo = c.Query("monteCarlo") == "true"
	params.WalkForward = c.Query("walkForward") == "true"
	params.EquityCurve = c.Query("equityCurve") == "true"
	params.NumSimulations, _ = strconv.Atoi(c.Query("numSimulations"))
	params.Persist = c.Query("persist") == "true"

	result, err := s.backtest.Run(c.Request.Context(), params)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	if s.bus != nil {
		s.bus.Publish(busBacktestEvent(result))
	}
	successResponse(c, result)
}

func busBacktestEvent(res *backtest.Result) events.Event {
	return events.Event{
		Type: events.EventBacktestComplete,
		Data: map[string]interface{}{
			"trades":    res.Summary.Trades,
			"totalPnl":  res.Summary.TotalPnL,
			"persisted": res.PersistedID != "",
		},
	}
}

func (s *Server) publishOpened(pos *database.SimulatedPosition) {
	if s.bus == nil {
		return
	}
	s.bus.PublishSimOpened(pos.ID, pos.Symbol, pos.Direction, pos.Source, pos.MarginNotional)
}

func (s *Server) publishClosed(pos *database.SimulatedPosition) {
	if s.bus == nil {
		return
	}
	reason := ""
	if pos.CloseReason != nil {
		reason = *pos.CloseReason
	}
	pnl := 0.0
	if pos.PnLUSDT != nil {
		pnl = *pos.PnLUSDT
	}
	s.bus.PublishSimClosed(pos.ID, pos.Symbol, reason, pnl)
}
