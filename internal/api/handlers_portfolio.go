package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"copytrade-signals/internal/database"
	"copytrade-signals/internal/simulation"
)

// createPortfolioBody carries the portfolio limits; zero-valued knobs fall
// back to the configured simulation defaults.
type createPortfolioBody struct {
	Name                 string  `json:"name"`
	InitialBalance       float64 `json:"initialBalance,omitempty"`
	KellyFraction        float64 `json:"kellyFraction,omitempty"`
	MinSampleSize        int     `json:"minSampleSize,omitempty"`
	MaxRiskPerTrade      float64 `json:"maxRiskPerTrade,omitempty"`
	MaxPortfolioRisk     float64 `json:"maxPortfolioRisk,omitempty"`
	MaxOpenPositions     int     `json:"maxOpenPositions,omitempty"`
	DefaultSlippageBps   float64 `json:"defaultSlippageBps,omitempty"`
	DefaultCommissionBps float64 `json:"defaultCommissionBps,omitempty"`
}

func (s *Server) handleCreatePortfolio(c *gin.Context) {
	var body createPortfolioBody
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Name == "" {
		errorResponse(c, http.StatusBadRequest, "name is required")
		return
	}
	if body.InitialBalance < 0 || body.KellyFraction < 0 || body.MaxRiskPerTrade < 0 ||
		body.MaxPortfolioRisk < 0 || body.MaxOpenPositions < 0 {
		errorResponse(c, http.StatusBadRequest, "limits must be non-negative")
		return
	}

	simCfg := s.config.SimulationConfig
	if body.InitialBalance == 0 {
		body.InitialBalance = simCfg.InitialBalance
	}
	if body.MinSampleSize == 0 {
		body.MinSampleSize = simCfg.MinSampleSize
	}
	if body.DefaultSlippageBps == 0 {
		body.DefaultSlippageBps = simCfg.DefaultSlippageBps
	}
	if body.DefaultCommissionBps == 0 {
		body.DefaultCommissionBps = simCfg.DefaultCommissionBps
	}

	portfolio := &database.Portfolio{
		ID:                   uuid.NewString(),
		Name:                 body.Name,
		InitialBalance:       body.InitialBalance,
		CurrentBalance:       body.InitialBalance,
		KellyFraction:        body.KellyFraction,
		MinSampleSize:        body.MinSampleSize,
		MaxRiskPerTrade:      body.MaxRiskPerTrade,
		MaxPortfolioRisk:     body.MaxPortfolioRisk,
		MaxOpenPositions:     body.MaxOpenPositions,
		DefaultSlippageBps:   body.DefaultSlippageBps,
		DefaultCommissionBps: body.DefaultCommissionBps,
	}
	if err := s.repo.InsertPortfolio(c.Request.Context(), portfolio); err != nil {
		s.respondErr(c, err)
		return
	}
	successResponse(c, portfolio)
}

func (s *Server) handleListPortfolios(c *gin.Context) {
	portfolios, err := s.repo.ListPortfolios(c.Request.Context())
	if err != nil {
		s.respondErr(c, err)
		return
	}
	successResponse(c, portfolios)
}

func (s *Server) handleGetPortfolio(c *gin.Context) {
	portfolio, err := s.repo.GetPortfolio(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	successResponse(c, portfolio)
}

func (s *Server) handlePortfolioPerformance(c *gin.Context) {
	perf, err := s.sim.PortfolioReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	successResponse(c, perf)
}

func (s *Server) handleCalculateSize(c *gin.Context) {
	var req simulation.SizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Leverage <= 0 {
		req.Leverage = s.config.SimulationConfig.DefaultLeverage
	}

	rec, err := s.sim.CalculateSize(c.Request.Context(), req)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	successResponse(c, rec)
}

func (s *Server) handleManagedOpen(c *gin.Context) {
	var req simulation.ManagedOpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Leverage <= 0 {
		req.Leverage = s.config.SimulationConfig.DefaultLeverage
	}

	result, err := s.sim.OpenManaged(c.Request.Context(), req)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	s.publishOpened(result.Position)
	successResponse(c, result)
}

func (s *Server) handleUpdateRisk(c *gin.Context) {
	var body struct {
		StopLossPrice   *float64 `json:"stopLossPrice"`
		TakeProfitPrice *float64 `json:"takeProfitPrice"`
		TrailingStopPct *float64 `json:"trailingStopPct"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	pos, err := s.sim.UpdateRisk(c.Request.Context(), c.Param("id"),
		body.StopLossPrice, body.TakeProfitPrice, body.TrailingStopPct)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	successResponse(c, pos)
}

func (s *Server) handleMonitor(c *gin.Context) {
	result, err := s.sim.MonitorPositions(c.Request.Context())
	if err != nil {
		s.respondErr(c, err)
		return
	}
	for _, pos := range result.Triggered {
		s.publishClosed(pos)
	}
	successResponse(c, result)
}

func (s *Server) handleListBacktests(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	results, err := s.repo.ListBacktestResults(c.Request.Context(), limit)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	successResponse(c, results)
}

func (s *Server) handleGetBacktest(c *gin.Context) {
	result, err := s.repo.GetBacktestResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	successResponse(c, result)
}

func (s *Server) handleDeleteBacktest(c *gin.Context) {
	if err := s.repo.DeleteBacktestResult(c.Request.Context(), c.Param("id")); err != nil {
		s.respondErr(c, err)
		return
	}
	successResponse(c, gin.H{"deleted": c.Param("id")})
}
