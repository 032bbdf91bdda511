// Package api exposes the HTTP surface: signals (consensus, insights,
// diagnostics), the simulation engine, portfolios, backtests, and the
// key-protected raw ingest endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"copytrade-signals/config"
	"copytrade-signals/internal/backtest"
	"copytrade-signals/internal/cache"
	"copytrade-signals/internal/consensus"
	"copytrade-signals/internal/database"
	"copytrade-signals/internal/derive"
	"copytrade-signals/internal/events"
	"copytrade-signals/internal/insights"
	"copytrade-signals/internal/metrics"
	"copytrade-signals/internal/scraper"
	"copytrade-signals/internal/simulation"
)

// Server wires every service behind the gin router. Cache and bus are
// optional; a nil cache serves everything from the database.
type Server struct {
	config      *config.Config
	router      *gin.Engine
	httpServer  *http.Server
	logger      zerolog.Logger
	repo        *database.Repository
	consensus   *consensus.Service
	insights    *insights.Engine
	deriver     *derive.Deriver
	ingestor    *scraper.Ingestor
	sim         *simulation.Service
	autoTrigger *simulation.AutoTrigger
	backtest    *backtest.Engine
	cache       *cache.CacheService
	bus         *events.EventBus

	limiters sync.Map // client ip -> *rate.Limiter
}

// Deps collects the services the server exposes.
type Deps struct {
	Repo        *database.Repository
	Consensus   *consensus.Service
	Insights    *insights.Engine
	Deriver     *derive.Deriver
	Ingestor    *scraper.Ingestor
	Simulation  *simulation.Service
	AutoTrigger *simulation.AutoTrigger
	Backtest    *backtest.Engine
	Cache       *cache.CacheService
	Bus         *events.EventBus
}

// NewServer builds the router with CORS, rate limiting, and metrics
// middleware, and registers all routes.
func NewServer(cfg *config.Config, deps Deps, logger zerolog.Logger) *Server {
	if cfg.ServerConfig.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config:      cfg,
		logger:      logger,
		repo:        deps.Repo,
		consensus:   deps.Consensus,
		insights:    deps.Insights,
		deriver:     deps.Deriver,
		ingestor:    deps.Ingestor,
		sim:         deps.Simulation,
		autoTrigger: deps.AutoTrigger,
		backtest:    deps.Backtest,
		cache:       deps.Cache,
		bus:         deps.Bus,
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key"}
	router.Use(cors.New(corsConfig))

	router.Use(s.observeMiddleware())
	router.Use(s.rateLimitMiddleware())

	s.router = router
	s.setupRoutes()
	return s
}

// limiterFor returns the per-client token bucket. The bucket refills at
// RateLimitMax requests per RateLimitWindow and bursts to the full max.
func (s *Server) limiterFor(clientIP string) *rate.Limiter {
	if l, ok := s.limiters.Load(clientIP); ok {
		return l.(*rate.Limiter)
	}
	max := s.config.ServerConfig.RateLimitMax
	window := s.config.ServerConfig.RateLimitWindow
	if max <= 0 {
		max = 120
	}
	if window <= 0 {
		window = 60
	}
	limiter := rate.NewLimiter(rate.Limit(float64(max)/float64(window)), max)
	actual, _ := s.limiters.LoadOrStore(clientIP, limiter)
	return actual.(*rate.Limiter)
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiterFor(c.ClientIP()).Allow() {
			errorResponse(c, http.StatusTooManyRequests, "rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) observeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		metrics.ObserveHTTP(c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}

// apiKeyMiddleware guards the raw ingest route. No configured key means
// the route is disabled outright.
func (s *Server) apiKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		configured := s.config.IngestConfig.APIKey
		if configured == "" {
			errorResponse(c, http.StatusForbidden, "ingest API key is not configured")
			c.Abort()
			return
		}
		key := c.GetHeader("X-API-Key")
		if key == "" {
			errorResponse(c, http.StatusUnauthorized, "missing X-API-Key header")
			c.Abort()
			return
		}
		if key != configured {
			errorResponse(c, http.StatusForbidden, "invalid API key")
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ingest := s.router.Group("/ingest")
	{
		ingest.POST("/raw", s.apiKeyMiddleware(), s.handleIngestRaw)
		ingest.GET("/raw/:leadId", s.handleIngestHistory)
	}

	signals := s.router.Group("/signals")
	{
		signals.GET("/heatmap", s.handleHeatmap)
		signals.GET("/symbol/:symbol", s.handleSymbolDetail)
		signals.GET("/feed", s.handleFeed)
		signals.GET("/events/feed", s.handleEventsFeed)
		signals.GET("/latest-records/feed", s.handleLatestRecords)
		signals.GET("/insights", s.handleInsights)
		signals.GET("/insights/rule", s.handleGetInsightsRule)
		signals.PUT("/insights/rule", s.handleUpdateInsightsRule)
		signals.GET("/metrics/:leadId", s.handleTraderMetrics)
		signals.GET("/diagnostic", s.handleDiagnostic)
		signals.GET("/diagnostic/:leadId", s.handleDiagnosticLead)
		signals.POST("/rebuild", s.handleRebuild)

		sim := signals.Group("/simulation")
		{
			sim.POST("/open", s.handleSimOpen)
			sim.POST("/:id/close", s.handleSimClose)
			sim.GET("/positions", s.handleSimPositions)
			sim.GET("/reconcile", s.handleReconcilePreview)
			sim.POST("/reconcile", s.handleReconcile)
			sim.GET("/report", s.handleSimReport)
			sim.GET("/auto-rule", s.handleGetAutoRule)
			sim.PUT("/auto-rule", s.handleUpdateAutoRule)
			sim.POST("/auto-run", s.handleAutoRun)
			sim.GET("/backtest-lite", s.handleBacktestLite)
		}
	}

	simulationGroup := s.router.Group("/simulation")
	{
		simulationGroup.POST("/portfolios", s.handleCreatePortfolio)
		simulationGroup.GET("/portfolios", s.handleListPortfolios)
		simulationGroup.GET("/portfolios/:id", s.handleGetPortfolio)
		simulationGroup.GET("/portfolios/:id/performance", s.handlePortfolioPerformance)
		simulationGroup.POST("/positions/calculate-size", s.handleCalculateSize)
		simulationGroup.POST("/positions/open", s.handleManagedOpen)
		simulationGroup.PATCH("/positions/:id/risk", s.handleUpdateRisk)
		simulationGroup.POST("/positions/monitor", s.handleMonitor)
		simulationGroup.GET("/backtests", s.handleListBacktests)
		simulationGroup.GET("/backtests/:id", s.handleGetBacktest)
		simulationGroup.DELETE("/backtests/:id", s.handleDeleteBacktest)
	}
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.ServerConfig.Host, s.config.ServerConfig.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("api server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info().Msg("api server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the underlying handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	overall := "healthy"
	dbStatus := "ok"
	if err := s.repo.HealthCheck(ctx); err != nil {
		dbStatus = "down"
		overall = "degraded"
		status = http.StatusServiceUnavailable
	}

	redisStatus := "disabled"
	if s.cache != nil {
		redisStatus = "ok"
		if err := s.cache.Ping(ctx); err != nil {
			redisStatus = "down"
		}
	}

	c.JSON(status, gin.H{
		"status":   overall,
		"database": dbStatus,
		"redis":    redisStatus,
		"time":     time.Now().UTC(),
	})
}

// successResponse wraps data in the standard envelope.
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

// errorResponse returns the standard error envelope.
func errorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "error": message})
}

// respondErr maps service errors onto HTTP statuses. Unknown errors are
// logged and redacted in production mode.
func (s *Server) respondErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, simulation.ErrValidation),
		errors.Is(err, simulation.ErrRiskRejected),
		errors.Is(err, simulation.ErrInsufficientData),
		errors.Is(err, simulation.ErrNoReferencePrice):
		errorResponse(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, database.ErrNotFound):
		errorResponse(c, http.StatusNotFound, "not found")
	default:
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		msg := err.Error()
		if s.config.ServerConfig.ProductionMode {
			msg = "internal error"
		}
		errorResponse(c, http.StatusInternalServerError, msg)
	}
}
