package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"copytrade-signals/config"
	"copytrade-signals/internal/api"
	"copytrade-signals/internal/backtest"
	"copytrade-signals/internal/binance"
	"copytrade-signals/internal/cache"
	"copytrade-signals/internal/consensus"
	"copytrade-signals/internal/database"
	"copytrade-signals/internal/derive"
	"copytrade-signals/internal/events"
	"copytrade-signals/internal/insights"
	"copytrade-signals/internal/logging"
	"copytrade-signals/internal/metrics"
	"copytrade-signals/internal/scraper"
	"copytrade-signals/internal/simulation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:  cfg.LoggingConfig.Level,
		Output: cfg.LoggingConfig.Output,
		Pretty: cfg.LoggingConfig.Pretty,
	})
	logger.Info().Msg("configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, logging.Component(logger, "database"))
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	repo := database.NewRepository(db)

	bus := events.NewEventBus()
	metrics.Bind(bus)

	var cacheSvc *cache.CacheService
	if cfg.RedisConfig.Enabled {
		cacheSvc, err = cache.NewCacheService(cfg.RedisConfig, logging.Component(logger, "cache"))
		if err != nil {
			logger.Warn().Err(err).Msg("cache disabled")
			cacheSvc = nil
		}
	}

	client := binance.NewClient(
		cfg.ScraperConfig.BaseURL,
		time.Duration(cfg.ScraperConfig.RequestTimeout)*time.Second,
		logger,
	)
	orchestrator := scraper.NewOrchestrator(
		client,
		cfg.ScraperConfig.Concurrency,
		time.Duration(cfg.ScraperConfig.BatchDelayMs)*time.Millisecond,
		logging.Component(logger, "scraper"),
	)
	deriver := derive.NewDeriver(repo, logging.Component(logger, "derive"))
	ingestor := scraper.NewIngestor(repo, deriver, logging.Component(logger, "ingest"))

	estimator := derive.NewLeverageEstimator(repo)
	consensusSvc := consensus.NewService(repo, estimator, logging.Component(logger, "consensus"))
	insightsEngine := insights.NewEngine(consensusSvc, repo, logging.Component(logger, "insights"))

	simSvc := simulation.NewService(repo, simulation.Defaults{
		Platform:      cfg.SimulationConfig.Platform,
		SlippageBps:   cfg.SimulationConfig.DefaultSlippageBps,
		CommissionBps: cfg.SimulationConfig.DefaultCommissionBps,
	}, logging.Component(logger, "simulation"))
	autoTrigger := simulation.NewAutoTrigger(simSvc, repo, consensusSvc, logging.Component(logger, "auto-trigger"))
	backtestEngine := backtest.NewEngine(repo, logging.Component(logger, "backtest"))

	server := api.NewServer(cfg, api.Deps{
		Repo:        repo,
		Consensus:   consensusSvc,
		Insights:    insightsEngine,
		Deriver:     deriver,
		Ingestor:    ingestor,
		Simulation:  simSvc,
		AutoTrigger: autoTrigger,
		Backtest:    backtestEngine,
		Cache:       cacheSvc,
		Bus:         bus,
	}, logging.Component(logger, "api"))

	loops := &backgroundLoops{
		cfg:          cfg,
		logger:       logger,
		repo:         repo,
		orchestrator: orchestrator,
		ingestor:     ingestor,
		autoTrigger:  autoTrigger,
		sim:          simSvc,
		cache:        cacheSvc,
		bus:          bus,
	}
	loops.start(ctx)

	if err := server.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("api server failed")
	}
	logger.Info().Msg("shutdown complete")
}
