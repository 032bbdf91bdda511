package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the top-level application configuration. Values come from an
// optional JSON config file, overridden by environment variables.
type Config struct {
	ServerConfig     ServerConfig     `json:"server"`
	DatabaseConfig   DatabaseConfig   `json:"database"`
	RedisConfig      RedisConfig      `json:"redis"`
	ScraperConfig    ScraperConfig    `json:"scraper"`
	IngestConfig     IngestConfig     `json:"ingest"`
	SimulationConfig SimulationConfig `json:"simulation"`
	LoggingConfig    LoggingConfig    `json:"logging"`
}

// ServerConfig holds HTTP API configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	ProductionMode  bool   `json:"production_mode"`
	RateLimitMax    int    `json:"rate_limit_max"`    // requests per window per client
	RateLimitWindow int    `json:"rate_limit_window"` // window in seconds
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis cache settings
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// ScraperConfig holds upstream scraping configuration
type ScraperConfig struct {
	BaseURL         string   `json:"base_url"`         // upstream exchange API base
	Concurrency     int      `json:"concurrency"`      // parallel trader fetches per batch
	BatchDelayMs    int      `json:"batch_delay_ms"`   // pause between batches
	RequestTimeout  int      `json:"request_timeout"`  // per sub-request timeout in seconds
	TimeRange       string   `json:"time_range"`       // default upstream time range label
	LeadIDs         []string `json:"lead_ids"`         // traders to follow; empty falls back to already-ingested ids
	IntervalMinutes int      `json:"interval_minutes"` // scrape loop period; 0 disables the loop
}

// IngestConfig holds raw ingest API settings
type IngestConfig struct {
	APIKey string `json:"api_key"` // X-API-Key secret for POST /ingest/raw
}

// SimulationConfig holds paper trading defaults
type SimulationConfig struct {
	Platform               string  `json:"platform"`
	DefaultLeverage        float64 `json:"default_leverage"`
	DefaultSlippageBps     float64 `json:"default_slippage_bps"`
	DefaultCommissionBps   float64 `json:"default_commission_bps"`
	MinSampleSize          int     `json:"min_sample_size"`
	InitialBalance         float64 `json:"initial_balance"`
	AutoRunIntervalMinutes int     `json:"auto_run_interval_minutes"` // background auto-trigger period; 0 disables
	MonitorIntervalSeconds int     `json:"monitor_interval_seconds"`  // protective-level sweep period; 0 disables
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `json:"level"`
	Output string `json:"output"`
	Pretty bool   `json:"pretty"`
}

// Load reads configuration from config.json (if present) and applies
// environment variable overrides. A missing config file is not an error.
func Load() (*Config, error) {
	// .env is optional; ignore a missing file
	_ = godotenv.Load()

	cfg := defaults()

	if path := getEnv("CONFIG_FILE", "config.json"); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("invalid config file %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if cfg.ServerConfig.Port <= 0 || cfg.ServerConfig.Port > 65535 {
		return nil, fmt.Errorf("invalid server port: %d", cfg.ServerConfig.Port)
	}
	if cfg.ScraperConfig.Concurrency < 1 {
		cfg.ScraperConfig.Concurrency = 5
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ServerConfig: ServerConfig{
			Port:            8090,
			Host:            "0.0.0.0",
			RateLimitMax:    120,
			RateLimitWindow: 60,
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "copytrade",
			Password: "copytrade",
			Database: "copytrade_signals",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Enabled:  false,
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		ScraperConfig: ScraperConfig{
			BaseURL:        "https://www.binance.com/bapi/futures/v1",
			Concurrency:    5,
			BatchDelayMs:   500,
			RequestTimeout: 15,
			TimeRange:      "30D",
		},
		SimulationConfig: SimulationConfig{
			Platform:             "binance",
			DefaultLeverage:      10,
			DefaultSlippageBps:   5,
			DefaultCommissionBps: 4,
			MinSampleSize:        20,
			InitialBalance:       10000,
		},
		LoggingConfig: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.ServerConfig.Port = getEnvInt("API_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnv("API_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.ProductionMode = getEnvBool("PRODUCTION_MODE", cfg.ServerConfig.ProductionMode)
	cfg.ServerConfig.RateLimitMax = getEnvInt("RATE_LIMIT_MAX", cfg.ServerConfig.RateLimitMax)
	cfg.ServerConfig.RateLimitWindow = getEnvInt("RATE_LIMIT_WINDOW", cfg.ServerConfig.RateLimitWindow)

	cfg.DatabaseConfig.Host = getEnv("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvInt("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnv("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnv("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnv("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnv("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	cfg.RedisConfig.Enabled = getEnvBool("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnv("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnv("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvInt("REDIS_DB", cfg.RedisConfig.DB)

	cfg.ScraperConfig.BaseURL = getEnv("UPSTREAM_BASE_URL", cfg.ScraperConfig.BaseURL)
	cfg.ScraperConfig.Concurrency = getEnvInt("SCRAPER_CONCURRENCY", cfg.ScraperConfig.Concurrency)
	cfg.ScraperConfig.BatchDelayMs = getEnvInt("SCRAPER_BATCH_DELAY_MS", cfg.ScraperConfig.BatchDelayMs)
	cfg.ScraperConfig.RequestTimeout = getEnvInt("SCRAPER_REQUEST_TIMEOUT", cfg.ScraperConfig.RequestTimeout)
	cfg.ScraperConfig.IntervalMinutes = getEnvInt("SCRAPE_INTERVAL_MINUTES", cfg.ScraperConfig.IntervalMinutes)
	if v := os.Getenv("LEAD_IDS"); v != "" {
		var ids []string
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		cfg.ScraperConfig.LeadIDs = ids
	}

	cfg.IngestConfig.APIKey = getEnv("INGEST_API_KEY", cfg.IngestConfig.APIKey)

	cfg.SimulationConfig.DefaultLeverage = getEnvFloat("DEFAULT_LEVERAGE", cfg.SimulationConfig.DefaultLeverage)
	cfg.SimulationConfig.DefaultSlippageBps = getEnvFloat("DEFAULT_SLIPPAGE_BPS", cfg.SimulationConfig.DefaultSlippageBps)
	cfg.SimulationConfig.DefaultCommissionBps = getEnvFloat("DEFAULT_COMMISSION_BPS", cfg.SimulationConfig.DefaultCommissionBps)
	cfg.SimulationConfig.MinSampleSize = getEnvInt("MIN_SAMPLE_SIZE", cfg.SimulationConfig.MinSampleSize)
	cfg.SimulationConfig.AutoRunIntervalMinutes = getEnvInt("AUTO_RUN_INTERVAL_MINUTES", cfg.SimulationConfig.AutoRunIntervalMinutes)
	cfg.SimulationConfig.MonitorIntervalSeconds = getEnvInt("MONITOR_INTERVAL_SECONDS", cfg.SimulationConfig.MonitorIntervalSeconds)

	cfg.LoggingConfig.Level = getEnv("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnv("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.Pretty = getEnvBool("LOG_PRETTY", cfg.LoggingConfig.Pretty)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
