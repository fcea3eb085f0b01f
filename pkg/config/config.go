package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the signal core.
type Config struct {
	Port string

	// Database
	DBPath string

	// Signal feed
	FeedURL          string
	FeedTimeout      time.Duration
	FeedCacheTTL     time.Duration
	RiskDataCacheTTL time.Duration

	// Execution window
	SignalWindow  time.Duration // fixed window from signal creation to expiry
	SweepInterval time.Duration // unattended sweep cadence
	SweepEnabled  bool

	// Portfolio
	PortfolioPollInterval time.Duration
	PriceCacheMaxAge      time.Duration

	// Exchange
	ExchangeTimeout time.Duration
	BinanceTestnet  bool

	// Auth
	JWTSecret string

	// Risk profile YAML, optional
	RiskProfilePath string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                  getEnv("PORT", "8080"),
		DBPath:                getEnv("DB_PATH", "./data/signals.db"),
		FeedURL:               getEnv("SIGNAL_FEED_URL", ""),
		FeedTimeout:           getEnvDuration("SIGNAL_FEED_TIMEOUT", 10*time.Second),
		FeedCacheTTL:          getEnvDuration("SIGNAL_FEED_CACHE_TTL", 5*time.Minute),
		RiskDataCacheTTL:      getEnvDuration("RISK_DATA_CACHE_TTL", 15*time.Minute),
		SignalWindow:          getEnvDuration("SIGNAL_WINDOW", 10*time.Minute),
		SweepInterval:         getEnvDuration("SWEEP_INTERVAL", time.Minute),
		SweepEnabled:          getEnv("SWEEP_ENABLED", "true") == "true",
		PortfolioPollInterval: getEnvDuration("PORTFOLIO_POLL_INTERVAL", 5*time.Minute),
		PriceCacheMaxAge:      getEnvDuration("PRICE_CACHE_MAX_AGE", time.Minute),
		ExchangeTimeout:       getEnvDuration("EXCHANGE_TIMEOUT", 10*time.Second),
		BinanceTestnet:        getEnv("BINANCE_TESTNET", "false") == "true",
		JWTSecret:             getEnv("JWT_SECRET", "dev-secret"),
		RiskProfilePath:       getEnv("RISK_PROFILE_PATH", ""),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}
