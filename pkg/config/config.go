package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the signal router.
type Config struct {
	Port string

	// Database
	DBPath string

	// Credential encryption (hex, 32 bytes). Empty means plaintext secrets
	// are tolerated with a startup warning.
	MasterKey string

	// Bootstrap sync file (accounts/strategies/subscriptions). Optional.
	SeedPath string

	// Reconciler loops
	PollInterval        time.Duration // L2 REST poller period
	CancelQueueInterval time.Duration // L3 cancel drainer period
	SweepInterval       time.Duration // L4 orphan/capital sweeper period
	FeedRescan          time.Duration // how often L1 checks for newly seeded accounts
	OrphanTimeout       time.Duration // PENDING rows older than this fail
	MaxCancelRetries    int

	// Price cache
	PriceTTL   time.Duration
	PriceStale time.Duration

	// Dispatch
	MarketOrderTimeout time.Duration // fast-path exchange deadline
	OrderTimeout       time.Duration // slow-path exchange deadline
	DispatchFanout     int           // max concurrent account dispatches per webhook

	// Capital rebalance
	RebalanceEpsilon float64

	// Registry
	RegistryRefresh time.Duration

	// Notifier
	DailyReportHour int // UTC hour for the daily report

	// Testing / dry runs
	UseMockExchange bool

	Testnet bool
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                getEnv("PORT", "8080"),
		DBPath:              getEnv("DB_PATH", "./data/router.db"),
		MasterKey:           os.Getenv("MASTER_KEY"),
		SeedPath:            getEnv("SEED_PATH", "./router.yaml"),
		PollInterval:        getEnvDuration("POLL_INTERVAL", 5*time.Second),
		CancelQueueInterval: getEnvDuration("CANCEL_QUEUE_INTERVAL", 10*time.Second),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", 60*time.Second),
		FeedRescan:          getEnvDuration("FEED_RESCAN_INTERVAL", 30*time.Second),
		OrphanTimeout:       getEnvDuration("ORPHAN_TIMEOUT", 120*time.Second),
		MaxCancelRetries:    getEnvInt("MAX_CANCEL_RETRIES", 5),
		PriceTTL:            getEnvDuration("PRICE_TTL", 30*time.Second),
		PriceStale:          getEnvDuration("PRICE_STALE", 60*time.Second),
		MarketOrderTimeout:  getEnvDuration("MARKET_ORDER_TIMEOUT", 10*time.Second),
		OrderTimeout:        getEnvDuration("ORDER_TIMEOUT", 30*time.Second),
		DispatchFanout:      getEnvInt("DISPATCH_FANOUT", 32),
		RebalanceEpsilon:    getEnvFloat("REBALANCE_EPSILON", 0.05),
		RegistryRefresh:     getEnvDuration("REGISTRY_REFRESH", time.Hour),
		DailyReportHour:     getEnvInt("DAILY_REPORT_HOUR", 0),
		UseMockExchange:     getEnv("USE_MOCK_EXCHANGE", "false") == "true",
		Testnet:             getEnv("TESTNET", "false") == "true",
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// getEnvDuration accepts Go duration strings ("5s", "2m") and bare seconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(strings.TrimSuffix(v, "s")); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
