package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries the environment-driven settings shared by the services.
// Command-specific settings (ports, instance IDs) stay on flags.
type Config struct {
	DatabaseURL string
	RedisAddr   string
	KafkaBroker string

	// Local document store, used when DatabaseURL is empty.
	StorePath     string
	StoreKeyHex   string // 32-byte AES key, hex encoded; empty disables encryption
	MarketBaseURL string

	// Scheduler tuning.
	BaseInterval time.Duration
	FastInterval time.Duration
	SlowInterval time.Duration

	DefaultCooldown time.Duration
}

// Load reads .env (if present) and the process environment.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		KafkaBroker:     getEnv("KAFKA_BROKER", "localhost:9094"),
		StorePath:       getEnv("ALERT_STORE_PATH", "coinfox-alerts.json"),
		StoreKeyHex:     os.Getenv("ALERT_STORE_KEY"),
		MarketBaseURL:   getEnv("MARKET_API_URL", "https://api.coingecko.com/api/v3"),
		BaseInterval:    getEnvDuration("POLL_BASE_INTERVAL", 30*time.Second),
		FastInterval:    getEnvDuration("POLL_FAST_INTERVAL", 15*time.Second),
		SlowInterval:    getEnvDuration("POLL_SLOW_INTERVAL", 60*time.Second),
		DefaultCooldown: getEnvDuration("ALERT_COOLDOWN", 5*time.Minute),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
