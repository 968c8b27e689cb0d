package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is loaded from environment variables (optionally a .env file).
type Config struct {
	DatabaseURL string
	RedisHost   string
	RedisPort   string
	NatsURL     string
	Port        string
	JWTSecret   string

	// PlatformSecrets maps platform name -> shared HMAC signing secret.
	PlatformSecrets map[string]string
	// Platforms maps platform name -> adapter base URL for push sync.
	Platforms map[string]string

	ImmediateSyncThreshold int64
	OfflineWindow          time.Duration
	OfflineAccrualFraction float64
	SyncInterval           time.Duration
	MonitorInterval        time.Duration
	ExchangeInterval       time.Duration
	DegradedRetryInterval  time.Duration
}

// New loads and validates configuration. DATABASE_URL, platform secrets and
// the JWT secret are required; scheduling knobs fall back to spec defaults.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisHost:              getEnv("REDIS_HOST", "localhost"),
		RedisPort:              getEnv("REDIS_PORT", "6379"),
		NatsURL:                os.Getenv("NATS_URL"),
		Port:                   getEnv("PORT", "8080"),
		JWTSecret:              os.Getenv("JWT_SECRET"),
		PlatformSecrets:        parsePairs(os.Getenv("PLATFORM_SECRETS")),
		Platforms:              parsePairs(os.Getenv("PLATFORM_ADAPTERS")),
		ImmediateSyncThreshold: getEnvInt64("IMMEDIATE_SYNC_THRESHOLD", 1000),
		OfflineWindow:          getEnvDuration("OFFLINE_WINDOW", 24*time.Hour),
		OfflineAccrualFraction: 0.5,
		SyncInterval:           getEnvDuration("SYNC_INTERVAL", 5*time.Minute),
		MonitorInterval:        getEnvDuration("MONITOR_INTERVAL", time.Hour),
		ExchangeInterval:       getEnvDuration("EXCHANGE_INTERVAL", 6*time.Hour),
		DegradedRetryInterval:  getEnvDuration("DEGRADED_RETRY_INTERVAL", time.Hour),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("missing required env: DATABASE_URL")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("missing required env: JWT_SECRET")
	}
	if len(cfg.PlatformSecrets) == 0 {
		return nil, fmt.Errorf("missing required env: PLATFORM_SECRETS (platform:secret,...)")
	}
	for name := range cfg.Platforms {
		if _, ok := cfg.PlatformSecrets[name]; !ok {
			return nil, fmt.Errorf("platform %q has an adapter URL but no signing secret", name)
		}
	}

	return cfg, nil
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// parsePairs parses "key:value,key:value" lists.
func parsePairs(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, ":")
		if !ok || k == "" || v == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}
