// Package config assembles runtime settings from the environment, with an
// optional .env overlay for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config is the full runtime configuration. Every field has a usable default
// so a bare `gridshare` starts in dev mode: in-memory store, local bus, no
// Redis, NATS, Influx or etcd.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	RateLimitMax    int
	RateLimitWindow time.Duration

	// DatabaseURL selects Postgres when set; empty runs the in-memory store.
	DatabaseURL string

	JWTSecret string

	// RedisAddr enables the community-stats cache when set.
	RedisAddr     string
	RedisPassword string
	StatsCacheTTL time.Duration

	// NATSURL switches the event bus from in-process to NATS when set.
	NATSURL string

	// InfluxURL enables telemetry when set.
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// EtcdEndpoints enables leader election for the simulation loop when set.
	EtcdEndpoints []string

	SimulationInterval time.Duration
	UtilizationFactor  decimal.Decimal
	FallbackPrice      decimal.Decimal
	RematchPending     bool

	HeartbeatInterval time.Duration
}

// Load reads .env if present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:               getEnv("GRIDSHARE_ADDR", ":8080"),
		ReadTimeout:        15 * time.Second,
		WriteTimeout:       15 * time.Second,
		RateLimitMax:       getEnvInt("GRIDSHARE_RATE_LIMIT_MAX", 100),
		RateLimitWindow:    time.Minute,
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		JWTSecret:          getEnv("GRIDSHARE_JWT_SECRET", "dev-secret-change-me"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		StatsCacheTTL:      getEnvDuration("GRIDSHARE_STATS_CACHE_TTL", 10*time.Second),
		NATSURL:            os.Getenv("NATS_URL"),
		InfluxURL:          os.Getenv("INFLUX_URL"),
		InfluxToken:        os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:          getEnv("INFLUX_ORG", "gridshare"),
		InfluxBucket:       getEnv("INFLUX_BUCKET", "energy"),
		SimulationInterval: getEnvDuration("GRIDSHARE_SIMULATION_INTERVAL", 5*time.Second),
		RematchPending:     getEnvBool("GRIDSHARE_REMATCH_PENDING", false),
		HeartbeatInterval:  getEnvDuration("GRIDSHARE_WS_HEARTBEAT", 30*time.Second),
	}

	if raw := os.Getenv("ETCD_ENDPOINTS"); raw != "" {
		for _, ep := range strings.Split(raw, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				cfg.EtcdEndpoints = append(cfg.EtcdEndpoints, ep)
			}
		}
	}

	var err error
	if cfg.UtilizationFactor, err = getEnvDecimal("GRIDSHARE_UTILIZATION_FACTOR", "0.7"); err != nil {
		return nil, err
	}
	if cfg.FallbackPrice, err = getEnvDecimal("GRIDSHARE_FALLBACK_PRICE", "0.15"); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvDecimal(key, fallback string) (decimal.Decimal, error) {
	v := getEnv(key, fallback)
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
