package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"marketplace-gateway/middleware/ratelimit/infra"

	"github.com/joho/godotenv"
)

type config struct {
	listenAddr  string
	upstreamURL string

	logFormat string
	logLevel  slog.Level

	rateEnabled  bool
	addHeaders   bool
	authIDHeader string
	keyHeader    string
	policyFile   string
	sweepEvery   time.Duration

	// Redis é o contador compartilhado. Desligado = só a janela fixa local.
	redisEnabled bool
	redis        infra.ClientConfig
	redisPrefix  string
	redisAtomic  bool
	probeCache   time.Duration

	rateStatsEnabled   bool
	rateStatsPrefix    string
	rateStatsTTL       time.Duration
	rateStatsBucket    string
	rateStatsTrackKeys bool
}

func readConfig() (config, error) {
	// .env é opcional; variáveis reais do ambiente têm prioridade.
	_ = godotenv.Load()

	cfg := config{}
	cfg.listenAddr = getenvDefault("LISTEN_ADDR", ":8080")
	cfg.upstreamURL = os.Getenv("UPSTREAM_URL")

	cfg.logFormat = strings.ToLower(getenvDefault("LOG_FORMAT", "text"))
	if err := cfg.logLevel.UnmarshalText([]byte(getenvDefault("LOG_LEVEL", "info"))); err != nil {
		return config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	cfg.rateEnabled = getenvBoolDefault("RATE_ENABLED", true)
	cfg.addHeaders = getenvBoolDefault("ADD_RATELIMIT_HEADERS", false)
	cfg.authIDHeader = os.Getenv("AUTH_ID_HEADER")
	cfg.keyHeader = os.Getenv("RATE_KEY_HEADER")
	cfg.policyFile = os.Getenv("RATE_POLICY_FILE")
	cfg.sweepEvery = getenvDurationDefault("RATE_SWEEP_EVERY", infra.DefaultSweepEvery)

	cfg.redisEnabled = getenvBoolDefault("RATE_REDIS_ENABLED", true)
	cfg.redisPrefix = getenvDefault("RATE_REDIS_PREFIX", "ratelimit:")
	cfg.redisAtomic = getenvBoolDefault("RATE_REDIS_ATOMIC", false)
	cfg.probeCache = getenvDurationDefault("RATE_PROBE_CACHE", 0)

	if cfg.redisEnabled {
		rc, err := infra.ClientConfigFromEnv()
		if err != nil {
			return config{}, err
		}
		rc.MaxRetries = getenvIntDefault("REDIS_MAX_RETRIES", 0)
		rc.MaxRetryBackoff = getenvDurationDefault("REDIS_MAX_RETRY_BACKOFF", 0)
		cfg.redis = rc
	}

	cfg.rateStatsEnabled = getenvBoolDefault("RATE_STATS_ENABLED", false)
	cfg.rateStatsPrefix = getenvDefault("RATE_STATS_PREFIX", "ratelimit:stats")
	cfg.rateStatsTTL = getenvDurationDefault("RATE_STATS_TTL", 24*time.Hour)
	cfg.rateStatsBucket = getenvDefault("RATE_STATS_BUCKET", "minute")
	cfg.rateStatsTrackKeys = getenvBoolDefault("RATE_STATS_TRACK_KEYS", false)

	if cfg.upstreamURL == "" {
		return config{}, errors.New("UPSTREAM_URL is required")
	}
	if cfg.logFormat != "text" && cfg.logFormat != "json" {
		return config{}, errors.New("LOG_FORMAT must be text or json")
	}
	if cfg.sweepEvery <= 0 {
		return config{}, errors.New("RATE_SWEEP_EVERY must be > 0")
	}
	if cfg.probeCache < 0 {
		return config{}, errors.New("RATE_PROBE_CACHE must be >= 0")
	}
	return cfg, nil
}

func newLogger(cfg config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.logLevel}
	if cfg.logFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
