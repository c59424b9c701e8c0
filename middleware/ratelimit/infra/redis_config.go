package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ClientConfigFromEnv lê REDIS_URL ou, se vazio, REDIS_HOST, REDIS_PORT,
// REDIS_PASSWORD e REDIS_DB.
func ClientConfigFromEnv() (ClientConfig, error) {
	cfg := ClientConfig{
		URL:      strings.TrimSpace(os.Getenv("REDIS_URL")),
		Host:     envDefault("REDIS_HOST", "localhost"),
		Password: os.Getenv("REDIS_PASSWORD"),
	}

	port, err := strconv.Atoi(envDefault("REDIS_PORT", "6379"))
	if err != nil {
		return ClientConfig{}, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	cfg.Port = port

	db, err := strconv.Atoi(envDefault("REDIS_DB", "0"))
	if err != nil {
		return ClientConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.DB = db

	return cfg, nil
}

func envDefault(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}
