package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr           string
	LogLevel           string
	LogFormat          string
	UserAgent          string
	RegistryEndpoint   string
	RegistryTimeout    time.Duration
	RegistryRPS        float64
	RegistryBurst      int
	DiscoveryEndpoint  string
	DiscoveryAPIKey    string
	RedisURL           string
	EnrichConcurrency  int
	Debounce           time.Duration
	SearchPageSize     int
	BulkPageSize       int
	DetailsCacheTTL    time.Duration
	HistoryLimit       int
	SessionIdleTimeout time.Duration
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8091"),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("LOG_FORMAT", "text")),
		UserAgent:          getEnv("SEARCH_USER_AGENT", "pkgscout-search/1.0"),
		RegistryEndpoint:   getEnv("REGISTRY_ENDPOINT", "https://registry.npmjs.org"),
		RegistryTimeout:    time.Duration(getEnvInt("REGISTRY_TIMEOUT_SECONDS", 15)) * time.Second,
		RegistryRPS:        getEnvFloat("REGISTRY_RPS", 10),
		RegistryBurst:      getEnvInt("REGISTRY_BURST", 20),
		DiscoveryEndpoint:  getEnv("DISCOVERY_ENDPOINT", ""),
		DiscoveryAPIKey:    strings.TrimSpace(os.Getenv("DISCOVERY_API_KEY")),
		RedisURL:           getEnv("REDIS_URL", ""),
		EnrichConcurrency:  getEnvInt("ENRICH_CONCURRENCY", 8),
		Debounce:           time.Duration(getEnvInt("SEARCH_DEBOUNCE_MS", 250)) * time.Millisecond,
		SearchPageSize:     getEnvInt("SEARCH_PAGE_SIZE", 250),
		BulkPageSize:       getEnvInt("SEARCH_BULK_PAGE_SIZE", 20),
		DetailsCacheTTL:    time.Duration(getEnvInt("DETAILS_CACHE_TTL_HOURS", 24)) * time.Hour,
		HistoryLimit:       getEnvInt("HISTORY_LIMIT", 50),
		SessionIdleTimeout: time.Duration(getEnvInt("SESSION_IDLE_MINUTES", 30)) * time.Minute,
	}
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
