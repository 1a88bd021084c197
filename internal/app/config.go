package app

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	// Mongo is optional: when MONGO_URI is empty the cache metadata is
	// persisted to a local JSON file instead.
	MongoURI      string
	MongoDatabase string

	CacheDir            string
	CacheMaxSizeBytes   int64
	CacheMaxAgeHours    int64
	CacheSweepSeconds   int64
	CacheMaxEntryBytes  int64
	PrefetchSegments    int
	PrefetchConcurrency int

	UpstreamTimeoutSeconds int64
	UpstreamForwardIP      string

	RateLimitRPS   int64
	RateLimitBurst int64
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:  getEnv("HTTP_ADDR", ":8080"),
		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "text")),

		MongoURI:      getEnv("MONGO_URI", ""),
		MongoDatabase: getEnv("MONGO_DB", "streamproxy"),

		CacheDir:            getEnv("CACHE_DIR", "cache"),
		CacheMaxSizeBytes:   getEnvInt64("CACHE_MAX_SIZE_BYTES", 1000<<20),
		CacheMaxAgeHours:    getEnvInt64("CACHE_MAX_AGE_HOURS", 168),
		CacheSweepSeconds:   getEnvInt64("CACHE_SWEEP_SECONDS", 300),
		CacheMaxEntryBytes:  getEnvInt64("CACHE_MAX_ENTRY_BYTES", 32<<20),
		PrefetchSegments:    int(getEnvInt64("PREFETCH_SEGMENTS", 3)),
		PrefetchConcurrency: int(getEnvInt64("PREFETCH_CONCURRENCY", 3)),

		UpstreamTimeoutSeconds: getEnvInt64("UPSTREAM_TIMEOUT_SECONDS", 30),
		UpstreamForwardIP:      getEnv("UPSTREAM_FORWARD_IP", "202.108.22.5"),

		RateLimitRPS:   getEnvInt64("RATE_LIMIT_RPS", 100),
		RateLimitBurst: getEnvInt64("RATE_LIMIT_BURST", 200),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}
