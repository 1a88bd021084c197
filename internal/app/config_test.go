package app

import "testing"

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("log defaults = %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.MongoURI != "" {
		t.Errorf("MongoURI = %q, want empty", cfg.MongoURI)
	}
	if cfg.CacheMaxSizeBytes != 1000<<20 {
		t.Errorf("CacheMaxSizeBytes = %d", cfg.CacheMaxSizeBytes)
	}
	if cfg.CacheMaxAgeHours != 168 {
		t.Errorf("CacheMaxAgeHours = %d", cfg.CacheMaxAgeHours)
	}
	if cfg.CacheSweepSeconds != 300 {
		t.Errorf("CacheSweepSeconds = %d", cfg.CacheSweepSeconds)
	}
	if cfg.UpstreamTimeoutSeconds != 30 {
		t.Errorf("UpstreamTimeoutSeconds = %d", cfg.UpstreamTimeoutSeconds)
	}
	if cfg.UpstreamForwardIP != "202.108.22.5" {
		t.Errorf("UpstreamForwardIP = %q", cfg.UpstreamForwardIP)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("CACHE_MAX_AGE_HOURS", "24")
	t.Setenv("MONGO_URI", "mongodb://localhost:27017")

	cfg := LoadConfig()
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want lowercased", cfg.LogLevel)
	}
	if cfg.CacheMaxAgeHours != 24 {
		t.Errorf("CacheMaxAgeHours = %d", cfg.CacheMaxAgeHours)
	}
	if cfg.MongoURI != "mongodb://localhost:27017" {
		t.Errorf("MongoURI = %q", cfg.MongoURI)
	}
}

func TestGetEnvInt64Invalid(t *testing.T) {
	cases := []struct {
		name  string
		value string
	}{
		{"garbage", "not-a-number"},
		{"negative", "-5"},
		{"float", "3.5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("CACHE_SWEEP_SECONDS", tc.value)
			if got := getEnvInt64("CACHE_SWEEP_SECONDS", 300); got != 300 {
				t.Errorf("getEnvInt64 = %d, want fallback 300", got)
			}
		})
	}
}
