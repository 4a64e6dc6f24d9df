// Package config reads service configuration from environment variables
// with sensible defaults, grouped by concern.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the tracelight analytics service.
type Config struct {
	Port      int
	LogLevel  string
	Analytics AnalyticsConfig
	Columnar  ColumnarConfig
	DocStore  DocStoreConfig
	Metadata  MetadataConfig
	Telemetry TelemetryConfig
}

// AnalyticsConfig is the migration rollout switch plus comparator tuning.
type AnalyticsConfig struct {
	// Mode is the fleet-wide default: document, columnar or dual.
	Mode string
	// ModeOverrides pins individual projects to a mode, as
	// "proj-a=dual,proj-b=columnar".
	ModeOverrides map[string]string
	TolerancePct  float64
	MinAbsDiff    float64
	MaxReported   int
}

type ColumnarConfig struct {
	// Path is the DuckDB database file; empty disables the backend.
	Path string
}

type DocStoreConfig struct {
	Scheme        string
	Host          string
	RetryAttempts int
	RetryDelay    time.Duration
}

type MetadataConfig struct {
	// PostgresDSN is optional; empty skips workflow version resolution.
	PostgresDSN string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible
// defaults.
func Load() *Config {
	return &Config{
		Port:     envInt("TRACELIGHT_PORT", 8080),
		LogLevel: envStr("TRACELIGHT_LOG_LEVEL", "info"),
		Analytics: AnalyticsConfig{
			Mode:          envStr("TRACELIGHT_ANALYTICS_MODE", "document"),
			ModeOverrides: envKVMap("TRACELIGHT_ANALYTICS_MODE_OVERRIDES"),
			TolerancePct:  envFloat("TRACELIGHT_COMPARE_TOLERANCE_PCT", 0.05),
			MinAbsDiff:    envFloat("TRACELIGHT_COMPARE_MIN_ABS_DIFF", 1.0),
			MaxReported:   envInt("TRACELIGHT_COMPARE_MAX_REPORTED", 20),
		},
		Columnar: ColumnarConfig{
			Path: envStr("TRACELIGHT_DUCKDB_PATH", "tracelight.duckdb"),
		},
		DocStore: DocStoreConfig{
			Scheme:        envStr("TRACELIGHT_WEAVIATE_SCHEME", "http"),
			Host:          envStr("TRACELIGHT_WEAVIATE_HOST", "localhost:8081"),
			RetryAttempts: envInt("TRACELIGHT_DOCSTORE_RETRY_ATTEMPTS", 3),
			RetryDelay:    time.Duration(envInt("TRACELIGHT_DOCSTORE_RETRY_DELAY_MS", 200)) * time.Millisecond,
		},
		Metadata: MetadataConfig{
			PostgresDSN: envStr("TRACELIGHT_POSTGRES_DSN", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "tracelight"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envKVMap parses "key=value,key=value" pairs; malformed entries are
// skipped.
func envKVMap(key string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(os.Getenv(key), ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
