// Package config loads the engine settings from the environment and keeps
// them current from config.changed messages.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Snapshot is the current engine configuration
type Snapshot struct {
	HTTPAddr       string        `json:"http_addr"`
	NatsURL        string        `json:"nats_url"`
	ConfigAPIURL   string        `json:"config_api_url"`
	DescriptorsDir string        `json:"descriptors_dir"`
	ModuleOptions  string        `json:"module_options"`
	QueueCapacity  int           `json:"queue_capacity"`
	DedupeCap      int           `json:"dedupe_cap"`
	CacheBackend   string        `json:"cache_backend"`
	CacheDir       string        `json:"cache_dir"`
	CacheDSN       string        `json:"-"`
	CacheEntries   int           `json:"cache_entries"`
	CacheTTL       time.Duration `json:"cache_ttl"`
	FetchTimeout   time.Duration `json:"fetch_timeout"`
	FetchRetries   int           `json:"fetch_retries"`
	UserAgent      string        `json:"user_agent"`
	ScanTimeout    time.Duration `json:"scan_timeout"`
	MaxScans       int           `json:"max_scans"`
	RetainScans    int           `json:"retain_scans"`
	RetainFindings int           `json:"retain_findings"`
	LogLevel       string        `json:"log_level"`
	LastUpdated    time.Time     `json:"last_updated"`
}

// FromEnv reads the ENGINE_* variables, falling back to defaults
func FromEnv() *Snapshot {
	return &Snapshot{
		HTTPAddr:       getEnv("ENGINE_HTTP_ADDR", ":8090"),
		NatsURL:        getEnv("ENGINE_NATS_URL", ""),
		ConfigAPIURL:   getEnv("CONFIG_API_URL", ""),
		DescriptorsDir: getEnv("ENGINE_DESCRIPTORS_DIR", "descriptors.d"),
		ModuleOptions:  getEnv("ENGINE_MODULE_OPTIONS", ""),
		QueueCapacity:  getEnvInt("ENGINE_QUEUE_CAPACITY", 256),
		DedupeCap:      getEnvInt("ENGINE_DEDUPE_CAP", 100000),
		CacheBackend:   strings.ToLower(getEnv("ENGINE_CACHE_BACKEND", "memory")),
		CacheDir:       getEnv("ENGINE_CACHE_DIR", "cache"),
		CacheDSN:       getEnv("ENGINE_CACHE_DSN", ""),
		CacheEntries:   getEnvInt("ENGINE_CACHE_ENTRIES", 50000),
		CacheTTL:       getEnvDuration("ENGINE_CACHE_TTL", 24*time.Hour),
		FetchTimeout:   getEnvDuration("ENGINE_FETCH_TIMEOUT", 30*time.Second),
		FetchRetries:   getEnvInt("ENGINE_FETCH_RETRIES", 2),
		UserAgent:      getEnv("ENGINE_USER_AGENT", "scanengine/1.0"),
		ScanTimeout:    getEnvDuration("ENGINE_SCAN_TIMEOUT", 0),
		MaxScans:       getEnvInt("ENGINE_MAX_SCANS", 10),
		RetainScans:    getEnvInt("ENGINE_RETAIN_SCANS", 100),
		RetainFindings: getEnvInt("ENGINE_RETAIN_FINDINGS", 10000),
		LogLevel:       getEnv("ENGINE_LOG_LEVEL", "info"),
	}
}

// Level maps the configured log level onto slog
func (s *Snapshot) Level() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as integer with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
