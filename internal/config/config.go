// Package config provides configuration management functionality.
//
// This package handles loading configuration from environment variables (.env
// file) and updating configuration from the settings database. Settings
// database values take precedence over environment variables for the keys
// UpdateFromSettings reads (backup_s3_bucket, scoring_cache_ttl_seconds);
// per-source tuning (rate limits, reliability scores) comes from the
// environment only.
//
// Configuration Loading Order:
// 1. Load from .env file (if exists)
// 2. Load from environment variables
// 3. Update from settings database (takes precedence)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/solearb/internal/alerts"
	"github.com/joho/godotenv"
)

// SourceConfig is the per-source tuning:
// `source.<name>.rate_per_second`, `source.<name>.burst`, `source.<name>.reliability`.
type SourceConfig struct {
	RatePerSecond float64
	Burst         int
	Reliability   float64 // 0-100, see DESIGN.md Open Question on reliability scores
	FetchURL      string  // pull-source feed endpoint, empty for push/stream sources
	APIKey        string  // sent as a Bearer Authorization header when non-empty
	Kind          string  // domain.SourceKind string value, resolved once at startup
}

// Config holds application configuration.
type Config struct {
	DataDir  string // base directory for all databases, always absolute
	LogLevel string
	Port     int // ops HTTP server port
	DevMode  bool

	SchedulerTickIntervalSeconds int
	SchedulerWorkerPoolSize      int
	SchedulerQueueCapacity       int

	WebhookRequestTimeoutSeconds int
	WebhookMaxRetries            int

	ScoringDemandLookbackDays int
	ScoringCacheTTLSeconds    int

	Sources map[string]SourceConfig

	S3Bucket          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string

	CatalogBaseURL string // base URL of the external catalog/order-history/fee-schedule service
}

// Load reads configuration from environment variables.
//
// dataDirOverride - optional CLI flag override for data directory (highest priority)
func Load(dataDirOverride ...string) (*Config, error) {
	_ = godotenv.Load()

	var dataDir string
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	} else {
		dataDir = getEnv("SOLEARB_DATA_DIR", "")
		if dataDir == "" {
			dataDir = "./data"
		}
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Port:     getEnvAsInt("GO_PORT", 8080),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		SchedulerTickIntervalSeconds: getEnvAsInt("SCHEDULER_TICK_INTERVAL_SECONDS", 60),
		SchedulerWorkerPoolSize:      getEnvAsInt("SCHEDULER_WORKER_POOL_SIZE", 8),
		SchedulerQueueCapacity:       getEnvAsInt("SCHEDULER_QUEUE_CAPACITY", 1024),

		WebhookRequestTimeoutSeconds: getEnvAsInt("WEBHOOK_REQUEST_TIMEOUT_SECONDS", 10),
		WebhookMaxRetries:            getEnvAsInt("WEBHOOK_MAX_RETRIES", 3),

		ScoringDemandLookbackDays: getEnvAsInt("SCORING_DEMAND_LOOKBACK_DAYS", 90),
		ScoringCacheTTLSeconds:    getEnvAsInt("SCORING_CACHE_TTL_SECONDS", 900),

		Sources: loadSourceConfigs(),

		S3Bucket:          getEnv("BACKUP_S3_BUCKET", ""),
		S3Endpoint:        getEnv("BACKUP_S3_ENDPOINT", ""),
		S3AccessKeyID:     getEnv("BACKUP_S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("BACKUP_S3_SECRET_ACCESS_KEY", ""),
		S3Region:          getEnv("BACKUP_S3_REGION", "auto"),

		CatalogBaseURL: getEnv("CATALOG_BASE_URL", "http://localhost:9090"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// UpdateFromSettings updates configuration from the Alert Store's settings
// database. Settings database values take precedence over environment
// variables.
func (c *Config) UpdateFromSettings(settingsRepo *alerts.SettingsRepository) error {
	bucket, err := settingsRepo.Get("backup_s3_bucket")
	if err != nil {
		return fmt.Errorf("failed to get backup_s3_bucket from settings: %w", err)
	}
	if bucket != nil && *bucket != "" {
		c.S3Bucket = *bucket
	}

	ttl, err := settingsRepo.Get("scoring_cache_ttl_seconds")
	if err != nil {
		return fmt.Errorf("failed to get scoring_cache_ttl_seconds from settings: %w", err)
	}
	if ttl != nil && *ttl != "" {
		if v, err := strconv.Atoi(*ttl); err == nil {
			c.ScoringCacheTTLSeconds = v
		}
	}

	return nil
}

// Validate checks required configuration invariants.
func (c *Config) Validate() error {
	if c.SchedulerTickIntervalSeconds <= 0 {
		return fmt.Errorf("scheduler.tick_interval_seconds must be positive")
	}
	if c.SchedulerWorkerPoolSize <= 0 {
		return fmt.Errorf("scheduler.worker_pool_size must be positive")
	}
	return nil
}

func (c *Config) SchedulerTickInterval() time.Duration {
	return time.Duration(c.SchedulerTickIntervalSeconds) * time.Second
}

func (c *Config) WebhookRequestTimeout() time.Duration {
	return time.Duration(c.WebhookRequestTimeoutSeconds) * time.Second
}

func (c *Config) ScoringCacheTTL() time.Duration {
	return time.Duration(c.ScoringCacheTTLSeconds) * time.Second
}

// loadSourceConfigs reads SOURCE_<NAME>_RATE_PER_SECOND / _BURST /
// _RELIABILITY for every source named in SOURCES (comma-separated).
// Reliability is treated as deployment configuration rather than a
// hardcoded table, since it varies by operator and by deal with each
// marketplace.
func loadSourceConfigs() map[string]SourceConfig {
	sources := map[string]SourceConfig{}
	names := getEnv("SOURCES", "stockx,awin,webgains,ebay,goat,klekt,restocks")
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		upper := strings.ToUpper(name)
		sources[name] = SourceConfig{
			RatePerSecond: getEnvAsFloat(fmt.Sprintf("SOURCE_%s_RATE_PER_SECOND", upper), 1.0),
			Burst:         getEnvAsInt(fmt.Sprintf("SOURCE_%s_BURST", upper), 5),
			Reliability:   getEnvAsFloat(fmt.Sprintf("SOURCE_%s_RELIABILITY", upper), 75.0),
			FetchURL:      getEnv(fmt.Sprintf("SOURCE_%s_FETCH_URL", upper), ""),
			APIKey:        getEnv(fmt.Sprintf("SOURCE_%s_API_KEY", upper), ""),
			Kind:          getEnv(fmt.Sprintf("SOURCE_%s_KIND", upper), defaultSourceKind(name)),
		}
	}
	return sources
}

// defaultSourceKind is the out-of-the-box economic role for the sources
// named in the default SOURCES list, overridable per-deployment via
// SOURCE_<NAME>_KIND: identity and economic role are kept orthogonal. A
// source not named here defaults to retail unless SOURCE_<NAME>_KIND says
// otherwise.
func defaultSourceKind(name string) string {
	switch name {
	case "stockx", "goat", "restocks":
		return "resale"
	case "klekt":
		return "auction"
	case "awin", "webgains":
		return "retail"
	default:
		return "retail"
	}
}

// ==========================================
// Helper Functions
// ==========================================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
