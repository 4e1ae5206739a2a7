// Package config loads and validates catalog service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/resource-catalog/internal/geo"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	DB       DBConfig       `mapstructure:"db"`
	Verify   VerifyConfig   `mapstructure:"verify"`
	Probe    ProbeConfig    `mapstructure:"probe"`
	Geo      GeoConfig      `mapstructure:"geo"`
	Report   ReportConfig   `mapstructure:"report"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// RetryConfig tunes the store's transient-error retries.
type RetryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	BaseDelayMs int `mapstructure:"base_delay_ms"`
	MaxDelayMs  int `mapstructure:"max_delay_ms"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN                   string      `mapstructure:"dsn"`
	PoolCapacity          int         `mapstructure:"pool_capacity"`
	ConnectTimeoutSeconds int         `mapstructure:"connect_timeout_seconds"`
	Retry                 RetryConfig `mapstructure:"retry"`
}

// VerifyConfig governs verification runs.
type VerifyConfig struct {
	Workers             int    `mapstructure:"workers"`
	ProbeTimeoutSeconds int    `mapstructure:"probe_timeout_seconds"`
	IdleExitMs          int    `mapstructure:"idle_exit_ms"`
	EnginePath          string `mapstructure:"engine_path"`
	ResolveRegions      bool   `mapstructure:"resolve_regions"`
}

// ProbeConfig configures subscription probes and access checks.
type ProbeConfig struct {
	SubscriptionTimeoutSeconds int    `mapstructure:"subscription_timeout_seconds"`
	UserAgent                  string `mapstructure:"user_agent"`
}

// GeoCacheConfig selects and tunes the geolocation cache backend.
type GeoCacheConfig struct {
	Backend            string `mapstructure:"backend"`
	File               string `mapstructure:"file"`
	MinWriteIntervalMs int    `mapstructure:"min_write_interval_ms"`
	MaxEntries         int    `mapstructure:"max_entries"`
	RedisAddr          string `mapstructure:"redis_addr"`
	RedisPassword      string `mapstructure:"redis_password"`
	RedisDB            int    `mapstructure:"redis_db"`
	TTLHours           int    `mapstructure:"ttl_hours"`
}

// GeoConfig configures the geolocation resolver.
type GeoConfig struct {
	Providers           []string       `mapstructure:"providers"`
	IPInfoToken         string         `mapstructure:"ipinfo_token"`
	IPGeolocationAPIKey string         `mapstructure:"ipgeolocation_api_key"`
	TimeoutSeconds      int            `mapstructure:"timeout_seconds"`
	RatePerSecond       float64        `mapstructure:"rate_per_second"`
	Burst               int            `mapstructure:"burst"`
	Cache               GeoCacheConfig `mapstructure:"cache"`
}

// ReportConfig sets where run reports are written.
type ReportConfig struct {
	Backend      string `mapstructure:"backend"`
	LocalDir     string `mapstructure:"local_dir"`
	GCSBucket    string `mapstructure:"gcs_bucket"`
	Prefix       string `mapstructure:"prefix"`
	TestLocation string `mapstructure:"test_location"`
}

// PubSubConfig holds metadata for report notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// CrawlConfig configures the source fetcher.
type CrawlConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	IntervalHours  int    `mapstructure:"interval_hours"`
}

// ScheduleConfig holds cron specs for the serve command.
type ScheduleConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Verify  string `mapstructure:"verify"`
	Promote string `mapstructure:"promote"`
	Crawl   string `mapstructure:"crawl"`
}

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Report backends.
const (
	ReportLocal  = "local"
	ReportGCS    = "gcs"
	ReportMemory = "memory"
)

const defaultUserAgent = "resource-catalog/1.0"

// Load builds a Config from an optional .env file, an optional config file
// and CATALOG_* environment variables.
func Load(path string) (Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CATALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Geo.Providers = splitList(cfg.Geo.Providers)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.pool_capacity", 5)
	v.SetDefault("db.connect_timeout_seconds", 10)
	v.SetDefault("db.retry.max_attempts", 3)
	v.SetDefault("db.retry.base_delay_ms", 500)
	v.SetDefault("db.retry.max_delay_ms", 10000)
	v.SetDefault("verify.workers", 5)
	v.SetDefault("verify.probe_timeout_seconds", 10)
	v.SetDefault("verify.idle_exit_ms", 1000)
	v.SetDefault("verify.engine_path", "sing-box")
	v.SetDefault("verify.resolve_regions", true)
	v.SetDefault("probe.subscription_timeout_seconds", 10)
	v.SetDefault("probe.user_agent", defaultUserAgent)
	v.SetDefault("geo.providers", slices.Clone(geo.DefaultProviders))
	v.SetDefault("geo.ipinfo_token", "")
	v.SetDefault("geo.ipgeolocation_api_key", "")
	v.SetDefault("geo.timeout_seconds", 5)
	v.SetDefault("geo.rate_per_second", 2)
	v.SetDefault("geo.burst", 1)
	v.SetDefault("geo.cache.backend", CacheMemory)
	v.SetDefault("geo.cache.file", "geo_cache.json")
	v.SetDefault("geo.cache.min_write_interval_ms", 0)
	v.SetDefault("geo.cache.max_entries", 100000)
	v.SetDefault("geo.cache.redis_addr", "")
	v.SetDefault("geo.cache.redis_password", "")
	v.SetDefault("geo.cache.redis_db", 0)
	v.SetDefault("geo.cache.ttl_hours", 0)
	v.SetDefault("report.backend", ReportLocal)
	v.SetDefault("report.local_dir", "reports")
	v.SetDefault("report.gcs_bucket", "")
	v.SetDefault("report.prefix", "reports")
	v.SetDefault("report.test_location", "")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("crawl.user_agent", defaultUserAgent)
	v.SetDefault("crawl.timeout_seconds", 15)
	v.SetDefault("crawl.interval_hours", 6)
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.verify", "0 */6 * * *")
	v.SetDefault("schedule.promote", "0 * * * *")
	v.SetDefault("schedule.crawl", "*/30 * * * *")
}

// splitList accepts both real lists and a single comma separated entry, the
// shape environment variables arrive in.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for part := range strings.SplitSeq(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.DB.DSN == "" {
		return errors.New("db.dsn is required")
	}
	if c.DB.PoolCapacity < 1 {
		return errors.New("db.pool_capacity must be >= 1")
	}
	if c.DB.ConnectTimeoutSeconds <= 0 {
		return errors.New("db.connect_timeout_seconds must be > 0")
	}
	if c.DB.Retry.MaxAttempts < 1 {
		return errors.New("db.retry.max_attempts must be >= 1")
	}
	if c.Verify.Workers < 1 {
		return errors.New("verify.workers must be >= 1")
	}
	if c.Verify.ProbeTimeoutSeconds <= 0 {
		return errors.New("verify.probe_timeout_seconds must be > 0")
	}
	if c.Verify.IdleExitMs <= 0 {
		return errors.New("verify.idle_exit_ms must be > 0")
	}
	if c.Probe.SubscriptionTimeoutSeconds <= 0 {
		return errors.New("probe.subscription_timeout_seconds must be > 0")
	}
	if c.Crawl.TimeoutSeconds <= 0 {
		return errors.New("crawl.timeout_seconds must be > 0")
	}
	if c.Geo.TimeoutSeconds <= 0 {
		return errors.New("geo.timeout_seconds must be > 0")
	}
	if len(c.Geo.Providers) == 0 {
		return errors.New("geo.providers must not be empty")
	}
	for _, name := range c.Geo.Providers {
		if _, err := geo.LookupSpec(name); err != nil {
			return fmt.Errorf("geo.providers: %w", err)
		}
	}
	switch c.Geo.Cache.Backend {
	case CacheMemory:
	case CacheRedis:
		if c.Geo.Cache.RedisAddr == "" {
			return errors.New("geo.cache.redis_addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("geo.cache.backend %q is not supported", c.Geo.Cache.Backend)
	}
	switch c.Report.Backend {
	case ReportLocal, ReportMemory:
	case ReportGCS:
		if c.Report.GCSBucket == "" {
			return errors.New("report.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("report.backend %q is not supported", c.Report.Backend)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return errors.New("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}

// GeoKeys maps provider names to their credentials.
func (c Config) GeoKeys() map[string]string {
	keys := make(map[string]string)
	if c.Geo.IPInfoToken != "" {
		keys[geo.ProviderIPInfo] = c.Geo.IPInfoToken
	}
	if c.Geo.IPGeolocationAPIKey != "" {
		keys[geo.ProviderIPGeolocation] = c.Geo.IPGeolocationAPIKey
	}
	return keys
}

// ProbeTimeout is the per-resource verification budget.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Verify.ProbeTimeoutSeconds) * time.Second
}

// CrawlInterval is how long a source rests between crawls.
func (c Config) CrawlInterval() time.Duration {
	return time.Duration(c.Crawl.IntervalHours) * time.Hour
}

// RetryDelays returns the store's base and max retry delays.
func (c Config) RetryDelays() (time.Duration, time.Duration) {
	return time.Duration(c.DB.Retry.BaseDelayMs) * time.Millisecond,
		time.Duration(c.DB.Retry.MaxDelayMs) * time.Millisecond
}
