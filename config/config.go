// Package config loads the dispatch service configuration from config.yaml,
// .env and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Server        ServerConfig                 `yaml:"server"`
	Logging       LogConfig                    `yaml:"logging"`
	HTTP          HTTPConfig                   `yaml:"http"`
	Catalog       CatalogConfig                `yaml:"catalog"`
	ResponseCache ResponseCacheConfig          `yaml:"response_cache"`
	RateLimit     RateLimitConfig              `yaml:"rate_limit"`
	Resilience    ResilienceConfig             `yaml:"resilience"`
	Dispatch      DispatchConfig               `yaml:"dispatch"`
	Keys          KeysConfig                   `yaml:"keys"`
	Usage         UsageConfig                  `yaml:"usage"`
	Storage       StorageConfig                `yaml:"storage"`
	Metrics       MetricsConfig                `yaml:"metrics"`
	Providers     map[string]RawProviderConfig `yaml:"providers"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	// MasterKey protects the HTTP surface when set.
	MasterKey string `yaml:"master_key"`
	// BodySizeLimit is the maximum request body, e.g. "10M".
	BodySizeLimit string `yaml:"body_size_limit"`
}

type LogConfig struct {
	// Format is "text", "json" or empty for auto-detection.
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// HTTPConfig holds upstream client timeouts in seconds.
type HTTPConfig struct {
	Timeout               int `yaml:"timeout"`
	ResponseHeaderTimeout int `yaml:"response_header_timeout"`
}

// CatalogConfig configures model discovery.
type CatalogConfig struct {
	// Documents are JSON files holding arrays of model descriptors, merged
	// after the provider-listed models.
	Documents []string `yaml:"documents"`

	// RefreshInterval and MaxAge are in seconds.
	RefreshInterval int `yaml:"refresh_interval"`
	MaxAge          int `yaml:"max_age"`
	RefreshTimeout  int `yaml:"refresh_timeout"`

	// Snapshot is "local", "redis" or "none".
	Snapshot     string      `yaml:"snapshot"`
	SnapshotPath string      `yaml:"snapshot_path"`
	Redis        RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
	// TTL in seconds.
	TTL int `yaml:"ttl"`
}

// ResponseCacheConfig configures memoization of completed answers.
type ResponseCacheConfig struct {
	Enabled bool `yaml:"enabled"`
	// Type is "memory" or "redis".
	Type string `yaml:"type"`
	// TTL and CleanupInterval are in seconds.
	TTL             int         `yaml:"ttl"`
	CleanupInterval int         `yaml:"cleanup_interval"`
	MaxSize         int         `yaml:"max_size"`
	MinLength       int         `yaml:"min_length"`
	Redis           RedisConfig `yaml:"redis"`
}

// RateLimitConfig bounds calls per user and backend in a sliding window.
type RateLimitConfig struct {
	Enabled     bool `yaml:"enabled"`
	MaxRequests int  `yaml:"max_requests"`
	// Window in seconds.
	Window int `yaml:"window"`
}

type ResilienceConfig struct {
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Jitter         time.Duration `yaml:"jitter"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// DispatchConfig holds the model selection defaults.
type DispatchConfig struct {
	// SupportedBackends limits selection; empty means every registered backend.
	SupportedBackends []string `yaml:"supported_backends"`
	ProviderPriority  []string `yaml:"provider_priority"`
	// DefaultModel is used when selection finds nothing and the request
	// names no model.
	DefaultModel string `yaml:"default_model"`
	AutoSwitch   bool   `yaml:"auto_switch"`
	SystemPrompt string `yaml:"system_prompt"`
	// HistoryLimit caps the number of prior messages forwarded upstream.
	HistoryLimit int `yaml:"history_limit"`
}

type KeysConfig struct {
	// CacheTTL in seconds.
	CacheTTL  int `yaml:"cache_ttl"`
	CacheSize int `yaml:"cache_size"`
}

type UsageConfig struct {
	Enabled       bool `yaml:"enabled"`
	BufferSize    int  `yaml:"buffer_size"`
	FlushInterval int  `yaml:"flush_interval"`
	RetentionDays int  `yaml:"retention_days"`
}

type StorageConfig struct {
	// Type is "sqlite", "postgresql" or "mongodb".
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PostgreSQLConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

type MongoDBConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// RawProviderConfig is a provider entry as written in config.yaml.
type RawProviderConfig struct {
	Type    string   `yaml:"type"`
	APIKey  string   `yaml:"api_key"`
	BaseURL string   `yaml:"base_url"`
	Models  []string `yaml:"models"`
	// UserKeys keeps the provider registered without a global key so
	// users can bring their own.
	UserKeys bool `yaml:"user_keys"`
}

// Defaults returns the configuration used for every unset field.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:          "8080",
			BodySizeLimit: "10M",
		},
		Logging: LogConfig{Level: "info"},
		HTTP: HTTPConfig{
			Timeout:               120,
			ResponseHeaderTimeout: 60,
		},
		Catalog: CatalogConfig{
			RefreshInterval: 1800,
			MaxAge:          600,
			RefreshTimeout:  15,
			Snapshot:        "local",
			SnapshotPath:    "data/catalog.json",
			Redis:           RedisConfig{Key: "inferdispatch:catalog", TTL: 86400},
		},
		ResponseCache: ResponseCacheConfig{
			Type:            "memory",
			TTL:             3600,
			CleanupInterval: 300,
			MaxSize:         1000,
			MinLength:       10,
			Redis:           RedisConfig{Key: "inferdispatch:responses"},
		},
		RateLimit: RateLimitConfig{
			MaxRequests: 20,
			Window:      60,
		},
		Resilience: ResilienceConfig{
			Retry: RetryConfig{
				MaxRetries:     3,
				InitialBackoff: 500 * time.Millisecond,
				MaxBackoff:     30 * time.Second,
				Jitter:         250 * time.Millisecond,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Dispatch: DispatchConfig{
			DefaultModel: "llama-3.3-70b-versatile",
			HistoryLimit: 20,
		},
		Keys: KeysConfig{
			CacheTTL:  300,
			CacheSize: 1024,
		},
		Usage: UsageConfig{
			BufferSize:    1000,
			FlushInterval: 5,
			RetentionDays: 30,
		},
		Storage: StorageConfig{
			Type:       "sqlite",
			SQLite:     SQLiteConfig{Path: "data/inferdispatch.db"},
			PostgreSQL: PostgreSQLConfig{MaxConns: 10},
			MongoDB:    MongoDBConfig{Database: "inferdispatch"},
		},
		Metrics: MetricsConfig{Endpoint: "/metrics"},
	}
}

// Load reads config.yaml from the working directory (optional), after
// loading .env into the environment. Environment variables override file
// values; defaults fill whatever is still unset.
func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

// LoadFile is Load with an explicit path. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal([]byte(expandString(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := mergo.Merge(cfg, Defaults()); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values that cannot work at runtime.
func (c *Config) Validate() error {
	if _, err := ParseBodySize(c.Server.BodySizeLimit); err != nil {
		return err
	}
	switch c.Storage.Type {
	case "sqlite", "postgresql", "mongodb":
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	switch c.ResponseCache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown response cache type %q", c.ResponseCache.Type)
	}
	switch c.Catalog.Snapshot {
	case "local", "redis", "none":
	default:
		return fmt.Errorf("unknown catalog snapshot type %q", c.Catalog.Snapshot)
	}
	return nil
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default}. A variable that is unset
// and has no default is left as written.
func expandString(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(match string) string {
		m := placeholder.FindStringSubmatch(match)
		if v := os.Getenv(m[1]); v != "" {
			return v
		}
		if m[2] != "" {
			return m[3]
		}
		return match
	})
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.MasterKey, "DISPATCH_MASTER_KEY")
	setString(&cfg.Server.BodySizeLimit, "BODY_SIZE_LIMIT")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setInt(&cfg.HTTP.Timeout, "HTTP_TIMEOUT")
	setInt(&cfg.HTTP.ResponseHeaderTimeout, "HTTP_RESPONSE_HEADER_TIMEOUT")
	setInt(&cfg.Catalog.RefreshInterval, "CATALOG_REFRESH_INTERVAL")
	setString(&cfg.Catalog.Snapshot, "CATALOG_SNAPSHOT")
	setString(&cfg.Catalog.Redis.URL, "REDIS_URL")
	setBool(&cfg.ResponseCache.Enabled, "RESPONSE_CACHE_ENABLED")
	setString(&cfg.ResponseCache.Type, "RESPONSE_CACHE_TYPE")
	setInt(&cfg.ResponseCache.TTL, "RESPONSE_CACHE_TTL")
	setString(&cfg.ResponseCache.Redis.URL, "REDIS_URL")
	setBool(&cfg.RateLimit.Enabled, "RATE_LIMIT_ENABLED")
	setInt(&cfg.RateLimit.MaxRequests, "RATE_LIMIT_MAX_REQUESTS")
	setInt(&cfg.RateLimit.Window, "RATE_LIMIT_WINDOW")
	setString(&cfg.Dispatch.DefaultModel, "DISPATCH_DEFAULT_MODEL")
	setBool(&cfg.Dispatch.AutoSwitch, "DISPATCH_AUTO_SWITCH")
	setBool(&cfg.Usage.Enabled, "USAGE_ENABLED")
	setString(&cfg.Storage.Type, "STORAGE_TYPE")
	setString(&cfg.Storage.SQLite.Path, "SQLITE_PATH")
	setString(&cfg.Storage.PostgreSQL.URL, "POSTGRES_URL")
	setInt(&cfg.Storage.PostgreSQL.MaxConns, "POSTGRES_MAX_CONNS")
	setString(&cfg.Storage.MongoDB.URL, "MONGODB_URL")
	setString(&cfg.Storage.MongoDB.Database, "MONGODB_DATABASE")
	setBool(&cfg.Metrics.Enabled, "METRICS_ENABLED")
	setString(&cfg.Metrics.Endpoint, "METRICS_ENDPOINT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		*dst = v
	}
}

// ParseBodySize parses sizes such as "512K", "10M" or "1G" into bytes.
func ParseBodySize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, errors.New("empty body size limit")
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'K':
		mult = 1 << 10
	case 'M':
		mult = 1 << 20
	case 'G':
		mult = 1 << 30
	}
	if mult > 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid body size limit %q", s)
	}
	return n * mult, nil
}

// Seconds converts a seconds setting into a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
