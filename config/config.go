package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sipkit/adapters/redis"
	"sipkit/adapters/sqlx"
	"sipkit/bac"
)

// Environment names a deployment target. Profiles exist for each.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config is everything the server reads at startup.
type Config struct {
	Environment Environment `json:"environment" env:"SIPKIT_ENV"`
	Profile     string      `json:"profile" env:"SIPKIT_PROFILE"`

	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
	Metrics  MetricsConfig  `json:"metrics"`
	Security SecurityConfig `json:"security"`

	// BAC model constants
	BAC bac.Params `json:"bac"`

	// Award checking and event delivery
	Awards AwardsConfig `json:"awards"`
}

// ServerConfig covers the API listener.
type ServerConfig struct {
	Address           string        `json:"address" env:"SIPKIT_SERVER_ADDR"`
	PathPrefix        string        `json:"path_prefix" env:"SIPKIT_SERVER_PATH_PREFIX"`
	CORSOrigin        string        `json:"cors_origin" env:"SIPKIT_SERVER_CORS_ORIGIN"`
	ReadTimeout       time.Duration `json:"read_timeout" env:"SIPKIT_SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `json:"write_timeout" env:"SIPKIT_SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `json:"idle_timeout" env:"SIPKIT_SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" env:"SIPKIT_SERVER_READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" env:"SIPKIT_SERVER_SHUTDOWN_TIMEOUT"`
}

// StorageConfig selects and configures the persistence adapter
type StorageConfig struct {
	Adapter string       `json:"adapter" env:"SIPKIT_STORAGE_ADAPTER"`
	Redis   redis.Config `json:"redis"`
	SQL     sqlx.Config  `json:"sql"`
	File    FileConfig   `json:"file"`
}

type FileConfig struct {
	Path string `json:"path" env:"SIPKIT_STORAGE_FILE_PATH"`
}

// LoggingConfig sets up slog. Output is stdout or stderr.
type LoggingConfig struct {
	Level      string            `json:"level" env:"SIPKIT_LOG_LEVEL"`
	Format     string            `json:"format" env:"SIPKIT_LOG_FORMAT"`
	Output     string            `json:"output" env:"SIPKIT_LOG_OUTPUT"`
	Attributes map[string]string `json:"attributes,omitempty" env:"SIPKIT_LOG_ATTRIBUTES"`
}

// MetricsConfig controls the analytics counters, their rollups and the
// endpoint that serves them.
type MetricsConfig struct {
	Enabled           bool          `json:"enabled" env:"SIPKIT_METRICS_ENABLED"`
	Address           string        `json:"address" env:"SIPKIT_METRICS_ADDR"`
	Path              string        `json:"path" env:"SIPKIT_METRICS_PATH"`
	AggregateInterval time.Duration `json:"aggregate_interval" env:"SIPKIT_METRICS_AGGREGATE_INTERVAL"`
	ExportEndpoint    string        `json:"export_endpoint,omitempty" env:"SIPKIT_METRICS_EXPORT_ENDPOINT"`
	ExportAPIKey      string        `json:"export_api_key,omitempty" env:"SIPKIT_METRICS_EXPORT_API_KEY"`
	ExportBatchSize   int           `json:"export_batch_size" env:"SIPKIT_METRICS_EXPORT_BATCH_SIZE"`
}

type SecurityConfig struct {
	EnableRateLimit bool            `json:"enable_rate_limit" env:"SIPKIT_SECURITY_RATE_LIMIT_ENABLED"`
	RateLimit       RateLimitConfig `json:"rate_limit"`
	APIKeys         []string        `json:"api_keys,omitempty" env:"SIPKIT_SECURITY_API_KEYS"`
}

// RateLimitConfig is a per-client token bucket.
type RateLimitConfig struct {
	RequestsPerMinute int           `json:"requests_per_minute" env:"SIPKIT_SECURITY_RATE_LIMIT_RPM"`
	BurstSize         int           `json:"burst_size" env:"SIPKIT_SECURITY_RATE_LIMIT_BURST"`
	CleanupInterval   time.Duration `json:"cleanup_interval" env:"SIPKIT_SECURITY_RATE_LIMIT_CLEANUP"`
}

// AwardsConfig tunes the badge service and where award events go.
type AwardsConfig struct {
	Parallelism    int           `json:"parallelism" env:"SIPKIT_AWARDS_PARALLELISM"`
	SweepEnabled   bool          `json:"sweep_enabled" env:"SIPKIT_AWARDS_SWEEP_ENABLED"`
	SweepInterval  time.Duration `json:"sweep_interval" env:"SIPKIT_AWARDS_SWEEP_INTERVAL"`
	CatalogPath    string        `json:"catalog_path,omitempty" env:"SIPKIT_AWARDS_CATALOG_PATH"`
	SeedCatalog    bool          `json:"seed_catalog" env:"SIPKIT_AWARDS_SEED_CATALOG"`
	AsyncEvents    bool          `json:"async_events" env:"SIPKIT_AWARDS_ASYNC_EVENTS"`
	WebhookURLs    []string      `json:"webhook_urls,omitempty" env:"SIPKIT_AWARDS_WEBHOOK_URLS"`
	WebhookEvents  []string      `json:"webhook_events,omitempty" env:"SIPKIT_AWARDS_WEBHOOK_EVENTS"`
	WebhookTimeout time.Duration `json:"webhook_timeout" env:"SIPKIT_AWARDS_WEBHOOK_TIMEOUT"`
}

// Load reads .env when present, applies SIPKIT_* variables over the
// defaults and validates the result.
func Load() (*Config, error) {
	return load(nil)
}

// LoadFromFile decodes a JSON or YAML file over the defaults. Environment
// variables still win over file values.
func LoadFromFile(path string) (*Config, error) {
	format, err := fileFormat(path)
	if err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}
	return load(func(cfg *Config) error {
		data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 - extension and existence checked
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if format == "yaml" {
			if data, err = yamlToJSON(data); err != nil {
				return fmt.Errorf("decode %s: %w", path, err)
			}
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	})
}

func load(fromFile func(*Config) error) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if fromFile != nil {
		if err := fromFile(cfg); err != nil {
			return nil, err
		}
	}
	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// fileFormat accepts .json, .yaml and .yml files that exist.
func fileFormat(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is empty")
	}
	var format string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		format = "json"
	case ".yaml", ".yml":
		format = "yaml"
	default:
		return "", errors.New("want a .json, .yaml or .yml file")
	}
	if _, err := os.Stat(filepath.Clean(path)); err != nil {
		return "", err
	}
	return format, nil
}

// yamlToJSON lets YAML files share the json tags of Config.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(doc)
}

// DefaultConfig is the development setup: in-memory storage, async events,
// the built-in catalog and the textbook BAC constants.
func DefaultConfig() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Profile:     "default",
		Server: ServerConfig{
			Address:           ":8080",
			PathPrefix:        "/api",
			CORSOrigin:        "*",
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Storage: StorageConfig{
			Adapter: "memory",
			Redis:   redis.DefaultConfig(),
			SQL:     sqlx.DefaultConfig(sqlx.DriverPostgres),
			File:    FileConfig{Path: "./data/sipkit.json"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:           false,
			Address:           ":9090",
			Path:              "/metrics",
			AggregateInterval: time.Hour,
			ExportBatchSize:   10,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 60,
				BurstSize:         10,
				CleanupInterval:   5 * time.Minute,
			},
		},
		BAC: bac.DefaultParams(),
		Awards: AwardsConfig{
			Parallelism:    4,
			SweepEnabled:   true,
			SweepInterval:  time.Minute,
			SeedCatalog:    true,
			AsyncEvents:    true,
			WebhookTimeout: 5 * time.Second,
		},
	}
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var problems []string
	if c.Environment == "" {
		problems = append(problems, "environment cannot be empty")
	}
	sections := []struct {
		name string
		err  error
	}{
		{"server", c.Server.Validate()},
		{"storage", c.Storage.Validate()},
		{"logging", c.Logging.Validate()},
		{"metrics", c.Metrics.Validate()},
		{"security", c.Security.Validate()},
		{"bac", c.BAC.Validate()},
		{"awards", c.Awards.Validate()},
	}
	for _, s := range sections {
		if s.err != nil {
			problems = append(problems, fmt.Sprintf("%s config: %v", s.name, s.err))
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

const redacted = "[REDACTED]"

// String renders the config as indented JSON with secrets masked, for
// startup logs.
func (c *Config) String() string {
	masked := *c
	for _, secret := range []*string{
		&masked.Storage.SQL.DSN,
		&masked.Storage.Redis.Password,
		&masked.Metrics.ExportAPIKey,
	} {
		if *secret != "" {
			*secret = redacted
		}
	}
	if n := len(masked.Security.APIKeys); n > 0 {
		masked.Security.APIKeys = slices.Repeat([]string{redacted}, n)
	}
	out, _ := json.MarshalIndent(masked, "", "  ")
	return string(out)
}
