package config

import (
	"fmt"
	"time"
)

// LoadProfile returns a named preset over DefaultConfig, with environment
// variables applied on top.
func LoadProfile(name string) (*Config, error) {
	apply, ok := profiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown config profile %q", name)
	}
	cfg := DefaultConfig()
	cfg.Profile = name
	apply(cfg)
	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s profile: %w", name, err)
	}
	return cfg, nil
}

var profiles = map[string]func(*Config){
	"development": func(c *Config) {
		c.Environment = EnvDevelopment
		c.Logging.Level = "debug"
		c.Logging.Format = "text"
	},
	"testing": func(c *Config) {
		c.Environment = EnvTesting
		c.Logging.Level = "warn"
		c.Awards.AsyncEvents = false
		c.Awards.SweepEnabled = false
	},
	"staging": func(c *Config) {
		c.Environment = EnvStaging
		c.Storage.Adapter = "file"
		c.Metrics.Enabled = true
	},
	"production": func(c *Config) {
		c.Environment = EnvProduction
		c.Storage.Adapter = "file"
		c.Server.CORSOrigin = ""
		c.Metrics.Enabled = true
		c.Security.EnableRateLimit = true
		c.Awards.SweepInterval = 30 * time.Second
	},
}
