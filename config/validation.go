package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"sipkit/adapters/sqlx"
	"sipkit/core"
)

func joinErrs(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.New(strings.Join(errs, "; "))
}

func oneOf(errs []string, field, value string, allowed ...string) []string {
	if !slices.Contains(allowed, value) {
		return append(errs, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
	}
	return errs
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	var errs []string
	if s.Address == "" {
		errs = append(errs, "address cannot be empty")
	}
	if s.PathPrefix != "" && !strings.HasPrefix(s.PathPrefix, "/") {
		errs = append(errs, "path_prefix must start with /")
	}
	for name, d := range map[string]int64{
		"read_timeout":        int64(s.ReadTimeout),
		"write_timeout":       int64(s.WriteTimeout),
		"idle_timeout":        int64(s.IdleTimeout),
		"read_header_timeout": int64(s.ReadHeaderTimeout),
		"shutdown_timeout":    int64(s.ShutdownTimeout),
	} {
		if d <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}
	slices.Sort(errs)
	return joinErrs(errs)
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	errs := oneOf(nil, "adapter", s.Adapter, "memory", "redis", "sql", "file")
	switch s.Adapter {
	case "file":
		if err := s.File.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("file config: %v", err))
		}
	case "redis":
		if s.Redis.Addr == "" {
			errs = append(errs, "redis config: addr cannot be empty")
		}
	case "sql":
		errs = oneOf(errs, "sql driver", string(s.SQL.Driver),
			string(sqlx.DriverPostgres), string(sqlx.DriverMySQL), string(sqlx.DriverSQLite))
		if s.SQL.DSN == "" && s.SQL.Driver != sqlx.DriverSQLite {
			errs = append(errs, "sql config: dsn cannot be empty")
		}
	}
	return joinErrs(errs)
}

// Validate validates file storage configuration
func (f *FileConfig) Validate() error {
	if f.Path == "" {
		return errors.New("path cannot be empty")
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	errs := oneOf(nil, "level", l.Level, "debug", "info", "warn", "error")
	errs = oneOf(errs, "format", l.Format, "json", "text")
	errs = oneOf(errs, "output", l.Output, "stdout", "stderr")
	return joinErrs(errs)
}

// Validate validates metrics configuration
func (m *MetricsConfig) Validate() error {
	if !m.Enabled {
		return nil
	}
	var errs []string
	if m.Address == "" {
		errs = append(errs, "address cannot be empty when metrics are enabled")
	}
	if !strings.HasPrefix(m.Path, "/") {
		errs = append(errs, "path must start with / when metrics are enabled")
	}
	if m.AggregateInterval <= 0 {
		errs = append(errs, "aggregate_interval must be positive")
	}
	if m.ExportEndpoint != "" {
		if err := validateURL(m.ExportEndpoint); err != nil {
			errs = append(errs, fmt.Sprintf("export_endpoint: %v", err))
		}
		if m.ExportBatchSize <= 0 {
			errs = append(errs, "export_batch_size must be > 0")
		}
	}
	return joinErrs(errs)
}

// Validate validates security settings.
func (s SecurityConfig) Validate() error {
	var errs []string
	if s.EnableRateLimit {
		if s.RateLimit.RequestsPerMinute <= 0 {
			errs = append(errs, "rate_limit.requests_per_minute must be > 0 when rate limiting is enabled")
		}
		if s.RateLimit.BurstSize <= 0 {
			errs = append(errs, "rate_limit.burst_size must be > 0 when rate limiting is enabled")
		}
	}
	for i, key := range s.APIKeys {
		if strings.TrimSpace(key) == "" {
			errs = append(errs, fmt.Sprintf("api_keys[%d] is empty", i))
		}
	}
	return joinErrs(errs)
}

var webhookEventTypes = []string{
	string(core.EventDrinkLogged),
	string(core.EventSessionEnded),
	string(core.EventBadgeAwarded),
}

// Validate validates award settings.
func (a *AwardsConfig) Validate() error {
	var errs []string
	if a.Parallelism <= 0 {
		errs = append(errs, "parallelism must be > 0")
	}
	if a.SweepEnabled && a.SweepInterval <= 0 {
		errs = append(errs, "sweep_interval must be positive when sweeping is enabled")
	}
	for i, u := range a.WebhookURLs {
		if err := validateURL(u); err != nil {
			errs = append(errs, fmt.Sprintf("webhook_urls[%d]: %v", i, err))
		}
	}
	for _, e := range a.WebhookEvents {
		errs = oneOf(errs, "webhook_events", e, webhookEventTypes...)
	}
	if len(a.WebhookURLs) > 0 && a.WebhookTimeout <= 0 {
		errs = append(errs, "webhook_timeout must be positive")
	}
	return joinErrs(errs)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host cannot be empty")
	}
	return nil
}
