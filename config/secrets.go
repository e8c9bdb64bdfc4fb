package config

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// SecretStore resolves secret values by key.
type SecretStore interface {
	Get(ctx context.Context, key string) (string, error)
}

// EnvironmentSecretStore reads secrets from the process environment.
type EnvironmentSecretStore struct{}

func NewEnvironmentSecretStore() *EnvironmentSecretStore { return &EnvironmentSecretStore{} }

func (EnvironmentSecretStore) Get(_ context.Context, key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("secret %s not set", key)
	}
	return v, nil
}

func (s EnvironmentSecretStore) GetWithDefault(ctx context.Context, key, def string) string {
	v, err := s.Get(ctx, key)
	if err != nil {
		return def
	}
	return v
}

// FileSecretStore reads secrets from files named by KEY_FILE variables, the
// convention used for mounted container secrets.
type FileSecretStore struct{}

func (FileSecretStore) Get(_ context.Context, key string) (string, error) {
	path, ok := os.LookupEnv(key + "_FILE")
	if !ok || path == "" {
		return "", fmt.Errorf("secret %s_FILE not set", key)
	}
	data, err := os.ReadFile(path) // #nosec G304 - operator supplied path
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", key, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// secretTargets maps secret keys to the config fields they fill.
func (c *Config) secretTargets() map[string]*string {
	return map[string]*string{
		"SIPKIT_SQL_DSN":                &c.Storage.SQL.DSN,
		"SIPKIT_REDIS_PASSWORD":         &c.Storage.Redis.Password,
		"SIPKIT_METRICS_EXPORT_API_KEY": &c.Metrics.ExportAPIKey,
	}
}

// LoadSecretsFromEnv fills secret fields from KEY_FILE files first and plain
// environment variables second. Missing secrets leave the field unchanged.
func (c *Config) LoadSecretsFromEnv(ctx context.Context) error {
	stores := []SecretStore{FileSecretStore{}, EnvironmentSecretStore{}}
	for key, dst := range c.secretTargets() {
		for _, s := range stores {
			v, err := s.Get(ctx, key)
			if err != nil {
				continue
			}
			*dst = v
			break
		}
	}
	if keys, err := (FileSecretStore{}).Get(ctx, "SIPKIT_SECURITY_API_KEYS"); err == nil {
		c.Security.APIKeys = splitList(keys)
	}
	return c.Validate()
}
