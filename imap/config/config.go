// Package config loads imapfrontd's configuration: a YAML file overlaid
// with environment variables, unmarshaled with koanf into one typed
// Config covering the frontend's bind/TLS/backend/cache settings.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds every setting imapfrontd needs to start listening.
type Config struct {
	BindAddr          string        `koanf:"bind-addr"`
	BindPort          int           `koanf:"bind-port"`
	BindPortTLS       int           `koanf:"bind-port-tls"`
	CertPath          string        `koanf:"cert-path"`
	KeyPath           string        `koanf:"key-path"`
	CacheDir          string        `koanf:"cache-dir"`
	JMAPURL           string        `koanf:"jmap-url"`
	JMAPTrustedHosts  []string      `koanf:"jmap-trusted-hosts"`
	NameShared        string        `koanf:"name-shared"`
	NameAll           string        `koanf:"name-all"`
	MaxRequestSize    int           `koanf:"max-request-size"`
	WorkerPoolSize    int           `koanf:"worker-pool-size"`
	CachePurgeEvery   string        `koanf:"cache-purge-every"` // cron-like "MM HH DOW"
	CacheRemovedIDTTL time.Duration `koanf:"cache-removed-id-ttl"`
	LogLevel          string        `koanf:"log-level"`
}

// Default returns a Config with conservative defaults; Load overlays a
// YAML file and the environment on top of it.
func Default() *Config {
	return &Config{
		BindAddr:          "0.0.0.0",
		BindPort:          143,
		BindPortTLS:       993,
		CacheDir:          "/var/lib/imapfrontd/cache",
		NameShared:        "Shared Folders",
		NameAll:           "All Mail",
		MaxRequestSize:    50 * 1024 * 1024,
		WorkerPoolSize:    8,
		CachePurgeEvery:   "30 3 *",
		CacheRemovedIDTTL: 30 * 24 * time.Hour,
		LogLevel:          "info",
	}
}

// Load reads path (if present) over the defaults, then applies any
// IMAPFRONTD_-prefixed environment variable override on top.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("config: load %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("IMAPFRONTD_", ".", envKeyMap), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

func envKeyMap(s string) string {
	rest := strings.ToLower(strings.TrimPrefix(s, "IMAPFRONTD_"))
	return strings.ReplaceAll(rest, "_", "-")
}

// Validate checks the fields imapfrontd cannot safely start without.
func (c *Config) Validate() error {
	if c.JMAPURL == "" {
		return fmt.Errorf("jmap-url is required")
	}
	if c.BindPort <= 0 && c.BindPortTLS <= 0 {
		return fmt.Errorf("at least one of bind-port or bind-port-tls must be set")
	}
	if c.BindPortTLS > 0 && (c.CertPath == "" || c.KeyPath == "") {
		return fmt.Errorf("cert-path and key-path are required when bind-port-tls is set")
	}
	if c.MaxRequestSize <= 0 {
		return fmt.Errorf("max-request-size must be positive")
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("worker-pool-size must be positive")
	}
	return nil
}
