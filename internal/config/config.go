// Package config holds tycostreamd's process-level configuration: the
// source catalog location, the upstream DB connection, the gateway listen
// address, and trigger definitions.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tycoworks/tycostream/internal/trigger"
)

// Config is the top-level process configuration, loaded from a YAML file
// and overridable by environment variables for secrets (DB DSN).
type Config struct {
	// CatalogPath is the path to the source catalog YAML file.
	CatalogPath string `yaml:"catalog_path"`

	// DatabaseDSN is a standard Postgres connection string for the
	// upstream SUBSCRIBE source. May also be supplied via
	// TYCOSTREAM_DATABASE_DSN, which takes precedence.
	DatabaseDSN string `yaml:"database_dsn"`

	// ListenAddr is the gateway's HTTP/websocket listen address.
	ListenAddr string `yaml:"listen_addr"`

	// ConnectTimeout bounds the subscriber's initial DB connect. Defaults
	// to 10s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Triggers are the webhook triggers to start alongside the gateway.
	Triggers []TriggerConfig `yaml:"triggers"`
}

// TriggerConfig mirrors trigger.Config in YAML-friendly form.
type TriggerConfig struct {
	Name        string `yaml:"name"`
	Source      string `yaml:"source"`
	URL         string `yaml:"url"`
	Match       string `yaml:"match"`
	Unmatch     string `yaml:"unmatch,omitempty"`
}

// ToTriggerConfig converts to the trigger package's own Config shape.
func (t TriggerConfig) ToTriggerConfig() trigger.Config {
	return trigger.Config{
		Name:        t.Name,
		Source:      t.Source,
		URL:         t.URL,
		MatchExpr:   t.Match,
		UnmatchExpr: t.Unmatch,
	}
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:     ":8080",
		ConnectTimeout: 10 * time.Second,
	}
}

// Validate checks required fields are present.
func (c *Config) Validate() error {
	if c.CatalogPath == "" {
		return fmt.Errorf("catalog_path is required")
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database_dsn is required (config file or TYCOSTREAM_DATABASE_DSN)")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	for i, tr := range c.Triggers {
		if tr.Name == "" {
			return fmt.Errorf("triggers[%d]: name is required", i)
		}
		if tr.Source == "" {
			return fmt.Errorf("triggers[%d]: source is required", i)
		}
		if tr.URL == "" {
			return fmt.Errorf("triggers[%d]: url is required", i)
		}
		if tr.Match == "" {
			return fmt.Errorf("triggers[%d]: match is required", i)
		}
	}
	return nil
}

// Load reads a Config from a YAML file, applies DefaultConfig for unset
// fields, overlays TYCOSTREAM_DATABASE_DSN if present, and validates.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if dsn := os.Getenv("TYCOSTREAM_DATABASE_DSN"); dsn != "" {
		cfg.DatabaseDSN = dsn
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
