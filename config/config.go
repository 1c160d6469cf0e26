// Package config loads service settings from a YAML or JSON file with
// ESD_-prefixed environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables that override file values.
// ESD_SWEEPER__INTERVAL=30s sets sweeper.interval.
const EnvPrefix = "ESD_"

type Config struct {
	Database DatabaseConfig `json:"database"`
	HTTP     HTTPConfig     `json:"http"`
	Auth     AuthConfig     `json:"auth"`
	Dispatch DispatchConfig `json:"dispatch"`
	Sweeper  SweeperConfig  `json:"sweeper"`
	Audit    AuditConfig    `json:"audit"`
	Metrics  MetricsConfig  `json:"metrics"`
	Logging  LoggingConfig  `json:"logging"`
}

// Load reads path (when non-empty), applies environment overrides, fills
// defaults and validates every section.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		var parser koanf.Parser
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("config: unsupported format %s", ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("DATABASE_URL")
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills every unset field.
func (c *Config) SetDefaults() {
	c.Database.SetDefaults()
	c.HTTP.SetDefaults()
	c.Auth.SetDefaults()
	c.Dispatch.SetDefaults()
	c.Sweeper.SetDefaults()
	c.Audit.SetDefaults()
	c.Metrics.SetDefaults()
	c.Logging.SetDefaults()
}

func (c Config) Validate() error {
	validators := []struct {
		section string
		check   func() error
	}{
		{"database", c.Database.Validate},
		{"http", c.HTTP.Validate},
		{"auth", c.Auth.Validate},
		{"dispatch", c.Dispatch.Validate},
		{"sweeper", c.Sweeper.Validate},
		{"audit", c.Audit.Validate},
		{"metrics", c.Metrics.Validate},
		{"logging", c.Logging.Validate},
	}
	for _, v := range validators {
		if err := v.check(); err != nil {
			return fmt.Errorf("config: %s: %w", v.section, err)
		}
	}
	return nil
}
