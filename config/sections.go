package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DatabaseConfig configures the pgx pool.
type DatabaseConfig struct {
	URL         string        `json:"url"`
	MaxConns    int32         `json:"max_conns"`
	MinConns    int32         `json:"min_conns"`
	MaxConnIdle time.Duration `json:"max_conn_idle"`
}

func (c *DatabaseConfig) SetDefaults() {
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MaxConnIdle == 0 {
		c.MaxConnIdle = 5 * time.Minute
	}
}

func (c DatabaseConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url is required (or set DATABASE_URL)")
	}
	if c.MinConns < 0 || c.MaxConns < 1 || c.MinConns > c.MaxConns {
		return fmt.Errorf("invalid pool bounds min=%d max=%d", c.MinConns, c.MaxConns)
	}
	return nil
}

type HTTPConfig struct {
	Addr         string        `json:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

func (c *HTTPConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 15 * time.Second
	}
}

func (c HTTPConfig) Validate() error {
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// AuthConfig holds the JWT signing settings.
type AuthConfig struct {
	JWTSecret string        `json:"jwt_secret"`
	TokenTTL  time.Duration `json:"token_ttl"`
}

func (c *AuthConfig) SetDefaults() {
	if c.TokenTTL == 0 {
		c.TokenTTL = 24 * time.Hour
	}
}

func (c AuthConfig) Validate() error {
	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("jwt_secret must be at least 16 characters")
	}
	return nil
}

// DispatchConfig tunes offer creation.
type DispatchConfig struct {
	// OfferTTL is how long an agent has to respond before the offer expires.
	OfferTTL time.Duration `json:"offer_ttl"`
}

func (c *DispatchConfig) SetDefaults() {
	if c.OfferTTL == 0 {
		c.OfferTTL = 5 * time.Minute
	}
}

func (c DispatchConfig) Validate() error {
	if c.OfferTTL < time.Second {
		return fmt.Errorf("offer_ttl must be at least 1s, got %s", c.OfferTTL)
	}
	return nil
}

// SweeperConfig drives the periodic expiry job.
type SweeperConfig struct {
	// Enabled is a pointer so that an explicit false in the file survives
	// SetDefaults.
	Enabled  *bool         `json:"enabled"`
	Interval time.Duration `json:"interval"`
	// StaleAfter, when positive, also expires PENDING offers older than this
	// regardless of expires_at.
	StaleAfter        time.Duration `json:"stale_after"`
	RedispatchWaiting bool          `json:"redispatch_waiting"`
	BatchSize         int           `json:"batch_size"`
}

func (c *SweeperConfig) SetDefaults() {
	if c.Enabled == nil {
		enabled := true
		c.Enabled = &enabled
	}
	if c.Interval == 0 {
		c.Interval = 15 * time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
}

// IsEnabled reports whether the sweeper should run alongside the server.
func (c SweeperConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c SweeperConfig) Validate() error {
	if c.Interval < time.Second {
		return fmt.Errorf("interval must be at least 1s, got %s", c.Interval)
	}
	if c.StaleAfter < 0 {
		return fmt.Errorf("stale_after must not be negative")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive")
	}
	return nil
}

type AuditConfig struct {
	Enabled *bool         `json:"enabled"`
	Buffer  int           `json:"buffer"`
	Timeout time.Duration `json:"timeout"`
}

func (c *AuditConfig) SetDefaults() {
	if c.Enabled == nil {
		enabled := true
		c.Enabled = &enabled
	}
	if c.Buffer == 0 {
		c.Buffer = 256
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
}

func (c AuditConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c AuditConfig) Validate() error {
	if c.Buffer < 1 {
		return fmt.Errorf("buffer must be positive")
	}
	return nil
}

type MetricsConfig struct {
	Enabled *bool  `json:"enabled"`
	Path    string `json:"path"`
}

func (c *MetricsConfig) SetDefaults() {
	if c.Enabled == nil {
		enabled := true
		c.Enabled = &enabled
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
}

func (c MetricsConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c MetricsConfig) Validate() error {
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path must start with /")
	}
	return nil
}

// LoggingConfig selects the minimum log level.
type LoggingConfig struct {
	Level string `json:"level"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}

func (c LoggingConfig) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Level)); err != nil {
		return fmt.Errorf("unknown level %q", c.Level)
	}
	return nil
}
