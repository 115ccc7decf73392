package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GatewayConfig holds connection settings for the remote gateway.
type GatewayConfig struct {
	Endpoint string `yaml:"endpoint"` // ws:// or wss:// URL
	// Token supports ${ENV_VAR} expansion so credentials stay out of
	// the config file.
	Token          string   `yaml:"token"`
	ClientID       string   `yaml:"client_id"`
	Mode           string   `yaml:"mode"`
	Role           string   `yaml:"role"`
	Scopes         []string `yaml:"scopes"`
	Locale         string   `yaml:"locale"`
	RequestTimeout string   `yaml:"request_timeout"` // duration string, e.g. "30s"
	RequestsPerSec float64  `yaml:"requests_per_sec"`
	RequestBurst   int      `yaml:"request_burst"`
}

// Timeout returns the parsed request timeout. Load guarantees the
// string is valid.
func (g GatewayConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(g.RequestTimeout)
	if err != nil {
		return defaultRequestTimeout
	}
	return d
}

// SessionConfig scopes the chat conversation.
type SessionConfig struct {
	Key          string `yaml:"key"`
	HistoryLimit int    `yaml:"history_limit"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// Config is the top-level application configuration.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Session SessionConfig `yaml:"session"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
}

// Defaults applied by Load when fields are unset.
const (
	defaultClientID       = "chatlink"
	defaultMode           = "cli"
	defaultRole           = "user"
	defaultLocale         = "en-US"
	defaultSessionKey     = "default"
	defaultHistoryLimit   = 50
	defaultRequestTimeout = 30 * time.Second
)

// Load reads, expands and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes config bytes, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Gateway.Token = os.ExpandEnv(cfg.Gateway.Token)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Gateway.ClientID == "" {
		c.Gateway.ClientID = defaultClientID
	}
	if c.Gateway.Mode == "" {
		c.Gateway.Mode = defaultMode
	}
	if c.Gateway.Role == "" {
		c.Gateway.Role = defaultRole
	}
	if c.Gateway.Locale == "" {
		c.Gateway.Locale = defaultLocale
	}
	if c.Gateway.RequestTimeout == "" {
		c.Gateway.RequestTimeout = defaultRequestTimeout.String()
	}
	if c.Session.Key == "" {
		c.Session.Key = defaultSessionKey
	}
	if c.Session.HistoryLimit <= 0 {
		c.Session.HistoryLimit = defaultHistoryLimit
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}
}

func (c *Config) validate() error {
	if c.Gateway.Endpoint == "" {
		return fmt.Errorf("gateway.endpoint is required")
	}
	if !strings.HasPrefix(c.Gateway.Endpoint, "ws://") && !strings.HasPrefix(c.Gateway.Endpoint, "wss://") {
		return fmt.Errorf("gateway.endpoint must be a ws:// or wss:// URL, got %q", c.Gateway.Endpoint)
	}
	if _, err := time.ParseDuration(c.Gateway.RequestTimeout); err != nil {
		return fmt.Errorf("gateway.request_timeout: %w", err)
	}
	return nil
}
