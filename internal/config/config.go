// Package config defines all configuration for the market-data relay.
// Config is loaded from an optional YAML file with every key overridable
// via POLYMARKET_* environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Keys are flat and map one-to-one
// to POLYMARKET_<KEY> environment variables.
type Config struct {
	// Upstream endpoints
	APIURL string `mapstructure:"api_url"`
	WSURL  string `mapstructure:"ws_url"`

	// Persistence
	DBPath string `mapstructure:"db_path"`

	// REST client
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	HTTPRPS     float64       `mapstructure:"http_rps"`

	// Upstream WebSocket session
	WSHeartbeatSec int    `mapstructure:"ws_heartbeat_sec"`
	WSReconnectSec int    `mapstructure:"ws_reconnect_sec"`
	WSGapPolicy    string `mapstructure:"ws_gap_policy"` // "accept" or "drop"

	// Downstream forwarding server
	ForwardEnabled     bool   `mapstructure:"forward_enabled"`
	ForwardHost        string `mapstructure:"forward_host"`
	ForwardPort        int    `mapstructure:"forward_port"`
	ForwardMarketLimit int    `mapstructure:"forward_market_limit"`

	// Monitoring HTTP server
	WebEnabled bool   `mapstructure:"web_enabled"`
	WebHost    string `mapstructure:"web_host"`
	WebPort    int    `mapstructure:"web_port"`

	// Market scanner
	ScanIntervalSec int    `mapstructure:"scan_interval_sec"`
	Category        string `mapstructure:"category"`

	LogLevel string `mapstructure:"log_level"`
}

// Load reads config from an optional YAML file with env var overrides.
// An empty path skips the file entirely and uses defaults + environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POLYMARKET")
	v.AutomaticEnv()

	v.SetDefault("api_url", "https://gamma-api.polymarket.com")
	v.SetDefault("ws_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("db_path", "polymarket.db")
	v.SetDefault("http_timeout", "10s")
	v.SetDefault("http_rps", 2.0)
	v.SetDefault("ws_heartbeat_sec", 15)
	v.SetDefault("ws_reconnect_sec", 5)
	v.SetDefault("ws_gap_policy", "accept")
	v.SetDefault("forward_enabled", false)
	v.SetDefault("forward_host", "127.0.0.1")
	v.SetDefault("forward_port", 8765)
	v.SetDefault("forward_market_limit", 500)
	v.SetDefault("web_enabled", false)
	v.SetDefault("web_host", "127.0.0.1")
	v.SetDefault("web_port", 8080)
	v.SetDefault("scan_interval_sec", 300)
	v.SetDefault("category", "")
	v.SetDefault("log_level", "info")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("api_url is required")
	}
	if c.WSURL == "" {
		return fmt.Errorf("ws_url is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http_timeout must be > 0")
	}
	if c.HTTPRPS <= 0 {
		return fmt.Errorf("http_rps must be > 0")
	}
	if c.WSHeartbeatSec <= 0 {
		return fmt.Errorf("ws_heartbeat_sec must be > 0")
	}
	if c.WSReconnectSec <= 0 {
		return fmt.Errorf("ws_reconnect_sec must be > 0")
	}
	switch c.WSGapPolicy {
	case "accept", "drop":
	default:
		return fmt.Errorf("ws_gap_policy must be one of: accept, drop")
	}
	if c.ForwardEnabled && (c.ForwardPort <= 0 || c.ForwardPort > 65535) {
		return fmt.Errorf("forward_port must be a valid port")
	}
	if c.ForwardMarketLimit <= 0 {
		return fmt.Errorf("forward_market_limit must be > 0")
	}
	if c.WebEnabled && (c.WebPort <= 0 || c.WebPort > 65535) {
		return fmt.Errorf("web_port must be a valid port")
	}
	if c.ScanIntervalSec <= 0 {
		return fmt.Errorf("scan_interval_sec must be > 0")
	}
	return nil
}

// HeartbeatInterval returns the heartbeat cadence as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.WSHeartbeatSec) * time.Second
}

// ReconnectDelay returns the initial reconnect backoff as a duration.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.WSReconnectSec) * time.Second
}

// ScanInterval returns the scanner cadence as a duration.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSec) * time.Second
}
