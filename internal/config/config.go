// Package config loads the coordinator configuration from a YAML file with
// environment overrides layered on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yellowfun/session_layer/internal/custody"
)

// Config is the full daemon configuration.
type Config struct {
	Relay     RelayConfig     `yaml:"relay"`
	Auth      AuthConfig      `yaml:"auth"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Supabase  SupabaseConfig  `yaml:"supabase"`
	Prices    PricesConfig    `yaml:"prices"`
	Custody   custody.Config  `yaml:"custody"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// RelayConfig points at the ClearNode relay.
type RelayConfig struct {
	URL              string        `yaml:"url"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// AuthConfig carries the policy fields bound into signed auth messages.
type AuthConfig struct {
	AppName      string        `yaml:"app_name"`
	Scope        string        `yaml:"scope"`
	TTL          time.Duration `yaml:"ttl"`
	IdentityPath string        `yaml:"identity_path"`
	WalletKey    string        `yaml:"wallet_key"`
}

// ReconnectConfig tunes the backoff policy used after a drop.
type ReconnectConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// SupabaseConfig points at the participant store.
type SupabaseConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// PricesConfig points at the price API.
type PricesConfig struct {
	BaseURL  string        `yaml:"base_url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// ServerConfig configures the local HTTP surface (health, metrics).
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig mirrors pkg/logger's knobs.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config/sessiond.yaml relative to the working directory.
func Load() (*Config, error) {
	return LoadFromPath(filepath.Join("config", "sessiond.yaml"))
}

// LoadFromPath reads a specific config file, falling back to defaults when
// the file does not exist, then applies environment overrides and validates.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			URL:              "wss://clearnet.yellow.com/ws",
			CallTimeout:      30 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			AppName:      "yellow.fun",
			Scope:        "console",
			TTL:          time.Hour,
			IdentityPath: filepath.Join(".sessiond", "identity.json"),
		},
		Reconnect: ReconnectConfig{
			MaxAttempts:    5,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
		},
		Prices: PricesConfig{
			CacheTTL: 30 * time.Second,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func (c *Config) applyEnv() {
	setString(&c.Relay.URL, "SESSIOND_RELAY_URL")
	setDuration(&c.Relay.CallTimeout, "SESSIOND_CALL_TIMEOUT")
	setString(&c.Auth.AppName, "SESSIOND_APP_NAME")
	setString(&c.Auth.Scope, "SESSIOND_SCOPE")
	setString(&c.Auth.IdentityPath, "SESSIOND_IDENTITY_PATH")
	setString(&c.Auth.WalletKey, "SESSIOND_WALLET_KEY")
	setInt(&c.Reconnect.MaxAttempts, "SESSIOND_RECONNECT_ATTEMPTS")
	setString(&c.Supabase.URL, "SUPABASE_URL")
	setString(&c.Supabase.APIKey, "SUPABASE_API_KEY")
	setString(&c.Prices.BaseURL, "SESSIOND_PRICE_API_URL")
	setString(&c.Server.Addr, "SESSIOND_SERVER_ADDR")
	setString(&c.Logging.Level, "SESSIOND_LOG_LEVEL")
	setString(&c.Logging.Format, "SESSIOND_LOG_FORMAT")
}

// Validate checks the fields the daemon cannot run without.
func (c *Config) Validate() error {
	if c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required")
	}
	if c.Auth.AppName == "" {
		return fmt.Errorf("auth.app_name is required")
	}
	if c.Auth.TTL <= 0 {
		c.Auth.TTL = time.Hour
	}
	if c.Custody.Addresses != (custody.Addresses{}) {
		if err := c.Custody.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
