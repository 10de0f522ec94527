// Package config handles mcplink configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/nugget/mcplink/internal/mcp"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./mcplink.yaml, ~/.config/mcplink/config.yaml, /etc/mcplink/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"mcplink.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcplink", "config.yaml"))
	}

	paths = append(paths, "/etc/mcplink/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mcplink configuration.
type Config struct {
	DataDir   string         `yaml:"data_dir"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text (default) or json
	Store     StoreConfig    `yaml:"store"`
	Timeouts  TimeoutsConfig `yaml:"timeouts"`
	Breaker   BreakerConfig  `yaml:"breaker"`
	Health    HealthConfig   `yaml:"health"`
	Servers   []ServerConfig `yaml:"servers"`
}

// StoreConfig selects where connected-server configurations persist.
type StoreConfig struct {
	// Backend is sqlite (default), redis, or memory.
	Backend string `yaml:"backend"`
	// Driver picks the SQLite driver: sqlite3 (cgo, default) or sqlite
	// (pure Go).
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig defines the Redis connection for the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// TimeoutsConfig bounds MCP operations.
type TimeoutsConfig struct {
	Request  time.Duration `yaml:"request"`  // per JSON-RPC request
	Connect  time.Duration `yaml:"connect"`  // connect + handshake + first tools/list
	Validate time.Duration `yaml:"validate"` // pre-flight connectivity checks
}

// BreakerConfig tunes the per-server circuit breaker around tool calls.
type BreakerConfig struct {
	MaxRequests  uint32        `yaml:"max_requests"` // probes allowed while half-open
	Interval     time.Duration `yaml:"interval"`     // closed-state counter reset period
	Timeout      time.Duration `yaml:"timeout"`      // open-state duration
	MinRequests  uint32        `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
}

// HealthConfig controls background pings of connected servers.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ServerConfig declares an MCP server to connect on startup.
type ServerConfig struct {
	Name    string            `yaml:"name"`
	Kind    string            `yaml:"kind"` // http, stdio, stream, websocket
	URL     string            `yaml:"url"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Headers map[string]string `yaml:"headers"`
	Auth    string            `yaml:"auth"` // none, header, oauth

	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`

	// Include and Exclude filter which tools are bridged to agents.
	Include []string `yaml:"include_tools"`
	Exclude []string `yaml:"exclude_tools"`
}

// IsEnabled reports whether the server should be connected.
func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Endpoint returns the URL, or the command for stdio servers.
func (s ServerConfig) Endpoint() string {
	if s.URL != "" {
		return s.URL
	}
	return s.Command
}

// Load reads configuration from a YAML file, layered over Default and
// then over MCPLINK_* environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "text",
		Store: StoreConfig{
			Backend: "sqlite",
			Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "mcplink:"},
		},
		Timeouts: TimeoutsConfig{
			Request:  30 * time.Second,
			Connect:  30 * time.Second,
			Validate: 5 * time.Second,
		},
		Breaker: BreakerConfig{
			MaxRequests:  1,
			Interval:     60 * time.Second,
			Timeout:      30 * time.Second,
			MinRequests:  3,
			FailureRatio: 0.6,
		},
		Health: HealthConfig{
			Enabled:      true,
			PollInterval: 30 * time.Second,
		},
	}
}

// envOverrides lists the settings that can be replaced from the
// environment without editing the config file.
type envOverrides struct {
	DataDir        string        `env:"MCPLINK_DATA_DIR"`
	LogLevel       string        `env:"MCPLINK_LOG_LEVEL"`
	LogFormat      string        `env:"MCPLINK_LOG_FORMAT"`
	Store          string        `env:"MCPLINK_STORE"`
	RedisAddr      string        `env:"MCPLINK_REDIS_ADDR"`
	RedisPassword  string        `env:"MCPLINK_REDIS_PASSWORD"`
	RequestTimeout time.Duration `env:"MCPLINK_REQUEST_TIMEOUT"`
}

// ApplyEnv overlays MCPLINK_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return fmt.Errorf("decode environment: %w", err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.DataDir, env.DataDir)
	set(&c.LogLevel, env.LogLevel)
	set(&c.LogFormat, env.LogFormat)
	set(&c.Store.Backend, env.Store)
	set(&c.Store.Redis.Addr, env.RedisAddr)
	set(&c.Store.Redis.Password, env.RedisPassword)
	if env.RequestTimeout > 0 {
		c.Timeouts.Request = env.RequestTimeout
	}
	return nil
}

// DatabasePath returns the SQLite file used by the sqlite backend.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "mcplink.db")
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format %q: want text or json", c.LogFormat)
	}

	switch c.Store.Backend {
	case "sqlite", "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend %q: want sqlite, redis, or memory", c.Store.Backend)
	}
	switch c.Store.Driver {
	case "", "sqlite3", "sqlite":
	default:
		return fmt.Errorf("store.driver %q: want sqlite3 or sqlite", c.Store.Driver)
	}

	if r := c.Breaker.FailureRatio; r <= 0 || r > 1 {
		return fmt.Errorf("breaker.failure_ratio %v: must be in (0, 1]", r)
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("servers[%d]: %w", i, err)
		}
		if seen[s.Name] {
			return fmt.Errorf("servers[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// Validate checks a single server declaration.
func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.Contains(s.Name, ":") {
		return fmt.Errorf("name %q must not contain ':'", s.Name)
	}
	kind, err := mcp.ParseKind(s.Kind)
	if err != nil {
		return fmt.Errorf("%s: %w", s.Name, err)
	}
	switch kind {
	case mcp.KindStdio:
		if strings.TrimSpace(s.Command) == "" {
			return fmt.Errorf("%s: command is required for stdio servers", s.Name)
		}
	default:
		if s.URL == "" {
			return fmt.Errorf("%s: url is required for %s servers", s.Name, kind)
		}
	}
	switch mcp.AuthType(s.Auth) {
	case "", mcp.AuthNone, mcp.AuthHeader, mcp.AuthOAuth:
	default:
		return fmt.Errorf("%s: auth %q: want none, header, or oauth", s.Name, s.Auth)
	}
	return nil
}
