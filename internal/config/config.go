// ABOUTME: Configuration loading and parsing for huddle
// ABOUTME: YAML or TOML files with ${VAR} expansion, HUDDLE_* env overrides and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// MinJWTSecretLength matches the minimum accepted by the token verifier.
const MinJWTSecretLength = 32

// Config represents the complete huddle configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Chat      ChatConfig      `yaml:"chat" toml:"chat"`
	Cluster   ClusterConfig   `yaml:"cluster" toml:"cluster"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" env:"HUDDLE_HTTP_ADDR"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve TLS with tailnet certificates
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // expose publicly (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path" env:"HUDDLE_DB_PATH"`
}

// AuthConfig holds credential verification configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret" env:"HUDDLE_JWT_SECRET"`
}

// ChatConfig holds per-connection limits for the messaging protocol
type ChatConfig struct {
	AuthTimeout  time.Duration `yaml:"-" toml:"-"`
	PingInterval time.Duration `yaml:"-" toml:"-"`
	PongTimeout  time.Duration `yaml:"-" toml:"-"`
	DedupeTTL    time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	AuthTimeoutRaw  string `yaml:"auth_timeout" toml:"auth_timeout"`
	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
	PongTimeoutRaw  string `yaml:"pong_timeout" toml:"pong_timeout"`
	DedupeTTLRaw    string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`

	MaxFrameBytes    int64    `yaml:"max_frame_bytes" toml:"max_frame_bytes"`
	MaxContentRunes  int      `yaml:"max_content_runes" toml:"max_content_runes"`
	FramesPerSecond  float64  `yaml:"frames_per_second" toml:"frames_per_second"`
	FrameBurst       int      `yaml:"frame_burst" toml:"frame_burst"`
	SendBuffer       int      `yaml:"send_buffer" toml:"send_buffer"`
	DedupeMaxEntries int      `yaml:"dedupe_max_entries" toml:"dedupe_max_entries"`
	AllowedOrigins   []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// ClusterConfig holds multi-node relay configuration
type ClusterConfig struct {
	NodeID       string        `yaml:"node_id" toml:"node_id" env:"HUDDLE_NODE_ID"`
	Peers        []string      `yaml:"peers" toml:"peers"`
	RelayTimeout time.Duration `yaml:"-" toml:"-"`

	RelayTimeoutRaw string `yaml:"relay_timeout" toml:"relay_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"HUDDLE_LOG_LEVEL"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Defaults applied when a value is left unset.
const (
	DefaultAuthTimeout      = 10 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultPongTimeout      = 60 * time.Second
	DefaultDedupeTTL        = 5 * time.Minute
	DefaultRelayTimeout     = 2 * time.Second
	DefaultMaxFrameBytes    = 64 << 10
	DefaultMaxContentRunes  = 4000
	DefaultFramesPerSecond  = 20
	DefaultFrameBurst       = 40
	DefaultSendBuffer       = 64
	DefaultDedupeMaxEntries = 100_000
	DefaultMetricsPath      = "/metrics"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, then HUDDLE_*
// variables override individual fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(expandEnvVars(string(data)), strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Parse decodes config text, applies env overrides, parses durations and
// fills defaults. It does not validate.
func Parse(text string, isTOML bool) (*Config, error) {
	var cfg Config
	if isTOML {
		if _, err := toml.Decode(text, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(text), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Unset variables leave file values untouched.
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}

	if err := c.Chat.validate(); err != nil {
		return err
	}

	if len(c.Cluster.Peers) > 0 && c.Cluster.NodeID == "" {
		return errors.New("cluster.node_id is required when cluster.peers are set")
	}
	for _, peer := range c.Cluster.Peers {
		if !strings.HasPrefix(peer, "http://") && !strings.HasPrefix(peer, "https://") {
			return fmt.Errorf("cluster.peers entry %q must be an http(s) URL", peer)
		}
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func (c *ChatConfig) validate() error {
	checks := []struct {
		name     string
		negative bool
	}{
		{"chat.auth_timeout", c.AuthTimeout < 0},
		{"chat.ping_interval", c.PingInterval < 0},
		{"chat.pong_timeout", c.PongTimeout < 0},
		{"chat.dedupe_ttl", c.DedupeTTL < 0},
		{"chat.max_frame_bytes", c.MaxFrameBytes < 0},
		{"chat.max_content_runes", c.MaxContentRunes < 0},
		{"chat.frames_per_second", c.FramesPerSecond < 0},
		{"chat.frame_burst", c.FrameBurst < 0},
		{"chat.send_buffer", c.SendBuffer < 0},
		{"chat.dedupe_max_entries", c.DedupeMaxEntries < 0},
	}
	for _, check := range checks {
		if check.negative {
			return fmt.Errorf("%s must not be negative", check.name)
		}
	}
	if c.PingInterval >= c.PongTimeout {
		return errors.New("chat.ping_interval must be shorter than chat.pong_timeout")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
// An empty string selects the default; "0s" is kept as zero.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
		def  time.Duration
	}{
		{"chat.auth_timeout", cfg.Chat.AuthTimeoutRaw, &cfg.Chat.AuthTimeout, DefaultAuthTimeout},
		{"chat.ping_interval", cfg.Chat.PingIntervalRaw, &cfg.Chat.PingInterval, DefaultPingInterval},
		{"chat.pong_timeout", cfg.Chat.PongTimeoutRaw, &cfg.Chat.PongTimeout, DefaultPongTimeout},
		{"chat.dedupe_ttl", cfg.Chat.DedupeTTLRaw, &cfg.Chat.DedupeTTL, DefaultDedupeTTL},
		{"cluster.relay_timeout", cfg.Cluster.RelayTimeoutRaw, &cfg.Cluster.RelayTimeout, DefaultRelayTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			*f.dst = f.def
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Chat.MaxFrameBytes == 0 {
		c.Chat.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.Chat.MaxContentRunes == 0 {
		c.Chat.MaxContentRunes = DefaultMaxContentRunes
	}
	if c.Chat.FramesPerSecond == 0 {
		c.Chat.FramesPerSecond = DefaultFramesPerSecond
	}
	if c.Chat.FrameBurst == 0 {
		c.Chat.FrameBurst = DefaultFrameBurst
	}
	if c.Chat.SendBuffer == 0 {
		c.Chat.SendBuffer = DefaultSendBuffer
	}
	if c.Chat.DedupeMaxEntries == 0 {
		c.Chat.DedupeMaxEntries = DefaultDedupeMaxEntries
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}
