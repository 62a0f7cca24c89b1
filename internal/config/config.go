// Package config handles mcplink configuration loading.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mcplink/config.yaml, /etc/mcplink/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcplink", "config.yaml"))
	}

	paths = append(paths, "/etc/mcplink/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
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
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json
	DataDir   string `yaml:"data_dir"`

	Pool     PoolConfig     `yaml:"pool"`
	Security SecurityConfig `yaml:"security"`
	Cache    CacheConfig    `yaml:"cache"`
	Audit    AuditConfig    `yaml:"audit"`
	Servers  []ServerConfig `yaml:"servers"`
}

// Pool policies.
const (
	PolicyLazy  = "lazy"
	PolicyEager = "eager"
)

// PoolConfig controls connection lifecycle across all servers.
type PoolConfig struct {
	// Policy is "lazy" (open on first call, default) or "eager" (open
	// every server at startup).
	Policy string `yaml:"policy"`
	// MaxConnections caps concurrently open connections. Zero is unlimited.
	MaxConnections int `yaml:"max_connections"`
	// HealthInterval is the period of per-connection ping probes (default 30s).
	HealthInterval time.Duration `yaml:"health_interval"`
	// HandshakeTimeout bounds the initialize exchange (default 30s).
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// CallTimeout is the default per-call timeout (default 60s).
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// SecurityConfig defines the checks run before any transport opens.
type SecurityConfig struct {
	// DeniedPatterns are substrings that refuse a subprocess command line.
	// Appended to the built-in list.
	DeniedPatterns []string `yaml:"denied_patterns"`
	// AllowedCommands are executables (base name or absolute path) that
	// may be spawned without being marked trusted.
	AllowedCommands []string `yaml:"allowed_commands"`
	// AllowedSchemes for network transports (default http, https, ws, wss).
	AllowedSchemes []string `yaml:"allowed_schemes"`
	// AllowPrivateNetworks permits loopback, link-local and private
	// targets for every server.
	AllowPrivateNetworks bool `yaml:"allow_private_networks"`
	// EnvAllowlist names host environment variables passed through to
	// subprocesses. Appended to the built-in list.
	EnvAllowlist []string `yaml:"env_allowlist"`
	// MaxOutputBytes caps subprocess stdout+stderr volume (default 64 MiB).
	MaxOutputBytes int64 `yaml:"max_output_bytes"`
	// MaxRuntime caps subprocess wall-clock lifetime. Zero is unlimited.
	MaxRuntime time.Duration `yaml:"max_runtime"`
}

// CacheConfig sizes the capability and resource caches.
type CacheConfig struct {
	CapabilityTTL time.Duration `yaml:"capability_ttl"`
	ResourceTTL   time.Duration `yaml:"resource_ttl"`
	MaxEntries    int           `yaml:"max_entries"`
}

// AuditConfig configures the audit log and its optional sinks.
type AuditConfig struct {
	// MaxEntries is the in-memory retention (default 10000).
	MaxEntries int `yaml:"max_entries"`
	// SQLitePath enables the SQLite sink. Relative paths resolve
	// against DataDir.
	SQLitePath string          `yaml:"sqlite_path"`
	Redis      RedisSinkConfig `yaml:"redis"`
	MQTT       MQTTSinkConfig  `yaml:"mqtt"`
}

// RedisSinkConfig forwards audit entries to a Redis stream.
type RedisSinkConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len"`
}

// Configured reports whether the sink should be enabled.
func (c RedisSinkConfig) Configured() bool { return c.Addr != "" }

// MQTTSinkConfig publishes audit entries to an MQTT broker.
type MQTTSinkConfig struct {
	Broker      string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Configured reports whether the sink should be enabled.
func (c MQTTSinkConfig) Configured() bool { return c.Broker != "" }

// TransportKind selects the wire transport for a server.
type TransportKind string

const (
	TransportStdio     TransportKind = "stdio"
	TransportSSE       TransportKind = "sse"
	TransportWebSocket TransportKind = "websocket"
)

// ServerConfig describes one capability server. A connection copies it
// at construction and never sees later edits.
type ServerConfig struct {
	Name      string        `yaml:"name"`
	Transport TransportKind `yaml:"transport"`

	// stdio
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	WorkDir string            `yaml:"work_dir"`
	// Trusted skips the executable allow-list (deny patterns still apply).
	Trusted bool `yaml:"trusted"`

	// sse, websocket
	URL          string            `yaml:"url"`
	Headers      map[string]string `yaml:"headers"`
	AllowPrivate bool              `yaml:"allow_private"`
	OAuth        *OAuthConfig      `yaml:"oauth"`

	// ResourceRoot confines file:// resource uris to a directory.
	ResourceRoot string `yaml:"resource_root"`

	Timeout   time.Duration   `yaml:"timeout"`
	Retry     RetryConfig     `yaml:"retry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	// Reconnect re-opens the connection with backoff after the
	// transport drops.
	Reconnect bool `yaml:"reconnect"`

	IncludeTools []string `yaml:"include_tools"`
	ExcludeTools []string `yaml:"exclude_tools"`
}

// OAuthConfig enables the OAuth2 client-credentials flow for network
// transports.
type OAuthConfig struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// RetryConfig bounds re-attempts of retryable failures.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	// Jitter is the random fraction (0..1) applied to each delay.
	// Unset means 0.2; a negative value disables jitter.
	Jitter float64 `yaml:"jitter"`
}

// RateLimitConfig caps call volume. Zero MaxCalls disables the limiter.
type RateLimitConfig struct {
	MaxCalls int           `yaml:"max_calls"`
	Window   time.Duration `yaml:"window"`
	// PerTool keys the limit by (server, tool) instead of server.
	PerTool bool `yaml:"per_tool"`
}

// BreakerConfig tunes the per-server circuit breaker.
type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Window    time.Duration `yaml:"window"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// Clone returns a deep copy.
func (s ServerConfig) Clone() ServerConfig {
	c := s
	c.Args = slices.Clone(s.Args)
	c.Env = maps.Clone(s.Env)
	c.Headers = maps.Clone(s.Headers)
	c.IncludeTools = slices.Clone(s.IncludeTools)
	c.ExcludeTools = slices.Clone(s.ExcludeTools)
	if s.OAuth != nil {
		o := *s.OAuth
		o.Scopes = slices.Clone(s.OAuth.Scopes)
		c.OAuth = &o
	}
	return c
}

// Validate checks a single server description.
func (s ServerConfig) Validate() error {
	if s.Name == "" {
		return errors.New("server name is required")
	}
	switch s.Transport {
	case TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("server %s: stdio transport requires command", s.Name)
		}
	case TransportSSE, TransportWebSocket:
		if s.URL == "" {
			return fmt.Errorf("server %s: %s transport requires url", s.Name, s.Transport)
		}
	case "":
		return fmt.Errorf("server %s: transport is required", s.Name)
	default:
		return fmt.Errorf("server %s: unknown transport %q (valid: stdio, sse, websocket)", s.Name, s.Transport)
	}
	if s.RateLimit.MaxCalls < 0 {
		return fmt.Errorf("server %s: rate_limit.max_calls must not be negative", s.Name)
	}
	return nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	switch c.Pool.Policy {
	case PolicyLazy, PolicyEager:
	default:
		return fmt.Errorf("unknown pool policy %q (valid: lazy, eager)", c.Pool.Policy)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if err := s.Validate(); err != nil {
			return err
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// applyDefaults fills zero values.
func (c *Config) applyDefaults() {
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Pool.Policy == "" {
		c.Pool.Policy = PolicyLazy
	}
	if c.Pool.HealthInterval <= 0 {
		c.Pool.HealthInterval = 30 * time.Second
	}
	if c.Pool.HandshakeTimeout <= 0 {
		c.Pool.HandshakeTimeout = 30 * time.Second
	}
	if c.Pool.CallTimeout <= 0 {
		c.Pool.CallTimeout = 60 * time.Second
	}
	if c.Security.MaxOutputBytes <= 0 {
		c.Security.MaxOutputBytes = 64 << 20
	}
	if c.Cache.CapabilityTTL <= 0 {
		c.Cache.CapabilityTTL = 10 * time.Minute
	}
	if c.Cache.ResourceTTL <= 0 {
		c.Cache.ResourceTTL = time.Minute
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 1024
	}
	if c.Audit.MaxEntries <= 0 {
		c.Audit.MaxEntries = 10000
	}
	if c.Audit.Redis.Stream == "" {
		c.Audit.Redis.Stream = "mcplink:audit"
	}
	if c.Audit.MQTT.TopicPrefix == "" {
		c.Audit.MQTT.TopicPrefix = "mcplink/audit"
	}
	for i := range c.Servers {
		if c.Servers[i].Timeout <= 0 {
			c.Servers[i].Timeout = c.Pool.CallTimeout
		}
	}
}

// envOverrides are environment variables that take precedence over the
// file. Unset variables leave the file value alone.
type envOverrides struct {
	LogLevel       string `env:"MCPLINK_LOG_LEVEL"`
	LogFormat      string `env:"MCPLINK_LOG_FORMAT"`
	DataDir        string `env:"MCPLINK_DATA_DIR"`
	PoolPolicy     string `env:"MCPLINK_POOL_POLICY"`
	MaxConnections int    `env:"MCPLINK_MAX_CONNECTIONS"`
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return fmt.Errorf("decode environment overrides: %w", err)
	}
	if env.LogLevel != "" {
		c.LogLevel = env.LogLevel
	}
	if env.LogFormat != "" {
		c.LogFormat = env.LogFormat
	}
	if env.DataDir != "" {
		c.DataDir = env.DataDir
	}
	if env.PoolPolicy != "" {
		c.Pool.Policy = env.PoolPolicy
	}
	if env.MaxConnections > 0 {
		c.Pool.MaxConnections = env.MaxConnections
	}
	return nil
}

// Load reads configuration from a YAML file, expands ${VAR} references,
// applies environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration with no servers and all defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// AuditSQLitePath resolves the SQLite sink path against DataDir.
func (c *Config) AuditSQLitePath() string {
	p := c.Audit.SQLitePath
	if p == "" || filepath.IsAbs(p) || c.DataDir == "" {
		return p
	}
	return filepath.Join(c.DataDir, p)
}
