package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Endpoints []EndpointConfig `yaml:"endpoints"`
	Connect   ConnectConfig    `yaml:"connect"`
	Auth      AuthConfig       `yaml:"auth"`
	Kill      KillConfig       `yaml:"kill"`
	Policy    PolicyConfig     `yaml:"policy"`
	Audit     AuditConfig      `yaml:"audit"`
	Log       LogConfig        `yaml:"log"`
}

// EndpointConfig names one OpenVPN management interface
type EndpointConfig struct {
	Name          string `yaml:"name"`           // display name; defaults to the address
	Network       string `yaml:"network"`        // unix, tcp; inferred from the address when empty
	Address       string `yaml:"address"`        // socket path or host:port
	StatusVersion int    `yaml:"status_version"` // status format: 1, 2 or 3
}

// ConnectConfig defines connection behavior towards the management interface
type ConnectConfig struct {
	DialTimeout    int `yaml:"dial_timeout"`     // seconds
	IOTimeout      int `yaml:"io_timeout"`       // per-read deadline in seconds
	Retries        int `yaml:"retries"`          // connect retries after the first attempt
	RetryBackoffMS int `yaml:"retry_backoff_ms"` // pause between connect attempts
}

func (c ConnectConfig) DialTimeoutDuration() time.Duration {
	return time.Duration(c.DialTimeout) * time.Second
}

func (c ConnectConfig) IOTimeoutDuration() time.Duration {
	return time.Duration(c.IOTimeout) * time.Second
}

func (c ConnectConfig) RetryBackoffDuration() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

// AuthConfig defines how the management password is obtained
type AuthConfig struct {
	PasswordFile string `yaml:"password_file"` // file holding the management password
	AllowPrompt  bool   `yaml:"allow_prompt"`  // permit an interactive prompt on a TTY
}

// KillConfig paces the kill commands
type KillConfig struct {
	Rate  float64 `yaml:"rate"` // kill commands per second, 0 = unpaced
	Burst int     `yaml:"burst"`
}

// PolicyConfig defines the entitlement source for sweep mode
type PolicyConfig struct {
	Issuer         string   `yaml:"issuer"`          // OIDC issuer URL; empty disables the IAM source
	ClientID       string   `yaml:"client_id"`       // OAuth2 client credentials for this tool
	ClientSecret   string   `yaml:"client_secret"`   // may come from OVPN_KILL_POLICY_CLIENT_SECRET
	EntitlementURL string   `yaml:"entitlement_url"` // REST endpoint answering {"allowed": bool}
	FailOpen       bool     `yaml:"fail_open"`       // lookup errors treat the user as allowed
	AllowedUsers   []string `yaml:"allowed_users"`   // static source
	DeniedUsers    []string `yaml:"denied_users"`
}

// IAMConfigured reports whether the IAM entitlement source is set up.
func (p PolicyConfig) IAMConfigured() bool {
	return p.Issuer != ""
}

// AuditConfig defines the local audit trail
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides
	cfg.applyEnvOverrides()

	// Fill derived endpoint fields before validating
	cfg.normalize()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Connect: ConnectConfig{
			DialTimeout:    5,
			IOTimeout:      10,
			Retries:        2,
			RetryBackoffMS: 500,
		},
		Auth: AuthConfig{
			AllowPrompt: true,
		},
		Kill: KillConfig{
			Rate:  10,
			Burst: 5,
		},
		Policy: PolicyConfig{
			FailOpen: true,
		},
		Audit: AuditConfig{
			Enabled: false,
			Path:    "/var/lib/openvpn-session-kill/audit.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OVPN_KILL_POLICY_CLIENT_SECRET"); v != "" {
		c.Policy.ClientSecret = v
	}
	if v := os.Getenv("OVPN_KILL_AUDIT_PATH"); v != "" {
		c.Audit.Path = v
	}

	// Log overrides
	if v := os.Getenv("OVPN_KILL_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("OVPN_KILL_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

// normalize fills derived endpoint fields: display name, network inferred
// from the address shape, and the default status format.
func (c *Config) normalize() {
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if ep.Name == "" {
			ep.Name = ep.Address
		}
		if ep.Network == "" {
			ep.Network = InferNetwork(ep.Address)
		}
		if ep.StatusVersion == 0 {
			ep.StatusVersion = 2
		}
	}
}

// InferNetwork guesses the socket family from an address: anything that
// looks like a filesystem path is a unix socket, the rest is host:port.
func InferNetwork(address string) string {
	if strings.Contains(address, "/") || !strings.Contains(address, ":") {
		return "unix"
	}
	return "tcp"
}

// NewCLIEndpoint builds an ad-hoc endpoint from a --socket argument.
func NewCLIEndpoint(address string, statusVersion int) EndpointConfig {
	if statusVersion == 0 {
		statusVersion = 2
	}
	return EndpointConfig{
		Name:          address,
		Network:       InferNetwork(address),
		Address:       address,
		StatusVersion: statusVersion,
	}
}

// Endpoint looks up a configured endpoint by its display name.
func (c *Config) Endpoint(name string) (EndpointConfig, bool) {
	for _, ep := range c.Endpoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return EndpointConfig{}, false
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Validate endpoints. An empty list is fine: the kill command can
	// take an ad-hoc --socket instead.
	seen := make(map[string]bool, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if ep.Address == "" {
			return fmt.Errorf("endpoints[%d].address is required", i)
		}
		if ep.Network != "unix" && ep.Network != "tcp" {
			return fmt.Errorf("endpoints[%d].network must be unix or tcp", i)
		}
		if ep.StatusVersion < 1 || ep.StatusVersion > 3 {
			return fmt.Errorf("endpoints[%d].status_version must be 1, 2 or 3", i)
		}
		if seen[ep.Name] {
			return fmt.Errorf("duplicate endpoint name %q", ep.Name)
		}
		seen[ep.Name] = true
	}

	// Validate connect config
	if c.Connect.DialTimeout <= 0 {
		return fmt.Errorf("connect.dial_timeout must be positive")
	}
	if c.Connect.IOTimeout <= 0 {
		return fmt.Errorf("connect.io_timeout must be positive")
	}
	if c.Connect.Retries < 0 {
		return fmt.Errorf("connect.retries must not be negative")
	}
	if c.Connect.RetryBackoffMS < 0 {
		return fmt.Errorf("connect.retry_backoff_ms must not be negative")
	}

	// Validate kill pacing
	if c.Kill.Rate < 0 {
		return fmt.Errorf("kill.rate must not be negative")
	}
	if c.Kill.Rate > 0 && c.Kill.Burst < 1 {
		return fmt.Errorf("kill.burst must be at least 1 when kill.rate is set")
	}

	// Validate policy config
	if c.Policy.IAMConfigured() {
		if !strings.HasPrefix(c.Policy.Issuer, "http://") && !strings.HasPrefix(c.Policy.Issuer, "https://") {
			return fmt.Errorf("policy.issuer must be a valid HTTP(S) URL")
		}
		if c.Policy.ClientID == "" {
			return fmt.Errorf("policy.client_id is required when policy.issuer is set")
		}
		if c.Policy.EntitlementURL == "" {
			return fmt.Errorf("policy.entitlement_url is required when policy.issuer is set")
		}
		if !strings.HasPrefix(c.Policy.EntitlementURL, "http://") && !strings.HasPrefix(c.Policy.EntitlementURL, "https://") {
			return fmt.Errorf("policy.entitlement_url must be a valid HTTP(S) URL")
		}
	}

	// Validate audit config
	if c.Audit.Enabled && c.Audit.Path == "" {
		return fmt.Errorf("audit.path is required when audit is enabled")
	}

	// Validate log config
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, text")
	}

	return nil
}

// SetupLogging configures the global slog logger based on the LogConfig.
func SetupLogging(cfg *LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// Redact returns a deep-enough copy of the config with secrets redacted for safe logging
func (c *Config) Redact() *Config {
	redacted := *c
	// Deep copy slices to avoid sharing underlying arrays with the original
	if c.Endpoints != nil {
		redacted.Endpoints = make([]EndpointConfig, len(c.Endpoints))
		copy(redacted.Endpoints, c.Endpoints)
	}
	if c.Policy.AllowedUsers != nil {
		redacted.Policy.AllowedUsers = make([]string, len(c.Policy.AllowedUsers))
		copy(redacted.Policy.AllowedUsers, c.Policy.AllowedUsers)
	}
	if c.Policy.DeniedUsers != nil {
		redacted.Policy.DeniedUsers = make([]string, len(c.Policy.DeniedUsers))
		copy(redacted.Policy.DeniedUsers, c.Policy.DeniedUsers)
	}
	if redacted.Policy.ClientSecret != "" {
		redacted.Policy.ClientSecret = "[REDACTED]"
	}
	return &redacted
}
