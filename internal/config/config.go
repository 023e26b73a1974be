// Package config provides configuration parsing and validation for the
// vlessproxy daemon: a single Clash-compatible VLESS proxy entry plus the
// local listener, timeout, auth, logging, and metrics settings needed to run
// it as a standalone daemon.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the complete daemon configuration: one VLESS proxy entry (the
// Clash-compatible subset named in the spec) plus the ambient settings
// needed to run it as a daemon.
type Config struct {
	Name           string `yaml:"name"`
	Type           string `yaml:"type"` // must be "vless"
	Server         string `yaml:"server"`
	Port           int    `yaml:"port"`
	UUID           string `yaml:"uuid"`
	Network        string `yaml:"network"` // "tcp" or "ws"
	UDP            bool   `yaml:"udp"`
	TLS            bool   `yaml:"tls"`
	ServerName     string `yaml:"servername"`
	SkipCertVerify bool   `yaml:"skip-cert-verify"`
	WSOpts         WSOpts `yaml:"ws-opts"`

	Listen      ListenConfig      `yaml:"listen"`
	Connections ConnectionsConfig `yaml:"connections"`
	Auth        AuthConfig        `yaml:"auth"`
	Log         LogConfig         `yaml:"log"`
	HTTP        HTTPConfig        `yaml:"http"`
}

// WSOpts mirrors Clash's ws-opts block for the "ws" network.
type WSOpts struct {
	Path    string            `yaml:"path"`
	Headers map[string]string `yaml:"headers"`
}

// ListenConfig is the local SOCKS5 listener address, overridable by the
// -b/-p CLI flags (see cmd/vlessproxy).
type ListenConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// ConnectionsConfig resolves the spec's open question about connect/idle
// timeouts: both are configurable, with the defaults below applied when
// left unset.
type ConnectionsConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// AuthConfig optionally requires SOCKS5 username/password auth (RFC 1929)
// on the local listener. Disabled by default, matching the spec's no-auth
// posture; this is purely additive.
type AuthConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt hash, see internal/socks5.HashPassword
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HTTPConfig gates the optional /healthz and /metrics endpoints.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config with every ambient setting at its sensible
// default. The VLESS proxy fields (server/port/uuid) have no sane default
// and must come from the loaded file.
func Default() *Config {
	return &Config{
		Type:    "vless",
		Network: "tcp",
		Listen: ListenConfig{
			Bind: "127.0.0.1",
			Port: 9898,
		},
		Connections: ConnectionsConfig{
			ConnectTimeout: 10 * time.Second,
			IdleTimeout:    5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		HTTP: HTTPConfig{
			Enabled: false,
			Address: "127.0.0.1:9899",
		},
	}
}

// Load reads and parses a config file from disk.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, expanding ${VAR}/${VAR:-default}
// environment references first, then validating the result.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR}, ${VAR:-default}, and $VAR references.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName, defaultVal := name[:idx], name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors, accumulating every problem
// found rather than stopping at the first.
func (c *Config) Validate() error {
	var errs []string

	if c.Type != "" && c.Type != "vless" {
		errs = append(errs, fmt.Sprintf("type must be \"vless\", got %q", c.Type))
	}
	if c.Server == "" {
		errs = append(errs, "server is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Sprintf("port must be between 1 and 65535, got %d", c.Port))
	}
	if _, err := c.ParsedUUID(); err != nil {
		errs = append(errs, fmt.Sprintf("uuid is invalid: %v", err))
	}
	if c.Network != "tcp" && c.Network != "ws" {
		errs = append(errs, fmt.Sprintf("network must be \"tcp\" or \"ws\", got %q", c.Network))
	}
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Sprintf("listen.port must be between 1 and 65535, got %d", c.Listen.Port))
	}
	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("log.level must be debug, info, warn, or error, got %q", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Sprintf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Auth.Enabled && c.Auth.Username == "" {
		errs = append(errs, "auth.username is required when auth.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	default:
		return false
	}
}

// ParsedUUID parses the configured UUID into its canonical 16-byte form.
func (c *Config) ParsedUUID() ([16]byte, error) {
	var out [16]byte
	id, err := uuid.Parse(c.UUID)
	if err != nil {
		return out, err
	}
	copy(out[:], id[:])
	return out, nil
}

// ListenAddress returns the local SOCKS5 listener's host:port.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Listen.Bind, c.Listen.Port)
}

// RemoteAddress returns the VLESS remote's host:port.
func (c *Config) RemoteAddress() string {
	return fmt.Sprintf("%s:%d", c.Server, c.Port)
}

// Redacted returns a shallow copy of c with the UUID and any auth secret
// replaced, safe to include in a startup log line. The copy shares
// WSOpts.Headers with c.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.UUID != "" {
		cp.UUID = "***redacted***"
	}
	if cp.Auth.PasswordHash != "" {
		cp.Auth.PasswordHash = "***redacted***"
	}
	return &cp
}
