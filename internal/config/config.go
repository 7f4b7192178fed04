// Package config handles gateway configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level gateway configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Auth    AuthConfig    `json:"auth"`
	Storage StorageConfig `json:"storage"`
	Agent   AgentConfig   `json:"agent"`
	Session SessionConfig `json:"session"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig defines the gateway's listener settings.
type ServerConfig struct {
	Host           string   `json:"host,omitempty"`            // default "0.0.0.0"
	Port           int      `json:"port,omitempty"`            // default 8080
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS + WS origin check; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	JWTSecret    string        `json:"jwt_secret"`
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty"`
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines catalog database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "agentgate.db", ":memory:", or a postgres URL
}

// AgentConfig defines how the agent CLI is invoked and where it keeps state.
type AgentConfig struct {
	Command   string   `json:"command,omitempty"`    // default "claude"
	ConfigDir string   `json:"config_dir,omitempty"` // default ".claude"
	Home      string   `json:"home,omitempty"`       // default os.UserHomeDir(); overridable for tests
	Env       []string `json:"env,omitempty"`        // extra KEY=VALUE pairs for the child
}

// SessionConfig defines session behavior.
type SessionConfig struct {
	TurnTimeout     Duration `json:"turn_timeout,omitempty"`     // per-turn child process timeout; default 10m
	KillGrace       Duration `json:"kill_grace,omitempty"`       // signal-to-force-kill deadline; default 5s
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty"` // max WebSocket frame from client; default 10MB (images inline)
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads a config file, applies environment overrides, and validates.
// A missing file is not an error; the environment alone can configure the
// gateway (JWT_SECRET is the only hard requirement).
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
		// environment-only configuration
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyEnv overlays the operator environment variables on top of the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		c.Server.AllowedOrigins = origins
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret (or JWT_SECRET) is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "agentgate.db"
	}
	if c.Agent.Command == "" {
		c.Agent.Command = "claude"
	}
	if c.Agent.ConfigDir == "" {
		c.Agent.ConfigDir = ".claude"
	}
	if c.Session.TurnTimeout.Duration == 0 {
		c.Session.TurnTimeout.Duration = 10 * time.Minute
	}
	if c.Session.KillGrace.Duration == 0 {
		c.Session.KillGrace.Duration = 5 * time.Second
	}
	if c.Session.MaxMessageBytes == 0 {
		c.Session.MaxMessageBytes = 10 * 1024 * 1024 // 10MB; images ride inline as data URLs
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// ProjectsDir returns the agent's on-disk session tree root,
// e.g. /home/me/.claude/projects.
func (c *Config) ProjectsDir() (string, error) {
	home := c.Agent.Home
	if home == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
	}
	return filepath.Join(home, c.Agent.ConfigDir, "projects"), nil
}
