// Package config loads and validates the gateway configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Security SecurityConfig `yaml:"security"`
	Sessions SessionsConfig `yaml:"sessions"`
	Cache    CacheConfig    `yaml:"cache"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Audit    AuditConfig    `yaml:"audit"`
}

// ServerConfig configures the HTTP front end.
type ServerConfig struct {
	Name            string    `yaml:"name"`
	Version         string    `yaml:"version"`
	Transport       string    `yaml:"transport"` // "streamable-http", "sse"
	Address         string    `yaml:"address"`
	Endpoint        string    `yaml:"endpoint"`
	MessageEndpoint string    `yaml:"message_endpoint"` // sse transport only
	HealthPath      string    `yaml:"health_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig configures TLS.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SecurityConfig configures request validation.
type SecurityConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AuthToken      string   `yaml:"auth_token"`
	AuthTokenHash  string   `yaml:"auth_token_hash"` // bcrypt hash, alternative to auth_token
	JWTSigningKey  string   `yaml:"jwt_signing_key"` // HMAC key enabling JWT bearer tokens
}

// SessionsConfig configures the session store.
type SessionsConfig struct {
	// MaxSessions bounds the live session population. Omitting it selects
	// the default; an explicit zero refuses every session, which is useful
	// for draining a gateway before shutdown.
	MaxSessions     *int          `yaml:"max_sessions"`
	Timeout         time.Duration `yaml:"timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// CacheConfig configures the conditional response cache.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxEntries int           `yaml:"max_entries"`
	MaxAge     time.Duration `yaml:"max_age"`
}

// UpstreamConfig configures the Fizzy API client.
type UpstreamConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// AuditConfig configures the session lifecycle audit trail.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Backend       string `yaml:"backend"` // "log", "postgres"
	DSN           string `yaml:"dsn"`
	MaxOpenConns  int    `yaml:"max_open_conns"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads configuration from a file.
// The path is expected to come from command line arguments, controlled by the administrator.
func Load(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// Default returns a configuration with all defaults applied, for running
// without a config file.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "fizzy-mcp"
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = "1.0.0"
	}
	if cfg.Server.Transport == "" {
		cfg.Server.Transport = "streamable-http"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Sessions.MaxSessions == nil {
		maxSessions := 100
		cfg.Sessions.MaxSessions = &maxSessions
	}
	if cfg.Sessions.Timeout == 0 {
		cfg.Sessions.Timeout = 30 * time.Minute
	}
	if cfg.Sessions.CleanupInterval == 0 {
		cfg.Sessions.CleanupInterval = time.Minute
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 500
	}
	if cfg.Cache.MaxAge == 0 {
		cfg.Cache.MaxAge = time.Minute
	}
	if cfg.Upstream.Timeout == 0 {
		cfg.Upstream.Timeout = 30 * time.Second
	}
	if cfg.Audit.Backend == "" {
		cfg.Audit.Backend = "log"
	}
	if cfg.Audit.MaxOpenConns == 0 {
		cfg.Audit.MaxOpenConns = 25
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 90
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	switch c.Server.Transport {
	case "streamable-http", "sse":
	default:
		errs = append(errs, fmt.Sprintf("server.transport must be \"streamable-http\" or \"sse\", got %q", c.Server.Transport))
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			errs = append(errs, "server.tls.cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			errs = append(errs, "server.tls.key_file is required when TLS is enabled")
		}
	}

	if c.Security.AuthToken != "" && c.Security.AuthTokenHash != "" {
		errs = append(errs, "security.auth_token and security.auth_token_hash are mutually exclusive")
	}

	switch {
	case c.Sessions.MaxSessions == nil:
		errs = append(errs, "sessions.max_sessions is unset; load the config via Load or Default")
	case *c.Sessions.MaxSessions < 0:
		errs = append(errs, "sessions.max_sessions must not be negative")
	}

	if c.Audit.Enabled {
		switch c.Audit.Backend {
		case "log":
		case "postgres":
			if c.Audit.DSN == "" {
				errs = append(errs, "audit.dsn is required for the postgres backend")
			}
		default:
			errs = append(errs, fmt.Sprintf("audit.backend must be \"log\" or \"postgres\", got %q", c.Audit.Backend))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
