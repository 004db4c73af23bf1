// Package config loads and validates the security backend configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the SFS_ prefix (e.g., SFS_STORAGE_BACKEND
// overrides storage.backend in the YAML). This layering allows the same binary to
// run with a config.yaml in local development and with pure environment variables
// in containerized deployments — no recompilation or different binaries needed.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Session   SessionConfig   `mapstructure:"session"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// GetAddress returns the host:port the HTTP server listens on
func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig selects and configures the key-value persistence backend.
// Backend is one of "memory", "postgres", "redis".
type StorageConfig struct {
	Backend  string                `mapstructure:"backend"`
	Postgres PostgresStorageConfig `mapstructure:"postgres"`
	Redis    RedisStorageConfig    `mapstructure:"redis"`
}

// PostgresStorageConfig holds Postgres connection configuration for the KV store
type PostgresStorageConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// GetDSN returns the lib/pq connection string
func (c *PostgresStorageConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Name, c.User, c.Password, c.SSLMode)
}

// RedisStorageConfig holds Redis connection configuration for the KV store
type RedisStorageConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// AuthConfig holds JWT auth gateway configuration.
// Secret may also be supplied via SFS_AUTH_SECRET; in dev mode a random secret is
// generated when none is configured.
type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	Issuer   string        `mapstructure:"issuer"`
}

// SessionConfig holds the session lifecycle defaults. These are the initial values
// for the runtime session configuration, which callers may update through the API.
type SessionConfig struct {
	TimeoutMinutes int  `mapstructure:"timeout_minutes"`
	WarningMinutes int  `mapstructure:"warning_minutes"`
	MaxSessions    int  `mapstructure:"max_sessions"`
	AutoLogout     bool `mapstructure:"auto_logout"`
	// RememberMeDays is the extended TTL applied when a session is started with
	// the remember-me option.
	RememberMeDays int `mapstructure:"remember_me_days"`
}

// VaultConfig holds credential vault configuration
type VaultConfig struct {
	// KDFIterations is the PBKDF2 iteration count for passphrase key derivation.
	// Values below 10000 are raised to the secure default at cipher construction.
	KDFIterations int `mapstructure:"kdf_iterations"`
}

// AuditConfig holds activity/audit log configuration
type AuditConfig struct {
	// MaxActivityEntries caps the in-memory and persisted activity log size.
	MaxActivityEntries int `mapstructure:"max_activity_entries"`
	// MaxTrailEntries caps the audit trail size. Trails are kept longer than
	// activity entries for compliance, hence the separate cap and retention.
	MaxTrailEntries       int `mapstructure:"max_trail_entries"`
	ActivityRetentionDays int `mapstructure:"activity_retention_days"`
	TrailRetentionDays    int `mapstructure:"trail_retention_days"`
}

// SecurityConfig holds rate limiting and CORS configuration
type SecurityConfig struct {
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	CORS         CORSConfig         `mapstructure:"cors"`
}

// RateLimitingConfig holds token-bucket rate limiter settings
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// LoggingConfig holds slog configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds Prometheus metrics configuration
type TelemetryConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds environment variables for nested structures.
// This is necessary because AutomaticEnv() doesn't work well with Unmarshal().
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		"server.host", "server.port", "server.read_timeout", "server.write_timeout",
		"storage.backend",
		"storage.postgres.host", "storage.postgres.port", "storage.postgres.name",
		"storage.postgres.user", "storage.postgres.password", "storage.postgres.ssl_mode",
		"storage.redis.addr", "storage.redis.password", "storage.redis.db", "storage.redis.key_prefix",
		"auth.secret", "auth.token_ttl", "auth.issuer",
		"session.timeout_minutes", "session.warning_minutes", "session.max_sessions",
		"session.auto_logout", "session.remember_me_days",
		"vault.kdf_iterations",
		"audit.max_activity_entries", "audit.max_trail_entries",
		"audit.activity_retention_days", "audit.trail_retention_days",
		"security.rate_limiting.enabled", "security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.cors.allowed_origins", "security.cors.allowed_methods",
		"logging.level", "logging.format",
		"telemetry.enabled", "telemetry.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("binding env for %s: %w", key, err)
		}
	}
	return nil
}

// Load reads configuration from the optional configPath, the environment, and
// built-in defaults, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/storyforge-security")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("SFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Storage.Postgres.Password = expandEnv(cfg.Storage.Postgres.Password)
	cfg.Storage.Redis.Password = expandEnv(cfg.Storage.Redis.Password)
	cfg.Auth.Secret = expandEnv(cfg.Auth.Secret)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Storage defaults
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.name", "storyforge_security")
	v.SetDefault("storage.postgres.user", "storyforge")
	v.SetDefault("storage.postgres.ssl_mode", "require")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", "sfs:")

	// Auth defaults
	v.SetDefault("auth.token_ttl", "1h")
	v.SetDefault("auth.issuer", "storyforge-security")

	// Session defaults
	v.SetDefault("session.timeout_minutes", 30)
	v.SetDefault("session.warning_minutes", 5)
	v.SetDefault("session.max_sessions", 3)
	v.SetDefault("session.auto_logout", true)
	v.SetDefault("session.remember_me_days", 7)

	// Vault defaults
	v.SetDefault("vault.kdf_iterations", 100000)

	// Audit defaults
	v.SetDefault("audit.max_activity_entries", 10000)
	v.SetDefault("audit.max_trail_entries", 5000)
	v.SetDefault("audit.activity_retention_days", 30)
	v.SetDefault("audit.trail_retention_days", 90)

	// Security defaults
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 200)
	v.SetDefault("security.rate_limiting.burst", 50)
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.prometheus_port", 9090)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Storage.Backend {
	case "memory", "postgres", "redis":
	default:
		return fmt.Errorf("invalid storage backend: %q (expected memory, postgres, or redis)", c.Storage.Backend)
	}

	if c.Storage.Backend == "postgres" {
		if c.Storage.Postgres.Host == "" || c.Storage.Postgres.Name == "" {
			return fmt.Errorf("postgres storage requires host and name")
		}
	}
	if c.Storage.Backend == "redis" && c.Storage.Redis.Addr == "" {
		return fmt.Errorf("redis storage requires addr")
	}

	if c.Session.TimeoutMinutes <= 0 {
		return fmt.Errorf("session.timeout_minutes must be positive, got %d", c.Session.TimeoutMinutes)
	}
	if c.Session.WarningMinutes < 0 {
		return fmt.Errorf("session.warning_minutes must not be negative, got %d", c.Session.WarningMinutes)
	}
	if c.Session.WarningMinutes >= c.Session.TimeoutMinutes {
		return fmt.Errorf("session.warning_minutes (%d) must be less than session.timeout_minutes (%d)",
			c.Session.WarningMinutes, c.Session.TimeoutMinutes)
	}
	if c.Session.RememberMeDays <= 0 {
		return fmt.Errorf("session.remember_me_days must be positive, got %d", c.Session.RememberMeDays)
	}

	if c.Audit.MaxActivityEntries <= 0 || c.Audit.MaxTrailEntries <= 0 {
		return fmt.Errorf("audit entry caps must be positive")
	}
	if c.Audit.ActivityRetentionDays <= 0 || c.Audit.TrailRetentionDays <= 0 {
		return fmt.Errorf("audit retention horizons must be positive")
	}

	if c.Security.RateLimiting.Enabled {
		if c.Security.RateLimiting.RequestsPerMinute <= 0 {
			return fmt.Errorf("security.rate_limiting.requests_per_minute must be positive")
		}
		if c.Security.RateLimiting.Burst <= 0 {
			return fmt.Errorf("security.rate_limiting.burst must be positive")
		}
	}

	return nil
}
