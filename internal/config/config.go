// Package config loads service configuration from an optional YAML file and
// SOCOTO_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the accounts service.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Session   SessionConfig   `mapstructure:"session"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Cookie    CookieConfig    `mapstructure:"cookie"`
	Mail      MailConfig      `mapstructure:"mail"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`
	Debug     DebugConfig     `mapstructure:"debug"`
}

// ServerConfig holds HTTP and gRPC listener settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	// TrustedProxies are the peers whose X-Forwarded-For is believed.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// DatabaseConfig holds PostgreSQL settings. An empty DSN selects the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig holds Redis settings used by the redis session backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SessionConfig controls session lifetimes and storage.
type SessionConfig struct {
	// Backend is one of "postgres", "redis" or "memory".
	Backend        string        `mapstructure:"backend"`
	AccessTTL      time.Duration `mapstructure:"access_ttl"`
	RefreshTTL     time.Duration `mapstructure:"refresh_ttl"`
	PurgeSchedule  string        `mapstructure:"purge_schedule"`
	PurgeRetention time.Duration `mapstructure:"purge_retention"`
}

// AuthConfig holds password-reset token settings.
type AuthConfig struct {
	Issuer      string        `mapstructure:"issuer"`
	ResetSecret string        `mapstructure:"reset_secret"`
	ResetTTL    time.Duration `mapstructure:"reset_ttl"`
	ResetURL    string        `mapstructure:"reset_url"`
}

// CookieConfig enables the browser session cookie alongside bearer tokens.
type CookieConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Name    string `mapstructure:"name"`
	HashKey string `mapstructure:"hash_key"`
	Secure  bool   `mapstructure:"secure"`
	Domain  string `mapstructure:"domain"`
}

// MailConfig selects how password reset mails are delivered. An empty
// RelayURL writes them to the log instead.
type MailConfig struct {
	RelayURL string        `mapstructure:"relay_url"`
	APIKey   string        `mapstructure:"api_key"`
	From     string        `mapstructure:"from"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RateLimitConfig bounds /v1/auth requests per client IP.
type RateLimitConfig struct {
	Burst     int `mapstructure:"burst"`
	PerSecond int `mapstructure:"per_second"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DebugConfig struct {
	GopsAddr string `mapstructure:"gops_addr"`
}

// Load reads configuration from files and environment variables.
func Load(paths ...string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config", "/etc/socoto"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("SOCOTO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Session.Backend {
	case "memory", "postgres", "redis":
	default:
		return fmt.Errorf("config: unsupported session backend %q", c.Session.Backend)
	}
	if c.Session.Backend == "postgres" && c.Database.DSN == "" {
		return errors.New("config: session backend postgres requires database.dsn")
	}
	if c.Session.AccessTTL <= 0 || c.Session.RefreshTTL < c.Session.AccessTTL {
		return errors.New("config: session.refresh_ttl must be >= session.access_ttl > 0")
	}
	if strings.TrimSpace(c.Auth.ResetSecret) == "" {
		return errors.New("config: auth.reset_secret is required")
	}
	if c.Cookie.Enabled && len(c.Cookie.HashKey) < 32 {
		return errors.New("config: cookie.hash_key must be at least 32 bytes")
	}
	return nil
}

// UsesDatabase reports whether PostgreSQL backs any store. The memory
// backend never opens a connection, even when a DSN is set.
func (c *Config) UsesDatabase() bool {
	return c.Database.DSN != "" && c.Session.Backend != "memory"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("session.backend", "memory")
	v.SetDefault("session.access_ttl", "1h")
	v.SetDefault("session.refresh_ttl", "720h")
	v.SetDefault("session.purge_schedule", "@hourly")
	v.SetDefault("session.purge_retention", "24h")

	v.SetDefault("auth.issuer", "socoto")
	v.SetDefault("auth.reset_secret", "")
	v.SetDefault("auth.reset_ttl", "30m")
	v.SetDefault("auth.reset_url", "socoto://reset-password")

	v.SetDefault("cookie.enabled", false)
	v.SetDefault("cookie.name", "socoto_session")
	v.SetDefault("cookie.hash_key", "")
	v.SetDefault("cookie.secure", true)
	v.SetDefault("cookie.domain", "")

	v.SetDefault("mail.relay_url", "")
	v.SetDefault("mail.api_key", "")
	v.SetDefault("mail.from", "no-reply@socoto.app")
	v.SetDefault("mail.timeout", "5s")

	v.SetDefault("rate_limit.burst", 10)
	v.SetDefault("rate_limit.per_second", 5)

	v.SetDefault("log.level", "info")
	v.SetDefault("debug.gops_addr", "")
}
