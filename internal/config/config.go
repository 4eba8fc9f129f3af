// Package config loads idemgate settings from defaults, an optional YAML file
// and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

// Config is the full process configuration.
type Config struct {
	Store      string         `yaml:"store"`
	SQLitePath string         `yaml:"sqlite_path"`
	Postgres   PostgresConfig `yaml:"postgres"`
	Redis      RedisConfig    `yaml:"redis"`

	Addr           string  `yaml:"addr"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	AdminTokenHash string  `yaml:"admin_token_hash"`

	Recovery RecoveryConfig `yaml:"recovery"`
	Alerts   AlertConfig    `yaml:"alerts"`
	Log      LogConfig      `yaml:"log"`

	SlowQuery   time.Duration `yaml:"slow_query"`
	SlowRequest time.Duration `yaml:"slow_request"`
}

// PostgresConfig holds the discrete connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Schema   string `yaml:"schema"`
	PoolMin  int    `yaml:"pool_min"`
	PoolMax  int    `yaml:"pool_max"`
}

// RedisConfig selects the redis server and key namespace.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// RecoveryConfig tunes the recovery scanner.
type RecoveryConfig struct {
	Interval        time.Duration `yaml:"interval"`
	BatchSize       int           `yaml:"batch_size"`
	CallbackURL     string        `yaml:"callback_url"`
	CallbackTimeout time.Duration `yaml:"callback_timeout"`
	NotifyRPS       float64       `yaml:"notify_rps"`
}

// AlertConfig routes stall alerts. An empty ResendKey selects the logging sender.
type AlertConfig struct {
	ResendKey string   `yaml:"resend_key"`
	From      string   `yaml:"from"`
	To        []string `yaml:"to"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Store:      StoreSQLite,
		SQLitePath: "idemgate.db",
		Postgres: PostgresConfig{
			Host:    "localhost",
			Port:    5432,
			Name:    "idemgate",
			User:    "idemgate",
			Schema:  "idempotency",
			PoolMin: 1,
			PoolMax: 10,
		},
		Redis: RedisConfig{Prefix: "idem"},
		Addr:  ":8080",
		Recovery: RecoveryConfig{
			Interval:        5 * time.Minute,
			BatchSize:       50,
			CallbackTimeout: 10 * time.Second,
		},
		Log:         LogConfig{Level: "info", Format: "text"},
		SlowQuery:   50 * time.Millisecond,
		SlowRequest: 200 * time.Millisecond,
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment variables.
// PRE: path is "" or a readable YAML file
// POST: Returns a validated config, or every problem found joined in one error
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	env := envReader{}
	cfg.Store = strings.ToLower(env.str("IDEMGATE_STORE", cfg.Store))
	cfg.SQLitePath = env.str("IDEMGATE_SQLITE_PATH", cfg.SQLitePath)

	cfg.Postgres.Host = env.str("DB_HOST", cfg.Postgres.Host)
	cfg.Postgres.Port = env.integer("DB_PORT", cfg.Postgres.Port)
	cfg.Postgres.Name = env.str("DB_NAME", cfg.Postgres.Name)
	cfg.Postgres.User = env.str("DB_USER", cfg.Postgres.User)
	cfg.Postgres.Password = env.str("DB_PASSWORD", cfg.Postgres.Password)
	cfg.Postgres.Schema = env.str("DB_SCHEMA", cfg.Postgres.Schema)
	cfg.Postgres.PoolMin = env.integer("DB_POOL_MIN", cfg.Postgres.PoolMin)
	cfg.Postgres.PoolMax = env.integer("DB_POOL_MAX", cfg.Postgres.PoolMax)

	cfg.Redis.URL = env.str("IDEMGATE_REDIS_URL", cfg.Redis.URL)
	cfg.Redis.Prefix = env.str("IDEMGATE_REDIS_PREFIX", cfg.Redis.Prefix)

	cfg.Addr = env.str("IDEMGATE_ADDR", cfg.Addr)
	cfg.RateLimitRPS = env.number("IDEMGATE_RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.AdminTokenHash = env.str("IDEMGATE_ADMIN_TOKEN_HASH", cfg.AdminTokenHash)

	if os.Getenv("RECOVERY_INTERVAL") != "" {
		cfg.Recovery.Interval = env.duration("RECOVERY_INTERVAL", cfg.Recovery.Interval)
	} else {
		minutes := env.integer("RECOVERY_INTERVAL_MINUTES", 0)
		if minutes != 0 {
			cfg.Recovery.Interval = time.Duration(minutes) * time.Minute
		}
	}
	cfg.Recovery.BatchSize = env.integer("RECOVERY_BATCH_SIZE", cfg.Recovery.BatchSize)
	cfg.Recovery.CallbackURL = env.str("RECOVERY_CALLBACK_URL", cfg.Recovery.CallbackURL)
	cfg.Recovery.CallbackTimeout = env.duration("RECOVERY_CALLBACK_TIMEOUT", cfg.Recovery.CallbackTimeout)
	cfg.Recovery.NotifyRPS = env.number("RECOVERY_NOTIFY_RPS", cfg.Recovery.NotifyRPS)

	cfg.Alerts.ResendKey = env.str("IDEMGATE_RESEND_KEY", cfg.Alerts.ResendKey)
	cfg.Alerts.From = env.str("IDEMGATE_ALERT_FROM", cfg.Alerts.From)
	if v := os.Getenv("IDEMGATE_ALERT_TO"); v != "" {
		cfg.Alerts.To = splitCSV(v)
	}

	cfg.Log.Level = strings.ToLower(env.str("IDEMGATE_LOG_LEVEL", cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(env.str("IDEMGATE_LOG_FORMAT", cfg.Log.Format))
	cfg.SlowQuery = env.millis("IDEMGATE_SLOW_QUERY_MS", cfg.SlowQuery)
	cfg.SlowRequest = env.millis("IDEMGATE_SLOW_REQUEST_MS", cfg.SlowRequest)

	if err := errors.Join(append(env.errs, cfg.Validate())...); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Store {
	case StoreSQLite:
		if c.SQLitePath == "" {
			add("IDEMGATE_SQLITE_PATH is required for the sqlite store")
		}
	case StorePostgres:
		if c.Postgres.Host == "" || c.Postgres.Name == "" || c.Postgres.User == "" {
			add("DB_HOST, DB_NAME and DB_USER are required for the postgres store")
		}
		if c.Postgres.Port < 1 || c.Postgres.Port > 65535 {
			add("DB_PORT must be between 1 and 65535")
		}
		if c.Postgres.PoolMin < 0 || c.Postgres.PoolMax < 1 || c.Postgres.PoolMin > c.Postgres.PoolMax {
			add("DB_POOL_MIN and DB_POOL_MAX must satisfy 0 <= min <= max, max >= 1")
		}
	case StoreRedis:
		if c.Redis.URL == "" {
			add("IDEMGATE_REDIS_URL is required for the redis store")
		}
	case StoreMemory:
	default:
		add("IDEMGATE_STORE must be one of sqlite, postgres, redis, memory (got %q)", c.Store)
	}

	if c.Addr == "" {
		add("IDEMGATE_ADDR is required")
	}
	if c.RateLimitRPS < 0 {
		add("IDEMGATE_RATE_LIMIT_RPS must be >= 0")
	}
	if c.Recovery.Interval < time.Second {
		add("recovery interval must be at least 1s")
	}
	if c.Recovery.BatchSize < 1 {
		add("RECOVERY_BATCH_SIZE must be > 0")
	}
	if c.Recovery.CallbackTimeout <= 0 {
		add("RECOVERY_CALLBACK_TIMEOUT must be > 0")
	}
	if c.Recovery.NotifyRPS < 0 {
		add("RECOVERY_NOTIFY_RPS must be >= 0")
	}
	if c.Recovery.CallbackURL != "" {
		u, err := url.Parse(c.Recovery.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("RECOVERY_CALLBACK_URL must be an absolute http(s) URL")
		}
	}
	if c.Alerts.ResendKey != "" && (c.Alerts.From == "" || len(c.Alerts.To) == 0) {
		add("IDEMGATE_ALERT_FROM and IDEMGATE_ALERT_TO are required when IDEMGATE_RESEND_KEY is set")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		add("IDEMGATE_LOG_FORMAT must be text or json (got %q)", c.Log.Format)
	}
	return errors.Join(errs...)
}

// PostgresDSN renders the discrete settings as a postgres:// URL.
func (c *Config) PostgresDSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Postgres.Host, strconv.Itoa(c.Postgres.Port)),
		Path:   "/" + c.Postgres.Name,
	}
	if c.Postgres.Password != "" {
		u.User = url.UserPassword(c.Postgres.User, c.Postgres.Password)
	} else {
		u.User = url.User(c.Postgres.User)
	}
	return u.String()
}

// SlogLevel maps the configured level name.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("IDEMGATE_LOG_LEVEL must be debug, info, warn or error (got %q)", l.Level)
	}
	return level, nil
}

// envReader reads typed environment variables, collecting parse failures
// instead of silently falling back.
type envReader struct {
	errs []error
}

func (e *envReader) str(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func (e *envReader) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("parse %s: %w", key, err))
		return def
	}
	return n
}

func (e *envReader) number(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("parse %s: %w", key, err))
		return def
	}
	return f
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("parse %s: %w", key, err))
		return def
	}
	return d
}

func (e *envReader) millis(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("parse %s: %w", key, err))
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trim := strings.TrimSpace(p); trim != "" {
			out = append(out, trim)
		}
	}
	return out
}
