// Package config loads the sync server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the sync server configuration. Every field maps to a
// FLEETSYNC_* environment variable.
type Config struct {
	Addr      string `env:"FLEETSYNC_ADDR" envDefault:":8080"`
	DBPath    string `env:"FLEETSYNC_DB_PATH" envDefault:"fleetsync.db"`
	JWTSecret string `env:"FLEETSYNC_JWT_SECRET"`
	JWTIssuer string `env:"FLEETSYNC_JWT_ISSUER" envDefault:"fleetsync"`
	LogLevel  string `env:"FLEETSYNC_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"FLEETSYNC_LOG_FORMAT" envDefault:"text"`

	// Трассировка включается, только если задан endpoint
	OTelEndpoint string `env:"FLEETSYNC_OTEL_ENDPOINT"`
	OTelEnabled  bool   `env:"FLEETSYNC_OTEL_ENABLED" envDefault:"true"`

	AccessTokenTTL     time.Duration `env:"FLEETSYNC_ACCESS_TOKEN_TTL" envDefault:"12h"`
	ApplyTimeout       time.Duration `env:"FLEETSYNC_APPLY_TIMEOUT" envDefault:"30s"`
	StalePendingAfter  time.Duration `env:"FLEETSYNC_STALE_PENDING_AFTER" envDefault:"5m"`
	StaleCheckInterval time.Duration `env:"FLEETSYNC_STALE_CHECK_INTERVAL" envDefault:"1m"`
	ShutdownTimeout    time.Duration `env:"FLEETSYNC_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RateLimitWindow    time.Duration `env:"FLEETSYNC_RATE_LIMIT_WINDOW" envDefault:"1m"`

	// SQLite: ожидание блокировки и время жизни единственного соединения (0 - без ограничения)
	DBBusyTimeout     time.Duration `env:"FLEETSYNC_DB_BUSY_TIMEOUT" envDefault:"5s"`
	DBConnMaxLifetime time.Duration `env:"FLEETSYNC_DB_CONN_MAX_LIFETIME" envDefault:"0"`
	DBConnMaxIdleTime time.Duration `env:"FLEETSYNC_DB_CONN_MAX_IDLE_TIME" envDefault:"0"`

	MaxBodyBytes      int64 `env:"FLEETSYNC_MAX_BODY_BYTES" envDefault:"10485760"`
	PushConcurrency   int   `env:"FLEETSYNC_PUSH_CONCURRENCY" envDefault:"8"`
	MaxBatch          int   `env:"FLEETSYNC_MAX_BATCH" envDefault:"500"`
	PullPageLimit     int   `env:"FLEETSYNC_PULL_PAGE_LIMIT" envDefault:"1000"`
	RateLimit         int   `env:"FLEETSYNC_RATE_LIMIT" envDefault:"120"` // запросов на пользователя за окно, 0 - без лимита
	OptimisticLocking bool  `env:"FLEETSYNC_OPTIMISTIC_LOCKING" envDefault:"true"`
}

// Load reads the configuration from environment variables and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values env cannot express with tags alone.
func (c *Config) Validate() error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("FLEETSYNC_JWT_SECRET is required"))
	} else if len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("FLEETSYNC_JWT_SECRET must be at least 32 bytes"))
	}
	if c.ApplyTimeout <= 0 {
		errs = append(errs, errors.New("FLEETSYNC_APPLY_TIMEOUT must be positive"))
	}
	if c.PushConcurrency < 0 {
		errs = append(errs, errors.New("FLEETSYNC_PUSH_CONCURRENCY cannot be negative"))
	}
	if c.MaxBatch <= 0 {
		errs = append(errs, errors.New("FLEETSYNC_MAX_BATCH must be positive"))
	}
	if c.PullPageLimit <= 0 {
		errs = append(errs, errors.New("FLEETSYNC_PULL_PAGE_LIMIT must be positive"))
	}
	if c.StalePendingAfter <= 0 {
		errs = append(errs, errors.New("FLEETSYNC_STALE_PENDING_AFTER must be positive"))
	}
	if c.StaleCheckInterval <= 0 {
		errs = append(errs, errors.New("FLEETSYNC_STALE_CHECK_INTERVAL must be positive"))
	}
	if c.DBBusyTimeout <= 0 {
		errs = append(errs, errors.New("FLEETSYNC_DB_BUSY_TIMEOUT must be positive"))
	}
	if c.DBConnMaxLifetime < 0 || c.DBConnMaxIdleTime < 0 {
		errs = append(errs, errors.New("FLEETSYNC_DB_CONN_MAX_LIFETIME and FLEETSYNC_DB_CONN_MAX_IDLE_TIME cannot be negative"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown FLEETSYNC_LOG_FORMAT %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// NewLogger builds the process logger from LogLevel and LogFormat.
func (c *Config) NewLogger() *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown FLEETSYNC_LOG_LEVEL %q", s)
	}
	return level, nil
}
