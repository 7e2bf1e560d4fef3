// Package config loads the service configuration from PROGRAMRULES_*
// environment variables.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix.
const Prefix = "PROGRAMRULES"

// Notification log backends.
const (
	LogBackendMemory = "memory"
	LogBackendSQL    = "sql"
	LogBackendRedis  = "redis"
)

// Config holds the complete application configuration.
type Config struct {
	App          AppConfig          `envconfig:"APP"`
	Server       ServerConfig       `envconfig:"SERVER"`
	Metadata     MetadataConfig     `envconfig:"METADATA"`
	Notification NotificationConfig `envconfig:"NOTIFICATION"`
	Scheduler    SchedulerConfig    `envconfig:"SCHEDULER"`
}

// AppConfig contains core application settings.
type AppConfig struct {
	Name            string        `envconfig:"NAME" default:"programrules"`
	Environment     string        `envconfig:"ENV" default:"development" validate:"oneof=development staging production"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=trace debug info warn error"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"json" validate:"oneof=json text"`
	ErrorSampleRate int           `envconfig:"ERROR_SAMPLE_RATE" default:"1" validate:"min=1"`
	OtelEnabled     bool          `envconfig:"OTEL_ENABLED" default:"false"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout    time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"60s"`
}

// MetadataConfig selects where program metadata is read from. With no
// database URL the YAML fixture (if any) is loaded into memory.
type MetadataConfig struct {
	DatabaseURL string `envconfig:"DATABASE_URL"`
	FixturePath string `envconfig:"FIXTURE_PATH"`
}

// NotificationConfig configures the notification log and template cache.
type NotificationConfig struct {
	LogBackend            string        `envconfig:"LOG_BACKEND" default:"memory" validate:"oneof=memory sql redis"`
	SQLURL                string        `envconfig:"SQL_URL"`
	RedisAddr             string        `envconfig:"REDIS_ADDR"`
	TemplateCacheCapacity int           `envconfig:"TEMPLATE_CACHE_CAPACITY" default:"1000" validate:"min=1"`
	TemplateCacheTTL      time.Duration `envconfig:"TEMPLATE_CACHE_TTL" default:"5m"`
}

// SchedulerConfig points scheduled notification instances at PostgreSQL.
// Empty keeps them in memory.
type SchedulerConfig struct {
	DatabaseURL string `envconfig:"DATABASE_URL"`
}

// Load reads configuration from environment variables with the PROGRAMRULES prefix.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(Prefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks struct tags first, then cross-field rules.
func (c *Config) Validate() error {
	validate := validator.New()

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	if err := validatePort(c.Server.Port, "server"); err != nil {
		return err
	}

	if c.Metadata.DatabaseURL != "" {
		if err := validateURL(c.Metadata.DatabaseURL, []string{"postgres", "postgresql"}); err != nil {
			return fmt.Errorf("metadata database URL: %w", err)
		}
	}

	switch c.Notification.LogBackend {
	case LogBackendSQL:
		if c.Notification.SQLURL == "" {
			return fmt.Errorf("notification SQL URL is required for the sql log backend")
		}
		if err := validateURL(c.Notification.SQLURL, []string{"sqlite", "postgres"}); err != nil {
			return fmt.Errorf("notification SQL URL: %w", err)
		}
	case LogBackendRedis:
		if c.Notification.RedisAddr == "" {
			return fmt.Errorf("notification Redis address is required for the redis log backend")
		}
	}

	if c.Scheduler.DatabaseURL != "" {
		if err := validateURL(c.Scheduler.DatabaseURL, []string{"postgres", "postgresql"}); err != nil {
			return fmt.Errorf("scheduler database URL: %w", err)
		}
	}

	return nil
}

// LogConfig logs the current configuration without connection strings.
func (c *Config) LogConfig(log *slog.Logger) {
	log.Info("configuration loaded",
		slog.String("app_name", c.App.Name),
		slog.String("environment", c.App.Environment),
		slog.String("log_level", c.App.LogLevel),
		slog.String("log_format", c.App.LogFormat),
		slog.String("port", c.Server.Port),
		slog.Bool("metadata_db_configured", c.Metadata.DatabaseURL != ""),
		slog.String("metadata_fixture", c.Metadata.FixturePath),
		slog.String("notification_log_backend", c.Notification.LogBackend),
		slog.Int("template_cache_capacity", c.Notification.TemplateCacheCapacity),
		slog.Bool("scheduler_db_configured", c.Scheduler.DatabaseURL != ""),
	)
}

func validatePort(port, context string) error {
	if port == "" {
		return fmt.Errorf("%s port cannot be empty", context)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("%s port must be a number: %w", context, err)
	}
	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("%s port must be between 1 and 65535, got %d", context, portNum)
	}
	return nil
}

func validateURL(rawURL string, allowedSchemes []string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}
	if !slices.Contains(allowedSchemes, parsed.Scheme) {
		return fmt.Errorf("invalid scheme '%s', must be one of: %v", parsed.Scheme, allowedSchemes)
	}
	return nil
}
