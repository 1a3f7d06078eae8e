// Package config loads the orchestrator's process configuration from a YAML
// file, layered with environment variable overrides, the way the teacher's
// service configs do (file defaults, env wins, validate before use).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the orchestrator process's top-level configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Messaging      MessagingConfig      `yaml:"messaging"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Backoff        BackoffConfig        `yaml:"backoff"`
	Templates      TemplatesConfig      `yaml:"templates"`
	Poller         PollerConfig         `yaml:"poller"`
	DLQ            DLQConfig            `yaml:"dlq"`
	Logging        LoggingConfig        `yaml:"logging"`
}

// ServerConfig controls the HTTP submission/query boundary (spec §6).
type ServerConfig struct {
	Port          string `yaml:"port"`
	MetricsPort   string `yaml:"metrics_port"`
	HealthTimeout time.Duration `yaml:"health_timeout"`
}

// DatabaseConfig configures the single source-of-truth Postgres pool
// (spec §5).
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// MessagingConfig selects and configures the messaging provider (spec §4.11).
type MessagingConfig struct {
	// Provider is one of "postgres" or "redis".
	Provider        string        `yaml:"provider"`
	RedisAddr       string        `yaml:"redis_addr"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	ReceiveBatchSize  int         `yaml:"receive_batch_size"`
	NotifyEnabled     bool        `yaml:"notify_enabled"`
}

// CircuitBreakerConfig is the shared config reused by every circuit-broken
// subsystem (spec §4.12).
type CircuitBreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	SuccessThreshold uint32        `yaml:"success_threshold"`
}

// BackoffConfig configures the default exponential-jitter policy
// (spec §4.10).
type BackoffConfig struct {
	BaseSeconds int `yaml:"base_seconds"`
	CapSeconds  int `yaml:"cap_seconds"`
}

// TemplatesConfig configures the template registry's search path
// (spec §4.1).
type TemplatesConfig struct {
	SearchPaths []string `yaml:"search_paths"`
	WatchForChanges bool `yaml:"watch_for_changes"`
}

// PollerConfig configures the task-readiness fallback poller (spec §4.11).
type PollerConfig struct {
	Interval time.Duration `yaml:"interval"`
	BatchSize int          `yaml:"batch_size"`
}

// DLQConfig configures dead-letter notifications (spec §4.13).
type DLQConfig struct {
	SlackWebhookURL string        `yaml:"slack_webhook_url"`
	StalenessWindow time.Duration `yaml:"staleness_window"`
}

// LoggingConfig configures the ambient structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file is loaded.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          "8080",
			MetricsPort:   "9090",
			HealthTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "tasker",
			Database:        "tasker_core",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Messaging: MessagingConfig{
			Provider:          "postgres",
			VisibilityTimeout: 30 * time.Second,
			ReceiveBatchSize:  10,
			NotifyEnabled:     true,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			Timeout:          30 * time.Second,
			SuccessThreshold: 2,
		},
		Backoff: BackoffConfig{
			BaseSeconds: 2,
			CapSeconds:  300,
		},
		Templates: TemplatesConfig{
			SearchPaths:     []string{"./templates"},
			WatchForChanges: true,
		},
		Poller: PollerConfig{
			Interval:  10 * time.Second,
			BatchSize: 50,
		},
		DLQ: DLQConfig{
			StalenessWindow: 15 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads, parses, env-overrides and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromEnv overlays a small set of environment variables used for
// container deployment, following the same env-var-wins convention as the
// teacher's database config.
func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.Database.Port = port
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Database.Database = v
	}
	if v := os.Getenv("MESSAGING_PROVIDER"); v != "" {
		cfg.Messaging.Provider = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Messaging.RedisAddr = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		cfg.Server.MetricsPort = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DLQ_SLACK_WEBHOOK_URL"); v != "" {
		cfg.DLQ.SlackWebhookURL = v
	}
	return nil
}

var validMessagingProviders = map[string]bool{"postgres": true, "redis": true}

// validate checks invariants that cannot be expressed as YAML defaults.
func validate(cfg *Config) error {
	if !validMessagingProviders[cfg.Messaging.Provider] {
		return fmt.Errorf("unsupported messaging provider: %s", cfg.Messaging.Provider)
	}
	if cfg.Messaging.Provider == "redis" && cfg.Messaging.RedisAddr == "" {
		cfg.Messaging.RedisAddr = "localhost:6379"
	}
	if cfg.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if cfg.CircuitBreaker.FailureThreshold == 0 {
		return fmt.Errorf("circuit breaker failure threshold must be greater than 0")
	}
	if cfg.CircuitBreaker.SuccessThreshold == 0 {
		return fmt.Errorf("circuit breaker success threshold must be greater than 0")
	}
	if cfg.Backoff.CapSeconds <= 0 {
		return fmt.Errorf("backoff cap seconds must be greater than 0")
	}
	if len(cfg.Templates.SearchPaths) == 0 {
		return fmt.Errorf("at least one template search path is required")
	}
	return nil
}
