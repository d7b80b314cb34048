// Package config loads service configuration from defaults, an optional
// config file, a .env file and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the service configuration. Every key can be set through the
// environment under its upper-case name, e.g. DATABASE_URL.
type Config struct {
	Port            string        `mapstructure:"port"`
	LogLevel        string        `mapstructure:"log_level"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// DatabaseURL selects PostgreSQL; empty means the in-memory store.
	DatabaseURL string `mapstructure:"database_url"`
	// RedisURL enables the listing cache and distributed job locks.
	RedisURL string        `mapstructure:"redis_url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// AMQPURL enables publishing notifications to RabbitMQ.
	AMQPURL      string `mapstructure:"amqp_url"`
	AMQPExchange string `mapstructure:"amqp_exchange"`

	// ProviderURL selects the REST payment provider; empty means the
	// in-process sandbox.
	ProviderURL          string        `mapstructure:"provider_url"`
	ProviderClientID     string        `mapstructure:"provider_client_id"`
	ProviderClientSecret string        `mapstructure:"provider_client_secret"`
	ProviderTimeout      time.Duration `mapstructure:"provider_timeout"`
	SandboxApproveURL    string        `mapstructure:"sandbox_approve_url"`
	ReturnURL            string        `mapstructure:"return_url"`
	CancelURL            string        `mapstructure:"cancel_url"`

	JWTSecret string `mapstructure:"jwt_secret"`
	// WebhookSecret, when set, requires provider webhooks to carry an
	// HMAC-SHA256 signature of the body.
	WebhookSecret string `mapstructure:"webhook_secret"`

	Currency      string        `mapstructure:"currency"`
	HoldingPeriod time.Duration `mapstructure:"holding_period"`
	PendingWindow time.Duration `mapstructure:"pending_window"`
	AbandonAfter  time.Duration `mapstructure:"abandon_after"`

	JobsEnabled bool          `mapstructure:"jobs_enabled"`
	JobLockTTL  time.Duration `mapstructure:"job_lock_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("shutdown_timeout", 5*time.Second)

	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("cache_ttl", 30*time.Second)

	v.SetDefault("amqp_url", "")
	v.SetDefault("amqp_exchange", "notifications")

	v.SetDefault("provider_url", "")
	v.SetDefault("provider_client_id", "")
	v.SetDefault("provider_client_secret", "")
	v.SetDefault("provider_timeout", 15*time.Second)
	v.SetDefault("sandbox_approve_url", "http://localhost:8080/sandbox/approve")
	v.SetDefault("return_url", "http://localhost:3000/payments/success")
	v.SetDefault("cancel_url", "http://localhost:3000/payments/cancel")

	v.SetDefault("jwt_secret", "")
	v.SetDefault("webhook_secret", "")

	v.SetDefault("currency", "USD")
	v.SetDefault("holding_period", 24*time.Hour)
	v.SetDefault("pending_window", 24*time.Hour)
	v.SetDefault("abandon_after", 24*time.Hour)

	v.SetDefault("jobs_enabled", true)
	v.SetDefault("job_lock_ttl", 10*time.Minute)
}

// Load reads configuration. envFiles default to ".env"; missing files are
// ignored. A config file is read when CONFIG_FILE names one.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("config: port is required")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	for name, d := range map[string]time.Duration{
		"holding_period":   c.HoldingPeriod,
		"pending_window":   c.PendingWindow,
		"abandon_after":    c.AbandonAfter,
		"provider_timeout": c.ProviderTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", name, d)
		}
	}
	if c.ProviderURL != "" && (c.ProviderClientID == "" || c.ProviderClientSecret == "") {
		return errors.New("config: provider_client_id and provider_client_secret are required with provider_url")
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log_level: %w", err)
	}
	return l, nil
}
