package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port                 string `mapstructure:"PORT"`
	Env                  string `mapstructure:"ENV"`
	StoreDriver          string `mapstructure:"STORE_DRIVER"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	DBMaxConns           int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns           int32  `mapstructure:"DB_MIN_CONNS"`
	DBLockTimeoutMS      int    `mapstructure:"DB_LOCK_TIMEOUT_MS"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	QueueCacheTTLSeconds int    `mapstructure:"QUEUE_CACHE_TTL_SECONDS"`

	DefaultConsultationMinutes int  `mapstructure:"DEFAULT_CONSULTATION_MINUTES"`
	TokenNumberPad             int  `mapstructure:"TOKEN_NUMBER_PAD"`
	QueueRetryAttempts         int  `mapstructure:"QUEUE_RETRY_ATTEMPTS"`
	QueueRetryBackoffMS        int  `mapstructure:"QUEUE_RETRY_BACKOFF_MS"`
	EnforceSingleActive        bool `mapstructure:"ENFORCE_SINGLE_ACTIVE"`
	RequireDoctorAvailable     bool `mapstructure:"REQUIRE_DOCTOR_AVAILABLE"`
	SeedDemoDoctors            bool `mapstructure:"SEED_DEMO_DOCTORS"`

	RateLimitPerMinute       int `mapstructure:"RATE_LIMIT_PER_MIN"`
	RateLimitBurst           int `mapstructure:"RATE_LIMIT_BURST"`
	DoctorRateLimitPerMinute int `mapstructure:"DOCTOR_RATE_LIMIT_PER_MIN"`
	DoctorRateLimitBurst     int `mapstructure:"DOCTOR_RATE_LIMIT_BURST"`

	OTELEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	ShutdownTimeoutSeconds int `mapstructure:"SHUTDOWN_TIMEOUT_SECONDS"`
}

var keys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_LOCK_TIMEOUT_MS",
	"REDIS_URL", "QUEUE_CACHE_TTL_SECONDS",
	"DEFAULT_CONSULTATION_MINUTES", "TOKEN_NUMBER_PAD", "QUEUE_RETRY_ATTEMPTS", "QUEUE_RETRY_BACKOFF_MS",
	"ENFORCE_SINGLE_ACTIVE", "REQUIRE_DOCTOR_AVAILABLE", "SEED_DEMO_DOCTORS",
	"RATE_LIMIT_PER_MIN", "RATE_LIMIT_BURST", "DOCTOR_RATE_LIMIT_PER_MIN", "DOCTOR_RATE_LIMIT_BURST",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE", "SHUTDOWN_TIMEOUT_SECONDS",
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "production")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_LOCK_TIMEOUT_MS", 5000)
	v.SetDefault("QUEUE_CACHE_TTL_SECONDS", 5)
	v.SetDefault("DEFAULT_CONSULTATION_MINUTES", 10)
	v.SetDefault("TOKEN_NUMBER_PAD", 3)
	v.SetDefault("QUEUE_RETRY_ATTEMPTS", 3)
	v.SetDefault("QUEUE_RETRY_BACKOFF_MS", 25)
	v.SetDefault("ENFORCE_SINGLE_ACTIVE", true)
	v.SetDefault("REQUIRE_DOCTOR_AVAILABLE", false)
	v.SetDefault("SEED_DEMO_DOCTORS", false)
	v.SetDefault("RATE_LIMIT_PER_MIN", 120)
	v.SetDefault("RATE_LIMIT_BURST", 30)
	v.SetDefault("DOCTOR_RATE_LIMIT_PER_MIN", 600)
	v.SetDefault("DOCTOR_RATE_LIMIT_BURST", 120)
	v.SetDefault("SHUTDOWN_TIMEOUT_SECONDS", 10)

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
		if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) and DB_MAX_CONNS (%d) are inconsistent", c.DBMinConns, c.DBMaxConns)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StoreDriver)
	}
	if c.DefaultConsultationMinutes <= 0 {
		return fmt.Errorf("DEFAULT_CONSULTATION_MINUTES must be positive, got %d", c.DefaultConsultationMinutes)
	}
	if c.TokenNumberPad <= 0 {
		return fmt.Errorf("TOKEN_NUMBER_PAD must be positive, got %d", c.TokenNumberPad)
	}
	if c.QueueRetryAttempts <= 0 {
		return fmt.Errorf("QUEUE_RETRY_ATTEMPTS must be positive, got %d", c.QueueRetryAttempts)
	}
	if c.QueueRetryBackoffMS <= 0 {
		return fmt.Errorf("QUEUE_RETRY_BACKOFF_MS must be positive, got %d", c.QueueRetryBackoffMS)
	}
	return nil
}

func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.QueueRetryBackoffMS) * time.Millisecond
}

func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.DBLockTimeoutMS) * time.Millisecond
}

func (c *Config) QueueCacheTTL() time.Duration {
	return time.Duration(c.QueueCacheTTLSeconds) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	if c.ShutdownTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}
