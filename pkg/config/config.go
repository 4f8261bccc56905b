package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/tally/pkg/observability"
)

// Rollover pricing modes.
const (
	PricingUsage = "usage"
	PricingFlat  = "flat"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Stripe        StripeConfig
	Rollover      RolloverConfig
	Catalog       CatalogConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr            string
	HealthAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Requests per minute per client IP; 0 disables limiting.
	RateLimitPerMinute int
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL             string
	ReplicaURLs     []string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Timeout         time.Duration
	MigrateOnStart  bool
}

// RedisConfig holds Redis settings. An empty URL disables Redis.
type RedisConfig struct {
	URL string
}

// StripeConfig holds payment provider credentials
type StripeConfig struct {
	SecretKey        string
	WebhookSecret    string
	WebhookTolerance time.Duration
}

// RolloverConfig holds period roller settings
type RolloverConfig struct {
	Schedule    string
	Pricing     string
	BatchSize   int
	Workers     int
	MaxCatchUp  int
	MetricsAddr string
}

// CatalogConfig holds plan catalog settings
type CatalogConfig struct {
	File     string
	CacheTTL time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// Load reads configuration from environment variables without validating it.
func Load() *Config {
	return &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         RedisConfig{URL: getEnv("REDIS_URL", "")},
		Stripe:        loadStripeConfig(),
		Rollover:      loadRolloverConfig(),
		Catalog:       loadCatalogConfig(),
		Observability: loadObservabilityConfig(),
	}
}

// LoadConfig loads configuration from environment variables and validates it
func LoadConfig() (*Config, error) {
	cfg := Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Addr:               getEnv("TALLY_HTTP_ADDR", ":8080"),
		HealthAddr:         getEnv("TALLY_HEALTH_ADDR", ":9090"),
		ReadTimeout:        getEnvDuration("TALLY_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:       getEnvDuration("TALLY_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:        getEnvDuration("TALLY_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:    getEnvDuration("TALLY_SHUTDOWN_TIMEOUT", 30*time.Second),
		RateLimitPerMinute: getEnvInt("TALLY_RATE_LIMIT_PER_MINUTE", 600),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:             getEnv("DATABASE_URL", ""),
		ReplicaURLs:     splitList(getEnv("DATABASE_REPLICA_URLS", "")),
		MaxOpenConns:    getEnvInt("TALLY_DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvInt("TALLY_DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("TALLY_DB_CONN_MAX_LIFETIME", 5*time.Minute),
		Timeout:         getEnvDuration("TALLY_DB_TIMEOUT", 5*time.Second),
		MigrateOnStart:  getEnvBool("TALLY_MIGRATE_ON_START", true),
	}
}

func loadStripeConfig() StripeConfig {
	return StripeConfig{
		SecretKey:        getEnv("STRIPE_SECRET_KEY", ""),
		WebhookSecret:    getEnv("STRIPE_WEBHOOK_SECRET", ""),
		WebhookTolerance: getEnvDuration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
	}
}

func loadRolloverConfig() RolloverConfig {
	return RolloverConfig{
		Schedule:    getEnv("TALLY_ROLLOVER_SCHEDULE", "@hourly"),
		Pricing:     strings.ToLower(getEnv("TALLY_ROLLOVER_PRICING", PricingUsage)),
		BatchSize:   getEnvInt("TALLY_ROLLOVER_BATCH_SIZE", 500),
		Workers:     getEnvInt("TALLY_ROLLOVER_WORKERS", 8),
		MaxCatchUp:  getEnvInt("TALLY_ROLLOVER_MAX_CATCH_UP", 12),
		MetricsAddr: getEnv("TALLY_METRICS_ADDR", ":9091"),
	}
}

func loadCatalogConfig() CatalogConfig {
	return CatalogConfig{
		File:     getEnv("TALLY_PLAN_CATALOG_FILE", ""),
		CacheTTL: getEnvDuration("TALLY_PLAN_CACHE_TTL", 5*time.Minute),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("TALLY_LOG_LEVEL", "info")),
		OTelEnabled:        getEnvBool("OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("OTEL_SERVICE_NAME", "tally"),
		OTelServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("OTEL_INSECURE", true),
	}
}

// Validate checks the settings shared by every process.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("max open connections must be positive")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("max idle connections (%d) exceeds max open connections (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}
	if c.Server.Addr == c.Server.HealthAddr {
		return fmt.Errorf("server address and health address must be different")
	}
	if c.Server.RateLimitPerMinute < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// ValidateAPI checks settings the API server needs on top of Validate.
func (c *Config) ValidateAPI() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Stripe.WebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required")
	}
	if c.Stripe.WebhookTolerance <= 0 {
		return fmt.Errorf("webhook tolerance must be positive")
	}
	return nil
}

// ValidateRoller checks settings the period roller needs on top of Validate.
func (c *Config) ValidateRoller() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(c.Rollover.Schedule); err != nil {
		return fmt.Errorf("invalid rollover schedule %q: %w", c.Rollover.Schedule, err)
	}
	switch c.Rollover.Pricing {
	case PricingUsage, PricingFlat:
	default:
		return fmt.Errorf("invalid rollover pricing: %s (must be usage or flat)", c.Rollover.Pricing)
	}
	if c.Rollover.BatchSize <= 0 {
		return fmt.Errorf("rollover batch size must be positive")
	}
	if c.Rollover.Workers <= 0 {
		return fmt.Errorf("rollover workers must be positive")
	}
	if c.Rollover.MaxCatchUp <= 0 {
		return fmt.Errorf("rollover max catch-up must be positive")
	}
	return nil
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
