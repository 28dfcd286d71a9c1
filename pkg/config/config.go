package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/tokenmeter/pkg/observability"
	"github.com/platinummonkey/tokenmeter/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	// Billing provider credentials
	Providers ProvidersConfig

	// Plan catalog and background jobs
	Metering MeteringConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// Webhook deliveries allowed per client IP per minute, 0 disables
	WebhookRateLimit int
	WebhookRateBurst int
}

// ProvidersConfig holds webhook secrets and upstream API settings
type ProvidersConfig struct {
	StripeWebhookSecret string
	StripeAPIKey        string

	MembershipWebhookSecret string
	MembershipAPIKey        string
	MembershipAPIURL        string

	// Budget for one upstream call during cancel/reactivate, retries included
	UpstreamTimeout time.Duration
}

// MeteringConfig holds catalog and job settings
type MeteringConfig struct {
	// YAML plan catalog; the built-in catalog is used when empty
	CatalogPath string
	// robfig/cron spec for the free period sweeper
	SweepSchedule string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables. A .env file in
// the working directory is read first if present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Providers:     loadProvidersConfig(),
		Metering:      loadMeteringConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:             getEnv("TOKENMETER_HOST", "0.0.0.0"),
		Port:             getEnv("TOKENMETER_PORT", "8080"),
		ReadTimeout:      getEnvDuration("TOKENMETER_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:     getEnvDuration("TOKENMETER_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:      getEnvDuration("TOKENMETER_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:  getEnvDuration("TOKENMETER_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:       getEnv("TOKENMETER_HEALTH_PORT", "9090"),
		WebhookRateLimit: getEnvInt("TOKENMETER_WEBHOOK_RATE_LIMIT", 600),
		WebhookRateBurst: getEnvInt("TOKENMETER_WEBHOOK_RATE_BURST", 60),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if storageType := getEnv("TOKENMETER_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = strings.ToLower(storageType)
	}

	// PostgreSQL config
	if pgURL := getEnv("TOKENMETER_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if maxConns := getEnvInt("TOKENMETER_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("TOKENMETER_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("TOKENMETER_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	// Redis config
	if redisURL := getEnv("TOKENMETER_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("TOKENMETER_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("TOKENMETER_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("TOKENMETER_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("TOKENMETER_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	// Webhook dedup
	if ttl := getEnvDuration("TOKENMETER_EVENT_TTL", 0); ttl > 0 {
		cfg.EventTTL = ttl
	}
	if size := getEnvInt("TOKENMETER_EVENT_CACHE_SIZE", 0); size > 0 {
		cfg.EventCacheSize = size
	}

	return cfg
}

func loadProvidersConfig() ProvidersConfig {
	return ProvidersConfig{
		StripeWebhookSecret:     strings.TrimSpace(getEnv("TOKENMETER_STRIPE_WEBHOOK_SECRET", "")),
		StripeAPIKey:            strings.TrimSpace(getEnv("TOKENMETER_STRIPE_API_KEY", "")),
		MembershipWebhookSecret: strings.TrimSpace(getEnv("TOKENMETER_MEMBERSHIP_WEBHOOK_SECRET", "")),
		MembershipAPIKey:        strings.TrimSpace(getEnv("TOKENMETER_MEMBERSHIP_API_KEY", "")),
		MembershipAPIURL:        strings.TrimSpace(getEnv("TOKENMETER_MEMBERSHIP_API_URL", "")),
		UpstreamTimeout:         getEnvDuration("TOKENMETER_UPSTREAM_TIMEOUT", 10*time.Second),
	}
}

func loadMeteringConfig() MeteringConfig {
	return MeteringConfig{
		CatalogPath:   getEnv("TOKENMETER_CATALOG_PATH", ""),
		SweepSchedule: getEnv("TOKENMETER_SWEEP_SCHEDULE", "@every 15m"),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("TOKENMETER_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("TOKENMETER_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("TOKENMETER_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("TOKENMETER_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("TOKENMETER_OTEL_SERVICE_NAME", "tokenmeter"),
		OTelServiceVersion: getEnv("TOKENMETER_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("TOKENMETER_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("TOKENMETER_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.WebhookRateLimit < 0 || c.Server.WebhookRateBurst < 0 {
		return fmt.Errorf("webhook rate limit and burst must not be negative")
	}

	// Validate storage config based on type
	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory or postgres)", c.Storage.Type)
	}

	// At least one provider must be able to deliver webhooks
	p := c.Providers
	if p.StripeWebhookSecret == "" && p.MembershipWebhookSecret == "" {
		return fmt.Errorf("at least one webhook secret is required (stripe or membership)")
	}
	if p.MembershipAPIKey != "" {
		if _, err := url.ParseRequestURI(p.MembershipAPIURL); err != nil {
			return fmt.Errorf("membership API URL is required with a membership API key: %w", err)
		}
	}
	if p.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream timeout must be positive")
	}

	if _, err := cron.ParseStandard(c.Metering.SweepSchedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", c.Metering.SweepSchedule, err)
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if r := c.Observability.OTelSampleRatio; r < 0 || r > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1")
		}
	}

	return nil
}

// Addr returns the API listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// HealthAddr returns the health/metrics listen address
func (s ServerConfig) HealthAddr() string {
	return s.Host + ":" + s.HealthPort
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

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
