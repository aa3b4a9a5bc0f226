package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Dispatch DispatchConfig
	Tracing  TracingConfig
	Sentry   SentryConfig
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port         string
	Environment  string
	ServiceName  string
	ReadTimeout  int
	WriteTimeout int
	CORSOrigins  string // Comma-separated list of allowed origins
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// NATSConfig holds NATS JetStream configuration
type NATSConfig struct {
	URL     string
	Enabled bool
}

// TracingConfig holds OpenTelemetry exporter configuration
type TracingConfig struct {
	Endpoint string
	Enabled  bool
}

// SentryConfig holds Sentry error tracking configuration
type SentryConfig struct {
	DSN     string
	Enabled bool
}

// DispatchConfig groups the dispatch tuning knobs: search geometry,
// offer cadence and presence freshness.
type DispatchConfig struct {
	DefaultBroadcastRadiusM float64
	OfferTimeout            time.Duration
	MaxDriversPerRide       int
	GeohashPrecision        int
	MinUpdateDistanceM      float64
	BroadcastInterval       time.Duration
	DriverTTL               time.Duration
	SubscriptionTTL         time.Duration
	SweepInterval           time.Duration
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Environment:  getEnv("ENVIRONMENT", "development"),
			ServiceName:  serviceName,
			ReadTimeout:  getEnvAsInt("READ_TIMEOUT", 10),
			WriteTimeout: getEnvAsInt("WRITE_TIMEOUT", 10),
			CORSOrigins:  getEnv("CORS_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "dispatch"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns: getEnvAsInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:     getEnv("NATS_URL", "nats://localhost:4222"),
			Enabled: getEnvAsBool("NATS_ENABLED", false),
		},
		Tracing: TracingConfig{
			Endpoint: getEnv("OTLP_ENDPOINT", "localhost:4317"),
			Enabled:  getEnvAsBool("TRACING_ENABLED", false),
		},
		Sentry: SentryConfig{
			DSN:     getEnv("SENTRY_DSN", ""),
			Enabled: getEnvAsBool("SENTRY_ENABLED", false),
		},
		Dispatch: DispatchConfig{
			DefaultBroadcastRadiusM: getEnvAsFloat("DISPATCH_DEFAULT_BROADCAST_RADIUS_M", 1000),
			OfferTimeout:            getEnvAsDuration("DISPATCH_OFFER_TIMEOUT", 20*time.Second),
			MaxDriversPerRide:       getEnvAsInt("DISPATCH_MAX_DRIVERS_PER_RIDE", 10),
			GeohashPrecision:        getEnvAsInt("DISPATCH_GEOHASH_PRECISION", 6),
			MinUpdateDistanceM:      getEnvAsFloat("DISPATCH_MIN_UPDATE_DISTANCE_M", 10),
			BroadcastInterval:       getEnvAsDuration("DISPATCH_BROADCAST_INTERVAL", 500*time.Millisecond),
			DriverTTL:               getEnvAsDuration("DISPATCH_DRIVER_TTL", 2*time.Minute),
			SubscriptionTTL:         getEnvAsDuration("DISPATCH_SUBSCRIPTION_TTL", 5*time.Minute),
			SweepInterval:           getEnvAsDuration("DISPATCH_SWEEP_INTERVAL", 5*time.Second),
		},
	}

	if cfg.Dispatch.GeohashPrecision < 1 || cfg.Dispatch.GeohashPrecision > 12 {
		return nil, fmt.Errorf("invalid DISPATCH_GEOHASH_PRECISION value: %d", cfg.Dispatch.GeohashPrecision)
	}
	if cfg.Dispatch.OfferTimeout <= 0 {
		cfg.Dispatch.OfferTimeout = 20 * time.Second
	}
	if cfg.Dispatch.SweepInterval <= 0 {
		cfg.Dispatch.SweepInterval = 5 * time.Second
	}
	if cfg.Dispatch.DefaultBroadcastRadiusM <= 0 {
		cfg.Dispatch.DefaultBroadcastRadiusM = 1000
	}

	return cfg, nil
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
