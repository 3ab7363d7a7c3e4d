package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/oidcaccount/pkg/accounts"
	"github.com/platinummonkey/oidcaccount/pkg/authz"
	"github.com/platinummonkey/oidcaccount/pkg/cache"
	"github.com/platinummonkey/oidcaccount/pkg/idp"
	"github.com/platinummonkey/oidcaccount/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database holding accounts, roles and permissions
	Database DatabaseConfig

	// Redis is optional; without it caches and nonces stay in-process
	Redis cache.RedisConfig

	// Identity provider and login settings
	Auth AuthConfig

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

	// BaseURL is the externally visible origin used for callback URLs
	BaseURL       string
	SecureCookies bool
	TrustProxy    bool
}

// DatabaseConfig selects the SQL backend
type DatabaseConfig struct {
	Driver       string
	URL          string
	MaxOpenConns int
}

// AuthConfig holds identity provider and authorization settings
type AuthConfig struct {
	// IdPConfigPath is the YAML file listing identity providers
	IdPConfigPath  string
	FetchTimeout   time.Duration
	NonceTTL       time.Duration
	SessionTTL     time.Duration
	LocalCacheSize int
	MasterUserID   int64
	// DebugAuthz traces every access decision
	DebugAuthz bool
	// LoginRateLimit is the number of login and callback requests a
	// client may make per minute; 0 disables the limit.
	LoginRateLimit int
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
}

// OTel returns the exporter settings
func (c ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        c.OTelEnabled,
		Endpoint:       c.OTelEndpoint,
		ServiceName:    c.OTelServiceName,
		ServiceVersion: c.OTelServiceVersion,
		Insecure:       c.OTelInsecure,
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Auth:          loadAuthConfig(),
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
		Host:            getEnv("OIDCACCOUNT_HOST", "0.0.0.0"),
		Port:            getEnv("OIDCACCOUNT_PORT", "8080"),
		ReadTimeout:     getEnvDuration("OIDCACCOUNT_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("OIDCACCOUNT_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("OIDCACCOUNT_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("OIDCACCOUNT_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("OIDCACCOUNT_HEALTH_PORT", "9090"),
		BaseURL:         getEnv("OIDCACCOUNT_BASE_URL", "http://localhost:8080"),
		SecureCookies:   getEnvBool("OIDCACCOUNT_SECURE_COOKIES", false),
		TrustProxy:      getEnvBool("OIDCACCOUNT_TRUST_PROXY", false),
	}
}

// loadDatabaseConfig loads database configuration from environment
func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:       getEnv("OIDCACCOUNT_DATABASE_DRIVER", string(accounts.DialectSQLite)),
		URL:          getEnv("OIDCACCOUNT_DATABASE_URL", "file:oidcaccount.db?_foreign_keys=on"),
		MaxOpenConns: getEnvInt("OIDCACCOUNT_DATABASE_MAX_CONNS", 10),
	}
}

// loadRedisConfig loads redis configuration from environment
func loadRedisConfig() cache.RedisConfig {
	return cache.RedisConfig{
		URL:      getEnv("OIDCACCOUNT_REDIS_URL", ""),
		Password: getEnv("OIDCACCOUNT_REDIS_PASSWORD", ""),
		DB:       getEnvInt("OIDCACCOUNT_REDIS_DB", 0),
		Prefix:   getEnv("OIDCACCOUNT_REDIS_PREFIX", "oidcaccount:"),
	}
}

// loadAuthConfig loads identity provider settings from environment
func loadAuthConfig() AuthConfig {
	return AuthConfig{
		IdPConfigPath:  getEnv("OIDCACCOUNT_IDP_CONFIG", "idp.yaml"),
		FetchTimeout:   getEnvDuration("OIDCACCOUNT_FETCH_TIMEOUT", idp.DefaultFetchTimeout),
		NonceTTL:       getEnvDuration("OIDCACCOUNT_NONCE_TTL", 10*time.Minute),
		SessionTTL:     getEnvDuration("OIDCACCOUNT_SESSION_TTL", 24*time.Hour),
		LocalCacheSize: getEnvInt("OIDCACCOUNT_LOCAL_CACHE_SIZE", 10000),
		MasterUserID:   getEnvInt64("OIDCACCOUNT_MASTER_USER_ID", authz.DefaultMasterUserID),
		DebugAuthz:     getEnvBool("OIDCACCOUNT_DEBUG_AUTH", false),
		LoginRateLimit: getEnvInt("OIDCACCOUNT_LOGIN_RATE_LIMIT", 30),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("OIDCACCOUNT_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("OIDCACCOUNT_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("OIDCACCOUNT_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("OIDCACCOUNT_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("OIDCACCOUNT_OTEL_SERVICE_NAME", "oidcaccount"),
		OTelServiceVersion: getEnv("OIDCACCOUNT_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("OIDCACCOUNT_OTEL_INSECURE", true),
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
	if !strings.HasPrefix(c.Server.BaseURL, "http://") && !strings.HasPrefix(c.Server.BaseURL, "https://") {
		return fmt.Errorf("base URL must be an absolute http(s) URL: %q", c.Server.BaseURL)
	}

	if _, err := accounts.ParseDialect(c.Database.Driver); err != nil {
		return err
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	if c.Auth.IdPConfigPath == "" {
		return fmt.Errorf("identity provider config path is required")
	}
	if c.Auth.FetchTimeout <= 0 || c.Auth.FetchTimeout > idp.MaxFetchTimeout {
		return fmt.Errorf("fetch timeout must be between 0 and %s", idp.MaxFetchTimeout)
	}
	if c.Auth.NonceTTL <= 0 {
		return fmt.Errorf("nonce TTL must be positive")
	}
	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}
	if c.Auth.LocalCacheSize <= 0 {
		return fmt.Errorf("local cache size must be positive")
	}
	if c.Auth.LoginRateLimit < 0 {
		return fmt.Errorf("login rate limit must not be negative")
	}

	// Validate OpenTelemetry config
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

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
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
