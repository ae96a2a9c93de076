package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/utafrali/saga-orchestrator/internal/registry"
	pkgconfig "github.com/utafrali/saga-orchestrator/pkg/config"
	"github.com/utafrali/saga-orchestrator/pkg/database"
	"github.com/utafrali/saga-orchestrator/pkg/httpclient"
	"github.com/utafrali/saga-orchestrator/pkg/middleware"
	"github.com/utafrali/saga-orchestrator/pkg/retry"
)

// State store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all configuration for the saga orchestrator.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort           int      `env:"SAGA_HTTP_PORT" envDefault:"8090"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	// Profiling endpoints are mounted only when at least one CIDR is set.
	PprofAllowedCIDRs []string `env:"PPROF_ALLOWED_CIDRS" envSeparator:","`

	// State store: postgres or memory
	StoreDriver string `env:"STATE_STORE" envDefault:"postgres"`

	// PostgreSQL
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"saga"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"saga_secret"`
	PostgresDB   string `env:"SAGA_DB_NAME" envDefault:"saga_orchestrator"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	// Database pool
	DBMaxConns            int32 `env:"DB_MAX_CONNS" envDefault:"25"`
	DBMinConns            int32 `env:"DB_MIN_CONNS" envDefault:"5"`
	DBMaxConnLifetimeMins int   `env:"DB_MAX_CONN_LIFETIME_MINUTES" envDefault:"60"`
	DBMaxConnIdleTimeMins int   `env:"DB_MAX_CONN_IDLE_TIME_MINUTES" envDefault:"30"`

	// Redis backs the choreography event deduplication when enabled.
	RedisEnabled  bool   `env:"REDIS_ENABLED" envDefault:"false"`
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	EventDedupTTL int    `env:"EVENT_DEDUP_TTL_HOURS" envDefault:"24"`

	// Kafka
	KafkaEnabled bool     `env:"KAFKA_ENABLED" envDefault:"true"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`

	// Participant services used by the built-in saga definitions
	UserServiceURL         string `env:"USER_SERVICE_URL" envDefault:"http://localhost:8001"`
	WorkspaceServiceURL    string `env:"WORKSPACE_SERVICE_URL" envDefault:"http://localhost:8002"`
	DataServiceURL         string `env:"DATA_SERVICE_URL" envDefault:"http://localhost:8003"`
	AIServiceURL           string `env:"AI_SERVICE_URL" envDefault:"http://localhost:8004"`
	NotificationServiceURL string `env:"NOTIFICATION_SERVICE_URL" envDefault:"http://localhost:8005"`

	// Step invocation retry
	RetryMaxAttempts     int     `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseDelayMs     int     `env:"RETRY_BASE_DELAY_MS" envDefault:"1000"`
	RetryMaxDelayMs      int     `env:"RETRY_MAX_DELAY_MS" envDefault:"30000"`
	RetryExponentialBase float64 `env:"RETRY_EXPONENTIAL_BASE" envDefault:"2.0"`
	RetryJitter          bool    `env:"RETRY_JITTER" envDefault:"true"`
	StepTimeoutSeconds   int     `env:"STEP_TIMEOUT_SECONDS" envDefault:"30"`

	// Circuit breaker for participant calls
	CBFailureThreshold uint32 `env:"CB_FAILURE_THRESHOLD" envDefault:"5"`
	CBRecoveryTimeout  int    `env:"CB_RECOVERY_TIMEOUT_SECONDS" envDefault:"60"`
	CBHalfOpenMaxCalls uint32 `env:"CB_HALF_OPEN_MAX_CALLS" envDefault:"3"`

	// Saga lifecycle
	SagaDefaultTimeout  int `env:"SAGA_DEFAULT_TIMEOUT_SECONDS" envDefault:"300"`
	SchedulerInterval   int `env:"SCHEDULER_INTERVAL_SECONDS" envDefault:"10"`
	CompensationTimeout int `env:"COMPENSATION_TIMEOUT_SECONDS" envDefault:"300"`
	ShutdownTimeout     int `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"30"`

	// OpenTelemetry
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`

	// Slow query logging
	SlowQueryThresholdMs int `env:"LOG_SLOW_QUERY_MS" envDefault:"500"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load saga orchestrator config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required")
		}
		if c.PostgresUser == "" {
			return fmt.Errorf("POSTGRES_USER is required")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("STATE_STORE must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.StoreDriver)
	}
	if c.KafkaEnabled && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when KAFKA_ENABLED is set")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.RetryBaseDelayMs < 0 || c.RetryMaxDelayMs < c.RetryBaseDelayMs {
		return fmt.Errorf("retry delays must satisfy 0 <= RETRY_BASE_DELAY_MS <= RETRY_MAX_DELAY_MS")
	}
	if c.RetryExponentialBase < 1 {
		return fmt.Errorf("RETRY_EXPONENTIAL_BASE must be >= 1, got %f", c.RetryExponentialBase)
	}
	if c.CBFailureThreshold == 0 {
		return fmt.Errorf("CB_FAILURE_THRESHOLD must be positive")
	}
	if c.CBHalfOpenMaxCalls == 0 {
		return fmt.Errorf("CB_HALF_OPEN_MAX_CALLS must be positive")
	}
	if c.SchedulerInterval < 1 {
		return fmt.Errorf("SCHEDULER_INTERVAL_SECONDS must be positive, got %d", c.SchedulerInterval)
	}
	if c.SagaDefaultTimeout < 0 || c.CompensationTimeout < 0 || c.StepTimeoutSeconds < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1.0 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %f", c.OTELSampleRate)
	}
	for name, rawURL := range map[string]string{
		"USER_SERVICE_URL":         c.UserServiceURL,
		"WORKSPACE_SERVICE_URL":    c.WorkspaceServiceURL,
		"DATA_SERVICE_URL":         c.DataServiceURL,
		"AI_SERVICE_URL":           c.AIServiceURL,
		"NOTIFICATION_SERVICE_URL": c.NotificationServiceURL,
	} {
		if rawURL == "" {
			return fmt.Errorf("%s is required", name)
		}
		if _, err := url.ParseRequestURI(rawURL); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, rawURL, err)
		}
	}
	return nil
}

// Postgres returns the connection pool settings.
func (c *Config) Postgres() database.PostgresConfig {
	return database.PostgresConfig{
		Host:            c.PostgresHost,
		Port:            c.PostgresPort,
		User:            c.PostgresUser,
		Password:        c.PostgresPass,
		DBName:          c.PostgresDB,
		SSLMode:         c.PostgresSSL,
		MaxConns:        c.DBMaxConns,
		MinConns:        c.DBMinConns,
		MaxConnLifetime: time.Duration(c.DBMaxConnLifetimeMins) * time.Minute,
		MaxConnIdleTime: time.Duration(c.DBMaxConnIdleTimeMins) * time.Minute,
	}
}

// Redis returns the Redis client settings.
func (c *Config) Redis() database.RedisConfig {
	return database.RedisConfig{
		Host:     c.RedisHost,
		Port:     c.RedisPort,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}

// CORS returns the browser access policy for the API.
func (c *Config) CORS() middleware.CORSConfig {
	cors := middleware.DefaultCORSConfig()
	cors.AllowedOrigins = c.CORSAllowedOrigins
	cors.Environment = c.Environment
	return cors
}

// Invoker returns the participant client settings.
func (c *Config) Invoker() httpclient.Config {
	cfg := httpclient.DefaultConfig()
	cfg.Retry = retry.Config{
		MaxAttempts:     c.RetryMaxAttempts,
		AttemptTimeout:  time.Duration(c.StepTimeoutSeconds) * time.Second,
		BaseDelay:       time.Duration(c.RetryBaseDelayMs) * time.Millisecond,
		MaxDelay:        time.Duration(c.RetryMaxDelayMs) * time.Millisecond,
		ExponentialBase: c.RetryExponentialBase,
		Jitter:          c.RetryJitter,
	}
	cfg.Breaker = httpclient.CircuitBreakerConfig{
		FailureThreshold: c.CBFailureThreshold,
		RecoveryTimeout:  time.Duration(c.CBRecoveryTimeout) * time.Second,
		HalfOpenMaxCalls: c.CBHalfOpenMaxCalls,
	}
	return cfg
}

// ServiceURLs returns the participant locations of the built-in sagas.
func (c *Config) ServiceURLs() registry.ServiceURLs {
	return registry.ServiceURLs{
		UserService:         c.UserServiceURL,
		WorkspaceService:    c.WorkspaceServiceURL,
		DataService:         c.DataServiceURL,
		AIService:           c.AIServiceURL,
		NotificationService: c.NotificationServiceURL,
	}
}

// Seconds converts a seconds setting to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
