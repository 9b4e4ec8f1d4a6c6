package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Broker       BrokerConfig
	Encryption   EncryptionConfig
	Scheduler    SchedulerConfig
	Resilience   ResilienceConfig
	Sync         SyncConfig
	Log          LogConfig
	Telemetry    TelemetryConfig
	Institutions *InstitutionsFile
	// MessagesFile overrides the built-in user-facing texts.
	MessagesFile string
}

type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// PublicURL prefixes webhook callback URLs registered with institutions.
	PublicURL string
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	// Addr enables the distributed connection lock. Empty means single instance.
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

// BrokerConfig selects the notification transport: "nats", "rabbitmq" or "log".
type BrokerConfig struct {
	Kind          string
	URL           string
	Exchange      string
	SubjectPrefix string
	BufferSize    int
}

type EncryptionConfig struct {
	Key string
}

type SchedulerConfig struct {
	Enabled      bool
	PollInterval time.Duration
	WorkerCount  int
	QueueSize    int
	JobTimeout   time.Duration
	RunOnStartup bool
}

type ResilienceConfig struct {
	BreakerThreshold int
	BreakerReset     time.Duration
	CallTimeout      time.Duration
	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	RateLimitCap     time.Duration
	DisableThreshold int
}

type SyncConfig struct {
	InitialWindow time.Duration
	PollWindow    time.Duration
	ManualWindow  time.Duration
	WebhookWindow time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	MetricsPort  string
}

func Load() (*Config, error) {
	var errs []string
	intEnv := func(key string, def int) int {
		v, err := strconv.Atoi(getEnv(key, strconv.Itoa(def)))
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s: %v", key, err))
		}
		return v
	}
	durEnv := func(key string, def time.Duration) time.Duration {
		v, err := getDurationEnv(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return v
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			Host:            getEnv("HOST", "0.0.0.0"),
			ReadTimeout:     durEnv("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    durEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: durEnv("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			PublicURL:       strings.TrimSuffix(getEnv("PUBLIC_URL", ""), "/"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            intEnv("DB_PORT", 5432),
			User:            getEnv("DB_USER", "ledgersync"),
			Password:        getEnv("DB_PASSWORD", ""),
			DBName:          getEnv("DB_NAME", "ledgersync"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    intEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    intEnv("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: durEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       intEnv("REDIS_DB", 0),
			LockTTL:  durEnv("LOCK_TTL", 30*time.Second),
		},
		Broker: BrokerConfig{
			Kind:          strings.ToLower(getEnv("BROKER", "log")),
			URL:           getEnv("BROKER_URL", ""),
			Exchange:      getEnv("BROKER_EXCHANGE", "ledgersync.events"),
			SubjectPrefix: getEnv("BROKER_SUBJECT_PREFIX", "ledgersync"),
			BufferSize:    intEnv("EVENT_BUFFER_SIZE", 256),
		},
		Encryption: EncryptionConfig{
			Key: getEnv("ENCRYPTION_KEY", ""),
		},
		Scheduler: SchedulerConfig{
			Enabled:      getBoolEnv("SCHEDULER_ENABLED", true),
			PollInterval: durEnv("SCHEDULER_POLL_INTERVAL", 15*time.Minute),
			WorkerCount:  intEnv("SCHEDULER_WORKERS", 5),
			QueueSize:    intEnv("SCHEDULER_QUEUE_SIZE", 100),
			JobTimeout:   durEnv("SCHEDULER_JOB_TIMEOUT", 10*time.Minute),
			RunOnStartup: getBoolEnv("SCHEDULER_RUN_ON_STARTUP", false),
		},
		Resilience: ResilienceConfig{
			BreakerThreshold: intEnv("BREAKER_FAILURE_THRESHOLD", 5),
			BreakerReset:     durEnv("BREAKER_RESET_TIMEOUT", 60*time.Second),
			CallTimeout:      durEnv("ADAPTER_CALL_TIMEOUT", 30*time.Second),
			MaxAttempts:      intEnv("RETRY_MAX_ATTEMPTS", 3),
			BackoffBase:      durEnv("RETRY_BACKOFF_BASE", 500*time.Millisecond),
			BackoffCap:       durEnv("RETRY_BACKOFF_CAP", 10*time.Second),
			RateLimitCap:     durEnv("RETRY_RATE_LIMIT_CAP", 60*time.Second),
			DisableThreshold: intEnv("CONNECTION_DISABLE_THRESHOLD", 3),
		},
		Sync: SyncConfig{
			InitialWindow: durEnv("SYNC_INITIAL_WINDOW", 90*24*time.Hour),
			PollWindow:    durEnv("SYNC_POLL_WINDOW", 24*time.Hour),
			ManualWindow:  durEnv("SYNC_MANUAL_WINDOW", 7*24*time.Hour),
			WebhookWindow: durEnv("SYNC_WEBHOOK_WINDOW", 72*time.Hour),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      getBoolEnv("OTEL_ENABLED", false),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "ledgersync"),
			Environment:  getEnv("ENVIRONMENT", "development"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
			MetricsPort:  getEnv("METRICS_PORT", "9090"),
		},
		MessagesFile: getEnv("MESSAGES_FILE", ""),
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}

	// Validate required fields
	if cfg.Encryption.Key == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(cfg.Encryption.Key) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes")
	}

	switch cfg.Broker.Kind {
	case "log":
	case "nats", "rabbitmq":
		if cfg.Broker.URL == "" {
			return nil, fmt.Errorf("BROKER_URL is required when BROKER=%s", cfg.Broker.Kind)
		}
	default:
		return nil, fmt.Errorf("unsupported BROKER %q (want nats, rabbitmq or log)", cfg.Broker.Kind)
	}

	if cfg.Resilience.BreakerThreshold <= 0 {
		return nil, fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be positive")
	}
	if cfg.Scheduler.WorkerCount <= 0 {
		return nil, fmt.Errorf("SCHEDULER_WORKERS must be positive")
	}

	institutions, err := LoadInstitutions(getEnv("INSTITUTIONS_FILE", ""))
	if err != nil {
		return nil, err
	}
	cfg.Institutions = institutions

	return cfg, nil
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	// Accept: true, false, 1, 0, yes, no (case-insensitive)
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}

func getDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
