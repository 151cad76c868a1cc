package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/muaviaUsmani/pantry/internal/logger"
)

// Run store drivers
const (
	RunStoreRedis  = "redis"
	RunStoreSQLite = "sqlite"
)

// Run log encodings
const (
	RunLogFormatJSON     = "json"
	RunLogFormatProtobuf = "protobuf"
)

// Config holds all configuration for the pantry service
type Config struct {
	// RedisURL is the connection URL for Redis
	RedisURL string
	// APIPort is the port the management API listens on
	APIPort string
	// PprofPort enables a pprof listener when non-empty
	PprofPort string

	// RunStoreDriver selects where pipeline runs are kept: "redis" or "sqlite"
	RunStoreDriver string
	// SQLitePath is the run history database file (sqlite driver only)
	SQLitePath string
	// SQLiteBusyTimeout is passed to the sqlite busy_timeout pragma
	SQLiteBusyTimeout time.Duration
	// RunLogFormat is the encoding of run log lines in Redis: "json" or "protobuf"
	RunLogFormat string

	// Timezone cron expressions are evaluated in
	Timezone *time.Location
	// ReconcileInterval is the periodic registry reconcile; zero disables it
	ReconcileInterval time.Duration
	// ScheduleLockTTL bounds how long one replica holds a schedule's fire lock
	ScheduleLockTTL time.Duration

	// ManualTriggerRate is the number of manual runs accepted per minute
	ManualTriggerRate int

	Executor *ExecutorConfig
	Logging  *logger.Config
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	tzName := getEnv("SCHEDULER_TIMEZONE", "UTC")
	tz, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_TIMEZONE %q: %w", tzName, err)
	}

	executor, err := LoadExecutorConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379"),
		APIPort:           getEnv("API_PORT", "8080"),
		PprofPort:         getEnv("PPROF_PORT", ""),
		RunStoreDriver:    strings.ToLower(getEnv("RUN_STORE_DRIVER", RunStoreRedis)),
		SQLitePath:        getEnv("SQLITE_PATH", "/var/lib/pantry/runs.db"),
		SQLiteBusyTimeout: getEnvAsDuration("SQLITE_BUSY_TIMEOUT", 5*time.Second),
		RunLogFormat:      strings.ToLower(getEnv("RUN_LOG_FORMAT", RunLogFormatJSON)),
		Timezone:          tz,
		ReconcileInterval: getEnvAsDuration("RECONCILE_INTERVAL", time.Minute),
		ScheduleLockTTL:   getEnvAsDuration("SCHEDULE_LOCK_TTL", 60*time.Second),
		ManualTriggerRate: getEnvAsInt("MANUAL_TRIGGER_RATE", 6),
		Executor:          executor,
		Logging:           loadLoggingConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the loaded values
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL cannot be empty")
	}
	if c.APIPort == "" {
		return fmt.Errorf("API_PORT cannot be empty")
	}

	switch c.RunStoreDriver {
	case RunStoreRedis:
	case RunStoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH cannot be empty when RUN_STORE_DRIVER=sqlite")
		}
	default:
		return fmt.Errorf("RUN_STORE_DRIVER must be %q or %q, got %q", RunStoreRedis, RunStoreSQLite, c.RunStoreDriver)
	}

	switch c.RunLogFormat {
	case RunLogFormatJSON, RunLogFormatProtobuf:
	default:
		return fmt.Errorf("RUN_LOG_FORMAT must be %q or %q, got %q", RunLogFormatJSON, RunLogFormatProtobuf, c.RunLogFormat)
	}

	if c.ReconcileInterval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL cannot be negative")
	}
	if c.ScheduleLockTTL <= 0 {
		return fmt.Errorf("SCHEDULE_LOCK_TTL must be positive")
	}
	if c.ManualTriggerRate < 1 {
		return fmt.Errorf("MANUAL_TRIGGER_RATE must be at least 1")
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration retrieves an environment variable as a duration or returns a default value.
// A bare "0" is accepted and means zero.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsStringSlice retrieves an environment variable as a comma-separated list
func getEnvAsStringSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

// loadLoggingConfig loads logging configuration from environment variables
func loadLoggingConfig() *logger.Config {
	cfg := logger.DefaultConfig()

	if level := getEnv("LOG_LEVEL", ""); level != "" {
		cfg.Level = logger.LogLevel(strings.ToLower(level))
	}
	if format := getEnv("LOG_FORMAT", ""); format != "" {
		cfg.Format = logger.LogFormat(strings.ToLower(format))
	}

	// Tier 1: Console
	cfg.Console.Enabled = getEnvAsBool("LOG_CONSOLE_ENABLED", true)
	cfg.Console.Color = getEnvAsBool("LOG_COLOR", true)
	cfg.Console.BufferSize = getEnvAsInt("LOG_CONSOLE_BUFFER_SIZE", 65536)
	cfg.Console.FlushInterval = getEnvAsDuration("LOG_CONSOLE_FLUSH_INTERVAL", 100*time.Millisecond)

	// Tier 2: File
	cfg.File.Enabled = getEnvAsBool("LOG_FILE_ENABLED", false)
	cfg.File.Path = getEnv("LOG_FILE_PATH", "/var/log/pantry/pantry.log")
	cfg.File.RunPath = getEnv("LOG_FILE_RUN_PATH", "")
	cfg.File.MaxSizeMB = getEnvAsInt("LOG_FILE_MAX_SIZE_MB", 100)
	cfg.File.MaxBackups = getEnvAsInt("LOG_FILE_MAX_BACKUPS", 5)
	cfg.File.MaxAgeDays = getEnvAsInt("LOG_FILE_MAX_AGE_DAYS", 30)
	cfg.File.Compress = getEnvAsBool("LOG_FILE_COMPRESS", true)
	cfg.File.BufferSize = getEnvAsInt("LOG_FILE_BUFFER_SIZE", 10000)
	cfg.File.BatchSize = getEnvAsInt("LOG_FILE_BATCH_SIZE", 100)
	cfg.File.BatchInterval = getEnvAsDuration("LOG_FILE_BATCH_INTERVAL", 100*time.Millisecond)

	return cfg
}
