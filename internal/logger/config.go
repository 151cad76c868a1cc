package logger

import (
	"fmt"
	"io"
	"time"
)

// LogLevel represents the severity level of a log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// LogFormat represents the output format for logs
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// LogSource separates service logs from logs emitted on behalf of a pipeline run
type LogSource string

const (
	LogSourceInternal LogSource = "pantry_internal" // Service logs
	LogSourceRun      LogSource = "pantry_run"      // Logs tied to a specific run
)

// Component identifies which part of the service generated the log
type Component string

const (
	ComponentAPI      Component = "api"
	ComponentRegistry Component = "registry"
	ComponentTracker  Component = "tracker"
	ComponentHistory  Component = "history"
	ComponentExecutor Component = "executor"
	ComponentStore    Component = "store"
	ComponentLogger   Component = "logger"
)

// Config holds the logging configuration for both tiers
type Config struct {
	Level  LogLevel  `json:"level"`
	Format LogFormat `json:"format"`

	// Tier 1: Console
	Console ConsoleConfig `json:"console"`

	// Tier 2: File (optional)
	File FileConfig `json:"file"`
}

// ConsoleConfig configures console logging (Tier 1)
type ConsoleConfig struct {
	Enabled       bool          `json:"enabled"`
	Color         bool          `json:"color"`          // text format only
	BufferSize    int           `json:"buffer_size"`    // bytes, default 64KB
	FlushInterval time.Duration `json:"flush_interval"` // default 100ms

	// Output defaults to os.Stdout
	Output io.Writer `json:"-"`
}

// FileConfig configures rotating file logging (Tier 2)
type FileConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	// RunPath receives logs written on behalf of a run; empty keeps them in Path
	RunPath    string `json:"run_path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`

	BufferSize    int           `json:"buffer_size"`    // channel size, default 10000
	BatchSize     int           `json:"batch_size"`     // default 100
	BatchInterval time.Duration `json:"batch_interval"` // default 100ms
}

// DefaultConfig returns a default logging configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: FormatJSON,
		Console: ConsoleConfig{
			Enabled:       true,
			Color:         true,
			BufferSize:    65536,
			FlushInterval: 100 * time.Millisecond,
		},
		File: FileConfig{
			Enabled:       false,
			Path:          "/var/log/pantry/pantry.log",
			MaxSizeMB:     100,
			MaxBackups:    5,
			MaxAgeDays:    30,
			Compress:      true,
			BufferSize:    10000,
			BatchSize:     100,
			BatchInterval: 100 * time.Millisecond,
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, ok := levelRank[c.Level]; !ok {
		return fmt.Errorf("invalid log level: %s", c.Level)
	}

	switch c.Format {
	case FormatJSON, FormatText:
	default:
		return fmt.Errorf("invalid log format: %s", c.Format)
	}

	if c.Console.Enabled && c.Console.FlushInterval <= 0 {
		return fmt.Errorf("console flush interval must be > 0")
	}

	if c.File.Enabled {
		if c.File.Path == "" {
			return fmt.Errorf("file logging enabled but path is empty")
		}
		if c.File.MaxSizeMB <= 0 {
			return fmt.Errorf("file max size must be > 0")
		}
		if c.File.BatchSize <= 0 {
			return fmt.Errorf("file batch size must be > 0")
		}
		if c.File.BatchInterval <= 0 {
			return fmt.Errorf("file batch interval must be > 0")
		}
	}

	return nil
}
