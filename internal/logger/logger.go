package logger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
)

// Logger is the logging interface used throughout the service
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})

	// Context variants pick up run_id and schedule_id set with WithRunID/WithScheduleID
	DebugContext(ctx context.Context, msg string, args ...interface{})
	InfoContext(ctx context.Context, msg string, args ...interface{})
	WarnContext(ctx context.Context, msg string, args ...interface{})
	ErrorContext(ctx context.Context, msg string, args ...interface{})

	WithFields(fields map[string]interface{}) Logger
	WithComponent(component Component) Logger
	WithSource(source LogSource) Logger

	// Close flushes and closes all log destinations
	Close() error
}

// Field names lifted out of the context
const (
	FieldRunID      = "run_id"
	FieldScheduleID = "schedule_id"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	scheduleIDKey
)

// WithRunID returns a context whose log lines carry the run id
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// WithScheduleID returns a context whose log lines carry the schedule id
func WithScheduleID(ctx context.Context, scheduleID string) context.Context {
	return context.WithValue(ctx, scheduleIDKey, scheduleID)
}

// LogEntry is the JSON shape written by the file tier
type LogEntry struct {
	Timestamp  string                 `json:"timestamp"`
	Level      LogLevel               `json:"level"`
	Message    string                 `json:"message"`
	Component  Component              `json:"component,omitempty"`
	Source     LogSource              `json:"log_source,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	RunID      string                 `json:"run_id,omitempty"`
	ScheduleID string                 `json:"schedule_id,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// MultiLogger implements Logger by dispatching to the console and file tiers
type MultiLogger struct {
	config     *Config
	console    *ConsoleLogger
	file       *FileLogger
	baseFields map[string]interface{}
	component  Component
	source     LogSource
}

// NewLogger creates a new multi-tier logger based on configuration
func NewLogger(config *Config) (*MultiLogger, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logger config: %w", err)
	}

	ml := &MultiLogger{
		config:     config,
		baseFields: make(map[string]interface{}),
		source:     LogSourceInternal,
	}

	if config.Console.Enabled {
		console, err := NewConsoleLogger(config)
		if err != nil {
			return nil, fmt.Errorf("failed to create console logger: %w", err)
		}
		ml.console = console
	}

	// File logging is optional; a bad path only disables the tier
	if config.File.Enabled {
		file, err := NewFileLogger(config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to create file logger: %v\n", err)
		} else {
			ml.file = file
		}
	}

	return ml, nil
}

func (ml *MultiLogger) Debug(msg string, args ...interface{}) {
	ml.DebugContext(context.Background(), msg, args...)
}

func (ml *MultiLogger) Info(msg string, args ...interface{}) {
	ml.InfoContext(context.Background(), msg, args...)
}

func (ml *MultiLogger) Warn(msg string, args ...interface{}) {
	ml.WarnContext(context.Background(), msg, args...)
}

func (ml *MultiLogger) Error(msg string, args ...interface{}) {
	ml.ErrorContext(context.Background(), msg, args...)
}

func (ml *MultiLogger) DebugContext(ctx context.Context, msg string, args ...interface{}) {
	ml.log(ctx, LevelDebug, msg, args...)
}

func (ml *MultiLogger) InfoContext(ctx context.Context, msg string, args ...interface{}) {
	ml.log(ctx, LevelInfo, msg, args...)
}

func (ml *MultiLogger) WarnContext(ctx context.Context, msg string, args ...interface{}) {
	ml.log(ctx, LevelWarn, msg, args...)
}

func (ml *MultiLogger) ErrorContext(ctx context.Context, msg string, args ...interface{}) {
	ml.log(ctx, LevelError, msg, args...)
}

// WithFields returns a new logger with additional fields
func (ml *MultiLogger) WithFields(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(ml.baseFields)+len(fields))
	for k, v := range ml.baseFields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	clone := ml.clone()
	clone.baseFields = merged
	return clone
}

// WithComponent returns a new logger tagged with a component
func (ml *MultiLogger) WithComponent(component Component) Logger {
	clone := ml.clone()
	clone.component = component
	return clone
}

// WithSource returns a new logger tagged with a log source
func (ml *MultiLogger) WithSource(source LogSource) Logger {
	clone := ml.clone()
	clone.source = source
	return clone
}

func (ml *MultiLogger) clone() *MultiLogger {
	return &MultiLogger{
		config:     ml.config,
		console:    ml.console,
		file:       ml.file,
		baseFields: ml.baseFields,
		component:  ml.component,
		source:     ml.source,
	}
}

// Close flushes and closes all log destinations. Loggers derived with
// With* share the tiers, so only the root logger should be closed.
func (ml *MultiLogger) Close() error {
	var errs []error

	if ml.console != nil {
		if err := ml.console.Close(); err != nil {
			errs = append(errs, fmt.Errorf("console close: %w", err))
		}
	}
	if ml.file != nil {
		if err := ml.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("file close: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (ml *MultiLogger) shouldLog(level LogLevel) bool {
	return levelRank[level] >= levelRank[ml.config.Level]
}

func (ml *MultiLogger) log(ctx context.Context, level LogLevel, msg string, args ...interface{}) {
	if !ml.shouldLog(level) {
		return
	}

	fields := make(map[string]interface{}, len(ml.baseFields)+len(args)/2+2)
	for k, v := range ml.baseFields {
		fields[k] = v
	}

	// args are key-value pairs; a trailing key without a value is ignored
	for i := 0; i+1 < len(args); i += 2 {
		fields[fmt.Sprintf("%v", args[i])] = args[i+1]
	}

	if ctx != nil {
		if runID, ok := ctx.Value(runIDKey).(string); ok && runID != "" {
			fields[FieldRunID] = runID
		}
		if scheduleID, ok := ctx.Value(scheduleIDKey).(string); ok && scheduleID != "" {
			fields[FieldScheduleID] = scheduleID
		}
	}

	if ml.console != nil {
		ml.console.log(level, msg, ml.component, ml.source, fields)
	}
	if ml.file != nil {
		ml.file.log(level, msg, ml.component, ml.source, fields)
	}
}

// NoOpLogger discards everything; it is the default until SetDefault is called
type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{})                            {}
func (n *NoOpLogger) Info(msg string, args ...interface{})                             {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})                             {}
func (n *NoOpLogger) Error(msg string, args ...interface{})                            {}
func (n *NoOpLogger) DebugContext(ctx context.Context, msg string, args ...interface{}) {}
func (n *NoOpLogger) InfoContext(ctx context.Context, msg string, args ...interface{})  {}
func (n *NoOpLogger) WarnContext(ctx context.Context, msg string, args ...interface{})  {}
func (n *NoOpLogger) ErrorContext(ctx context.Context, msg string, args ...interface{}) {}
func (n *NoOpLogger) WithFields(fields map[string]interface{}) Logger                  { return n }
func (n *NoOpLogger) WithComponent(component Component) Logger                         { return n }
func (n *NoOpLogger) WithSource(source LogSource) Logger                               { return n }
func (n *NoOpLogger) Close() error                                                     { return nil }

var _ Logger = (*NoOpLogger)(nil)
var _ Logger = (*MultiLogger)(nil)

var (
	defaultLogger Logger = &NoOpLogger{}
	loggerMu      sync.RWMutex
)

// SetDefault sets the global default logger
func SetDefault(l Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	defaultLogger = l
}

// Default returns the global default logger
func Default() Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return defaultLogger
}

// For returns the default logger tagged with component
func For(component Component) Logger {
	return Default().WithComponent(component)
}

func Debug(msg string, args ...interface{}) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...interface{}) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...interface{}) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...interface{}) {
	Default().Error(msg, args...)
}
