package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileLogger writes JSON lines to rotating files. Service logs go to
// File.Path; logs emitted on behalf of a run go to File.RunPath when set,
// so pipeline output can be kept longer than service chatter.
type FileLogger struct {
	cfg     FileConfig
	service *lumberjack.Logger
	runs    *lumberjack.Logger

	entries   chan *LogEntry
	dropped   atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewFileLogger opens the file tier described by config.File
func NewFileLogger(config *Config) (*FileLogger, error) {
	fc := config.File
	if !fc.Enabled {
		return nil, fmt.Errorf("file logging is not enabled")
	}

	fl := &FileLogger{
		cfg:     fc,
		service: rotating(fc, fc.Path),
		entries: make(chan *LogEntry, fc.BufferSize),
		done:    make(chan struct{}),
	}
	if fc.RunPath != "" && fc.RunPath != fc.Path {
		fl.runs = rotating(fc, fc.RunPath)
	}

	fl.wg.Add(1)
	go fl.writeLoop()

	return fl, nil
}

func rotating(fc FileConfig, path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    fc.MaxSizeMB,
		MaxBackups: fc.MaxBackups,
		MaxAge:     fc.MaxAgeDays,
		Compress:   fc.Compress,
	}
}

func (fl *FileLogger) log(level LogLevel, msg string, component Component, source LogSource, fields map[string]interface{}) {
	entry := &LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
		Component: component,
		Source:    source,
		Fields:    fields,
	}
	if v, ok := fields[FieldRunID].(string); ok {
		entry.RunID = v
	}
	if v, ok := fields[FieldScheduleID].(string); ok {
		entry.ScheduleID = v
	}
	if v, ok := fields["error"]; ok {
		entry.Error = fmt.Sprint(v)
	}

	select {
	case fl.entries <- entry:
	default:
		fl.dropped.Add(1)
	}
}

// Dropped returns how many entries were discarded because the buffer was full
func (fl *FileLogger) Dropped() int64 {
	return fl.dropped.Load()
}

func (fl *FileLogger) writeLoop() {
	defer fl.wg.Done()

	ticker := time.NewTicker(fl.cfg.BatchInterval)
	defer ticker.Stop()

	pending := make([]*LogEntry, 0, fl.cfg.BatchSize)
	for {
		select {
		case entry := <-fl.entries:
			pending = append(pending, entry)
			if len(pending) >= fl.cfg.BatchSize {
				pending = fl.flush(pending)
			}
		case <-ticker.C:
			pending = fl.flush(pending)
		case <-fl.done:
			for {
				select {
				case entry := <-fl.entries:
					pending = append(pending, entry)
				default:
					fl.flush(pending)
					return
				}
			}
		}
	}
}

// flush writes pending entries and returns the emptied slice
func (fl *FileLogger) flush(pending []*LogEntry) []*LogEntry {
	for _, entry := range pending {
		line, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		_, _ = fl.writerFor(entry).Write(append(line, '\n'))
	}
	return pending[:0]
}

func (fl *FileLogger) writerFor(entry *LogEntry) io.Writer {
	if fl.runs != nil && entry.Source == LogSourceRun {
		return fl.runs
	}
	return fl.service
}

// Close drains buffered entries and closes the files
func (fl *FileLogger) Close() error {
	fl.closeOnce.Do(func() { close(fl.done) })
	fl.wg.Wait()

	if n := fl.dropped.Load(); n > 0 {
		fmt.Fprintf(os.Stderr, "Warning: file logger dropped %d entries\n", n)
	}

	err := fl.service.Close()
	if fl.runs != nil {
		if rerr := fl.runs.Close(); err == nil {
			err = rerr
		}
	}
	if err != nil {
		return fmt.Errorf("failed to close file logger: %w", err)
	}
	return nil
}

// Rotate rotates every open log file
func (fl *FileLogger) Rotate() error {
	if err := fl.service.Rotate(); err != nil {
		return err
	}
	if fl.runs != nil {
		return fl.runs.Rotate()
	}
	return nil
}
