package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

// ConsoleLogger implements Tier 1: slog records written through an async buffer,
// as JSON or coloured text
type ConsoleLogger struct {
	config  *Config
	handler slog.Handler
	writer  *bufferedWriter
}

// bufferedWriter queues writes and flushes them from a background goroutine
type bufferedWriter struct {
	writer        io.Writer
	buffer        chan []byte
	flushInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
	mu            sync.Mutex
	writeMu       sync.Mutex
	closed        bool
}

func newBufferedWriter(w io.Writer, bufferSize int, flushInterval time.Duration) *bufferedWriter {
	slots := bufferSize / 256
	if slots < 1 {
		slots = 1
	}
	bw := &bufferedWriter{
		writer:        w,
		buffer:        make(chan []byte, slots),
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}

	go bw.flusher()

	return bw
}

// Write implements io.Writer
func (bw *bufferedWriter) Write(p []byte) (n int, err error) {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return 0, fmt.Errorf("writer is closed")
	}
	bw.mu.Unlock()

	buf := make([]byte, len(p))
	copy(buf, p)

	select {
	case bw.buffer <- buf:
		return len(p), nil
	default:
		// Buffer full, write through
		return bw.write(p)
	}
}

func (bw *bufferedWriter) write(p []byte) (int, error) {
	bw.writeMu.Lock()
	defer bw.writeMu.Unlock()
	return bw.writer.Write(p)
}

func (bw *bufferedWriter) flusher() {
	defer close(bw.done)

	ticker := time.NewTicker(bw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case buf := <-bw.buffer:
			_, _ = bw.write(buf)
		case <-ticker.C:
			bw.drain()
		case <-bw.stop:
			bw.drain()
			return
		}
	}
}

func (bw *bufferedWriter) drain() {
	for {
		select {
		case buf := <-bw.buffer:
			_, _ = bw.write(buf)
		default:
			return
		}
	}
}

// Close stops the flusher after writing everything still queued
func (bw *bufferedWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.mu.Unlock()

	close(bw.stop)
	<-bw.done

	return nil
}

// NewConsoleLogger creates a new console logger
func NewConsoleLogger(config *Config) (*ConsoleLogger, error) {
	out := config.Console.Output
	if out == nil {
		out = os.Stdout
	}

	cl := &ConsoleLogger{
		config: config,
		writer: newBufferedWriter(out, config.Console.BufferSize, config.Console.FlushInterval),
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel(config.Level),
	}

	switch {
	case config.Format == FormatJSON:
		cl.handler = slog.NewJSONHandler(cl.writer, opts)
	case config.Console.Color:
		cl.handler = newColorTextHandler(cl.writer, opts)
	default:
		cl.handler = slog.NewTextHandler(cl.writer, opts)
	}

	return cl, nil
}

func (cl *ConsoleLogger) log(level LogLevel, msg string, component Component, source LogSource, fields map[string]interface{}) {
	record := slog.NewRecord(time.Now(), slogLevel(level), msg, 0)

	if component != "" {
		record.AddAttrs(slog.String("component", string(component)))
	}
	if source != "" {
		record.AddAttrs(slog.String("log_source", string(source)))
	}
	for k, v := range fields {
		record.AddAttrs(slog.Any(k, v))
	}

	_ = cl.handler.Handle(context.Background(), record)
}

// Close flushes and closes the console logger
func (cl *ConsoleLogger) Close() error {
	return cl.writer.Close()
}

func slogLevel(level LogLevel) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// colorTextHandler renders records as a coloured level tag followed by JSON attributes
type colorTextHandler struct {
	w    io.Writer
	opts *slog.HandlerOptions
	mu   sync.Mutex

	levels map[slog.Level]*color.Color
}

func newColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *colorTextHandler {
	return &colorTextHandler{
		w:    w,
		opts: opts,
		levels: map[slog.Level]*color.Color{
			slog.LevelDebug: color.New(color.FgCyan),
			slog.LevelInfo:  color.New(color.FgGreen),
			slog.LevelWarn:  color.New(color.FgYellow),
			slog.LevelError: color.New(color.FgRed, color.Bold),
		},
	}
}

// Enabled implements slog.Handler
func (h *colorTextHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts != nil && h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

// Handle implements slog.Handler
func (h *colorTextHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	attrs := make(map[string]interface{}, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})

	levelStr := r.Level.String()
	if c, ok := h.levels[r.Level]; ok {
		levelStr = c.Sprint(levelStr)
	}

	line := fmt.Sprintf("%s %-5s %s", r.Time.Format(time.RFC3339), levelStr, r.Message)
	if len(attrs) > 0 {
		data, err := json.Marshal(attrs)
		if err != nil {
			return err
		}
		line += " " + string(data)
	}

	_, err := io.WriteString(h.w, line+"\n")
	return err
}

// WithAttrs implements slog.Handler. MultiLogger carries its own fields, so
// handler-level attrs are not used.
func (h *colorTextHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

// WithGroup implements slog.Handler
func (h *colorTextHandler) WithGroup(_ string) slog.Handler {
	return h
}
