package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// ConsoleLogger writes entries to stdout through log/slog.
// Writes go through an async buffer flushed on an interval.
type ConsoleLogger struct {
	handler slog.Handler
	writer  *bufferedWriter
}

// bufferedWriter queues writes and flushes them from a background goroutine
type bufferedWriter struct {
	out     io.Writer
	queue   chan []byte
	done    chan struct{}
	stopped chan struct{}
	every   time.Duration

	mu     sync.Mutex
	closed bool
}

func newBufferedWriter(out io.Writer, bufferSize int, every time.Duration) *bufferedWriter {
	entries := bufferSize / 256
	if entries < 1 {
		entries = 1
	}
	if every <= 0 {
		every = 100 * time.Millisecond
	}
	bw := &bufferedWriter{
		out:     out,
		queue:   make(chan []byte, entries),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		every:   every,
	}
	go bw.run()
	return bw
}

// Write implements io.Writer. When the queue is full the write goes straight through.
func (bw *bufferedWriter) Write(p []byte) (int, error) {
	bw.mu.Lock()
	closed := bw.closed
	bw.mu.Unlock()
	if closed {
		return bw.out.Write(p)
	}

	buf := make([]byte, len(p))
	copy(buf, p)

	select {
	case bw.queue <- buf:
		return len(p), nil
	default:
		return bw.out.Write(p)
	}
}

func (bw *bufferedWriter) run() {
	defer close(bw.stopped)
	ticker := time.NewTicker(bw.every)
	defer ticker.Stop()

	for {
		select {
		case buf := <-bw.queue:
			_, _ = bw.out.Write(buf)
		case <-ticker.C:
			bw.drain()
		case <-bw.done:
			bw.drain()
			return
		}
	}
}

func (bw *bufferedWriter) drain() {
	for {
		select {
		case buf := <-bw.queue:
			_, _ = bw.out.Write(buf)
		default:
			return
		}
	}
}

// Close flushes pending writes and stops the flusher
func (bw *bufferedWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.mu.Unlock()

	close(bw.done)
	<-bw.stopped
	return nil
}

// NewConsoleLogger creates the stdout tier
func NewConsoleLogger(config *Config) *ConsoleLogger {
	return newConsoleLogger(config, os.Stdout)
}

func newConsoleLogger(config *Config, out io.Writer) *ConsoleLogger {
	w := newBufferedWriter(out, config.Console.BufferSize, config.Console.FlushInterval)
	opts := &slog.HandlerOptions{Level: slogLevel(config.Level)}

	var h slog.Handler
	switch {
	case config.Format == FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case config.Console.Color:
		h = newColorTextHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}

	return &ConsoleLogger{handler: h, writer: w}
}

func (cl *ConsoleLogger) write(level LogLevel, msg string, component Component, source LogSource, fields map[string]interface{}) {
	record := slog.NewRecord(time.Now(), slogLevel(level), msg, 0)
	if component != "" {
		record.AddAttrs(slog.String("component", string(component)))
	}
	if source != "" {
		record.AddAttrs(slog.String("log_source", string(source)))
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		record.AddAttrs(slog.Any(k, fields[k]))
	}

	_ = cl.handler.Handle(context.Background(), record)
}

// Close flushes the console buffer
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

// colorTextHandler renders "time LEVEL [component] msg key=value ..." with coloured levels
type colorTextHandler struct {
	w     io.Writer
	level slog.Leveler
	mu    sync.Mutex

	levels map[slog.Level]*color.Color
	dim    *color.Color
}

func newColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *colorTextHandler {
	var lvl slog.Leveler = slog.LevelInfo
	if opts != nil && opts.Level != nil {
		lvl = opts.Level
	}
	return &colorTextHandler{
		w:     w,
		level: lvl,
		levels: map[slog.Level]*color.Color{
			slog.LevelDebug: color.New(color.FgCyan),
			slog.LevelInfo:  color.New(color.FgGreen),
			slog.LevelWarn:  color.New(color.FgYellow),
			slog.LevelError: color.New(color.FgRed, color.Bold),
		},
		dim: color.New(color.Faint),
	}
}

func (h *colorTextHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *colorTextHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(h.dim.Sprint(r.Time.Format("15:04:05.000")))
	b.WriteByte(' ')

	c, ok := h.levels[r.Level]
	if !ok {
		c = h.levels[slog.LevelInfo]
	}
	b.WriteString(c.Sprintf("%-5s", r.Level.String()))

	var attrs []string
	var component string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = a.Value.String()
			return true
		}
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value.Any()))
		return true
	})

	if component != "" {
		b.WriteString(" [" + component + "]")
	}
	b.WriteByte(' ')
	b.WriteString(r.Message)
	for _, a := range attrs {
		b.WriteByte(' ')
		b.WriteString(h.dim.Sprint(a))
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

// WithAttrs and WithGroup are not used; the MultiLogger carries fields itself
func (h *colorTextHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *colorTextHandler) WithGroup(_ string) slog.Handler      { return h }
