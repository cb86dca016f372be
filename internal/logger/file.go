package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileLogger writes JSON lines to a rotating file.
// Entries are buffered on a channel and written in batches.
type FileLogger struct {
	config *Config
	out    io.WriteCloser
	rotate func() error

	buffer  chan *LogEntry
	done    chan struct{}
	wg      sync.WaitGroup
	dropped int64
	mu      sync.Mutex
}

// NewFileLogger creates the rotating file tier
func NewFileLogger(config *Config) (*FileLogger, error) {
	if !config.File.Enabled {
		return nil, fmt.Errorf("file logging is not enabled")
	}

	lj := &lumberjack.Logger{
		Filename:   config.File.Path,
		MaxSize:    config.File.MaxSizeMB,
		MaxBackups: config.File.MaxBackups,
		MaxAge:     config.File.MaxAgeDays,
		Compress:   config.File.Compress,
	}

	return newFileLogger(config, lj, lj.Rotate), nil
}

func newFileLogger(config *Config, out io.WriteCloser, rotate func() error) *FileLogger {
	size := config.File.BufferSize
	if size <= 0 {
		size = 1000
	}
	fl := &FileLogger{
		config: config,
		out:    out,
		rotate: rotate,
		buffer: make(chan *LogEntry, size),
		done:   make(chan struct{}),
	}
	fl.wg.Add(1)
	go fl.batchWriter()
	return fl
}

func (fl *FileLogger) write(level LogLevel, msg string, component Component, source LogSource, fields map[string]interface{}) {
	entry := &LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
		Component: component,
		Source:    source,
		Fields:    fields,
	}
	if v, ok := fields["tick_id"].(string); ok {
		entry.TickID = v
	}
	if v, ok := fields["account_id"]; ok {
		entry.AccountID = v
	}
	if v, ok := fields["rule_id"].(string); ok {
		entry.RuleID = v
	}
	if v, ok := fields["error"]; ok {
		entry.Error = fmt.Sprintf("%v", v)
	}

	select {
	case fl.buffer <- entry:
	default:
		fl.mu.Lock()
		fl.dropped++
		fl.mu.Unlock()
	}
}

func (fl *FileLogger) batchWriter() {
	defer fl.wg.Done()

	interval := fl.config.File.BatchInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]*LogEntry, 0, fl.config.File.BatchSize)
	for {
		select {
		case entry := <-fl.buffer:
			batch = append(batch, entry)
			if len(batch) >= fl.config.File.BatchSize {
				batch = fl.flush(batch)
			}
		case <-ticker.C:
			batch = fl.flush(batch)
		case <-fl.done:
			for {
				select {
				case entry := <-fl.buffer:
					batch = append(batch, entry)
				default:
					fl.flush(batch)
					return
				}
			}
		}
	}
}

func (fl *FileLogger) flush(batch []*LogEntry) []*LogEntry {
	for _, entry := range batch {
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		_, _ = fl.out.Write(append(data, '\n'))
	}
	return batch[:0]
}

// Dropped returns how many entries were discarded because the buffer was full
func (fl *FileLogger) Dropped() int64 {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.dropped
}

// Close flushes pending entries and closes the file
func (fl *FileLogger) Close() error {
	close(fl.done)
	fl.wg.Wait()
	if err := fl.out.Close(); err != nil {
		return fmt.Errorf("failed to close file logger: %w", err)
	}
	return nil
}

// Rotate triggers manual log rotation
func (fl *FileLogger) Rotate() error {
	if fl.rotate == nil {
		return nil
	}
	return fl.rotate()
}
