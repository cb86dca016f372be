package logger

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// Logger is the logging interface used throughout sellerpilot.
// Args are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})

	DebugContext(ctx context.Context, msg string, args ...interface{})
	InfoContext(ctx context.Context, msg string, args ...interface{})
	WarnContext(ctx context.Context, msg string, args ...interface{})
	ErrorContext(ctx context.Context, msg string, args ...interface{})

	// WithFields returns a logger that adds fields to every entry
	WithFields(fields map[string]interface{}) Logger

	// WithComponent returns a logger tagged with a component
	WithComponent(component Component) Logger

	// WithSource returns a logger tagged with a log source
	WithSource(source LogSource) Logger

	// Close flushes and closes all log destinations
	Close() error
}

// LogEntry is the on-disk shape of a file tier entry
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Message   string                 `json:"message"`
	Component Component              `json:"component,omitempty"`
	Source    LogSource              `json:"log_source,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	TickID    string                 `json:"tick_id,omitempty"`
	AccountID interface{}            `json:"account_id,omitempty"`
	RuleID    string                 `json:"rule_id,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// sink is one log destination
type sink interface {
	write(level LogLevel, msg string, component Component, source LogSource, fields map[string]interface{})
	Close() error
}

// MultiLogger implements Logger by dispatching to every enabled sink
type MultiLogger struct {
	config     *Config
	sinks      []sink
	baseFields map[string]interface{}
	component  Component
	source     LogSource
}

// NewLogger creates a logger for every tier enabled in config
func NewLogger(config *Config) (*MultiLogger, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logger config: %w", err)
	}

	ml := &MultiLogger{
		config:     config,
		baseFields: map[string]interface{}{},
	}

	if config.Console.Enabled {
		ml.sinks = append(ml.sinks, NewConsoleLogger(config))
	}

	if config.File.Enabled {
		file, err := NewFileLogger(config)
		if err != nil {
			// file logging is optional
			fmt.Fprintf(os.Stderr, "Warning: Failed to create file logger: %v\n", err)
		} else {
			ml.sinks = append(ml.sinks, file)
		}
	}

	return ml, nil
}

func (ml *MultiLogger) Debug(msg string, args ...interface{}) {
	ml.log(context.Background(), LevelDebug, msg, args)
}

func (ml *MultiLogger) Info(msg string, args ...interface{}) {
	ml.log(context.Background(), LevelInfo, msg, args)
}

func (ml *MultiLogger) Warn(msg string, args ...interface{}) {
	ml.log(context.Background(), LevelWarn, msg, args)
}

func (ml *MultiLogger) Error(msg string, args ...interface{}) {
	ml.log(context.Background(), LevelError, msg, args)
}

func (ml *MultiLogger) DebugContext(ctx context.Context, msg string, args ...interface{}) {
	ml.log(ctx, LevelDebug, msg, args)
}

func (ml *MultiLogger) InfoContext(ctx context.Context, msg string, args ...interface{}) {
	ml.log(ctx, LevelInfo, msg, args)
}

func (ml *MultiLogger) WarnContext(ctx context.Context, msg string, args ...interface{}) {
	ml.log(ctx, LevelWarn, msg, args)
}

func (ml *MultiLogger) ErrorContext(ctx context.Context, msg string, args ...interface{}) {
	ml.log(ctx, LevelError, msg, args)
}

// clone copies the logger, sharing sinks
func (ml *MultiLogger) clone() *MultiLogger {
	return &MultiLogger{
		config:     ml.config,
		sinks:      ml.sinks,
		baseFields: ml.baseFields,
		component:  ml.component,
		source:     ml.source,
	}
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
	c := ml.clone()
	c.baseFields = merged
	return c
}

// WithComponent returns a new logger tagged with a component
func (ml *MultiLogger) WithComponent(component Component) Logger {
	c := ml.clone()
	c.component = component
	return c
}

// WithSource returns a new logger tagged with a log source
func (ml *MultiLogger) WithSource(source LogSource) Logger {
	c := ml.clone()
	c.source = source
	return c
}

// Close flushes and closes all sinks
func (ml *MultiLogger) Close() error {
	var errs []error
	for _, s := range ml.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing logger: %v", errs)
	}
	return nil
}

func (ml *MultiLogger) log(ctx context.Context, level LogLevel, msg string, args []interface{}) {
	if level.rank() < ml.config.Level.rank() {
		return
	}

	fields := make(map[string]interface{}, len(ml.baseFields)+len(args)/2+3)
	for k, v := range ml.baseFields {
		fields[k] = v
	}
	for i := 0; i+1 < len(args); i += 2 {
		fields[fmt.Sprintf("%v", args[i])] = args[i+1]
	}
	for k, v := range fieldsFromContext(ctx) {
		fields[k] = v
	}

	for _, s := range ml.sinks {
		s.write(level, msg, ml.component, ml.source, fields)
	}
}

// NoOpLogger discards everything (default until SetDefault is called, and in tests)
type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{})                             {}
func (n *NoOpLogger) Info(msg string, args ...interface{})                              {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})                              {}
func (n *NoOpLogger) Error(msg string, args ...interface{})                             {}
func (n *NoOpLogger) DebugContext(ctx context.Context, msg string, args ...interface{}) {}
func (n *NoOpLogger) InfoContext(ctx context.Context, msg string, args ...interface{})  {}
func (n *NoOpLogger) WarnContext(ctx context.Context, msg string, args ...interface{})  {}
func (n *NoOpLogger) ErrorContext(ctx context.Context, msg string, args ...interface{}) {}
func (n *NoOpLogger) WithFields(fields map[string]interface{}) Logger                   { return n }
func (n *NoOpLogger) WithComponent(component Component) Logger                          { return n }
func (n *NoOpLogger) WithSource(source LogSource) Logger                                { return n }
func (n *NoOpLogger) Close() error                                                      { return nil }

var _ Logger = (*NoOpLogger)(nil)

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

func Debug(msg string, args ...interface{}) { Default().Debug(msg, args...) }
func Info(msg string, args ...interface{})  { Default().Info(msg, args...) }
func Warn(msg string, args ...interface{})  { Default().Warn(msg, args...) }
func Error(msg string, args ...interface{}) { Default().Error(msg, args...) }
