package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer is a goroutine-safe bytes.Buffer that also satisfies io.WriteCloser
type syncBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level to be info, got %s", cfg.Level)
	}
	if cfg.Format != FormatJSON {
		t.Errorf("expected default format to be json, got %s", cfg.Format)
	}
	if !cfg.Console.Enabled {
		t.Error("expected console to be enabled by default")
	}
	if cfg.File.Enabled {
		t.Error("expected file to be disabled by default")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name:    "valid default config",
			config:  DefaultConfig(),
			wantErr: false,
		},
		{
			name:    "invalid log level",
			config:  &Config{Level: "loud", Format: FormatJSON},
			wantErr: true,
		},
		{
			name:    "invalid format",
			config:  &Config{Level: LevelInfo, Format: "xml"},
			wantErr: true,
		},
		{
			name: "file enabled without path",
			config: &Config{
				Level:  LevelInfo,
				Format: FormatJSON,
				File:   FileConfig{Enabled: true, MaxSizeMB: 10, BatchSize: 10},
			},
			wantErr: true,
		},
		{
			name: "file enabled with zero size",
			config: &Config{
				Level:  LevelInfo,
				Format: FormatJSON,
				File:   FileConfig{Enabled: true, Path: "/tmp/x.log", BatchSize: 10},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func newTestLogger(t *testing.T, cfg *Config) (*MultiLogger, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	ml := &MultiLogger{
		config:     cfg,
		sinks:      []sink{newConsoleLogger(cfg, out)},
		baseFields: map[string]interface{}{},
	}
	return ml, out
}

func decodeLines(t *testing.T, raw string) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid json line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestMultiLogger_WritesComponentFieldsAndContext(t *testing.T) {
	cfg := DefaultConfig()
	ml, out := newTestLogger(t, cfg)

	log := ml.WithComponent(ComponentEngine).
		WithSource(LogSourceMutation).
		WithFields(map[string]interface{}{"kind": "budget"})

	ctx := WithTickID(context.Background(), "tick-1")
	ctx = WithAccountID(ctx, 42)
	ctx = WithRuleID(ctx, "rule-9")
	log.InfoContext(ctx, "rule executed", "outcome", "success")

	if err := ml.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	lines := decodeLines(t, out.String())
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %s", len(lines), out.String())
	}
	got := lines[0]
	want := map[string]interface{}{
		"msg":        "rule executed",
		"component":  "engine",
		"log_source": string(LogSourceMutation),
		"kind":       "budget",
		"outcome":    "success",
		"tick_id":    "tick-1",
		"rule_id":    "rule-9",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("field %s = %v, want %v", k, got[k], v)
		}
	}
	if got["account_id"] != float64(42) {
		t.Errorf("account_id = %v, want 42", got["account_id"])
	}
}

func TestLogLevelFiltering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = LevelWarn
	ml, out := newTestLogger(t, cfg)

	ml.Debug("debug message")
	ml.Info("info message")
	ml.Warn("warn message")
	ml.Error("error message")
	_ = ml.Close()

	lines := decodeLines(t, out.String())
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines at warn level, got %d", len(lines))
	}
	if lines[0]["msg"] != "warn message" || lines[1]["msg"] != "error message" {
		t.Errorf("unexpected messages: %v", lines)
	}
}

func TestWithFields_DoesNotMutateParent(t *testing.T) {
	cfg := DefaultConfig()
	ml, out := newTestLogger(t, cfg)

	_ = ml.WithFields(map[string]interface{}{"child": true})
	ml.Info("parent")
	_ = ml.Close()

	lines := decodeLines(t, out.String())
	if _, ok := lines[0]["child"]; ok {
		t.Error("child field leaked into parent logger")
	}
}

func TestColorTextHandler(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Format = FormatText
	cfg.Console.Color = true
	ml, out := newTestLogger(t, cfg)

	ml.WithComponent(ComponentScheduler).Info("tick finished", "matched", 3)
	_ = ml.Close()

	line := out.String()
	if !strings.Contains(line, "[scheduler]") {
		t.Errorf("expected component tag in %q", line)
	}
	if !strings.Contains(line, "tick finished") || !strings.Contains(line, "matched=3") {
		t.Errorf("unexpected text line %q", line)
	}
}

func TestFileLogger_BatchesJSONLines(t *testing.T) {
	cfg := DefaultConfig()
	cfg.File.Enabled = true
	cfg.File.BatchSize = 2
	cfg.File.BatchInterval = 10 * time.Millisecond

	out := &syncBuffer{}
	fl := newFileLogger(cfg, out, nil)

	fl.write(LevelInfo, "first", ComponentStore, LogSourceInternal, map[string]interface{}{"tick_id": "t1", "error": "boom"})
	fl.write(LevelWarn, "second", ComponentStore, LogSourceInternal, map[string]interface{}{"rule_id": "r1"})
	fl.write(LevelError, "third", ComponentStore, LogSourceInternal, nil)

	if err := fl.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !out.closed {
		t.Error("expected underlying writer to be closed")
	}

	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("invalid entry %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].TickID != "t1" || entries[0].Error != "boom" {
		t.Errorf("special fields not extracted: %+v", entries[0])
	}
	if entries[1].RuleID != "r1" {
		t.Errorf("rule id not extracted: %+v", entries[1])
	}
}

func TestNoOpLogger(t *testing.T) {
	logger := &NoOpLogger{}

	logger.Debug("test")
	logger.InfoContext(context.Background(), "test")
	_ = logger.WithFields(map[string]interface{}{"key": "value"})
	_ = logger.WithComponent(ComponentAPI)
	_ = logger.WithSource(LogSourceInternal)

	if err := logger.Close(); err != nil {
		t.Errorf("NoOpLogger.Close() should not error, got %v", err)
	}
}

func TestGlobalLogger(t *testing.T) {
	cfg := DefaultConfig()
	ml, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer ml.Close()

	prev := Default()
	SetDefault(ml)
	defer SetDefault(prev)

	if Default() != Logger(ml) {
		t.Error("Default() did not return the logger set with SetDefault")
	}
	Info("test info")
}

func BenchmarkMultiLoggerInfo(b *testing.B) {
	cfg := DefaultConfig()
	ml := &MultiLogger{config: cfg, sinks: []sink{newConsoleLogger(cfg, &syncBuffer{})}}
	defer ml.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ml.Info("benchmark test", "iteration", i)
	}
}
