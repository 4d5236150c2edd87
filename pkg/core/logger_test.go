package core

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LogLevelDebug, false},
		{"", LogLevelInfo, false},
		{"INFO", LogLevelInfo, false},
		{"warning", LogLevelWarn, false},
		{"error", LogLevelError, false},
		{"silent", LogLevelSilent, false},
		{"loud", LogLevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestStdLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	l := NewStdLogger(&buf, "devicecontext", LogLevelWarn)

	l.Info("batch %d accepted", 1)
	if buf.Len() != 0 {
		t.Errorf("Info should be filtered at warn level, got %q", buf.String())
	}

	l.Warn("batch %d rejected", 2)
	if !strings.Contains(buf.String(), "[devicecontext] WARN batch 2 rejected") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestStdLogger_NoPrefix(t *testing.T) {
	var buf bytes.Buffer
	NewStdLogger(&buf, "", LogLevelDebug).Debug("start %s", "tx-1")
	if !strings.HasSuffix(buf.String(), " DEBUG start tx-1\n") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestLogLevel_String(t *testing.T) {
	if LogLevelWarn.String() != "WARN" || LogLevel(42).String() != "LogLevel(42)" {
		t.Errorf("unexpected names %q %q", LogLevelWarn, LogLevel(42))
	}
}

func TestDefaultLogger_WarnLevel(t *testing.T) {
	l := newDefaultLogger()
	if l.level != LogLevelWarn || l.prefix != "devicecontext" {
		t.Errorf("default logger = level %s prefix %q", l.level, l.prefix)
	}
}

func TestZerologLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := newZerologLogger(&buf, ZerologConfig{Level: "info", Format: "json", Component: "pipeline"})
	if err != nil {
		t.Fatalf("newZerologLogger() error = %v", err)
	}

	l.Debug("hidden")
	l.Warn("push rejected: %s", "bad ip")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}

	var event map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &event); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if event["level"] != "warn" {
		t.Errorf("level = %v, want warn", event["level"])
	}
	if event["message"] != "push rejected: bad ip" {
		t.Errorf("message = %v", event["message"])
	}
	if event["component"] != "pipeline" {
		t.Errorf("component = %v, want pipeline", event["component"])
	}
}

func TestZerologLogger_InvalidLevel(t *testing.T) {
	if _, err := NewZerologLogger(ZerologConfig{Level: "chatty"}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestSetDefaultLogger_Nil(t *testing.T) {
	prev := GetDefaultLogger()
	t.Cleanup(func() { SetDefaultLogger(prev) })

	SetDefaultLogger(nil)
	if _, ok := GetDefaultLogger().(*NopLogger); !ok {
		t.Error("nil logger should fall back to NopLogger")
	}
}

func TestLoggerFromVerbose(t *testing.T) {
	l, ok := LoggerFromVerbose("audit", true).(*StdLogger)
	if !ok || l.level != LogLevelDebug {
		t.Errorf("verbose should return a debug StdLogger, got %#v", l)
	}
	if _, ok := LoggerFromVerbose("audit", false).(*NopLogger); !ok {
		t.Error("quiet should return a NopLogger")
	}
}
