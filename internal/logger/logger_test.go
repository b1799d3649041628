package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"WARNING": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestJSONOutputCarriesComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithConfig(Config{Level: LevelInfo, Format: FormatJSON, Output: &buf})

	log.With("channel").InfoWithFields("state change", map[string]interface{}{"to": "online"})
	_ = log.Sync()

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("Failed to decode log line %q: %v", buf.String(), err)
	}
	if entry["component"] != "channel" {
		t.Errorf("Expected component channel, got %v", entry["component"])
	}
	if entry["message"] != "state change" {
		t.Errorf("Expected message 'state change', got %v", entry["message"])
	}
	if entry["to"] != "online" {
		t.Errorf("Expected field to=online, got %v", entry["to"])
	}
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithConfig(Config{Level: LevelInfo, Format: FormatText, Output: &buf})

	log.With("audio").Debug("hidden %d", 1)
	log.With("audio").Warn("shown %d", 2)
	_ = log.Sync()

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Debug line should be suppressed: %q", out)
	}
	if !strings.Contains(out, "shown 2") || !strings.Contains(out, "WARN") {
		t.Errorf("Expected warn line, got %q", out)
	}
}
