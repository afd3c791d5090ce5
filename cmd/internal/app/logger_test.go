package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tc := range cases {
		if got := parseLogLevel(tc.in); got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_Formats(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var jsonBuf bytes.Buffer
	NewLogger("info", "json", &jsonBuf).Info("app.start", "version", "dev")

	var entry map[string]any
	if err := json.Unmarshal(jsonBuf.Bytes(), &entry); err != nil {
		t.Fatalf("json format did not produce JSON: %v (%q)", err, jsonBuf.String())
	}
	if entry["msg"] != "app.start" || entry["version"] != "dev" {
		t.Fatalf("unexpected entry %v", entry)
	}

	var prettyBuf bytes.Buffer
	log := NewLogger("debug", "pretty", &prettyBuf)
	log.Debug("app.debug")
	if !strings.Contains(prettyBuf.String(), " DBG app.debug") {
		t.Fatalf("pretty format output %q", prettyBuf.String())
	}
	if slog.Default() != log {
		t.Fatalf("NewLogger did not install the default logger")
	}
}
