package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "": slog.LevelInfo, "INFO": slog.LevelInfo,
		"warning": slog.LevelWarn, "error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel(loud) succeeded")
	}
}

func TestNew_FansOutToFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "taskloop.log")

	logger, level, closeFn, err := New(Options{Level: "info", File: path, Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("record completed", "record", "r1", "iterations", 2)
	level.Set(slog.LevelDebug)
	logger.Debug("now visible")
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	text := buf.String()
	if strings.Contains(text, "hidden") || !strings.Contains(text, "record=r1") || !strings.Contains(text, "now visible") {
		t.Errorf("text output = %q", text)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("file has %d lines, want 2: %q", len(lines), data)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode json line: %v", err)
	}
	if entry["msg"] != "record completed" || entry["record"] != "r1" {
		t.Errorf("json entry = %v", entry)
	}
}

func TestNew_BadLevel(t *testing.T) {
	if _, _, _, err := New(Options{Level: "verbose"}); err == nil {
		t.Error("New with a bad level succeeded")
	}
}
