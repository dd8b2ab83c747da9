package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "fleetchatd.log")
	log, err := New(path, "main", "info")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	log.Debug("hidden")
	log.Info("hello")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1 (debug filtered): %q", len(lines), data)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["msg"] != "hello" || entry["profile"] != "main" {
		t.Errorf("entry = %v", entry)
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "x.log"), "main", "loud"); err == nil {
		t.Error("New() expected error for unknown level")
	}
}
