package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggerWritesPrefixedLinesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "fieldsync.log")

	l, err := New(Config{File: path, MaxSizeMB: 1, Quiet: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	l.Logger("sync").Println("Sales cleared: 3")
	l.Logger("queue").Println("Enqueued attendance 1")

	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "[sync] ") || !strings.Contains(out, "Sales cleared: 3") {
		t.Errorf("missing sync line in %q", out)
	}
	if !strings.Contains(out, "[queue] ") {
		t.Errorf("missing queue line in %q", out)
	}
}

func TestQuietWithoutFileDiscards(t *testing.T) {
	l, err := New(Config{Quiet: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	l.Logger("test").Println("dropped")

	if err := l.Rotate(); err != nil {
		t.Errorf("Rotate without file should be a no-op: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close without file should be a no-op: %v", err)
	}
}
