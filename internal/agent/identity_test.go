package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestLoadOrCreateClientIDMintsAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client_id.txt")

	id, err := LoadOrCreateClientID(path)
	if err != nil {
		t.Fatalf("LoadOrCreateClientID() error: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("id %q is not a uuid: %v", id, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read id file: %v", err)
	}
	if got := string(data); got != id+"\n" {
		t.Errorf("file contents = %q, want %q", got, id+"\n")
	}

	again, err := LoadOrCreateClientID(path)
	if err != nil {
		t.Fatalf("second LoadOrCreateClientID() error: %v", err)
	}
	if again != id {
		t.Errorf("second call returned %q, want %q", again, id)
	}
}

func TestLoadOrCreateClientIDReusesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client_id.txt")
	if err := os.WriteFile(path, []byte("host-7f3a\n"), 0o644); err != nil {
		t.Fatalf("seed id file: %v", err)
	}

	id, err := LoadOrCreateClientID(path)
	if err != nil {
		t.Fatalf("LoadOrCreateClientID() error: %v", err)
	}
	if id != "host-7f3a" {
		t.Errorf("id = %q, want host-7f3a", id)
	}
}

func TestLoadOrCreateClientIDTrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client_id.txt")
	if err := os.WriteFile(path, []byte("  host-7f3a \n\n"), 0o644); err != nil {
		t.Fatalf("seed id file: %v", err)
	}

	id, err := LoadOrCreateClientID(path)
	if err != nil {
		t.Fatalf("LoadOrCreateClientID() error: %v", err)
	}
	if id != "host-7f3a" {
		t.Errorf("id = %q, want host-7f3a", id)
	}
}

func TestLoadOrCreateClientIDTreatsEmptyFileAsFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client_id.txt")
	if err := os.WriteFile(path, []byte("\n"), 0o644); err != nil {
		t.Fatalf("seed id file: %v", err)
	}

	id, err := LoadOrCreateClientID(path)
	if err != nil {
		t.Fatalf("LoadOrCreateClientID() error: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("id %q is not a uuid: %v", id, err)
	}
}

func TestLoadOrCreateClientIDCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state", "client_id.txt")

	id, err := LoadOrCreateClientID(path)
	if err != nil {
		t.Fatalf("LoadOrCreateClientID() error: %v", err)
	}
	if id == "" {
		t.Error("empty id")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("id file was not created: %v", err)
	}
}
