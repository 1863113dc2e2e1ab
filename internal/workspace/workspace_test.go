package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStageWritesFiles(t *testing.T) {
	manager, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	dir, err := manager.Stage("rev-1", map[string]string{
		"Dockerfile":  "FROM python:3.12",
		"src/main.py": "print('hello')",
	})
	if err != nil {
		t.Fatalf("Stage returned error: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(dir, "Dockerfile"))
	if err != nil || string(content) != "FROM python:3.12" {
		t.Fatalf("Dockerfile not staged: %v %q", err, content)
	}
	if _, err := os.Stat(filepath.Join(dir, "src", "main.py")); err != nil {
		t.Fatalf("nested source file not staged: %v", err)
	}
}

func TestStageReplacesPreviousContext(t *testing.T) {
	manager, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if _, err := manager.Stage("rev-1", map[string]string{"old.txt": "old"}); err != nil {
		t.Fatalf("first Stage returned error: %v", err)
	}
	dir, err := manager.Stage("rev-1", map[string]string{"new.txt": "new"})
	if err != nil {
		t.Fatalf("second Stage returned error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "old.txt")); !os.IsNotExist(err) {
		t.Fatal("restaging must replace the previous context")
	}
}

func TestStageRejectsEscapingPaths(t *testing.T) {
	manager, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	for _, name := range []string{"../outside.txt", "/etc/passwd", "a/../../b"} {
		if _, err := manager.Stage("rev-1", map[string]string{name: "x"}); err == nil {
			t.Errorf("expected rejection for path %q", name)
		}
	}
}

func TestCleanupRefusesOutsideRoot(t *testing.T) {
	manager, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	other := t.TempDir()
	if err := manager.Cleanup(other); err == nil {
		t.Fatal("expected refusal to clean a path outside the root")
	}
}

func TestCleanupByIDRemovesContext(t *testing.T) {
	manager, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	dir, err := manager.Stage("rev-1", map[string]string{"Dockerfile": "FROM scratch"})
	if err != nil {
		t.Fatalf("Stage returned error: %v", err)
	}
	if err := manager.CleanupByID("rev-1"); err != nil {
		t.Fatalf("CleanupByID returned error: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("expected staged directory to be removed")
	}
}
