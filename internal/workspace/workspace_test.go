package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"modelsync/internal/logging"
)

func TestAllocate_CreatesUniqueDirectories(t *testing.T) {
	root := t.TempDir()
	a := NewAllocator(root, nil)

	w1, err := a.Allocate("clone")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	w2, err := a.Allocate("clone")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	if w1.Path == w2.Path {
		t.Errorf("Allocate() returned the same path twice: %s", w1.Path)
	}
	if !strings.HasPrefix(filepath.Base(w1.Path), "clone-") {
		t.Errorf("workspace name %q should carry the prefix", filepath.Base(w1.Path))
	}
	if info, err := os.Stat(w1.Path); err != nil || !info.IsDir() {
		t.Errorf("workspace directory missing: %v", err)
	}
}

func TestAllocate_RetriesOnCollision(t *testing.T) {
	root := t.TempDir()
	logger, buf := logging.NewTestLogger()
	a := NewAllocator(root, logger)

	if err := os.Mkdir(filepath.Join(root, "taken"), 0o755); err != nil {
		t.Fatal(err)
	}
	ids := []string{"taken", "taken", "free"}
	a.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	w, err := a.Allocate("")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if filepath.Base(w.Path) != "free" {
		t.Errorf("Allocate() path = %s, want .../free", w.Path)
	}
	if !strings.Contains(buf.String(), "attempt=3") {
		t.Errorf("expected the third attempt to be logged, got: %s", buf.String())
	}
}

func TestAllocate_Exhausted(t *testing.T) {
	root := t.TempDir()
	a := NewAllocator(root, nil)
	if err := os.Mkdir(filepath.Join(root, "same"), 0o755); err != nil {
		t.Fatal(err)
	}
	a.newID = func() string { return "same" }

	_, err := a.Allocate("")
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("Allocate() error = %v, want ErrExhausted", err)
	}
}

func TestRelease_RemovesEverythingIncludingGit(t *testing.T) {
	a := NewAllocator(t.TempDir(), nil)
	w, err := a.Allocate("commit")
	if err != nil {
		t.Fatal(err)
	}

	if err := os.MkdirAll(w.Join(".git", "objects"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(w.Join("README.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := w.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(w.Path); !os.IsNotExist(err) {
		t.Errorf("workspace still exists after Release(): %v", err)
	}
	if err := w.Release(); err != nil {
		t.Errorf("second Release() error = %v, want nil", err)
	}
}

func TestClear_KeepsGitDirectory(t *testing.T) {
	a := NewAllocator(t.TempDir(), nil)
	w, err := a.Allocate("")
	if err != nil {
		t.Fatal(err)
	}
	defer w.Release()

	os.MkdirAll(w.Join(".git"), 0o755)
	os.MkdirAll(w.Join("models", "person"), 0o755)
	os.WriteFile(w.Join("models", "person", "meta.json"), []byte("{}"), 0o644)

	if err := w.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	entries, _ := os.ReadDir(w.Path)
	if len(entries) != 1 || entries[0].Name() != ".git" {
		t.Errorf("Clear() left %v, want only .git", entries)
	}
}
