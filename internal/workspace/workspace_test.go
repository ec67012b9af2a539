package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPrepareRemovesOldFiles(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := m.Prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	stale := filepath.Join(m.ContentDir(), "old.pck")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	pkg, _ := m.PackagePath("b1")
	if err := os.WriteFile(pkg, []byte("zip"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if n, err := m.Usage(); err != nil || n != 6 {
		t.Fatalf("usage = %d %v", n, err)
	}
	if err := m.Prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale content should be removed")
	}
	if _, err := os.Stat(pkg); !os.IsNotExist(err) {
		t.Fatalf("stale package should be removed")
	}
}

func TestPackagePathSanitizesID(t *testing.T) {
	m, _ := New(t.TempDir())
	p, err := m.PackagePath("../../etc/passwd")
	if err != nil {
		t.Fatalf("package path: %v", err)
	}
	if !strings.HasPrefix(p, m.Root()) || strings.Contains(filepath.Base(p), "/") {
		t.Fatalf("package path escaped root: %s", p)
	}
	if _, err := m.PackagePath(" "); err == nil {
		t.Fatal("expected error for blank id")
	}
}

func TestCleanupRefusesOutsideRoot(t *testing.T) {
	m, _ := New(t.TempDir())
	if err := m.Cleanup(filepath.Dir(m.Root())); err == nil {
		t.Fatal("expected refusal")
	}
	if err := m.Cleanup(m.ContentDir()); err != nil {
		t.Fatalf("cleanup inside root: %v", err)
	}
}
