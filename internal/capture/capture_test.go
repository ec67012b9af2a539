package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestTailKeepsNewestLines(t *testing.T) {
	s, err := New(t.TempDir(), 3)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	for i := 1; i <= 10; i++ {
		if err := s.Append(fmt.Sprintf("line %d", i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	s.Append("   ")
	s.End()

	got, err := s.LastLines()
	if err != nil {
		t.Fatalf("last lines: %v", err)
	}
	want := []string{"line 8", "line 9", "line 10"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestBeginResetsTail(t *testing.T) {
	s, _ := New(t.TempDir(), 10)
	s.Begin()
	s.Append("old")
	s.End()
	s.Begin()
	s.Append("new")
	s.End()
	got, _ := s.LastLines()
	if len(got) != 1 || got[0] != "new" {
		t.Fatalf("got %v", got)
	}
}

func TestConsumeCrashDetailDeletesFile(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir, 10)
	if err := s.WriteCrashDetail("signal 11\n\n  at frame 0\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := s.ConsumeCrashDetail()
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(got) != 2 || got[0] != "signal 11" || got[1] != "  at frame 0" {
		t.Fatalf("got %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, CrashDetailFile)); !os.IsNotExist(err) {
		t.Fatalf("crash detail must be deleted after read")
	}
	again, err := s.ConsumeCrashDetail()
	if err != nil || len(again) != 0 {
		t.Fatalf("second consume = %v, %v", again, err)
	}
}

func TestAppendWithoutBegin(t *testing.T) {
	s, _ := New(t.TempDir(), 10)
	if err := s.Append("x"); err == nil {
		t.Fatalf("expected error before Begin")
	}
}
