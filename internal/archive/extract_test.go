package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
)

type entry struct {
	name string
	body string
}

func buildZip(t *testing.T, entries []entry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pkg.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	zw := zip.NewWriter(f)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatalf("entry %s: %v", e.name, err)
		}
		if e.body != "" {
			w.Write([]byte(e.body))
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	f.Close()
	return path
}

func TestExtractWritesTreeAndProgress(t *testing.T) {
	archive := buildZip(t, []entry{
		{name: "assets/"},
		{name: "assets/project.godot", body: "config"},
		{name: "assets/scenes/main.tscn", body: "scene"},
		{name: "README", body: "hi"},
	})
	dest := t.TempDir()
	var seen []int
	stats, err := Extract(context.Background(), archive, dest, func(p int) { seen = append(seen, p) }, nil)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if stats.Entries != 4 || stats.Dirs != 1 || stats.Files != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	want := []int{25, 50, 75, 100}
	if len(seen) != len(want) {
		t.Fatalf("progress = %v want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("progress = %v want %v", seen, want)
		}
	}
	body, err := os.ReadFile(filepath.Join(dest, "assets", "scenes", "main.tscn"))
	if err != nil || string(body) != "scene" {
		t.Fatalf("nested file not extracted: %q %v", body, err)
	}
}

func TestExtractIntegerProgress(t *testing.T) {
	archive := buildZip(t, []entry{{name: "a", body: "1"}, {name: "b", body: "2"}, {name: "c", body: "3"}})
	var seen []int
	if _, err := Extract(context.Background(), archive, t.TempDir(), func(p int) { seen = append(seen, p) }, nil); err != nil {
		t.Fatalf("extract: %v", err)
	}
	want := []int{33, 66, 100}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("progress = %v want %v", seen, want)
		}
	}
}

func TestExtractRejectsTraversalBeforeWriting(t *testing.T) {
	cases := []string{"../evil.txt", "a/../../evil.txt", `..\evil.txt`}
	for _, name := range cases {
		archive := buildZip(t, []entry{{name: "good.txt", body: "ok"}, {name: name, body: "pwned"}})
		parent := t.TempDir()
		dest := filepath.Join(parent, "content")
		_, err := Extract(context.Background(), archive, dest, nil, nil)
		var pte *PathTraversalError
		if !errors.As(err, &pte) {
			t.Fatalf("%s: expected PathTraversalError, got %v", name, err)
		}
		if pte.Entry != name {
			t.Fatalf("entry = %q want %q", pte.Entry, name)
		}
		if _, err := os.Stat(filepath.Join(parent, "evil.txt")); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("%s: file escaped destination", name)
		}
		if _, err := os.Stat(filepath.Join(dest, "good.txt")); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("%s: entries before the bad one must not be written", name)
		}
	}
}

func TestExtractEmptyArchive(t *testing.T) {
	archive := buildZip(t, nil)
	called := false
	stats, err := Extract(context.Background(), archive, t.TempDir(), func(int) { called = true }, nil)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if stats.Entries != 0 || called {
		t.Fatalf("unexpected stats %+v called=%v", stats, called)
	}
}

func TestExtractHonoursCancel(t *testing.T) {
	archive := buildZip(t, []entry{{name: "a", body: "1"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Extract(ctx, archive, t.TempDir(), nil, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCount(t *testing.T) {
	archive := buildZip(t, []entry{{name: "a", body: "1"}, {name: "d/"}})
	n, err := Count(archive)
	if err != nil || n != 2 {
		t.Fatalf("count = %d, %v", n, err)
	}
}
