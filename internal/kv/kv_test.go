package kv

import (
	"context"
	"errors"
	"os"
	"testing"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.Get(ctx, "user_data"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Put(ctx, "user_data", []byte(`{"jwt":"a"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, "user_data", []byte(`{"jwt":"b"}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := s.Get(ctx, "user_data")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"jwt":"b"}` {
		t.Fatalf("unexpected value %s", got)
	}
	if err := s.Delete(ctx, "user_data"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "user_data"); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
	if _, err := s.Get(ctx, "user_data"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	exerciseStore(t, s)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	a, _ := NewFileStore(dir)
	if err := a.Put(context.Background(), "run_state", []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	b, _ := NewFileStore(dir)
	got, err := b.Get(context.Background(), "run_state")
	if err != nil || string(got) != "1" {
		t.Fatalf("expected persisted value, got %q %v", got, err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected no leftover temp files, got %d entries", len(entries))
	}
}

func TestFileStoreRejectsPathKeys(t *testing.T) {
	s, _ := NewFileStore(t.TempDir())
	if err := s.Put(context.Background(), "../escape", []byte("x")); err == nil {
		t.Fatalf("expected invalid key error")
	}
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("SHIPGO_TEST_REDIS_URL")
	if url == "" {
		t.Skip("SHIPGO_TEST_REDIS_URL not set")
	}
	s, err := NewRedisStore(context.Background(), url, "test")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}
