package crashmarker

import (
	"context"
	"testing"

	"github.com/shipth-is/shipgo/internal/kv"
	"github.com/shipth-is/shipgo/pkg/logger"
)

func newMarker(t *testing.T, dir string) *Marker {
	t.Helper()
	store, err := kv.NewFileStore(dir)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return New(store, logger.Discard())
}

func TestFreshDeviceIsClean(t *testing.T) {
	m := newMarker(t, t.TempDir())
	ctx := context.Background()
	if m.WasCrashedLastTime(ctx) {
		t.Fatalf("fresh install must not report a crash")
	}
	if id, ok := m.CrashedBuildID(ctx); ok {
		t.Fatalf("fresh install has no crashed build, got %q", id)
	}
}

func TestStartWithoutCleanExitIsCrash(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	if err := newMarker(t, dir).MarkStart(ctx, "b1"); err != nil {
		t.Fatalf("mark start: %v", err)
	}
	// simulated process restart
	m := newMarker(t, dir)
	if !m.WasCrashedLastTime(ctx) {
		t.Fatalf("expected crash after start without clean exit")
	}
	if id, ok := m.CrashedBuildID(ctx); !ok || id != "b1" {
		t.Fatalf("expected b1, got %q %v", id, ok)
	}
}

func TestCleanExitClearsCrash(t *testing.T) {
	m := newMarker(t, t.TempDir())
	ctx := context.Background()
	_ = m.MarkStart(ctx, "b1")
	if err := m.MarkCleanExit(ctx); err != nil {
		t.Fatalf("clean exit: %v", err)
	}
	if m.WasCrashedLastTime(ctx) {
		t.Fatalf("expected clean after MarkCleanExit")
	}
	if id, _ := m.CrashedBuildID(ctx); id != "b1" {
		t.Fatalf("clean exit keeps the last build id, got %q", id)
	}
}

func TestMarkStartOverwritesPreviousBuild(t *testing.T) {
	m := newMarker(t, t.TempDir())
	ctx := context.Background()
	_ = m.MarkStart(ctx, "b1")
	_ = m.MarkCleanExit(ctx)
	_ = m.MarkStart(ctx, "b2")
	if !m.WasCrashedLastTime(ctx) {
		t.Fatalf("expected unclean after second start")
	}
	if id, _ := m.CrashedBuildID(ctx); id != "b2" {
		t.Fatalf("expected b2, got %q", id)
	}
}

func TestMarkReportedForgetsBuild(t *testing.T) {
	m := newMarker(t, t.TempDir())
	ctx := context.Background()
	_ = m.MarkStart(ctx, "b1")
	if err := m.MarkReported(ctx); err != nil {
		t.Fatalf("mark reported: %v", err)
	}
	if _, ok := m.CrashedBuildID(ctx); ok {
		t.Fatalf("expected no crashed build after report")
	}
	if !m.WasCrashedLastTime(ctx) {
		t.Fatalf("reporting must not rewrite the clean flag")
	}
}
