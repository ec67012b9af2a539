// Package crashmarker records whether the last runtime session ended cleanly.
package crashmarker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shipth-is/shipgo/internal/domain"
	"github.com/shipth-is/shipgo/internal/kv"
)

const key = "run_state"

// Marker is a process-scoped clean-exit record backed by a kv.Store.
// MarkStart must complete before the runtime is started so a crash during
// startup is still observed on the next cold start.
type Marker struct {
	store  kv.Store
	logger *slog.Logger
	mu     sync.Mutex
}

func New(store kv.Store, logger *slog.Logger) *Marker {
	return &Marker{store: store, logger: logger}
}

// MarkStart records that buildID is about to run and assumes a crash until
// MarkCleanExit is called.
func (m *Marker) MarkStart(ctx context.Context, buildID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := buildID
	return m.write(ctx, domain.RunSessionMarker{CleanExit: false, LastBuildID: &id})
}

// MarkCleanExit flips the clean flag and keeps the last build id.
func (m *Marker) MarkCleanExit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.read(ctx)
	if err != nil {
		return err
	}
	cur.CleanExit = true
	return m.write(ctx, cur)
}

// MarkReported forgets the last build id once its crash logs were delivered.
// The clean flag is left unchanged so WasCrashedLastTime keeps its meaning;
// CrashedBuildID reports nothing afterwards.
func (m *Marker) MarkReported(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.read(ctx)
	if err != nil {
		return err
	}
	cur.LastBuildID = nil
	return m.write(ctx, cur)
}

// WasCrashedLastTime is true only when a record exists and says the last run
// did not exit cleanly. A device that never ran anything is clean.
func (m *Marker) WasCrashedLastTime(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.read(ctx)
	if err != nil {
		m.logger.Warn("read run state", "error", err)
		return false
	}
	return !cur.CleanExit
}

// CrashedBuildID returns the build id of the last run, if any.
func (m *Marker) CrashedBuildID(ctx context.Context) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.read(ctx)
	if err != nil || cur.LastBuildID == nil || *cur.LastBuildID == "" {
		return "", false
	}
	return *cur.LastBuildID, true
}

// State returns the raw record for status reporting.
func (m *Marker) State(ctx context.Context) (domain.RunSessionMarker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read(ctx)
}

func (m *Marker) read(ctx context.Context) (domain.RunSessionMarker, error) {
	raw, err := m.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return domain.RunSessionMarker{CleanExit: true}, nil
	}
	if err != nil {
		return domain.RunSessionMarker{}, err
	}
	var rec domain.RunSessionMarker
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.RunSessionMarker{}, fmt.Errorf("decode run state: %w", err)
	}
	return rec, nil
}

func (m *Marker) write(ctx context.Context, rec domain.RunSessionMarker) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode run state: %w", err)
	}
	if err := m.store.Put(ctx, key, raw); err != nil {
		return fmt.Errorf("persist run state: %w", err)
	}
	return nil
}
