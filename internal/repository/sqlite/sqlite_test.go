package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/shipth-is/shipgo/internal/app/migrate"
	"github.com/shipth-is/shipgo/internal/domain"
	"github.com/shipth-is/shipgo/internal/repository"
	"github.com/shipth-is/shipgo/pkg/logger"
)

func newRepo(t *testing.T) *Repository {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "cache", "shipgo.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	runner, err := migrate.New(db.DB, logger.Discard())
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	if err := runner.Ensure(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func TestSaveBuildOverwritesAndListsNewestFirst(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	b1 := domain.GoBuild{ID: "b1", Project: domain.Project{Name: "Old"}}
	b2 := domain.GoBuild{ID: "b2", Project: domain.Project{Name: "Second"}}
	if err := repo.SaveBuild(ctx, b1, base); err != nil {
		t.Fatalf("save b1: %v", err)
	}
	if err := repo.SaveBuild(ctx, b2, base.Add(time.Minute)); err != nil {
		t.Fatalf("save b2: %v", err)
	}
	b1.Project.Name = "Renamed"
	if err := repo.SaveBuild(ctx, b1, base.Add(2*time.Minute)); err != nil {
		t.Fatalf("resave b1: %v", err)
	}

	list, err := repo.ListBuilds(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []string
	for _, cb := range list {
		ids = append(ids, cb.Build.ID)
	}
	if diff := cmp.Diff([]string{"b1", "b2"}, ids); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
	if list[0].Build.Project.Name != "Renamed" {
		t.Fatalf("duplicate save must overwrite, got %q", list[0].Build.Project.Name)
	}
	if !list[0].SavedAt.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("unexpected saved at %v", list[0].SavedAt)
	}
}

func TestGetAndDeleteBuild(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	if _, err := repo.GetBuild(ctx, "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_ = repo.SaveBuild(ctx, domain.GoBuild{ID: "b", URL: "https://cdn/x.zip"}, time.Now())
	got, err := repo.GetBuild(ctx, "b")
	if err != nil || got.Build.URL != "https://cdn/x.zip" {
		t.Fatalf("get: %+v %v", got, err)
	}
	if err := repo.DeleteBuild(ctx, "b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := repo.DeleteBuild(ctx, "b"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestLaunchHistory(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	start := time.Now().UTC()
	if err := repo.InsertLaunch(ctx, repository.LaunchRecord{ID: "l1", BuildID: "b", Status: repository.LaunchRunning, StartedAt: start}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	code := 3
	if err := repo.FinishLaunch(ctx, "l1", repository.LaunchCrashed, "exit 3", &code, start.Add(time.Second)); err != nil {
		t.Fatalf("finish: %v", err)
	}
	list, err := repo.ListLaunches(ctx, 5)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %v", list, err)
	}
	if list[0].Status != repository.LaunchCrashed || list[0].ExitCode == nil || *list[0].ExitCode != 3 || list[0].FinishedAt == nil {
		t.Fatalf("unexpected record %+v", list[0])
	}
	if err := repo.FinishLaunch(ctx, "nope", repository.LaunchExited, "", nil, time.Now()); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
