package builds

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shipth-is/shipgo/internal/domain"
	"github.com/shipth-is/shipgo/internal/repository"
	"github.com/shipth-is/shipgo/pkg/logger"
)

type fakeAPI struct {
	build domain.GoBuild
	err   error
}

func (f fakeAPI) GetGoBuild(ctx context.Context, id string) (domain.GoBuild, error) {
	return f.build, f.err
}

type memRepo struct {
	saved map[string]repository.CachedBuild
}

func (m *memRepo) SaveBuild(ctx context.Context, b domain.GoBuild, at time.Time) error {
	m.saved[b.ID] = repository.CachedBuild{Build: b, SavedAt: at}
	return nil
}

func (m *memRepo) GetBuild(ctx context.Context, id string) (repository.CachedBuild, error) {
	cb, ok := m.saved[id]
	if !ok {
		return repository.CachedBuild{}, repository.ErrNotFound
	}
	return cb, nil
}

func (m *memRepo) ListBuilds(ctx context.Context, limit int) ([]repository.CachedBuild, error) {
	var out []repository.CachedBuild
	for _, cb := range m.saved {
		out = append(out, cb)
	}
	return out, nil
}

func (m *memRepo) DeleteBuild(ctx context.Context, id string) error {
	delete(m.saved, id)
	return nil
}

func TestFetchCachesDescriptor(t *testing.T) {
	repo := &memRepo{saved: map[string]repository.CachedBuild{}}
	svc := New(fakeAPI{build: domain.GoBuild{ID: "b1", URL: "https://cdn/b1.zip"}}, repo, logger.Discard())
	if _, err := svc.Fetch(context.Background(), " b1 "); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	cached, err := svc.Cached(context.Background(), "b1")
	if err != nil || cached.URL != "https://cdn/b1.zip" {
		t.Fatalf("cached: %+v %v", cached, err)
	}
}

func TestFetchRejectsUnusableDescriptors(t *testing.T) {
	missing := false
	cases := []struct {
		name  string
		build domain.GoBuild
		want  error
	}{
		{"not found", domain.GoBuild{ID: "b", URL: "u", IsFound: &missing}, ErrNotFound},
		{"no package", domain.GoBuild{ID: "b"}, ErrNoPackage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &memRepo{saved: map[string]repository.CachedBuild{}}
			svc := New(fakeAPI{build: tc.build}, repo, logger.Discard())
			if _, err := svc.Fetch(context.Background(), "b"); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if len(repo.saved) != 0 {
				t.Fatal("unusable descriptor must not be cached")
			}
		})
	}
}

func TestFetchPropagatesAPIError(t *testing.T) {
	boom := errors.New("boom")
	svc := New(fakeAPI{err: boom}, nil, logger.Discard())
	if _, err := svc.Fetch(context.Background(), "b"); !errors.Is(err, boom) {
		t.Fatalf("expected api error, got %v", err)
	}
	if _, err := svc.Fetch(context.Background(), ""); err == nil {
		t.Fatal("expected error for blank id")
	}
}
