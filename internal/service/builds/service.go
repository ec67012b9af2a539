package builds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shipth-is/shipgo/internal/domain"
	"github.com/shipth-is/shipgo/internal/repository"
)

var (
	// ErrNotFound is returned when the backend reports the build as missing.
	ErrNotFound = errors.New("build not found")
	// ErrNoPackage is returned for a descriptor without a package url.
	ErrNoPackage = errors.New("build has no downloadable package")
)

// Fetcher retrieves build descriptors from the backend.
type Fetcher interface {
	GetGoBuild(ctx context.Context, buildID string) (domain.GoBuild, error)
}

// Service fetches descriptors and keeps them in the local cache.
type Service struct {
	api    Fetcher
	repo   repository.BuildRepository
	logger *slog.Logger
	now    func() time.Time
}

// New creates a build service. repo may be nil to disable caching.
func New(api Fetcher, repo repository.BuildRepository, logger *slog.Logger) *Service {
	return &Service{api: api, repo: repo, logger: logger.With("component", "builds"), now: time.Now}
}

// Fetch retrieves buildID from the backend, validates it and caches it.
func (s *Service) Fetch(ctx context.Context, buildID string) (domain.GoBuild, error) {
	buildID = strings.TrimSpace(buildID)
	if buildID == "" {
		return domain.GoBuild{}, fmt.Errorf("build id is required")
	}
	build, err := s.api.GetGoBuild(ctx, buildID)
	if err != nil {
		return domain.GoBuild{}, err
	}
	if err := Validate(build); err != nil {
		return domain.GoBuild{}, err
	}
	if s.repo != nil {
		if err := s.repo.SaveBuild(ctx, build, s.now()); err != nil {
			s.logger.Warn("cache build descriptor", "build_id", build.ID, "error", err)
		}
	}
	s.logger.Info("build descriptor fetched", "build_id", build.ID, "project", build.Project.Name, "engine_version", build.EngineVersion())
	return build, nil
}

// Cached returns a previously fetched descriptor.
func (s *Service) Cached(ctx context.Context, buildID string) (domain.GoBuild, error) {
	if s.repo == nil {
		return domain.GoBuild{}, repository.ErrNotFound
	}
	cb, err := s.repo.GetBuild(ctx, buildID)
	if err != nil {
		return domain.GoBuild{}, err
	}
	return cb.Build, nil
}

// Recent lists cached descriptors, newest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]repository.CachedBuild, error) {
	if s.repo == nil {
		return nil, nil
	}
	return s.repo.ListBuilds(ctx, limit)
}

// Forget drops a cached descriptor.
func (s *Service) Forget(ctx context.Context, buildID string) error {
	if s.repo == nil {
		return repository.ErrNotFound
	}
	return s.repo.DeleteBuild(ctx, buildID)
}

// Validate checks that a descriptor can be launched.
func Validate(b domain.GoBuild) error {
	if b.IsFound != nil && !*b.IsFound {
		return ErrNotFound
	}
	if strings.TrimSpace(b.ID) == "" {
		return fmt.Errorf("build descriptor has no id")
	}
	if strings.TrimSpace(b.URL) == "" {
		return ErrNoPackage
	}
	return nil
}
