package repository

import (
	"context"
	"time"

	"github.com/shipth-is/shipgo/internal/domain"
)

// CachedBuild is a build descriptor as stored on the device.
type CachedBuild struct {
	Build   domain.GoBuild
	SavedAt time.Time
}

// BuildRepository caches fetched build descriptors for relaunch.
type BuildRepository interface {
	SaveBuild(ctx context.Context, build domain.GoBuild, savedAt time.Time) error
	GetBuild(ctx context.Context, id string) (CachedBuild, error)
	ListBuilds(ctx context.Context, limit int) ([]CachedBuild, error)
	DeleteBuild(ctx context.Context, id string) error
}

// LaunchRecord is one pass of the launch pipeline and its outcome.
type LaunchRecord struct {
	ID         string     `json:"id"`
	BuildID    string     `json:"buildId"`
	Module     string     `json:"module,omitempty"`
	Status     string     `json:"status"`
	Message    string     `json:"message,omitempty"`
	ExitCode   *int       `json:"exitCode,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Launch statuses.
const (
	LaunchRunning = "RUNNING"
	LaunchFailed  = "FAILED"
	LaunchExited  = "EXITED"
	LaunchCrashed = "CRASHED"
)

// LaunchRepository keeps a local launch history.
type LaunchRepository interface {
	InsertLaunch(ctx context.Context, rec LaunchRecord) error
	FinishLaunch(ctx context.Context, id, status, message string, exitCode *int, finishedAt time.Time) error
	ListLaunches(ctx context.Context, limit int) ([]LaunchRecord, error)
}
