package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/shipth-is/shipgo/internal/domain"
	"github.com/shipth-is/shipgo/internal/repository"
)

// Repository implements the cache interfaces on an on-device SQLite file.
type Repository struct {
	db *sqlx.DB
}

// ensure Repository satisfies interfaces.
var (
	_ repository.BuildRepository  = (*Repository)(nil)
	_ repository.LaunchRepository = (*Repository)(nil)
)

// Open connects to the database file at path, creating its directory.
func Open(ctx context.Context, path string) (*sqlx.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	db, err := sqlx.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping cache: %w", err)
	}
	return db, nil
}

// New constructs a Repository.
func New(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

type buildRow struct {
	ID            string `db:"id"`
	ProjectID     string `db:"project_id"`
	ProjectName   string `db:"project_name"`
	EngineVersion string `db:"engine_version"`
	Platform      string `db:"platform"`
	Payload       string `db:"payload"`
	SavedAt       int64  `db:"saved_at"`
}

func (r buildRow) decode() (repository.CachedBuild, error) {
	var b domain.GoBuild
	if err := json.Unmarshal([]byte(r.Payload), &b); err != nil {
		return repository.CachedBuild{}, fmt.Errorf("decode cached build %s: %w", r.ID, err)
	}
	return repository.CachedBuild{Build: b, SavedAt: time.Unix(0, r.SavedAt).UTC()}, nil
}

// SaveBuild inserts or replaces the cached descriptor for build.ID.
func (r *Repository) SaveBuild(ctx context.Context, build domain.GoBuild, savedAt time.Time) error {
	payload, err := json.Marshal(build)
	if err != nil {
		return fmt.Errorf("encode build: %w", err)
	}
	const query = `INSERT INTO builds (id, project_id, project_name, engine_version, platform, payload, saved_at)
		VALUES (:id, :project_id, :project_name, :engine_version, :platform, :payload, :saved_at)
		ON CONFLICT (id) DO UPDATE SET
			project_id = excluded.project_id,
			project_name = excluded.project_name,
			engine_version = excluded.engine_version,
			platform = excluded.platform,
			payload = excluded.payload,
			saved_at = excluded.saved_at`
	row := buildRow{
		ID:            build.ID,
		ProjectID:     build.ProjectID,
		ProjectName:   build.Project.Name,
		EngineVersion: build.EngineVersion(),
		Platform:      build.Platform,
		Payload:       string(payload),
		SavedAt:       savedAt.UnixNano(),
	}
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("save build: %w", err)
	}
	return nil
}

// GetBuild fetches one cached descriptor.
func (r *Repository) GetBuild(ctx context.Context, id string) (repository.CachedBuild, error) {
	const query = `SELECT id, project_id, project_name, engine_version, platform, payload, saved_at
		FROM builds WHERE id = ?`
	var row buildRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repository.CachedBuild{}, repository.ErrNotFound
		}
		return repository.CachedBuild{}, fmt.Errorf("get build: %w", err)
	}
	return row.decode()
}

// ListBuilds returns cached descriptors, most recently saved first.
func (r *Repository) ListBuilds(ctx context.Context, limit int) ([]repository.CachedBuild, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, project_id, project_name, engine_version, platform, payload, saved_at
		FROM builds ORDER BY saved_at DESC, rowid DESC LIMIT ?`
	var rows []buildRow
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	out := make([]repository.CachedBuild, 0, len(rows))
	for _, row := range rows {
		cb, err := row.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, cb)
	}
	return out, nil
}

// DeleteBuild removes a cached descriptor.
func (r *Repository) DeleteBuild(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM builds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete build: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// InsertLaunch records the start of a launch.
func (r *Repository) InsertLaunch(ctx context.Context, rec repository.LaunchRecord) error {
	const query = `INSERT INTO launches (id, build_id, module, status, message, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, rec.ID, rec.BuildID, rec.Module, rec.Status, rec.Message, rec.StartedAt.UnixNano()); err != nil {
		return fmt.Errorf("insert launch: %w", err)
	}
	return nil
}

// FinishLaunch stores the outcome of a launch.
func (r *Repository) FinishLaunch(ctx context.Context, id, status, message string, exitCode *int, finishedAt time.Time) error {
	var code sql.NullInt64
	if exitCode != nil {
		code = sql.NullInt64{Int64: int64(*exitCode), Valid: true}
	}
	const query = `UPDATE launches SET status = ?, message = ?, exit_code = ?, finished_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, status, message, code, finishedAt.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("finish launch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListLaunches returns launches, newest first.
func (r *Repository) ListLaunches(ctx context.Context, limit int) ([]repository.LaunchRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, build_id, module, status, message, exit_code, started_at, finished_at
		FROM launches ORDER BY started_at DESC, rowid DESC LIMIT ?`
	rows, err := r.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list launches: %w", err)
	}
	defer rows.Close()
	var out []repository.LaunchRecord
	for rows.Next() {
		var (
			rec                repository.LaunchRecord
			exitCode, finished sql.NullInt64
			started            int64
		)
		if err := rows.Scan(&rec.ID, &rec.BuildID, &rec.Module, &rec.Status, &rec.Message, &exitCode, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan launch: %w", err)
		}
		rec.StartedAt = time.Unix(0, started).UTC()
		if exitCode.Valid {
			c := int(exitCode.Int64)
			rec.ExitCode = &c
		}
		if finished.Valid {
			f := time.Unix(0, finished.Int64).UTC()
			rec.FinishedAt = &f
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
