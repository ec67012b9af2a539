package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/shipth-is/shipgo/internal/acquire"
	"github.com/shipth-is/shipgo/internal/archive"
)

const manifestName = "module.json"

// ErrNoRegistry is returned when a module must be installed but no bundle
// registry is configured.
var ErrNoRegistry = errors.New("runtime: module registry not configured")

// Manifest describes how to start an installed module.
type Manifest struct {
	Module Module   `json:"module"`
	Entry  string   `json:"entry"`
	Args   []string `json:"args,omitempty"`
}

// Fetcher downloads a bundle; satisfied by *acquire.Downloader.
type Fetcher interface {
	Fetch(ctx context.Context, source, dest string, onProgress acquire.ProgressFunc, opts ...acquire.FetchOption) (acquire.Result, error)
}

// DirHost keeps modules as directories under root, each holding a
// module.json manifest and the engine binary. Missing modules are fetched
// from <registry>/<module>.zip.
type DirHost struct {
	root     string
	registry string
	fetcher  Fetcher
	logger   *slog.Logger
}

func NewDirHost(root, registry string, fetcher Fetcher, logger *slog.Logger) (*DirHost, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("runtime: modules directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create modules dir: %w", err)
	}
	return &DirHost{
		root:     root,
		registry: strings.TrimRight(strings.TrimSpace(registry), "/"),
		fetcher:  fetcher,
		logger:   logger.With("component", "dirhost"),
	}, nil
}

func (h *DirHost) Name() string { return "dir" }

func (h *DirHost) moduleDir(m Module) string { return filepath.Join(h.root, string(m)) }

func (h *DirHost) Installed(ctx context.Context, m Module) (bool, error) {
	_, err := os.Stat(filepath.Join(h.moduleDir(m), manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InstalledModules lists modules with a manifest on disk.
func (h *DirHost) InstalledModules(ctx context.Context) ([]Module, error) {
	var out []Module
	for _, m := range Modules() {
		ok, err := h.Installed(ctx, m)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (h *DirHost) StartInstall(ctx context.Context, m Module) (<-chan InstallUpdate, error) {
	if h.registry == "" {
		return nil, ErrNoRegistry
	}
	if h.fetcher == nil {
		return nil, errors.New("runtime: no fetcher configured")
	}
	updates := make(chan InstallUpdate, 16)
	go h.install(ctx, m, updates)
	return updates, nil
}

func (h *DirHost) install(ctx context.Context, m Module, updates chan<- InstallUpdate) {
	defer close(updates)
	send := func(u InstallUpdate) bool {
		u.Module = m
		select {
		case updates <- u:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(code int, err error) {
		h.logger.Error("module install failed", "module", m, "error", err)
		send(InstallUpdate{Status: StatusFailed, ErrorCode: code, Err: err})
	}

	staging := filepath.Join(h.root, ".staging")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		fail(-1, err)
		return
	}
	bundle := filepath.Join(staging, string(m)+".zip")
	unpacked := filepath.Join(staging, string(m))
	defer os.Remove(bundle)
	defer os.RemoveAll(unpacked)

	if !send(InstallUpdate{Status: StatusDownloading}) {
		return
	}
	res, err := h.fetcher.Fetch(ctx, h.registry+"/"+string(m)+".zip", bundle, func(pct int) {
		select {
		case updates <- InstallUpdate{Module: m, Status: StatusDownloading, Percent: pct}:
		default:
		}
	})
	if err != nil {
		code := -1
		var te *acquire.TransferError
		if errors.As(err, &te) {
			code = te.StatusCode
		}
		fail(code, err)
		return
	}
	if !send(InstallUpdate{Status: StatusDownloading, BytesDownloaded: res.Bytes, TotalBytes: res.Bytes, Percent: 100}) {
		return
	}
	if !send(InstallUpdate{Status: StatusInstalling}) {
		return
	}
	os.RemoveAll(unpacked)
	if _, err := archive.Extract(ctx, bundle, unpacked, nil, h.logger); err != nil {
		fail(-2, err)
		return
	}
	if _, err := readManifest(unpacked); err != nil {
		fail(-3, err)
		return
	}
	final := h.moduleDir(m)
	os.RemoveAll(final)
	if err := os.Rename(unpacked, final); err != nil {
		fail(-4, err)
		return
	}
	send(InstallUpdate{Status: StatusInstalled})
}

func readManifest(dir string) (Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var mf Manifest
	if err := json.Unmarshal(raw, &mf); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if strings.TrimSpace(mf.Entry) == "" {
		return Manifest{}, errors.New("manifest has no entry")
	}
	return mf, nil
}

func (h *DirHost) Start(ctx context.Context, m Module, spec LaunchSpec) (Process, error) {
	dir := h.moduleDir(m)
	mf, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	entry := filepath.Join(dir, filepath.FromSlash(mf.Entry))
	if rel, err := filepath.Rel(dir, entry); err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("manifest entry %q escapes module dir", mf.Entry)
	}
	args := mf.Args
	if len(args) == 0 {
		args = []string{"--path", "{content}"}
	}
	expanded := make([]string, len(args))
	r := strings.NewReplacer("{content}", spec.ContentDir, "{version}", spec.Version, "{build}", spec.BuildID)
	for i, a := range args {
		expanded[i] = r.Replace(a)
	}
	env := append([]string{
		"SHIPGO_BUILD_ID=" + spec.BuildID,
		"SHIPGO_ENGINE_VERSION=" + spec.Version,
		"SHIPGO_CONTENT_DIR=" + spec.ContentDir,
	}, spec.Env...)
	return startExec(entry, expanded, spec.ContentDir, env, spec.Detached)
}
