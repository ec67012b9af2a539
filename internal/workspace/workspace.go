package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	contentDirName  = "game"
	downloadDirName = "downloads"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Manager owns the downloaded package and the extracted content under a
// common root. Only one build's content is kept at a time.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Root returns the workspace root.
func (m *Manager) Root() string { return m.root }

// ContentDir is where the current build is extracted.
func (m *Manager) ContentDir() string { return filepath.Join(m.root, contentDirName) }

// PackagePath is the download location of the package for buildID.
func (m *Manager) PackagePath(buildID string) (string, error) {
	if strings.TrimSpace(buildID) == "" {
		return "", fmt.Errorf("build id cannot be empty")
	}
	name := unsafeChars.ReplaceAllString(buildID, "_")
	return filepath.Join(m.root, downloadDirName, name+".zip"), nil
}

// Prepare removes the previous build's package and content and recreates
// empty directories.
func (m *Manager) Prepare() error {
	for _, name := range []string{contentDirName, downloadDirName} {
		dir := filepath.Join(m.root, name)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("cleanup workspace: %w", err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create workspace: %w", err)
		}
	}
	return nil
}

// Cleanup removes path, which must live inside the workspace root.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// Usage reports the bytes held by the workspace.
func (m *Manager) Usage() (int64, error) {
	var total int64
	err := filepath.WalkDir(m.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure workspace: %w", err)
	}
	return total, nil
}
