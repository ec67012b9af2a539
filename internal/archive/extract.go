// Package archive extracts build packages.
package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/shipth-is/shipgo/internal/metrics"
)

// PathTraversalError is returned when an entry would resolve outside the
// destination directory. Nothing is written when it is returned.
type PathTraversalError struct {
	Entry string
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("blocked path traversal in archive entry %q", e.Entry)
}

// ProgressFunc receives (entries processed * 100) / total entries.
type ProgressFunc func(pct int)

// Stats summarises an extraction.
type Stats struct {
	Entries int
	Files   int
	Dirs    int
	Bytes   int64
}

type plannedEntry struct {
	file   *zip.File
	target string
}

// Extract unpacks archivePath into destDir. Every entry is validated before
// any byte is written; the caller owns cleaning destDir between attempts.
func Extract(ctx context.Context, archivePath, destDir string, onProgress ProgressFunc, logger *slog.Logger) (Stats, error) {
	r, err := zip.OpenReader(archivePath)
	if r == nil {
		return Stats{}, fmt.Errorf("open archive: %w", err)
	}
	// A reader with an error flags insecure names; safeTarget decides on those.
	defer r.Close()
	r.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())
	r.RegisterDecompressor(zstd.ZipMethodPKWare, zstd.ZipDecompressor())

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return Stats{}, fmt.Errorf("create destination: %w", err)
	}
	root, err := resolveRoot(destDir)
	if err != nil {
		return Stats{}, err
	}

	plan := make([]plannedEntry, 0, len(r.File))
	for _, f := range r.File {
		target, err := safeTarget(root, f.Name)
		if err != nil {
			return Stats{}, err
		}
		plan = append(plan, plannedEntry{file: f, target: target})
	}

	total := len(plan)
	if total < 1 {
		total = 1
	}
	var stats Stats
	for i, e := range plan {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if e.file.FileInfo().IsDir() || strings.HasSuffix(e.file.Name, "/") {
			if err := os.MkdirAll(e.target, 0o755); err != nil {
				return stats, fmt.Errorf("create dir %s: %w", e.file.Name, err)
			}
			stats.Dirs++
		} else {
			n, err := writeFile(e.file, e.target)
			if err != nil {
				return stats, err
			}
			stats.Files++
			stats.Bytes += n
		}
		stats.Entries++
		metrics.ExtractedEntries.Inc()
		if onProgress != nil {
			onProgress((i + 1) * 100 / total)
		}
	}
	if logger != nil {
		logger.Debug("archive extracted", "archive", archivePath, "entries", stats.Entries, "bytes", stats.Bytes)
	}
	return stats, nil
}

func resolveRoot(destDir string) (string, error) {
	abs, err := filepath.Abs(destDir)
	if err != nil {
		return "", fmt.Errorf("resolve destination: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve destination: %w", err)
	}
	return real, nil
}

// safeTarget joins name onto root and requires the result to lie strictly
// below root.
func safeTarget(root, name string) (string, error) {
	normalized := strings.ReplaceAll(name, `\`, "/")
	target := filepath.Join(root, filepath.FromSlash(normalized))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", &PathTraversalError{Entry: name}
	}
	return target, nil
}

// writeFile streams one entry. Symlink entries are written as regular files
// holding the link text, so extraction never creates links.
func writeFile(f *zip.File, target string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create parent for %s: %w", f.Name, err)
	}
	src, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer src.Close()
	mode := f.Mode().Perm() | 0o600
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", f.Name, err)
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("write %s: %w", f.Name, err)
	}
	return n, nil
}

// Count returns the number of entries in an archive.
func Count(archivePath string) (int, error) {
	r, err := zip.OpenReader(archivePath)
	if r == nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()
	return len(r.File), nil
}
