// Package capture keeps the on-disk runtime output that is replayed after a
// crash: a rolling tail of recent lines and a crash-detail file.
package capture

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	LastLinesFile   = "crash_lastlines.txt"
	CrashDetailFile = "crash_detail.txt"
)

// Store owns the capture directory.
type Store struct {
	dir   string
	limit int

	mu    sync.Mutex
	lines []string
	file  *os.File
}

// New opens the capture directory. limit bounds the rolling tail.
func New(dir string, limit int) (*Store, error) {
	if limit <= 0 {
		limit = 500
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}
	return &Store{dir: dir, limit: limit}, nil
}

// Begin starts a new session tail, discarding the previous one.
func (s *Store) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	s.lines = s.lines[:0]
	f, err := os.OpenFile(filepath.Join(s.dir, LastLinesFile), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open tail: %w", err)
	}
	s.file = f
	return nil
}

// Append records a line. The file is appended to and compacted back to the
// last limit lines once it grows to twice the limit.
func (s *Store) Append(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("capture: session not started")
	}
	line = strings.TrimRight(line, "\r\n")
	s.lines = append(s.lines, line)
	if len(s.lines) >= 2*s.limit {
		s.lines = append(s.lines[:0], s.lines[len(s.lines)-s.limit:]...)
		return s.rewriteLocked()
	}
	_, err := s.file.WriteString(line + "\n")
	return err
}

// End closes the tail file.
func (s *Store) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

// WriteCrashDetail stores the crash report for the next cold start.
func (s *Store) WriteCrashDetail(detail string) error {
	return os.WriteFile(filepath.Join(s.dir, CrashDetailFile), []byte(detail), 0o600)
}

// LastLines returns the non-blank lines of the rolling tail, keeping at most
// the newest limit lines.
func (s *Store) LastLines() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines, err := readLines(filepath.Join(s.dir, LastLinesFile))
	if err != nil {
		return nil, err
	}
	if len(lines) > s.limit {
		lines = lines[len(lines)-s.limit:]
	}
	return lines, nil
}

// ConsumeCrashDetail returns the non-blank crash-detail lines and deletes the file.
func (s *Store) ConsumeCrashDetail() ([]string, error) {
	path := filepath.Join(s.dir, CrashDetailFile)
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return lines, fmt.Errorf("remove crash detail: %w", err)
	}
	return lines, nil
}

func (s *Store) rewriteLocked() error {
	var buf bytes.Buffer
	for _, l := range s.lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	if err := s.file.Truncate(0); err != nil {
		return err
	}
	if _, err := s.file.Seek(0, 0); err != nil {
		return err
	}
	_, err := s.file.Write(buf.Bytes())
	return err
}

func (s *Store) closeLocked() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			out = append(out, sc.Text())
		}
	}
	return out, sc.Err()
}
