// Package tempfs owns the transient files of a single pipeline run.
//
// Every run gets a private directory. Files created or staged through the
// Scope are removed exactly once: either by Release when the owning stage is
// done with them, or by Close at the end of the run. Removal failures are
// logged and never returned to the pipeline as fatal errors.
package tempfs

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// CleanupWarning records a transient file that could not be removed.
type CleanupWarning struct {
	Path string
	Err  error
}

func (w *CleanupWarning) Error() string {
	return fmt.Sprintf("cleanup %s: %v", w.Path, w.Err)
}

func (w *CleanupWarning) Unwrap() error { return w.Err }

// Scope tracks the transient files of one run.
type Scope struct {
	id     string
	dir    string
	logger *slog.Logger

	mu     sync.Mutex
	files  map[string]struct{}
	closed bool
}

// New creates a private namespace under base. An empty runID gets a random one.
func New(base, runID string, logger *slog.Logger) (*Scope, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create temp base: %w", err)
	}
	dir, err := os.MkdirTemp(base, "audiobook-"+runID+"-")
	if err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	return &Scope{
		id:     runID,
		dir:    dir,
		logger: logger.With(slog.String("component", "tempfs"), slog.String("run_id", runID)),
		files:  make(map[string]struct{}),
	}, nil
}

func (s *Scope) ID() string  { return s.id }
func (s *Scope) Dir() string { return s.dir }

// Create opens a new tracked file inside the run directory. pattern follows
// os.CreateTemp.
func (s *Scope) Create(pattern string) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("scope closed")
	}
	f, err := os.CreateTemp(s.dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	s.files[f.Name()] = struct{}{}
	return f, nil
}

// Path reserves a tracked path inside the run directory without creating
// it, for tools that insist on writing the file themselves.
func (s *Scope) Path(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errors.New("scope closed")
	}
	path := filepath.Join(s.dir, filepath.Base(name))
	if _, exists := s.files[path]; exists {
		return "", fmt.Errorf("path %s already reserved", path)
	}
	s.files[path] = struct{}{}
	return path, nil
}

// Stage writes caller-provided bytes to a tracked file and returns its path.
func (s *Scope) Stage(pattern string, data []byte) (string, error) {
	f, err := s.Create(pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		s.Release(name)
		return "", fmt.Errorf("stage %s: %w", pattern, err)
	}
	if err := f.Close(); err != nil {
		s.Release(name)
		return "", fmt.Errorf("stage %s: %w", pattern, err)
	}
	return name, nil
}

// Release removes a tracked file now and stops tracking it.
func (s *Scope) Release(path string) {
	s.mu.Lock()
	_, ok := s.files[path]
	delete(s.files, path)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.remove(path)
}

// Close removes every tracked file and the run directory. It is safe to
// call more than once. The returned warnings are informational only.
func (s *Scope) Close() []CleanupWarning {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	s.files = map[string]struct{}{}
	s.mu.Unlock()

	sort.Strings(paths)
	var warnings []CleanupWarning
	for _, p := range paths {
		if w := s.remove(p); w != nil {
			warnings = append(warnings, *w)
		}
	}
	if err := os.RemoveAll(s.dir); err != nil {
		w := CleanupWarning{Path: s.dir, Err: err}
		s.logger.Warn("failed to remove run directory", slog.String("path", s.dir), slogError(err))
		warnings = append(warnings, w)
	}
	return warnings
}

func (s *Scope) remove(path string) *CleanupWarning {
	err := os.Remove(path)
	if err == nil {
		return nil
	}
	// a reserved path that was never written is not worth a warning
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Debug("transient file already gone", slog.String("path", path))
		return nil
	}
	s.logger.Warn("failed to remove transient file", slog.String("path", path), slogError(err))
	return &CleanupWarning{Path: path, Err: err}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
