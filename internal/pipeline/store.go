package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Store manages persisted run state on disk. Each run lives under
// <baseDir>/<run-id>/run.json.
type Store struct {
	baseDir string
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// DefaultStore returns a Store at ~/.conveyor/runs, creating the directory if
// needed.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".conveyor", "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{baseDir: dir}, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) runDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *Store) runPath(id string) string {
	return filepath.Join(s.runDir(id), "run.json")
}

// Create initialises a new run on disk.
func (s *Store) Create(id, ref, sha, source string) (*RunState, error) {
	dir := s.runDir(id)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("run %s already exists", id)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	rs := &RunState{
		ID:        id,
		Ref:       ref,
		CommitSHA: sha,
		Source:    source,
		Status:    RunPending,
		Jobs:      []JobResult{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := writeRunState(s.runPath(id), rs); err != nil {
		return nil, fmt.Errorf("write run.json: %w", err)
	}
	return rs, nil
}

// Get reads the state of a run.
func (s *Store) Get(id string) (*RunState, error) {
	rs, err := readRunState(s.runPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s not found", id)
		}
		return nil, err
	}
	return rs, nil
}

// Update performs a read-modify-write of a run's state.
func (s *Store) Update(id string, fn func(*RunState)) error {
	rs, err := s.Get(id)
	if err != nil {
		return err
	}
	fn(rs)
	rs.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return writeRunState(s.runPath(id), rs)
}

// List returns all runs, newest first, optionally filtered by status.
// Pass "" to return all runs.
func (s *Store) List(statusFilter RunStatus) ([]RunState, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var runs []RunState
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rs, err := s.Get(entry.Name())
		if err != nil {
			continue // skip broken entries
		}
		if statusFilter == "" || rs.Status == statusFilter {
			runs = append(runs, *rs)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt > runs[j].CreatedAt
	})
	return runs, nil
}
