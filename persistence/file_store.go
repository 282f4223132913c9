package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileResultStore stores results as one JSON document on disk.
type FileResultStore struct {
	path  string
	mu    sync.RWMutex
	cache map[string]TestResult
	now   func() time.Time
}

// NewFileResultStore creates a store under the provided directory.
func NewFileResultStore(root string) (*FileResultStore, error) {
	if root == "" {
		return nil, errors.New("result store root required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	store := &FileResultStore{
		path:  filepath.Join(root, "results.json"),
		cache: make(map[string]TestResult),
		now:   func() time.Time { return time.Now().UTC() },
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *FileResultStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var results []TestResult
	if err := json.Unmarshal(data, &results); err != nil {
		return fmt.Errorf("decode %s: %w", s.path, err)
	}
	for _, r := range results {
		s.cache[r.ID] = r
	}
	return nil
}

// persist rewrites the file through a temp file so readers never see a
// partial document.
func (s *FileResultStore) persist() error {
	results := make([]TestResult, 0, len(s.cache))
	for _, r := range s.cache {
		results = append(results, r)
	}
	newestFirst(results)
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Create stores a new pending result.
func (s *FileResultStore) Create(ctx context.Context, result *TestResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := prepareCreate(result, s.now()); err != nil {
		return err
	}
	if _, exists := s.cache[result.ID]; exists {
		return fmt.Errorf("result %s already exists", result.ID)
	}
	s.cache[result.ID] = *result
	return s.persist()
}

// Get retrieves a result by id.
func (s *FileResultStore) Get(ctx context.Context, id string) (*TestResult, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.cache[id]
	if !ok {
		return nil, false, nil
	}
	return &r, true, nil
}

// UpdateStatus moves a result along its lifecycle.
func (s *FileResultStore) UpdateStatus(ctx context.Context, id string, status ResultStatus, step string) error {
	return s.mutate(ctx, id, func(r *TestResult, now time.Time) error {
		return advance(r, status, step, now)
	})
}

// Finish records the outcome of a running result.
func (s *FileResultStore) Finish(ctx context.Context, id string, outcome Outcome) error {
	return s.mutate(ctx, id, func(r *TestResult, now time.Time) error {
		return finish(r, outcome, now)
	})
}

func (s *FileResultStore) mutate(ctx context.Context, id string, fn func(*TestResult, time.Time) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.cache[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrResultNotFound, id)
	}
	if err := fn(&r, s.now()); err != nil {
		return err
	}
	s.cache[id] = r
	return s.persist()
}

// List returns matching results, newest first.
func (s *FileResultStore) List(ctx context.Context, opts ListOptions) ([]TestResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	results := make([]TestResult, 0, len(s.cache))
	for _, r := range s.cache {
		if opts.match(r) {
			results = append(results, r)
		}
	}
	newestFirst(results)
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Delete removes a result. Unknown ids are ignored.
func (s *FileResultStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache[id]; !ok {
		return nil
	}
	delete(s.cache, id)
	return s.persist()
}

// Close is a no-op; every mutation is already on disk.
func (s *FileResultStore) Close() error { return nil }
