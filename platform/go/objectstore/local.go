package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Local is a filesystem-backed Store for development. Generations are tracked
// in a sidecar index file so conditional puts behave like the GCS backend.
type Local struct {
	mu   sync.Mutex
	base string
}

// NewLocal creates (if needed) and wraps a base directory.
func NewLocal(base string) (*Local, error) {
	if strings.TrimSpace(base) == "" {
		return nil, fmt.Errorf("local store requires a base directory")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	return &Local{base: base}, nil
}

func (s *Local) path(key string) string {
	return filepath.Join(s.base, filepath.FromSlash(key))
}

func (s *Local) generationsPath() string {
	return filepath.Join(s.base, ".generations.json")
}

func (s *Local) loadGenerations() (map[string]int64, error) {
	data, err := os.ReadFile(s.generationsPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]int64{}, nil
		}
		return nil, err
	}
	gens := map[string]int64{}
	if err := json.Unmarshal(data, &gens); err != nil {
		return nil, fmt.Errorf("decode generation index: %w", err)
	}
	return gens, nil
}

func (s *Local) saveGenerations(gens map[string]int64) error {
	data, err := json.Marshal(gens)
	if err != nil {
		return err
	}
	return os.WriteFile(s.generationsPath(), data, 0o644)
}

func (s *Local) Get(_ context.Context, key string) (Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Object{}, ErrNotFound
		}
		return Object{}, fmt.Errorf("read %s: %w", key, err)
	}
	gens, err := s.loadGenerations()
	if err != nil {
		return Object{}, err
	}
	return Object{Data: data, Generation: gens[key]}, nil
}

func (s *Local) Put(ctx context.Context, key string, data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(key, data)
}

func (s *Local) PutIfGeneration(_ context.Context, key string, data []byte, generation int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gens, err := s.loadGenerations()
	if err != nil {
		return 0, err
	}
	if gens[key] != generation {
		return 0, ErrPreconditionFailed
	}
	return s.putLocked(key, data)
}

func (s *Local) putLocked(key string, data []byte) (int64, error) {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create dir for %s: %w", key, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, fmt.Errorf("write %s: %w", key, err)
	}

	gens, err := s.loadGenerations()
	if err != nil {
		return 0, err
	}
	gens[key]++
	if err := s.saveGenerations(gens); err != nil {
		return 0, err
	}
	return gens[key], nil
}

func (s *Local) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	gens, err := s.loadGenerations()
	if err != nil {
		return err
	}
	delete(gens, key)
	return s.saveGenerations(gens)
}

func (s *Local) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	err := filepath.WalkDir(s.base, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(s.base, path)
		if relErr != nil {
			return relErr
		}
		key := filepath.ToSlash(rel)
		if key == ".generations.json" {
			return nil
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

var _ Store = (*Local)(nil)
