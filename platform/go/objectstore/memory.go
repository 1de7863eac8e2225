package objectstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-memory Store used by tests and single-process setups.
type Memory struct {
	mu      sync.Mutex
	objects map[string]Object
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]Object)}
}

func (s *Memory) Get(_ context.Context, key string) (Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[key]
	if !ok {
		return Object{}, ErrNotFound
	}
	return Object{Data: append([]byte(nil), obj.Data...), Generation: obj.Generation}, nil
}

func (s *Memory) Put(_ context.Context, key string, data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(key, data), nil
}

func (s *Memory) PutIfGeneration(_ context.Context, key string, data []byte, generation int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.objects[key].Generation != generation {
		return 0, ErrPreconditionFailed
	}
	return s.putLocked(key, data), nil
}

func (s *Memory) putLocked(key string, data []byte) int64 {
	next := s.objects[key].Generation + 1
	s.objects[key] = Object{Data: append([]byte(nil), data...), Generation: next}
	return next
}

func (s *Memory) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *Memory) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

var _ Store = (*Memory)(nil)
