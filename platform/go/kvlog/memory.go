package kvlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-memory Log for tests. FailAppends can be toggled to
// exercise the caller's retry path.
type Memory struct {
	mu          sync.Mutex
	entries     map[string]map[uint64][]byte
	FailAppends bool
}

// NewMemory returns an empty in-memory log.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]map[uint64][]byte)}
}

func (m *Memory) Append(_ context.Context, tenant string, version uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailAppends {
		return fmt.Errorf("%w: injected failure", ErrUnavailable)
	}
	bucket, ok := m.entries[tenant]
	if !ok {
		bucket = make(map[uint64][]byte)
		m.entries[tenant] = bucket
	}
	if _, exists := bucket[version]; exists {
		return ErrVersionExists
	}
	bucket[version] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Range(_ context.Context, tenant string, from, to uint64) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if from > to {
		return nil, nil
	}
	bucket := m.entries[tenant]
	var entries []Entry
	for v := from; v <= to; v++ {
		data, ok := bucket[v]
		if !ok {
			return nil, fmt.Errorf("gap in log for tenant %s at version %d", tenant, v)
		}
		entries = append(entries, Entry{Version: v, Data: append([]byte(nil), data...)})
	}
	return entries, nil
}

func (m *Memory) Bounds(_ context.Context, tenant string) (uint64, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.entries[tenant]
	if len(bucket) == 0 {
		return 0, 0, nil
	}
	versions := make([]uint64, 0, len(bucket))
	for v := range bucket {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions[0], versions[len(versions)-1], nil
}

func (m *Memory) PruneBelow(_ context.Context, tenant string, below uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for v := range m.entries[tenant] {
		if v < below {
			delete(m.entries[tenant], v)
		}
	}
	return nil
}

func (m *Memory) Close() error { return nil }

var _ Log = (*Memory)(nil)
