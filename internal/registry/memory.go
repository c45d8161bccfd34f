package registry

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry keeps entries in process memory. Used for dry runs and tests.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Get implements Registry.
func (m *MemoryRegistry) Get(_ context.Context, name string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[name]
	return e, ok, nil
}

// Put implements Registry.
func (m *MemoryRegistry) Put(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var prev *Entry
	if p, ok := m.entries[e.Name]; ok {
		prev = &p
	}
	if err := CheckTransition(prev, e); err != nil {
		return err
	}
	e.UpdatedAt = m.now().UTC()
	m.entries[e.Name] = e
	return nil
}

// All implements Registry.
func (m *MemoryRegistry) All(_ context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

var _ Registry = (*MemoryRegistry)(nil)
