package directory

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store for tests and single-node development.
// Expired records are invisible to Get and dropped lazily.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record

	// now is injectable for expiry tests.
	now func() time.Time
}

// NewMemory creates an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

func (m *Memory) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ConnectionID] = rec
	return nil
}

func (m *Memory) Get(_ context.Context, connectionID string) (Record, error) {
	m.mu.RLock()
	rec, ok := m.records[connectionID]
	m.mu.RUnlock()

	if !ok {
		return Record{}, ErrNotFound
	}
	if !rec.ExpiresAt.IsZero() && !m.now().Before(rec.ExpiresAt) {
		m.mu.Lock()
		delete(m.records, connectionID)
		m.mu.Unlock()
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) Delete(_ context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, connectionID)
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// Len reports the number of stored records, including expired ones not
// yet dropped. Test helper.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
