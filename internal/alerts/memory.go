package alerts

import (
	"context"
	"sync"
	"time"
)

// MemoryCooldownStore is an in-process CooldownStore, for single-node
// deployments or tests. Entries expire lazily on Exists/Set.
type MemoryCooldownStore struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryCooldownStore creates an empty MemoryCooldownStore.
func NewMemoryCooldownStore() *MemoryCooldownStore {
	return &MemoryCooldownStore{
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

// WithClock overrides the clock, for deterministic tests.
func (m *MemoryCooldownStore) WithClock(now func() time.Time) *MemoryCooldownStore {
	m.now = now
	return m
}

// Exists reports whether key is still within its cooldown window.
func (m *MemoryCooldownStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.expires[key]
	if !ok {
		return false, nil
	}
	if !m.now().Before(expiry) {
		delete(m.expires, key)
		return false, nil
	}
	return true, nil
}

// Set starts or refreshes the cooldown window for key.
func (m *MemoryCooldownStore) Set(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expires[key] = m.now().Add(ttl)
	return nil
}

// MemoryHistoryStore collects HistoryRows in memory, for tests and
// single-node deployments without Postgres configured.
type MemoryHistoryStore struct {
	mu   sync.Mutex
	rows []HistoryRow
}

// NewMemoryHistoryStore creates an empty MemoryHistoryStore.
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{}
}

// Append records row.
func (m *MemoryHistoryStore) Append(row HistoryRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, row)
	return nil
}

// Rows returns a snapshot of all recorded rows.
func (m *MemoryHistoryStore) Rows() []HistoryRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HistoryRow, len(m.rows))
	copy(out, m.rows)
	return out
}
