// Package store provides the keyed tables that back sessions and tokens.
//
// Tables do not serialize read-then-write sequences; callers that count and
// then insert hold their own lock around the sequence.
package store

import (
	"sort"
	"sync"
)

// Table is a keyed record store.
type Table[V any] interface {
	// Get returns the record stored under key.
	Get(key string) (V, bool, error)
	// Put inserts or replaces the record stored under key.
	Put(key string, value V) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	// Scan calls fn for every record in key order until fn returns false.
	Scan(fn func(key string, value V) bool) error
}

// Memory is an in-process Table.
type Memory[V any] struct {
	mu      sync.RWMutex
	records map[string]V
}

// NewMemory returns an empty in-memory table.
func NewMemory[V any]() *Memory[V] {
	return &Memory[V]{records: make(map[string]V)}
}

// Get implements Table.
func (m *Memory[V]) Get(key string) (V, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.records[key]
	return value, ok, nil
}

// Put implements Table.
func (m *Memory[V]) Put(key string, value V) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records == nil {
		m.records = make(map[string]V)
	}
	m.records[key] = value
	return nil
}

// Delete implements Table.
func (m *Memory[V]) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

// Scan implements Table. fn runs on a snapshot, so it may call back into the table.
func (m *Memory[V]) Scan(fn func(key string, value V) bool) error {
	keys, values := m.snapshot()
	for i, key := range keys {
		if !fn(key, values[i]) {
			return nil
		}
	}
	return nil
}

// Len returns the number of records.
func (m *Memory[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *Memory[V]) snapshot() ([]string, []V) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.records))
	for key := range m.records {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	values := make([]V, len(keys))
	for i, key := range keys {
		values[i] = m.records[key]
	}
	return keys, values
}

func (m *Memory[V]) replace(records map[string]V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if records == nil {
		records = make(map[string]V)
	}
	m.records = records
}

func (m *Memory[V]) copyRecords() map[string]V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]V, len(m.records))
	for key, value := range m.records {
		out[key] = value
	}
	return out
}
