package store

import (
	"context"
	"sync"
)

// Memory is an in-memory Store. It backs component tests and is usable for
// single-process deployments that do not need durability.
type Memory struct {
	mu     sync.RWMutex
	tables map[string][]Record // insertion order preserved
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string][]Record)}
}

func matches(rec Record, filters Filters) bool {
	for key, want := range filters {
		got := rec[key]
		if list, ok := want.([]interface{}); ok {
			found := false
			for _, candidate := range list {
				if got == candidate {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		if got != want {
			return false
		}
	}
	return true
}

func clone(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

func (m *Memory) Select(_ context.Context, table string, filters Filters) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, rec := range m.tables[table] {
		if matches(rec, filters) {
			out = append(out, clone(rec))
		}
	}
	return out, nil
}

func (m *Memory) Insert(_ context.Context, table string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table] = append(m.tables[table], clone(rec))
	return nil
}

func (m *Memory) Update(_ context.Context, table, id string, patch Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, rec := range m.tables[table] {
		if rec.Str("id") == id {
			updated := clone(rec)
			for k, v := range patch {
				updated[k] = v
			}
			m.tables[table][i] = updated
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) Delete(_ context.Context, table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.tables[table]
	for i, rec := range rows {
		if rec.Str("id") == id {
			m.tables[table] = append(rows[:i], rows[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) FindByID(_ context.Context, table, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.tables[table] {
		if rec.Str("id") == id {
			return clone(rec), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FindOne(ctx context.Context, table string, filters Filters) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.tables[table] {
		if matches(rec, filters) {
			return clone(rec), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) Count(_ context.Context, table string, filters Filters) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, rec := range m.tables[table] {
		if matches(rec, filters) {
			n++
		}
	}
	return n, nil
}
