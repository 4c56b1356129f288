package audit

import (
	"context"
	"sync"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory audit store for demo/development mode.
type MemoryStore struct {
	records []*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Insert(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	cp.ThreatTags = append([]string(nil), rec.ThreatTags...)
	m.records = append(m.records, &cp)
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, f Filter) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	// Newest first.
	var result []*Record
	for i := len(m.records) - 1; i >= 0 && len(result) < limit; i-- {
		rec := m.records[i]
		if f.AgentID != "" && rec.AgentID != f.AgentID {
			continue
		}
		if f.Decision != "" && rec.Decision != f.Decision {
			continue
		}
		if f.PayoutID != "" && rec.PayoutID != f.PayoutID {
			continue
		}
		if !f.Since.IsZero() && rec.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && rec.CreatedAt.After(f.Until) {
			continue
		}
		if f.Cursor != nil {
			if rec.CreatedAt.After(f.Cursor.CreatedAt) ||
				(rec.CreatedAt.Equal(f.Cursor.CreatedAt) && rec.ID >= f.Cursor.ID) {
				continue
			}
		}
		cp := *rec
		result = append(result, &cp)
	}
	return result, nil
}
