package policy

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory policy store for demo/development mode.
type MemoryStore struct {
	policies map[string]*AgentPolicy
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]*AgentPolicy)}
}

func (m *MemoryStore) Get(ctx context.Context, agentID string) (*AgentPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.policies[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	cp.AllowedDomains = append([]string(nil), p.AllowedDomains...)
	cp.BlockedDomains = append([]string(nil), p.BlockedDomains...)
	return &cp, nil
}

func (m *MemoryStore) Upsert(ctx context.Context, p *AgentPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cp := *p
	cp.AllowedDomains = append([]string(nil), p.AllowedDomains...)
	cp.BlockedDomains = append([]string(nil), p.BlockedDomains...)
	if existing, ok := m.policies[p.AgentID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.policies[p.AgentID] = &cp

	p.CreatedAt = cp.CreatedAt
	p.UpdatedAt = cp.UpdatedAt
	return nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]*AgentPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.policies))
	for id := range m.policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var result []*AgentPolicy
	for _, id := range ids {
		if limit > 0 && len(result) >= limit {
			break
		}
		cp := *m.policies[id]
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) Delete(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.policies[agentID]; !ok {
		return ErrNotFound
	}
	delete(m.policies, agentID)
	return nil
}
