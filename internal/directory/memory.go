package directory

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Directory.
type Memory struct {
	mu         sync.RWMutex
	identities map[string]Identity
}

// NewMemory returns a directory holding ids.
func NewMemory(ids ...Identity) *Memory {
	m := &Memory{identities: make(map[string]Identity, len(ids))}
	for _, id := range ids {
		m.identities[id.ID] = id
	}
	return m
}

// Add inserts or replaces an identity.
func (m *Memory) Add(id Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[id.ID] = id
}

func (m *Memory) ListWithReference(ctx context.Context) ([]Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]Identity, 0, len(m.identities))
	for _, id := range m.identities {
		all = append(all, id)
	}
	return withReference(all), nil
}

func (m *Memory) Get(ctx context.Context, id string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ident, ok := m.identities[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return &ident, nil
}

func (m *Memory) SetReference(ctx context.Context, id, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ident, ok := m.identities[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	ident.ReferenceKey = key
	m.identities[id] = ident
	return nil
}

func (m *Memory) ClearReference(ctx context.Context, id string) error {
	return m.SetReference(ctx, id, "")
}

func (m *Memory) Close(ctx context.Context) error {
	return nil
}
