// Package mock provides an in-memory database.EncodingStore for testing.
package mock

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kozaktomas/facegate/internal/database"
)

// MockEncodingStore is an in-memory implementation of database.EncodingStore
type MockEncodingStore struct {
	mu      sync.RWMutex
	entries map[string]database.StoredEncoding
	dropped []error

	// Error injection
	LoadError  error
	SaveError  error
	CloseError error

	// SaveCalls counts Save invocations, including failed ones
	SaveCalls atomic.Int64
	// Closed is set by Close
	Closed atomic.Bool
}

var _ database.EncodingStore = (*MockEncodingStore)(nil)

// NewMockEncodingStore creates a new mock store
func NewMockEncodingStore() *MockEncodingStore {
	return &MockEncodingStore{
		entries: make(map[string]database.StoredEncoding),
	}
}

// AddEncoding adds an entry to the mock store
func (m *MockEncodingStore) AddEncoding(e database.StoredEncoding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.IdentityID] = e
}

// AddDropped makes the next loads report err as a dropped record
func (m *MockEncodingStore) AddDropped(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped = append(m.dropped, err)
}

// Get returns the stored entry for id
func (m *MockEncodingStore) Get(id string) (database.StoredEncoding, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

// Len returns the number of stored entries
func (m *MockEncodingStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Load returns all entries sorted by identity id
func (m *MockEncodingStore) Load(ctx context.Context) ([]database.StoredEncoding, []error, error) {
	if m.LoadError != nil {
		return nil, nil, m.LoadError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]database.StoredEncoding, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID < out[j].IdentityID })
	return out, append([]error(nil), m.dropped...), nil
}

// Save applies the batch
func (m *MockEncodingStore) Save(ctx context.Context, upserts []database.StoredEncoding, deletes []string) error {
	m.SaveCalls.Add(1)
	if m.SaveError != nil {
		return m.SaveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range deletes {
		delete(m.entries, id)
	}
	for _, e := range upserts {
		m.entries[e.IdentityID] = e
	}
	return nil
}

// Close marks the store closed
func (m *MockEncodingStore) Close() error {
	m.Closed.Store(true)
	return m.CloseError
}
