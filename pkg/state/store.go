package state

import (
	"context"
	"sync"
)

// Mutator is the read-modify-write closure passed to Store.Mutate. It may
// mutate the snapshot in place and return a value; returning an error
// rolls the transaction back with no state change.
type Mutator func(s *Snapshot) (any, error)

// Store is the single coherent snapshot store. Mutations across concurrent
// callers appear totally ordered; readers never observe partial states.
type Store interface {
	// Read returns a deep copy of the committed snapshot.
	Read(ctx context.Context) (*Snapshot, error)
	// Mutate runs f under the snapshot row lock and commits the new
	// snapshot with version := old_version + 1, returning f's value.
	Mutate(ctx context.Context, f Mutator) (any, error)
	// Version returns the committed snapshot version, for observability.
	Version(ctx context.Context) (int64, error)
}

// MemoryStore keeps the snapshot in process memory. It serializes
// mutations with a mutex and applies them copy-on-write: f runs against a
// clone which replaces the committed snapshot only when f succeeds, so a
// mutator error can never leak partial writes.
type MemoryStore struct {
	mu       sync.Mutex
	snapshot *Snapshot
	version  int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshot: NewSnapshot()}
}

func (m *MemoryStore) Read(ctx context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot.Clone(), nil
}

func (m *MemoryStore) Mutate(ctx context.Context, f Mutator) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	working := m.snapshot.Clone()
	out, err := f(working)
	if err != nil {
		return nil, err
	}
	m.snapshot = working
	m.version++
	return out, nil
}

func (m *MemoryStore) Version(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version, nil
}
