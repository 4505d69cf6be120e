package override

import (
	"context"
	"sync"
)

// Store persists overrides by id.
type Store interface {
	Get(ctx context.Context, id string) (*Override, error)
	Put(ctx context.Context, o *Override) error
	Delete(ctx context.Context, id string) error
	// Scan calls fn for every stored override until fn returns false.
	Scan(ctx context.Context, fn func(*Override) bool) error
	Len(ctx context.Context) (int, error)
}

// MemoryStore is a mutex-guarded in-process Store.
type MemoryStore struct {
	mu        sync.RWMutex
	overrides map[string]*Override
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{overrides: make(map[string]*Override)}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.overrides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) Put(_ context.Context, o *Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.overrides[o.ID] = &cp
	return nil
}

// Delete removes id. Deleting a missing id is not an error.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides, id)
	return nil
}

func (s *MemoryStore) Scan(_ context.Context, fn func(*Override) bool) error {
	s.mu.RLock()
	snapshot := make([]*Override, 0, len(s.overrides))
	for _, o := range s.overrides {
		cp := *o
		snapshot = append(snapshot, &cp)
	}
	s.mu.RUnlock()

	for _, o := range snapshot {
		if !fn(o) {
			break
		}
	}
	return nil
}

func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.overrides), nil
}
