package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a mutex-guarded Store for tests and single-process use.
type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string][]*entry // tenant -> oldest first
	seq   uint64
	clock func() time.Time
}

type entry struct {
	seq uint64
	m   BrainMemory
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string][]*entry), clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *InMemoryStore) WithClock(clock func() time.Time) *InMemoryStore {
	s.clock = clock
	return s
}

func (s *InMemoryStore) Append(_ context.Context, m *BrainMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := prepare(m, s.clock()); err != nil {
		return err
	}
	s.seq++
	cp := *m
	cp.Tags = append([]string(nil), m.Tags...)
	// Items stay ordered by CreatedAt then seq; a new item usually lands last.
	list := s.items[m.TenantID]
	i := sort.Search(len(list), func(i int) bool { return list[i].m.CreatedAt.After(cp.CreatedAt) })
	s.items[m.TenantID] = slices.Insert(list, i, &entry{seq: s.seq, m: cp})
	return nil
}

// scan returns live items for tenant matching fn, newest first.
func (s *InMemoryStore) scan(tenantID string, limit int, fn func(*BrainMemory) bool) []*BrainMemory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clock()
	list := s.items[tenantID]
	var out []*BrainMemory
	for i := len(list) - 1; i >= 0; i-- {
		m := list[i].m
		if !m.LiveAt(now) || !fn(&m) {
			continue
		}
		cp := m
		cp.Tags = append([]string(nil), m.Tags...)
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (s *InMemoryStore) Latest(_ context.Context, tenantID, kind string) (*BrainMemory, error) {
	out := s.scan(tenantID, 1, func(m *BrainMemory) bool { return m.Kind == kind })
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (s *InMemoryStore) Recent(_ context.Context, tenantID, kind string, limit int) ([]*BrainMemory, error) {
	return s.scan(tenantID, limit, func(m *BrainMemory) bool { return m.Kind == kind }), nil
}

func (s *InMemoryStore) ByTags(_ context.Context, tenantID string, tags []string, matchAll bool, limit int) ([]*BrainMemory, error) {
	return s.scan(tenantID, limit, func(m *BrainMemory) bool { return m.HasTags(tags, matchAll) }), nil
}

func (s *InMemoryStore) ByKindPattern(_ context.Context, tenantID, pattern string, limit int) ([]*BrainMemory, error) {
	return s.scan(tenantID, limit, func(m *BrainMemory) bool { return MatchKind(pattern, m.Kind) }), nil
}

// remove drops items for tenant where drop returns true. drop sees items
// newest first.
func (s *InMemoryStore) remove(tenantID string, drop func(*BrainMemory) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.items[tenantID]
	removed := make(map[*entry]bool)
	for i := len(list) - 1; i >= 0; i-- {
		if drop(&list[i].m) {
			removed[list[i]] = true
		}
	}
	if len(removed) == 0 {
		return 0
	}
	kept := list[:0]
	for _, e := range list {
		if !removed[e] {
			kept = append(kept, e)
		}
	}
	s.items[tenantID] = kept
	return len(removed)
}

func (s *InMemoryStore) DeleteOldest(_ context.Context, tenantID, kind string, keep int) (int, error) {
	seen := 0
	return s.remove(tenantID, func(m *BrainMemory) bool {
		if m.Kind != kind {
			return false
		}
		seen++
		return seen > keep
	}), nil
}

func (s *InMemoryStore) DeleteAll(_ context.Context, tenantID, kind string) (int, error) {
	return s.remove(tenantID, func(m *BrainMemory) bool { return m.Kind == kind }), nil
}

func (s *InMemoryStore) DeleteByTags(_ context.Context, tenantID string, tags []string) (int, error) {
	if len(tags) == 0 {
		return 0, nil
	}
	return s.remove(tenantID, func(m *BrainMemory) bool { return m.HasTags(tags, false) }), nil
}
