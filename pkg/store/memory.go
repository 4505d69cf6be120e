package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/sonate/pkg/receipts"
)

// MemoryStore is an in-memory ReceiptStore, AlertStore and AgentStore.
// Records are copied in and out.
type MemoryStore struct {
	mu       sync.RWMutex
	receipts map[string]*receipts.TrustReceipt
	sessions map[string][]string
	order    []string
	alerts   map[string]*Alert
	agents   map[string]*AgentRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		receipts: make(map[string]*receipts.TrustReceipt),
		sessions: make(map[string][]string),
		alerts:   make(map[string]*Alert),
		agents:   make(map[string]*AgentRecord),
	}
}

func copyReceipt(r *receipts.TrustReceipt) *receipts.TrustReceipt {
	c := *r
	return &c
}

func (m *MemoryStore) Append(_ context.Context, r *receipts.TrustReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.receipts[r.ID()]; exists {
		return fmt.Errorf("store: receipt %s already exists", r.ID())
	}
	m.receipts[r.ID()] = copyReceipt(r)
	m.sessions[r.SessionID] = append(m.sessions[r.SessionID], r.ID())
	m.order = append(m.order, r.ID())
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*receipts.TrustReceipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receipts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyReceipt(r), nil
}

func (m *MemoryStore) LastForSession(_ context.Context, sessionID string) (*receipts.TrustReceipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.sessions[sessionID]
	if len(ids) == 0 {
		return nil, nil
	}
	return copyReceipt(m.receipts[ids[len(ids)-1]]), nil
}

func (m *MemoryStore) ListSession(_ context.Context, sessionID string) ([]*receipts.TrustReceipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.sessions[sessionID]
	out := make([]*receipts.TrustReceipt, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyReceipt(m.receipts[id]))
	}
	return out, nil
}

func (m *MemoryStore) ListTenant(_ context.Context, tenantID string, limit int) ([]*receipts.TrustReceipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*receipts.TrustReceipt
	for i := len(m.order) - 1; i >= 0; i-- {
		r := m.receipts[m.order[i]]
		if r.TenantID != tenantID {
			continue
		}
		out = append(out, copyReceipt(r))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Count(_ context.Context, tenantID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.receipts {
		if tenantID == "" || r.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateAlert(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.alerts[a.ID]; exists {
		return fmt.Errorf("store: alert %s already exists", a.ID)
	}
	c := *a
	m.alerts[a.ID] = &c
	return nil
}

func (m *MemoryStore) GetAlert(_ context.Context, id string) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, f AlertFilter) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Alert
	for _, a := range m.alerts {
		if f.match(a) {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) CountAlerts(_ context.Context, f AlertFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.alerts {
		if f.match(a) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) AcknowledgeAlert(_ context.Context, id string) error {
	return m.updateAlert(id, func(a *Alert) { a.Acknowledged = true })
}

func (m *MemoryStore) ResolveAlert(_ context.Context, id string) error {
	return m.updateAlert(id, func(a *Alert) { a.Status = AlertResolved })
}

func (m *MemoryStore) updateAlert(id string, fn func(*Alert)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return ErrNotFound
	}
	fn(a)
	return nil
}

func agentKey(tenantID, agentID string) string { return tenantID + "/" + agentID }

func copyAgent(a *AgentRecord) *AgentRecord {
	c := *a
	c.Restrictions = append([]string(nil), a.Restrictions...)
	return &c
}

func (m *MemoryStore) GetAgent(_ context.Context, tenantID, agentID string) (*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agentKey(tenantID, agentID)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAgent(a), nil
}

func (m *MemoryStore) PutAgent(_ context.Context, a *AgentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agentKey(a.TenantID, a.ID)] = copyAgent(a)
	return nil
}

func (m *MemoryStore) ListAgents(_ context.Context, tenantID string) ([]*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AgentRecord
	for _, a := range m.agents {
		if a.TenantID == tenantID {
			out = append(out, copyAgent(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
