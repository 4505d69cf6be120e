// Package memory stores what the controller learns between cycles, keyed by
// tenant and kind and ordered by creation time.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
)

// Well-known kinds written by the controller.
const (
	KindCycleFindings = "cycle_findings"
	KindActionOutcome = "action_outcome"
	KindEffectiveness = "effectiveness"
	KindThresholds    = "thresholds"
)

// BrainMemory is one remembered item.
type BrainMemory struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenantId"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Tags      []string        `json:"tags,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
}

// New builds a memory with a fresh id and payload encoded as JSON.
// CreatedAt is left for the store to fill.
func New(tenantID, kind string, payload any, tags ...string) (*BrainMemory, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("memory: encode %s payload: %w", kind, err)
	}
	return &BrainMemory{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Kind:     kind,
		Payload:  b,
		Tags:     tags,
	}, nil
}

// Decode unmarshals the payload into v.
func (m *BrainMemory) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("memory: decode %s payload: %w", m.Kind, err)
	}
	return nil
}

// LiveAt reports whether m has not expired at now.
func (m *BrainMemory) LiveAt(now time.Time) bool {
	return m.ExpiresAt == nil || m.ExpiresAt.After(now)
}

// HasTags reports whether m carries all of tags (matchAll) or any of them.
func (m *BrainMemory) HasTags(tags []string, matchAll bool) bool {
	if len(tags) == 0 {
		return matchAll
	}
	have := make(map[string]bool, len(m.Tags))
	for _, t := range m.Tags {
		have[t] = true
	}
	for _, t := range tags {
		if have[t] && !matchAll {
			return true
		}
		if !have[t] && matchAll {
			return false
		}
	}
	return matchAll
}

// MatchKind reports whether kind matches a shell-style pattern such as
// "action_*".
func MatchKind(pattern, kind string) bool {
	ok, err := path.Match(pattern, kind)
	return err == nil && ok
}

// Store is the memory contract shared by every backend. Reads skip expired
// items and return newest first unless stated otherwise. A limit of zero or
// less means no limit.
type Store interface {
	// Append stores m, filling ID and CreatedAt when empty.
	Append(ctx context.Context, m *BrainMemory) error
	// Latest returns the newest item of kind, or nil when there is none.
	Latest(ctx context.Context, tenantID, kind string) (*BrainMemory, error)
	Recent(ctx context.Context, tenantID, kind string, limit int) ([]*BrainMemory, error)
	// ByTags returns items carrying all of tags when matchAll is set, or any
	// of them otherwise.
	ByTags(ctx context.Context, tenantID string, tags []string, matchAll bool, limit int) ([]*BrainMemory, error)
	ByKindPattern(ctx context.Context, tenantID, pattern string, limit int) ([]*BrainMemory, error)
	// DeleteOldest removes all but the newest keep items of kind.
	DeleteOldest(ctx context.Context, tenantID, kind string, keep int) (int, error)
	DeleteAll(ctx context.Context, tenantID, kind string) (int, error)
	// DeleteByTags removes items carrying any of tags.
	DeleteByTags(ctx context.Context, tenantID string, tags []string) (int, error)
}

func prepare(m *BrainMemory, now time.Time) error {
	if m.TenantID == "" || m.Kind == "" {
		return fmt.Errorf("memory: tenantId and kind are required")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now.UTC()
	}
	if len(m.Payload) == 0 {
		m.Payload = json.RawMessage("null")
	}
	return nil
}
