package override

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/sonate/pkg/trust"
)

// DefaultCapacity is the number of stored overrides above which the oldest
// fifth is evicted.
const DefaultCapacity = 10000

// Manager creates, looks up and revokes overrides.
type Manager struct {
	mu         sync.Mutex // serializes Create/Revoke against eviction
	store      Store
	authorizer *Authorizer
	capacity   int
	clock      func() time.Time
	logger     *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore replaces the default in-memory store.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithAuthorizer requires every request to carry a token verified by a.
func WithAuthorizer(a *Authorizer) Option {
	return func(m *Manager) { m.authorizer = a }
}

// WithCapacity overrides DefaultCapacity.
func WithCapacity(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.capacity = n
		}
	}
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		store:    NewMemoryStore(),
		capacity: DefaultCapacity,
		clock:    time.Now,
		logger:   slog.Default().With("component", "override"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create validates req and stores a new override.
func (m *Manager) Create(ctx context.Context, req Request) (*Override, error) {
	now := m.clock().UTC()
	if err := ValidateRequest(req, now); err != nil {
		return nil, err
	}
	if m.authorizer != nil {
		if req.Token == "" {
			return nil, &ValidationError{Field: "token", Message: "authorizer token is required"}
		}
		claims, err := m.authorizer.Verify(req.Token)
		if err != nil {
			return nil, err
		}
		if claims.Subject != req.AuthorizedBy {
			return nil, &ValidationError{
				Field:   "authorizedBy",
				Message: fmt.Sprintf("token subject %q does not match authorizedBy %q", claims.Subject, req.AuthorizedBy),
			}
		}
	}

	o := &Override{
		ID:                uuid.NewString(),
		ReceiptID:         req.ReceiptID,
		AgentID:           req.AgentID,
		AuthorizedBy:      req.AuthorizedBy,
		AuthorizedAt:      now,
		Reason:            req.Reason,
		PrinciplesApplied: append([]trust.Principle(nil), req.PrinciplesApplied...),
	}
	if req.ExpiresAt != nil {
		exp := req.ExpiresAt.UTC()
		o.ExpiresAt = &exp
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Put(ctx, o); err != nil {
		return nil, fmt.Errorf("override: store: %w", err)
	}
	if err := m.evictLocked(ctx); err != nil {
		m.logger.WarnContext(ctx, "override eviction failed", "error", err)
	}

	m.logger.InfoContext(ctx, "override created",
		"override_id", o.ID,
		"receipt_id", o.ReceiptID,
		"agent_id", o.AgentID,
		"authorized_by", o.AuthorizedBy,
	)
	return o, nil
}

// Get returns the override with id, valid or not.
func (m *Manager) Get(ctx context.Context, id string) (*Override, error) {
	return m.store.Get(ctx, id)
}

// ByReceipt returns the overrides for receiptID that are valid now, oldest
// first.
func (m *Manager) ByReceipt(ctx context.Context, receiptID string) ([]*Override, error) {
	return m.collect(ctx, func(o *Override) bool { return o.ReceiptID == receiptID })
}

// ByAgent returns the overrides for agentID that are valid now, oldest first.
func (m *Manager) ByAgent(ctx context.Context, agentID string) ([]*Override, error) {
	return m.collect(ctx, func(o *Override) bool { return o.AgentID == agentID })
}

func (m *Manager) collect(ctx context.Context, match func(*Override) bool) ([]*Override, error) {
	now := m.clock()
	var out []*Override
	err := m.store.Scan(ctx, func(o *Override) bool {
		if match(o) && o.ValidAt(now) {
			out = append(out, o)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("override: scan: %w", err)
	}
	sortOldestFirst(out)
	return out, nil
}

// Revoke deletes the override with id. Revoking a missing id succeeds.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("override: revoke %s: %w", id, err)
	}
	m.logger.InfoContext(ctx, "override revoked", "override_id", id)
	return nil
}

// IsValid reports whether o is in force now.
func (m *Manager) IsValid(o *Override) bool {
	return o != nil && o.ValidAt(m.clock())
}

// evictLocked drops the oldest fifth of overrides by AuthorizedAt once the
// store holds more than the capacity.
func (m *Manager) evictLocked(ctx context.Context) error {
	n, err := m.store.Len(ctx)
	if err != nil {
		return err
	}
	if n <= m.capacity {
		return nil
	}

	all := make([]*Override, 0, n)
	if err := m.store.Scan(ctx, func(o *Override) bool {
		all = append(all, o)
		return true
	}); err != nil {
		return err
	}
	sortOldestFirst(all)

	drop := len(all) / 5
	if drop == 0 {
		drop = 1
	}
	for _, o := range all[:drop] {
		if err := m.store.Delete(ctx, o.ID); err != nil {
			return err
		}
	}
	m.logger.InfoContext(ctx, "overrides evicted", "count", drop, "capacity", m.capacity)
	return nil
}

func sortOldestFirst(list []*Override) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].AuthorizedAt.Equal(list[j].AuthorizedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].AuthorizedAt.Before(list[j].AuthorizedAt)
	})
}

// Statistics summarizes the stored overrides.
type Statistics struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	// ByReason counts overrides by the text of their reason before the first
	// colon.
	ByReason     map[string]int `json:"byReason"`
	ByAuthorizer map[string]int `json:"byAuthorizer"`
	// AverageDuration is the mean of ExpiresAt-AuthorizedAt over overrides
	// that declare an expiry, or zero when none do.
	AverageDuration time.Duration `json:"averageDuration"`
}

// Statistics aggregates every stored override.
func (m *Manager) Statistics(ctx context.Context) (Statistics, error) {
	now := m.clock()
	stats := Statistics{
		ByReason:     make(map[string]int),
		ByAuthorizer: make(map[string]int),
	}
	var total time.Duration
	var withExpiry int
	err := m.store.Scan(ctx, func(o *Override) bool {
		stats.Total++
		if o.ValidAt(now) {
			stats.Active++
		}
		stats.ByReason[ReasonPrefix(o.Reason)]++
		stats.ByAuthorizer[o.AuthorizedBy]++
		if o.ExpiresAt != nil {
			total += o.ExpiresAt.Sub(o.AuthorizedAt)
			withExpiry++
		}
		return true
	})
	if err != nil {
		return Statistics{}, fmt.Errorf("override: scan: %w", err)
	}
	if withExpiry > 0 {
		stats.AverageDuration = total / time.Duration(withExpiry)
	}
	return stats, nil
}

// ReasonPrefix returns the text of reason before its first colon, trimmed.
// A reason without a colon is its own prefix.
func ReasonPrefix(reason string) string {
	prefix, _, _ := strings.Cut(reason, ":")
	return strings.TrimSpace(prefix)
}
