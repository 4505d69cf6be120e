// Package store holds the record stores the trust core reads and writes:
// receipts, alerts and agent enforcement state, with in-memory, SQLite and
// Postgres implementations, and object-storage archives for receipts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/sonate/pkg/receipts"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// ReceiptStore persists trust receipts. Receipts are append-only.
type ReceiptStore interface {
	Append(ctx context.Context, r *receipts.TrustReceipt) error
	Get(ctx context.Context, id string) (*receipts.TrustReceipt, error)
	// LastForSession returns (nil, nil) for an empty session.
	LastForSession(ctx context.Context, sessionID string) (*receipts.TrustReceipt, error)
	// ListSession returns a session's chain, oldest first.
	ListSession(ctx context.Context, sessionID string) ([]*receipts.TrustReceipt, error)
	// ListTenant returns up to limit of a tenant's most recent receipts, newest first.
	ListTenant(ctx context.Context, tenantID string, limit int) ([]*receipts.TrustReceipt, error)
	Count(ctx context.Context, tenantID string) (int, error)
}

// Severity of an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities, low=1 through critical=4; unknown is 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertActive   AlertStatus = "active"
	AlertResolved AlertStatus = "resolved"
)

// Alert is an operator-facing notice raised by the controller.
type Alert struct {
	ID           string      `json:"id"`
	TenantID     string      `json:"tenantId"`
	Type         string      `json:"type"`
	Severity     Severity    `json:"severity"`
	Title        string      `json:"title"`
	Description  string      `json:"description"`
	AgentID      string      `json:"agentId,omitempty"`
	Acknowledged bool        `json:"acknowledged"`
	Status       AlertStatus `json:"status"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// AlertFilter selects alerts. Zero fields match everything.
type AlertFilter struct {
	TenantID     string
	Status       AlertStatus
	Acknowledged *bool
	Since        time.Time
}

func (f AlertFilter) match(a *Alert) bool {
	if f.TenantID != "" && a.TenantID != f.TenantID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Acknowledged != nil && a.Acknowledged != *f.Acknowledged {
		return false
	}
	if !f.Since.IsZero() && a.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// AlertStore persists alerts.
type AlertStore interface {
	CreateAlert(ctx context.Context, a *Alert) error
	GetAlert(ctx context.Context, id string) (*Alert, error)
	// ListAlerts returns matching alerts, newest first.
	ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error)
	CountAlerts(ctx context.Context, f AlertFilter) (int, error)
	AcknowledgeAlert(ctx context.Context, id string) error
	ResolveAlert(ctx context.Context, id string) error
}

// BanStatus is an agent's enforcement state.
type BanStatus string

const (
	AgentActive      BanStatus = "active"
	AgentBanned      BanStatus = "banned"
	AgentRestricted  BanStatus = "restricted"
	AgentQuarantined BanStatus = "quarantined"
)

// AgentRecord is the enforcement state of one agent.
type AgentRecord struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	BanStatus    BanStatus `json:"banStatus"`
	Restrictions []string  `json:"restrictions,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// AgentStore persists agent enforcement state.
type AgentStore interface {
	GetAgent(ctx context.Context, tenantID, agentID string) (*AgentRecord, error)
	PutAgent(ctx context.Context, a *AgentRecord) error
	ListAgents(ctx context.Context, tenantID string) ([]*AgentRecord, error)
}
