package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/sonate/pkg/receipts"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file ReceiptStore, AlertStore and AgentStore.
// Receipts are stored as their serialized JSON so the stored selfHash is
// returned exactly as written.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a database at dsn, e.g. "file:sonate.db" or
// "file::memory:?cache=shared".
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps db and creates the schema if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trust_receipts (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			previous_hash TEXT NOT NULL DEFAULT '',
			timestamp_ms INTEGER NOT NULL,
			body JSON NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS trust_receipts_session ON trust_receipts(session_id, seq)`,
		`CREATE INDEX IF NOT EXISTS trust_receipts_tenant ON trust_receipts(tenant_id, seq)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			agent_id TEXT,
			acknowledged INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			tenant_id TEXT NOT NULL,
			id TEXT NOT NULL,
			ban_status TEXT NOT NULL,
			restrictions JSON,
			reason TEXT,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (tenant_id, id)
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(context.Background(), q); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, r *receipts.TrustReceipt) error {
	body, err := r.Marshal()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO trust_receipts (
		id, session_id, tenant_id, agent_id, previous_hash, timestamp_ms, body
	) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID(), r.SessionID, r.TenantID, r.AgentID, r.PreviousHash, r.TimestampMs, string(body),
	)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*receipts.TrustReceipt, error) {
	return s.queryOne(ctx, `SELECT body FROM trust_receipts WHERE id = ?`, id)
}

func (s *SQLiteStore) LastForSession(ctx context.Context, sessionID string) (*receipts.TrustReceipt, error) {
	r, err := s.queryOne(ctx, `SELECT body FROM trust_receipts WHERE session_id = ? ORDER BY seq DESC LIMIT 1`, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return r, err
}

func (s *SQLiteStore) ListSession(ctx context.Context, sessionID string) ([]*receipts.TrustReceipt, error) {
	return s.queryMany(ctx, `SELECT body FROM trust_receipts WHERE session_id = ? ORDER BY seq ASC`, sessionID)
}

func (s *SQLiteStore) ListTenant(ctx context.Context, tenantID string, limit int) ([]*receipts.TrustReceipt, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryMany(ctx, `SELECT body FROM trust_receipts WHERE tenant_id = ? ORDER BY seq DESC LIMIT ?`, tenantID, limit)
}

func (s *SQLiteStore) Count(ctx context.Context, tenantID string) (int, error) {
	var n int
	var err error
	if tenantID == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trust_receipts`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trust_receipts WHERE tenant_id = ?`, tenantID).Scan(&n)
	}
	return n, err
}

func (s *SQLiteStore) queryOne(ctx context.Context, query string, args ...any) (*receipts.TrustReceipt, error) {
	var body string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return receipts.FromJSON([]byte(body))
}

func (s *SQLiteStore) queryMany(ctx context.Context, query string, args ...any) ([]*receipts.TrustReceipt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*receipts.TrustReceipt
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		r, err := receipts.FromJSON([]byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateAlert(ctx context.Context, a *Alert) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO alerts (
		id, tenant_id, type, severity, title, description, agent_id, acknowledged, status, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.Type, string(a.Severity), a.Title, a.Description,
		nullString(a.AgentID), a.Acknowledged, string(a.Status), a.CreatedAt.UTC().Format(sqliteTime),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

const alertColumns = `id, tenant_id, type, severity, title, description, agent_id, acknowledged, status, created_at`

func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (*Alert, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanAlert(rows)
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error) {
	where, args := alertWhere(f)
	rows, err := s.db.QueryContext(ctx, `SELECT `+alertColumns+` FROM alerts`+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountAlerts(ctx context.Context, f AlertFilter) (int, error) {
	where, args := alertWhere(f)
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts`+where, args...).Scan(&n)
	return n, err
}

func (s *SQLiteStore) AcknowledgeAlert(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE alerts SET acknowledged = 1 WHERE id = ?`, id)
}

func (s *SQLiteStore) ResolveAlert(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE alerts SET status = ? WHERE id = ?`, string(AlertResolved), id)
}

func (s *SQLiteStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func alertWhere(f AlertFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Acknowledged != nil {
		clauses = append(clauses, "acknowledged = ?")
		args = append(args, *f.Acknowledged)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(sqliteTime))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanAlert(rows *sql.Rows) (*Alert, error) {
	var (
		a         Alert
		severity  string
		status    string
		agentID   sql.NullString
		createdAt string
	)
	if err := rows.Scan(&a.ID, &a.TenantID, &a.Type, &severity, &a.Title, &a.Description,
		&agentID, &a.Acknowledged, &status, &createdAt); err != nil {
		return nil, err
	}
	a.Severity = Severity(severity)
	a.Status = AlertStatus(status)
	a.AgentID = agentID.String
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

func (s *SQLiteStore) GetAgent(ctx context.Context, tenantID, agentID string) (*AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id, id, ban_status, restrictions, reason, updated_at
		FROM agents WHERE tenant_id = ? AND id = ?`, tenantID, agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanAgent(rows)
}

func (s *SQLiteStore) PutAgent(ctx context.Context, a *AgentRecord) error {
	restrictions, err := json.Marshal(a.Restrictions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO agents (tenant_id, id, ban_status, restrictions, reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			ban_status = excluded.ban_status,
			restrictions = excluded.restrictions,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		a.TenantID, a.ID, string(a.BanStatus), string(restrictions), nullString(a.Reason),
		a.UpdatedAt.UTC().Format(sqliteTime),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context, tenantID string) ([]*AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id, id, ban_status, restrictions, reason, updated_at
		FROM agents WHERE tenant_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*AgentRecord
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAgent(rows *sql.Rows) (*AgentRecord, error) {
	var (
		a            AgentRecord
		status       string
		restrictions sql.NullString
		reason       sql.NullString
		updatedAt    string
	)
	if err := rows.Scan(&a.TenantID, &a.ID, &status, &restrictions, &reason, &updatedAt); err != nil {
		return nil, err
	}
	a.BanStatus = BanStatus(status)
	a.Reason = reason.String
	a.UpdatedAt = parseTime(updatedAt)
	if restrictions.Valid && restrictions.String != "" && restrictions.String != "null" {
		if err := json.Unmarshal([]byte(restrictions.String), &a.Restrictions); err != nil {
			return nil, fmt.Errorf("store: agent %s restrictions: %w", a.ID, err)
		}
	}
	return &a, nil
}

// sqliteTime is fixed-width so that text comparison orders chronologically.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
