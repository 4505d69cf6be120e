package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/sonate/pkg/receipts"

	_ "github.com/lib/pq"
)

// PostgresSchema creates the receipt table used by PostgresReceiptStore.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS trust_receipts (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL DEFAULT '',
	agent_id TEXT NOT NULL DEFAULT '',
	previous_hash TEXT NOT NULL DEFAULT '',
	timestamp_ms BIGINT NOT NULL,
	body JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS trust_receipts_session ON trust_receipts (session_id, seq);
CREATE INDEX IF NOT EXISTS trust_receipts_tenant ON trust_receipts (tenant_id, seq);
`

// PostgresReceiptStore is a durable SQL-based ReceiptStore.
//
// The body column holds the receipt exactly as serialized. JSONB reorders
// keys, which is harmless: FromJSON keeps the stored selfHash and the hash
// is computed over canonical JSON.
type PostgresReceiptStore struct {
	db *sql.DB
}

func NewPostgresReceiptStore(db *sql.DB) *PostgresReceiptStore {
	return &PostgresReceiptStore{db: db}
}

// Migrate applies PostgresSchema.
func (s *PostgresReceiptStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("store: migrate postgres: %w", err)
	}
	return nil
}

func (s *PostgresReceiptStore) Append(ctx context.Context, r *receipts.TrustReceipt) error {
	body, err := r.Marshal()
	if err != nil {
		return err
	}
	query := `
		INSERT INTO trust_receipts (id, session_id, tenant_id, agent_id, previous_hash, timestamp_ms, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.db.ExecContext(ctx, query,
		r.ID(),
		r.SessionID,
		r.TenantID,
		r.AgentID,
		r.PreviousHash,
		r.TimestampMs,
		body,
	)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

func (s *PostgresReceiptStore) Get(ctx context.Context, id string) (*receipts.TrustReceipt, error) {
	return s.queryOne(ctx, `SELECT body FROM trust_receipts WHERE id = $1`, id)
}

// LastForSession returns the chain head for a session, or nil for a new session.
func (s *PostgresReceiptStore) LastForSession(ctx context.Context, sessionID string) (*receipts.TrustReceipt, error) {
	query := `
		SELECT body FROM trust_receipts
		WHERE session_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`
	r, err := s.queryOne(ctx, query, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return r, err
}

func (s *PostgresReceiptStore) ListSession(ctx context.Context, sessionID string) ([]*receipts.TrustReceipt, error) {
	return s.queryMany(ctx, `SELECT body FROM trust_receipts WHERE session_id = $1 ORDER BY seq ASC`, sessionID)
}

func (s *PostgresReceiptStore) ListTenant(ctx context.Context, tenantID string, limit int) ([]*receipts.TrustReceipt, error) {
	if limit <= 0 {
		return s.queryMany(ctx, `SELECT body FROM trust_receipts WHERE tenant_id = $1 ORDER BY seq DESC`, tenantID)
	}
	return s.queryMany(ctx, `SELECT body FROM trust_receipts WHERE tenant_id = $1 ORDER BY seq DESC LIMIT $2`, tenantID, limit)
}

func (s *PostgresReceiptStore) Count(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trust_receipts WHERE ($1 = '' OR tenant_id = $1)`, tenantID).Scan(&n)
	return n, err
}

func (s *PostgresReceiptStore) queryOne(ctx context.Context, query string, args ...any) (*receipts.TrustReceipt, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return receipts.FromJSON(body)
}

func (s *PostgresReceiptStore) queryMany(ctx context.Context, query string, args ...any) ([]*receipts.TrustReceipt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*receipts.TrustReceipt
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		r, err := receipts.FromJSON(body)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
