package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresSchema creates the table used by PostgresMemoryStore.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS brain_memory (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload JSONB NOT NULL,
	tags TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS brain_memory_tenant_kind ON brain_memory (tenant_id, kind, created_at DESC);
CREATE INDEX IF NOT EXISTS brain_memory_tags ON brain_memory USING GIN (tags);
`

const memoryColumns = "id, tenant_id, kind, payload, tags, created_at, expires_at"

// liveClause filters out expired rows; the placeholder is bound to now.
const liveClause = "(expires_at IS NULL OR expires_at > $%d)"

// PostgresMemoryStore is a Store backed by PostgreSQL.
type PostgresMemoryStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewPostgresMemoryStore creates a new store instance.
func NewPostgresMemoryStore(db *sql.DB) *PostgresMemoryStore {
	return &PostgresMemoryStore{db: db, clock: time.Now}
}

// Migrate creates the memory table if it does not exist.
func (s *PostgresMemoryStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("failed to migrate brain_memory: %w", err)
	}
	return nil
}

func (s *PostgresMemoryStore) Append(ctx context.Context, m *BrainMemory) error {
	if err := prepare(m, s.clock()); err != nil {
		return err
	}
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO brain_memory ("+memoryColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7)",
		m.ID, m.TenantID, m.Kind, []byte(m.Payload), pq.Array(tags), m.CreatedAt, m.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to append memory: %w", err)
	}
	return nil
}

func (s *PostgresMemoryStore) Latest(ctx context.Context, tenantID, kind string) (*BrainMemory, error) {
	out, err := s.Recent(ctx, tenantID, kind, 1)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

func (s *PostgresMemoryStore) Recent(ctx context.Context, tenantID, kind string, limit int) ([]*BrainMemory, error) {
	return s.query(ctx, "kind = $2", limit, tenantID, kind)
}

func (s *PostgresMemoryStore) ByTags(ctx context.Context, tenantID string, tags []string, matchAll bool, limit int) ([]*BrainMemory, error) {
	op := "&&"
	if matchAll {
		op = "@>"
	}
	return s.query(ctx, "tags "+op+" $2", limit, tenantID, pq.Array(tags))
}

func (s *PostgresMemoryStore) ByKindPattern(ctx context.Context, tenantID, pattern string, limit int) ([]*BrainMemory, error) {
	return s.query(ctx, "kind LIKE $2", limit, tenantID, likePattern(pattern))
}

// query selects live rows for tenant ($1) matching where, newest first.
// where may reference $2; now and the limit take the next placeholders.
func (s *PostgresMemoryStore) query(ctx context.Context, where string, limit int, args ...any) ([]*BrainMemory, error) {
	q := "SELECT " + memoryColumns + " FROM brain_memory WHERE tenant_id = $1 AND " + where +
		" AND " + fmt.Sprintf(liveClause, len(args)+1) + " ORDER BY created_at DESC"
	args = append(args, s.clock().UTC())
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory: %w", err)
	}
	defer rows.Close()

	var out []*BrainMemory
	for rows.Next() {
		var m BrainMemory
		var payload []byte
		var expires sql.NullTime
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Kind, &payload, pq.Array(&m.Tags), &m.CreatedAt, &expires); err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		m.Payload = payload
		if expires.Valid {
			t := expires.Time
			m.ExpiresAt = &t
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *PostgresMemoryStore) DeleteOldest(ctx context.Context, tenantID, kind string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	return s.exec(ctx, `
		DELETE FROM brain_memory WHERE id IN (
			SELECT id FROM brain_memory WHERE tenant_id = $1 AND kind = $2
			ORDER BY created_at DESC OFFSET $3
		)`, tenantID, kind, keep)
}

func (s *PostgresMemoryStore) DeleteAll(ctx context.Context, tenantID, kind string) (int, error) {
	return s.exec(ctx, "DELETE FROM brain_memory WHERE tenant_id = $1 AND kind = $2", tenantID, kind)
}

func (s *PostgresMemoryStore) DeleteByTags(ctx context.Context, tenantID string, tags []string) (int, error) {
	if len(tags) == 0 {
		return 0, nil
	}
	return s.exec(ctx, "DELETE FROM brain_memory WHERE tenant_id = $1 AND tags && $2", tenantID, pq.Array(tags))
}

func (s *PostgresMemoryStore) exec(ctx context.Context, q string, args ...any) (int, error) {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted memory: %w", err)
	}
	return int(n), nil
}

// likePattern turns a shell-style pattern into a LIKE pattern.
func likePattern(pattern string) string {
	r := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`, "*", "%", "?", "_")
	return r.Replace(pattern)
}
