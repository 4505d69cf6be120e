package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisPrefix   = "sonate:memory:"
	redisPageSize = 100
)

// RedisMemoryStore is a Store backed by Redis.
//
// Each item is a JSON string under its own key, expiring with the item.
// Per-tenant sorted sets scored by creation time index the items by kind and
// overall. Index entries whose item has expired are dropped when read.
type RedisMemoryStore struct {
	client redis.UniversalClient
	clock  func() time.Time
}

// NewRedisMemoryStore creates a new store backed by Redis.
func NewRedisMemoryStore(addr string, password string, db int) *RedisMemoryStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisMemoryStoreWithClient(rdb)
}

// NewRedisMemoryStoreWithClient wraps an existing client.
func NewRedisMemoryStoreWithClient(client redis.UniversalClient) *RedisMemoryStore {
	return &RedisMemoryStore{client: client, clock: time.Now}
}

// Ping checks the connection.
func (s *RedisMemoryStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client's connections.
func (s *RedisMemoryStore) Close() error {
	return s.client.Close()
}

func itemKey(id string) string { return redisPrefix + "item:" + id }

func kindKey(tenantID, kind string) string { return redisPrefix + tenantID + ":kind:" + kind }

func tenantKey(tenantID string) string { return redisPrefix + tenantID + ":all" }

func (s *RedisMemoryStore) Append(ctx context.Context, m *BrainMemory) error {
	if err := prepare(m, s.clock()); err != nil {
		return err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode memory: %w", err)
	}
	score := float64(m.CreatedAt.UnixMilli())
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, itemKey(m.ID), body, 0)
		if m.ExpiresAt != nil {
			pipe.PExpireAt(ctx, itemKey(m.ID), *m.ExpiresAt)
		}
		pipe.ZAdd(ctx, kindKey(m.TenantID, m.Kind), redis.Z{Score: score, Member: m.ID})
		pipe.ZAdd(ctx, tenantKey(m.TenantID), redis.Z{Score: score, Member: m.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis memory append: %w", err)
	}
	return nil
}

// walk visits live items in index newest first until fn returns false.
func (s *RedisMemoryStore) walk(ctx context.Context, index string, fn func(*BrainMemory) bool) error {
	now := s.clock()
	for start := int64(0); ; start += redisPageSize {
		ids, err := s.client.ZRevRange(ctx, index, start, start+redisPageSize-1).Result()
		if err != nil {
			return fmt.Errorf("redis memory index %s: %w", index, err)
		}
		if len(ids) == 0 {
			return nil
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = itemKey(id)
		}
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("redis memory fetch: %w", err)
		}

		var stale []any
		for i, v := range vals {
			raw, ok := v.(string)
			if !ok {
				stale = append(stale, ids[i])
				continue
			}
			var m BrainMemory
			if err := json.Unmarshal([]byte(raw), &m); err != nil {
				return fmt.Errorf("redis memory decode %s: %w", ids[i], err)
			}
			if !m.LiveAt(now) {
				continue
			}
			if !fn(&m) {
				return nil
			}
		}
		if len(stale) > 0 {
			if err := s.client.ZRem(ctx, index, stale...).Err(); err != nil {
				return fmt.Errorf("redis memory prune: %w", err)
			}
			// The index shifted under the cursor.
			start -= int64(len(stale))
		}
		if len(ids) < redisPageSize {
			return nil
		}
	}
}

func (s *RedisMemoryStore) collect(ctx context.Context, index string, limit int, match func(*BrainMemory) bool) ([]*BrainMemory, error) {
	var out []*BrainMemory
	err := s.walk(ctx, index, func(m *BrainMemory) bool {
		if match(m) {
			out = append(out, m)
		}
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

func (s *RedisMemoryStore) Latest(ctx context.Context, tenantID, kind string) (*BrainMemory, error) {
	out, err := s.Recent(ctx, tenantID, kind, 1)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

func (s *RedisMemoryStore) Recent(ctx context.Context, tenantID, kind string, limit int) ([]*BrainMemory, error) {
	return s.collect(ctx, kindKey(tenantID, kind), limit, func(*BrainMemory) bool { return true })
}

func (s *RedisMemoryStore) ByTags(ctx context.Context, tenantID string, tags []string, matchAll bool, limit int) ([]*BrainMemory, error) {
	return s.collect(ctx, tenantKey(tenantID), limit, func(m *BrainMemory) bool { return m.HasTags(tags, matchAll) })
}

func (s *RedisMemoryStore) ByKindPattern(ctx context.Context, tenantID, pattern string, limit int) ([]*BrainMemory, error) {
	return s.collect(ctx, tenantKey(tenantID), limit, func(m *BrainMemory) bool { return MatchKind(pattern, m.Kind) })
}

func (s *RedisMemoryStore) DeleteOldest(ctx context.Context, tenantID, kind string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	ids, err := s.client.ZRevRange(ctx, kindKey(tenantID, kind), int64(keep), -1).Result()
	if err != nil {
		return 0, fmt.Errorf("redis memory index: %w", err)
	}
	return s.delete(ctx, tenantID, map[string][]string{kind: ids})
}

func (s *RedisMemoryStore) DeleteAll(ctx context.Context, tenantID, kind string) (int, error) {
	ids, err := s.client.ZRange(ctx, kindKey(tenantID, kind), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("redis memory index: %w", err)
	}
	return s.delete(ctx, tenantID, map[string][]string{kind: ids})
}

func (s *RedisMemoryStore) DeleteByTags(ctx context.Context, tenantID string, tags []string) (int, error) {
	if len(tags) == 0 {
		return 0, nil
	}
	byKind := make(map[string][]string)
	err := s.walk(ctx, tenantKey(tenantID), func(m *BrainMemory) bool {
		if m.HasTags(tags, false) {
			byKind[m.Kind] = append(byKind[m.Kind], m.ID)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	return s.delete(ctx, tenantID, byKind)
}

func (s *RedisMemoryStore) delete(ctx context.Context, tenantID string, byKind map[string][]string) (int, error) {
	total := 0
	for _, ids := range byKind {
		total += len(ids)
	}
	if total == 0 {
		return 0, nil
	}
	var dels []*redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for kind, ids := range byKind {
			if len(ids) == 0 {
				continue
			}
			members := make([]any, len(ids))
			keys := make([]string, len(ids))
			for i, id := range ids {
				members[i] = id
				keys[i] = itemKey(id)
			}
			dels = append(dels, pipe.Del(ctx, keys...))
			pipe.ZRem(ctx, kindKey(tenantID, kind), members...)
			pipe.ZRem(ctx, tenantKey(tenantID), members...)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("redis memory delete: %w", err)
	}
	n := 0
	for _, d := range dels {
		n += int(d.Val())
	}
	return n, nil
}
