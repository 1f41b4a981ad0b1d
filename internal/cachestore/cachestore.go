// Package cachestore is a typed wrapper over go-redis/redis/v9 implementing
// the cache key layout of spec.md §6. Callers never import go-redis
// directly — the same seam the teacher draws between its repository
// interfaces and their Postgres implementations.
package cachestore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Keys used across the federation cache, per spec.md §6.
const (
	KeyEntityID        = "entity_id"
	KeyHistoricalKeys  = "historical_keys"
	KeySubordinates    = "subordinates"      // hash: entityid -> subordinate statement JWS
	KeySubordinatesJWT = "subordinates:jwt"  // hash: entityid -> verified entity-config JWS
	KeyRP              = "rp"                // set
	KeyOP              = "op"                // set
	KeyTAIA            = "taia"              // set
	KeyNewSubordinate  = "newsubordinate"    // list: tree-walk queue
	KeyTrustMarkAllTime = "tm:alltime"       // set of sha256(jws)
	KeySubordinateQuery = "subordinate_query" // hash: fetch-endpoint url -> subordinate statement JWS
)

// TrustMarkRevoked is the literal value written to a trust-mark hash field
// on revocation, per spec.md §4.5's TrustMark state machine.
const TrustMarkRevoked = "revoked"

// TrustMarkHashKey is the per-entity trust-mark hash key: tm:<entity>.
func TrustMarkHashKey(entity string) string { return "tm:" + entity }

// TrustMarkTypeSetKey is the per-type subject-set key: tmtype:<tmtype>.
func TrustMarkTypeSetKey(tmtype string) string { return "tmtype:" + tmtype }

// Store wraps a redis.Client with the typed operations the federation core
// needs: string, hash, set, and list access.
type Store struct {
	rdb *redis.Client
}

// New builds a Store connected to addr.
func New(addr string) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

// Ping verifies connectivity at startup.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.rdb.Close() }

// SetString sets a plain string key (entity_id, historical_keys).
func (s *Store) SetString(ctx context.Context, key, value string) error {
	if err := s.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("cachestore: SET %s: %w", key, err)
	}
	return nil
}

// GetString reads a plain string key. ok is false when absent.
func (s *Store) GetString(ctx context.Context, key string) (value string, ok bool, err error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cachestore: GET %s: %w", key, err)
	}
	return v, true, nil
}

// HSet sets a field within a hash.
func (s *Store) HSet(ctx context.Context, hashKey, field, value string) error {
	if err := s.rdb.HSet(ctx, hashKey, field, value).Err(); err != nil {
		return fmt.Errorf("cachestore: HSET %s %s: %w", hashKey, field, err)
	}
	return nil
}

// HGet reads a single hash field. ok is false when absent.
func (s *Store) HGet(ctx context.Context, hashKey, field string) (value string, ok bool, err error) {
	v, err := s.rdb.HGet(ctx, hashKey, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cachestore: HGET %s %s: %w", hashKey, field, err)
	}
	return v, true, nil
}

// HDel removes a hash field.
func (s *Store) HDel(ctx context.Context, hashKey, field string) error {
	if err := s.rdb.HDel(ctx, hashKey, field).Err(); err != nil {
		return fmt.Errorf("cachestore: HDEL %s %s: %w", hashKey, field, err)
	}
	return nil
}

// HGetAll reads every field of a hash.
func (s *Store) HGetAll(ctx context.Context, hashKey string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("cachestore: HGETALL %s: %w", hashKey, err)
	}
	return m, nil
}

// SAdd adds members to a set.
func (s *Store) SAdd(ctx context.Context, setKey string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	if err := s.rdb.SAdd(ctx, setKey, vals...).Err(); err != nil {
		return fmt.Errorf("cachestore: SADD %s: %w", setKey, err)
	}
	return nil
}

// SRem removes members from a set.
func (s *Store) SRem(ctx context.Context, setKey string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	if err := s.rdb.SRem(ctx, setKey, vals...).Err(); err != nil {
		return fmt.Errorf("cachestore: SREM %s: %w", setKey, err)
	}
	return nil
}

// SMembers returns every member of a set.
func (s *Store) SMembers(ctx context.Context, setKey string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("cachestore: SMEMBERS %s: %w", setKey, err)
	}
	return members, nil
}

// SIsMember reports set membership.
func (s *Store) SIsMember(ctx context.Context, setKey, member string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, setKey, member).Result()
	if err != nil {
		return false, fmt.Errorf("cachestore: SISMEMBER %s: %w", setKey, err)
	}
	return ok, nil
}

// LPush pushes a value onto the head of a list (the tree-walk queue).
func (s *Store) LPush(ctx context.Context, listKey, value string) error {
	if err := s.rdb.LPush(ctx, listKey, value).Err(); err != nil {
		return fmt.Errorf("cachestore: LPUSH %s: %w", listKey, err)
	}
	return nil
}

// RPop pops a value from the tail of a list, ok is false when empty.
func (s *Store) RPop(ctx context.Context, listKey string) (value string, ok bool, err error) {
	v, err := s.rdb.RPop(ctx, listKey).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cachestore: RPOP %s: %w", listKey, err)
	}
	return v, true, nil
}

// LRange returns a range of a list's elements.
func (s *Store) LRange(ctx context.Context, listKey string, start, stop int64) ([]string, error) {
	vals, err := s.rdb.LRange(ctx, listKey, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("cachestore: LRANGE %s: %w", listKey, err)
	}
	return vals, nil
}
