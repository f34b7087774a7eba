// Package statusstore implements the Status Store contract (spec §4.2): a
// key/value read model for job status snapshots and job hash records,
// backed by Redis strings and hashes with per-key TTL policy. It is not a
// source of truth; it is rebuilt from events emitted by the worker and API.
package statusstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTL policy (spec §6): status snapshots expire 24h after last write, job
// hash records expire 7 days after last write.
const (
	StatusTTL   = 24 * time.Hour
	JobTTL      = 7 * 24 * time.Hour
	ArtifactTTL = 7 * 24 * time.Hour
)

// Store is the Status Store contract: set/get/exists on strings, hash_set/
// hash_get_all on hashes, all with explicit per-call TTL.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	HashSet(ctx context.Context, key, field, value string, ttl time.Duration) error
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	// Scan iterates keys matching pattern, invoking fn for each. Used by the
	// Job API's GET /jobs linear scan (spec §9 open question decision).
	Scan(ctx context.Context, pattern string, fn func(key string) error) error
	// Del removes a key outright. No component calls it; job:{id}:cancel
	// markers are left to expire with their TTL.
	Del(ctx context.Context, key string) error
}

// RedisStore implements Store on a shared redis client.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("statusstore: set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("statusstore: get %s: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("statusstore: exists %s: %w", key, err)
	}
	return n > 0, nil
}

// HashSet sets a single field and refreshes the hash key's TTL, matching the
// "job hash record expires after 7 days" policy without a separate touch.
func (s *RedisStore) HashSet(ctx context.Context, key, field, value string, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, field, value)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("statusstore: hash_set %s.%s: %w", key, field, err)
	}
	return nil
}

func (s *RedisStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("statusstore: hash_get_all %s: %w", key, err)
	}
	return m, nil
}

func (s *RedisStore) Scan(ctx context.Context, pattern string, fn func(key string) error) error {
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("statusstore: scan %s: %w", pattern, err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("statusstore: del %s: %w", key, err)
	}
	return nil
}
