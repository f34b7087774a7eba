// Package logstream implements the Log Stream contract (spec §4.3): an
// append-only ordered log of entries per job, read by id range rather than
// by consumer group. Grounded on the same Redis Streams primitives as
// internal/queuestore, minus the group mechanics.
package logstream

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Entry is a single log line with the stream id it was assigned.
type Entry struct {
	ID     string
	Fields map[string]string
}

// Store is the Log Stream contract.
type Store interface {
	// Append adds an entry to the stream and returns its assigned id.
	Append(ctx context.Context, key string, fields map[string]string) (string, error)

	// ReadFrom returns up to maxCount entries strictly after startID
	// ("0" means from the beginning).
	ReadFrom(ctx context.Context, key, startID string, maxCount int64) ([]Entry, error)
}

// RedisStore implements Store on Redis Streams via XADD/XRANGE.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Append(ctx context.Context, key string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		ID:     "*",
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("logstream: append %s: %w", key, err)
	}
	return id, nil
}

// ReadFrom reads entries strictly after startID using an exclusive XRANGE
// start bound ("(id"), matching spec §4.3's "strictly after id N" semantics.
// startID == "0" reads from the beginning inclusive.
func (s *RedisStore) ReadFrom(ctx context.Context, key, startID string, maxCount int64) ([]Entry, error) {
	start := startID
	if start != "0" && start != "-" {
		start = "(" + start
	}
	msgs, err := s.client.XRangeN(ctx, key, start, "+", maxCount).Result()
	if err != nil {
		return nil, fmt.Errorf("logstream: read_from %s: %w", key, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		fields := make(map[string]string, len(msg.Values))
		for k, v := range msg.Values {
			if sv, ok := v.(string); ok {
				fields[k] = sv
			} else {
				fields[k] = fmt.Sprintf("%v", v)
			}
		}
		entries = append(entries, Entry{ID: msg.ID, Fields: fields})
	}
	return entries, nil
}
