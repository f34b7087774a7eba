package queuestore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of Redis Streams, grounded on the
// consumer-group dance (XGROUP/XREADGROUP/XACK/XPENDING/XCLAIM) the teacher's
// Redis Streams backend uses.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client. Construct client with
// internal/redisclient.New.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("queuestore: append: %w", err)
	}
	return id, nil
}

// EnsureGroup creates group on stream starting at start via
// XGROUP CREATE ... MKSTREAM, which also creates an empty stream when the key
// does not yet exist; no entry is written. A BUSYGROUP reply (the group
// already exists) is treated as success.
func (s *RedisStore) EnsureGroup(ctx context.Context, stream, group, start string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err == nil {
		return nil
	}
	if isBusyGroup(err) {
		return nil
	}
	return fmt.Errorf("queuestore: ensure_group: %w", err)
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (s *RedisStore) Reserve(ctx context.Context, stream, group, consumer string, maxCount int64, block time.Duration) ([]Entry, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    maxCount,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("queuestore: reserve: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	entries := make([]Entry, 0, len(res[0].Messages))
	for _, msg := range res[0].Messages {
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

func (s *RedisStore) Ack(ctx context.Context, stream, group, entryID string) error {
	if err := s.client.XAck(ctx, stream, group, entryID).Err(); err != nil {
		return fmt.Errorf("queuestore: ack: %w", err)
	}
	return nil
}

func (s *RedisStore) Pending(ctx context.Context, stream, group string) (int64, error) {
	summary, err := s.client.XPending(ctx, stream, group).Result()
	if err != nil {
		return 0, fmt.Errorf("queuestore: pending: %w", err)
	}
	return summary.Count, nil
}

// Lag reads the consumer group's lag field from XINFO GROUPS, the count of
// entries never delivered to the group. A negative/unknown lag (possible
// when entries were trimmed from the stream) is reported as 0.
func (s *RedisStore) Lag(ctx context.Context, stream, group string) (int64, error) {
	groups, err := s.client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("queuestore: lag: %w", err)
	}
	for _, g := range groups {
		if g.Name == group {
			if g.Lag < 0 {
				return 0, nil
			}
			return g.Lag, nil
		}
	}
	return 0, ErrNotFound
}

// Reclaim uses XAUTOCLAIM to take ownership of entries idle at least minIdle,
// the single-call successor to the teacher's XPendingExt+XClaim pair.
func (s *RedisStore) Reclaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("queuestore: reclaim: %w", err)
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

// Peek reads the last n entries via XREVRANGE and reverses them back into
// chronological order, the streams equivalent of the teacher's
// LRANGE(-n, -1) queue peek.
func (s *RedisStore) Peek(ctx context.Context, stream string, n int64) ([]Entry, error) {
	msgs, err := s.client.XRevRangeN(ctx, stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("queuestore: peek: %w", err)
	}

	entries := make([]Entry, len(msgs))
	for i, msg := range msgs {
		fields := make(map[string]string, len(msg.Values))
		for k, v := range msg.Values {
			if sv, ok := v.(string); ok {
				fields[k] = sv
			} else {
				fields[k] = fmt.Sprintf("%v", v)
			}
		}
		entries[len(msgs)-1-i] = Entry{ID: msg.ID, Fields: fields}
	}
	return entries, nil
}
