// Package queuestore implements the Queue Store contract: a durable,
// ordered log with consumer-group semantics (spec §4.1). RedisStore is
// grounded on the teacher's storage-backends Redis Streams adapter; MemStore
// is an in-memory fake with matching semantics used to validate the contract
// in tests and to run the suite without a Redis instance.
package queuestore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an operation references an entry or group
// that the store has no record of.
var ErrNotFound = errors.New("queuestore: not found")

// Entry is a single delivered record: its stream-assigned id and the field
// map it was appended with.
type Entry struct {
	ID     string
	Fields map[string]string
}

// Store is the Queue Store contract (spec §4.1). Implementations must
// provide at-least-once delivery: an entry reserved and never acked becomes
// eligible for reclaim after an implementation-defined idle period.
type Store interface {
	// Append adds a record to stream and returns its monotonic entry id.
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)

	// EnsureGroup idempotently creates group on stream starting at start
	// ("$" for only-new, "0" for from-the-beginning). A redundant call must
	// not fail.
	EnsureGroup(ctx context.Context, stream, group, start string) error

	// Reserve returns up to maxCount entries never delivered to any
	// consumer in group, blocking up to block for new entries. An empty
	// result after the block elapses is not an error.
	Reserve(ctx context.Context, stream, group, consumer string, maxCount int64, block time.Duration) ([]Entry, error)

	// Ack marks entryID acknowledged by group. Acking an already-acked or
	// unknown id is a no-op.
	Ack(ctx context.Context, stream, group, entryID string) error

	// Pending returns the number of entries delivered to group but not yet
	// acknowledged.
	Pending(ctx context.Context, stream, group string) (int64, error)

	// Lag returns the number of entries appended to stream that group has
	// never delivered to any consumer (spec §4.8 scale signal component).
	Lag(ctx context.Context, stream, group string) (int64, error)

	// Reclaim claims entries idle at least minIdle in group and reassigns
	// them to consumer, up to count entries. Used by the reclaim loop to
	// satisfy the at-least-once redelivery guarantee.
	Reclaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error)

	// Peek returns up to the last n entries appended to stream, oldest
	// first, without delivering them to any group. Read-only, for
	// operator inspection (spec §7 ops tooling).
	Peek(ctx context.Context, stream string, n int64) ([]Entry, error)
}
