package queuestore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newStores returns both Store implementations under test, backed by
// independent state, so the contract suite below runs identically against
// each.
func newStores(t *testing.T) map[string]Store {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]Store{
		"mem":   NewMemStore(),
		"redis": NewRedisStore(client),
	}
}

func TestAppendIsOrderedAndMonotonic(t *testing.T) {
	ctx := context.Background()
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			id1, err := store.Append(ctx, "s", map[string]string{"n": "1"})
			if err != nil {
				t.Fatal(err)
			}
			id2, err := store.Append(ctx, "s", map[string]string{"n": "2"})
			if err != nil {
				t.Fatal(err)
			}
			if id1 == id2 {
				t.Fatalf("expected distinct ids, got %s twice", id1)
			}
		})
	}
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.EnsureGroup(ctx, "s", "g", "$"); err != nil {
				t.Fatal(err)
			}
			if err := store.EnsureGroup(ctx, "s", "g", "$"); err != nil {
				t.Fatalf("redundant ensure_group must not fail: %v", err)
			}
		})
	}
}

func TestReserveOnlyDeliversUndeliveredEntries(t *testing.T) {
	ctx := context.Background()
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.EnsureGroup(ctx, "s", "g", "0"); err != nil {
				t.Fatal(err)
			}
			if _, err := store.Append(ctx, "s", map[string]string{"n": "1"}); err != nil {
				t.Fatal(err)
			}
			if _, err := store.Append(ctx, "s", map[string]string{"n": "2"}); err != nil {
				t.Fatal(err)
			}

			first, err := store.Reserve(ctx, "s", "g", "c1", 10, 10*time.Millisecond)
			if err != nil {
				t.Fatal(err)
			}
			if len(first) != 2 {
				t.Fatalf("expected 2 entries, got %d", len(first))
			}

			second, err := store.Reserve(ctx, "s", "g", "c2", 10, 10*time.Millisecond)
			if err != nil {
				t.Fatal(err)
			}
			if len(second) != 0 {
				t.Fatalf("expected no re-delivery of already-delivered entries, got %d", len(second))
			}
		})
	}
}

func TestEnsureGroupDollarStartSkipsExistingEntries(t *testing.T) {
	ctx := context.Background()
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Append(ctx, "s", map[string]string{"n": "1"}); err != nil {
				t.Fatal(err)
			}
			if err := store.EnsureGroup(ctx, "s", "g", "$"); err != nil {
				t.Fatal(err)
			}
			entries, err := store.Reserve(ctx, "s", "g", "c1", 10, 10*time.Millisecond)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 0 {
				t.Fatalf("expected 0 entries delivered before the group's creation point, got %d", len(entries))
			}

			if _, err := store.Append(ctx, "s", map[string]string{"n": "2"}); err != nil {
				t.Fatal(err)
			}
			entries, err = store.Reserve(ctx, "s", "g", "c1", 10, 10*time.Millisecond)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 1 {
				t.Fatalf("expected 1 entry appended after group creation, got %d", len(entries))
			}
		})
	}
}

func TestAckIsIdempotentAndDurable(t *testing.T) {
	ctx := context.Background()
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.EnsureGroup(ctx, "s", "g", "0"); err != nil {
				t.Fatal(err)
			}
			id, err := store.Append(ctx, "s", map[string]string{"n": "1"})
			if err != nil {
				t.Fatal(err)
			}
			if _, err := store.Reserve(ctx, "s", "g", "c1", 10, 10*time.Millisecond); err != nil {
				t.Fatal(err)
			}

			if err := store.Ack(ctx, "s", "g", id); err != nil {
				t.Fatal(err)
			}
			if err := store.Ack(ctx, "s", "g", id); err != nil {
				t.Fatalf("acking an already-acked id must be a no-op: %v", err)
			}

			pending, err := store.Pending(ctx, "s", "g")
			if err != nil {
				t.Fatal(err)
			}
			if pending != 0 {
				t.Fatalf("expected 0 pending after ack, got %d", pending)
			}
		})
	}
}

func TestPendingTracksUnacknowledgedEntries(t *testing.T) {
	ctx := context.Background()
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.EnsureGroup(ctx, "s", "g", "0"); err != nil {
				t.Fatal(err)
			}
			if _, err := store.Append(ctx, "s", map[string]string{"n": "1"}); err != nil {
				t.Fatal(err)
			}
			if _, err := store.Append(ctx, "s", map[string]string{"n": "2"}); err != nil {
				t.Fatal(err)
			}
			if _, err := store.Reserve(ctx, "s", "g", "c1", 10, 10*time.Millisecond); err != nil {
				t.Fatal(err)
			}

			pending, err := store.Pending(ctx, "s", "g")
			if err != nil {
				t.Fatal(err)
			}
			if pending != 2 {
				t.Fatalf("expected 2 pending, got %d", pending)
			}
		})
	}
}

func TestLagCountsNeverDeliveredEntries(t *testing.T) {
	ctx := context.Background()
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.EnsureGroup(ctx, "s", "g", "0"); err != nil {
				t.Fatal(err)
			}
			for i := 0; i < 3; i++ {
				if _, err := store.Append(ctx, "s", map[string]string{"n": "1"}); err != nil {
					t.Fatal(err)
				}
			}

			lag, err := store.Lag(ctx, "s", "g")
			if err != nil {
				t.Fatal(err)
			}
			if lag != 3 {
				t.Fatalf("expected lag 3 before any delivery, got %d", lag)
			}

			if _, err := store.Reserve(ctx, "s", "g", "c1", 2, 10*time.Millisecond); err != nil {
				t.Fatal(err)
			}
			lag, err = store.Lag(ctx, "s", "g")
			if err != nil {
				t.Fatal(err)
			}
			if lag != 1 {
				t.Fatalf("expected lag 1 after delivering 2 of 3, got %d", lag)
			}
		})
	}
}

func TestReclaimRedeliversAfterMinIdle(t *testing.T) {
	ctx := context.Background()
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.EnsureGroup(ctx, "s", "g", "0"); err != nil {
				t.Fatal(err)
			}
			id, err := store.Append(ctx, "s", map[string]string{"n": "1"})
			if err != nil {
				t.Fatal(err)
			}
			if _, err := store.Reserve(ctx, "s", "g", "dead-consumer", 10, 10*time.Millisecond); err != nil {
				t.Fatal(err)
			}

			// Not idle long enough yet: nothing reclaimable.
			claimed, err := store.Reclaim(ctx, "s", "g", "c2", time.Hour, 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(claimed) != 0 {
				t.Fatalf("expected nothing reclaimable before min idle elapses, got %d", len(claimed))
			}

			claimed, err = store.Reclaim(ctx, "s", "g", "c2", 0, 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(claimed) != 1 || claimed[0].ID != id {
				t.Fatalf("expected entry %s to be reclaimed, got %+v", id, claimed)
			}

			if err := store.Ack(ctx, "s", "g", id); err != nil {
				t.Fatal(err)
			}
			pending, err := store.Pending(ctx, "s", "g")
			if err != nil {
				t.Fatal(err)
			}
			if pending != 0 {
				t.Fatalf("expected 0 pending after reclaimed entry is acked, got %d", pending)
			}
		})
	}
}

func TestPeekReturnsLastNInChronologicalOrder(t *testing.T) {
	ctx := context.Background()
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				if _, err := store.Append(ctx, "s", map[string]string{"n": fmt.Sprintf("%d", i)}); err != nil {
					t.Fatal(err)
				}
			}

			entries, err := store.Peek(ctx, "s", 3)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 3 {
				t.Fatalf("expected 3 entries, got %d", len(entries))
			}
			want := []string{"2", "3", "4"}
			for i, e := range entries {
				if e.Fields["n"] != want[i] {
					t.Fatalf("expected entries oldest-first %v, got %+v", want, entries)
				}
			}
		})
	}
}

func TestPeekNeverDeliversToAnyGroup(t *testing.T) {
	ctx := context.Background()
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.EnsureGroup(ctx, "s", "g", "0"); err != nil {
				t.Fatal(err)
			}
			if _, err := store.Append(ctx, "s", map[string]string{"n": "1"}); err != nil {
				t.Fatal(err)
			}
			if _, err := store.Peek(ctx, "s", 10); err != nil {
				t.Fatal(err)
			}

			lag, err := store.Lag(ctx, "s", "g")
			if err != nil {
				t.Fatal(err)
			}
			if lag != 1 {
				t.Fatalf("expected peek to leave the entry un-delivered (lag 1), got %d", lag)
			}
		})
	}
}
